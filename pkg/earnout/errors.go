package earnout

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tendant/simple-earnout/pkg/earnout/accesspolicy"
)

// Kind classifies a failure so callers can decide how to react.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuthorization: the caller is not the required party.
	KindAuthorization
	// KindState: the operation is invalid at the deal's current lifecycle stage.
	KindState
	// KindValidation: malformed input.
	KindValidation
	// KindCrypto: a signature or attestation failed verification.
	KindCrypto
	// KindResource: supplied funds do not cover the computed payout.
	KindResource
	// KindNotFound: the deal or record does not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindValidation:
		return "validation"
	case KindCrypto:
		return "crypto"
	case KindResource:
		return "resource"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error types
var (
	// ErrNotBuyer indicates the caller is not the deal's buyer
	ErrNotBuyer = errors.New("caller is not the deal buyer")

	// ErrNotAuditor indicates the caller is not the deal's auditor
	ErrNotAuditor = errors.New("caller is not the deal auditor")

	// ErrNotParty indicates the caller is not the buyer, seller or auditor of the deal
	ErrNotParty = errors.New("caller is not a party to the deal")

	// ErrNotCapabilityHolder indicates the caller does not hold the policy capability
	ErrNotCapabilityHolder = errors.New("caller does not hold the policy capability")

	// ErrNotPolicyMember indicates the caller is not on the deal's access policy
	ErrNotPolicyMember = errors.New("caller is not an access policy member")

	// ErrParametersLocked indicates the deal parameters have already been locked
	ErrParametersLocked = errors.New("deal parameters already locked")

	// ErrParametersNotLocked indicates the deal parameters have not been locked yet
	ErrParametersNotLocked = errors.New("deal parameters not locked")

	// ErrSubperiodOutOfRange indicates a sub-period index outside the deal's sub-periods
	ErrSubperiodOutOfRange = errors.New("sub-period index out of range")

	// ErrAlreadyAudited indicates the audit record has already been signed off
	ErrAlreadyAudited = errors.New("audit record already audited")

	// ErrAlreadySettled indicates the deal has already been settled
	ErrAlreadySettled = errors.New("deal already settled")

	// ErrKPIAlreadySubmitted indicates a KPI result already exists for the deal
	ErrKPIAlreadySubmitted = errors.New("kpi already submitted")

	// ErrAuditIncomplete indicates at least one sub-period is not fully audited
	ErrAuditIncomplete = errors.New("evidence not fully audited")

	// ErrLengthMismatch indicates parallel sub-period arrays of different lengths
	ErrLengthMismatch = errors.New("sub-period arrays have mismatched lengths")

	// ErrMissingParty indicates a required party identity is empty
	ErrMissingParty = errors.New("missing required party")

	// ErrDuplicateParty indicates two roles were given the same identity
	ErrDuplicateParty = errors.New("party identities must be distinct")

	// ErrInvalidSubperiod indicates a malformed sub-period definition
	ErrInvalidSubperiod = errors.New("invalid sub-period")

	// ErrInvalidDocument indicates a malformed document reference
	ErrInvalidDocument = errors.New("invalid document reference")

	// ErrDuplicateDocument indicates the content identifier is already registered on the deal
	ErrDuplicateDocument = errors.New("document already registered")

	// ErrEvidenceNotFound indicates the content identifier does not resolve in the evidence store
	ErrEvidenceNotFound = errors.New("evidence not found")

	// ErrInvalidSignature indicates the audit signature did not verify
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidAttestation indicates the KPI attestation did not verify
	ErrInvalidAttestation = errors.New("invalid attestation")

	// ErrInsufficientPayment indicates the payment does not cover the payout
	ErrInsufficientPayment = errors.New("insufficient payment")

	// ErrDealNotFound indicates a deal was not found
	ErrDealNotFound = errors.New("deal not found")

	// ErrAuditRecordNotFound indicates an audit record was not found
	ErrAuditRecordNotFound = errors.New("audit record not found")

	// ErrEvidenceStoreNotConfigured indicates no evidence store is wired
	ErrEvidenceStoreNotConfigured = errors.New("evidence store not configured")

	// ErrNotSettled indicates the deal has no settlement to dispatch
	ErrNotSettled = errors.New("deal not settled")

	// ErrDisburserNotConfigured indicates no disburser is wired
	ErrDisburserNotConfigured = errors.New("disburser not configured")
)

var sentinelKinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotBuyer, KindAuthorization},
	{ErrNotAuditor, KindAuthorization},
	{ErrNotCapabilityHolder, KindAuthorization},
	{ErrNotPolicyMember, KindAuthorization},
	{ErrNotParty, KindAuthorization},
	{accesspolicy.ErrCapabilityMismatch, KindAuthorization},
	{accesspolicy.ErrNotHolder, KindAuthorization},
	{ErrParametersLocked, KindState},
	{ErrParametersNotLocked, KindState},
	{ErrSubperiodOutOfRange, KindState},
	{ErrAlreadyAudited, KindState},
	{ErrAlreadySettled, KindState},
	{ErrKPIAlreadySubmitted, KindState},
	{ErrAuditIncomplete, KindState},
	{accesspolicy.ErrSchemaVersionMismatch, KindState},
	{ErrEvidenceStoreNotConfigured, KindState},
	{ErrNotSettled, KindState},
	{ErrDisburserNotConfigured, KindState},
	{ErrLengthMismatch, KindValidation},
	{ErrMissingParty, KindValidation},
	{ErrDuplicateParty, KindValidation},
	{ErrInvalidSubperiod, KindValidation},
	{ErrInvalidDocument, KindValidation},
	{ErrDuplicateDocument, KindValidation},
	{ErrEvidenceNotFound, KindValidation},
	{accesspolicy.ErrEmptyPrincipal, KindValidation},
	{ErrInvalidSignature, KindCrypto},
	{ErrInvalidAttestation, KindCrypto},
	{ErrInsufficientPayment, KindResource},
	{ErrDealNotFound, KindNotFound},
	{ErrAuditRecordNotFound, KindNotFound},
}

// KindOf returns the failure kind carried by err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var de *DealError
	if errors.As(err, &de) && de.Kind != KindUnknown {
		return de.Kind
	}
	for _, sk := range sentinelKinds {
		if errors.Is(err, sk.err) {
			return sk.kind
		}
	}
	return KindUnknown
}

// DealError represents a failed operation against a deal
type DealError struct {
	DealID uuid.UUID
	Op     string
	Kind   Kind
	Err    error
}

func (e *DealError) Error() string {
	return fmt.Sprintf("deal operation %s failed for deal %s (%s): %v", e.Op, e.DealID, e.Kind, e.Err)
}

func (e *DealError) Unwrap() error {
	return e.Err
}

// wrapSentinel makes sure err matches sentinel under errors.Is.
func wrapSentinel(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}

func newDealError(op string, dealID uuid.UUID, err error) error {
	var de *DealError
	if errors.As(err, &de) {
		return err
	}
	return &DealError{
		DealID: dealID,
		Op:     op,
		Kind:   KindOf(err),
		Err:    err,
	}
}
