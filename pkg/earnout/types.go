package earnout

import (
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-earnout/pkg/earnout/accesspolicy"
)

// Principal is a party identity (wallet address or account ID).
type Principal string

// Transfer purposes.
const (
	TransferPurposePayout = "payout"
	TransferPurposeRefund = "refund"
)

// Deal is the aggregate root for one earn-out agreement.
//
// Buyer, Seller and Auditor are fixed at creation; ChangeAuditor is the only
// way to replace a party. DurationMonths, KPIThreshold, MaxPayout and
// Subperiods are writable until ParametersLocked flips to true, and never
// after.
type Deal struct {
	ID               uuid.UUID   `json:"id"`
	Name             string      `json:"name"`
	Buyer            Principal   `json:"buyer"`
	Seller           Principal   `json:"seller"`
	Auditor          Principal   `json:"auditor"`
	StartAt          time.Time   `json:"start_at"`
	DurationMonths   uint32      `json:"duration_months"`
	KPIThreshold     uint64      `json:"kpi_threshold"`
	MaxPayout        uint64      `json:"max_payout"`
	Subperiods       []Subperiod `json:"subperiods"`
	ParametersLocked bool        `json:"parameters_locked"`
	KPIResult        *KPIResult  `json:"kpi_result,omitempty"`
	Settled          bool        `json:"settled"`
	SettledAmount    uint64      `json:"settled_amount"`
	Settlement       *Settlement `json:"settlement,omitempty"`
	PolicyID         uuid.UUID   `json:"policy_id"`
	CapabilityID     uuid.UUID   `json:"capability_id"`
	Version          int64       `json:"version"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Subperiod is a time-bounded group of evidence documents.
type Subperiod struct {
	ID        string              `json:"id"`
	StartAt   time.Time           `json:"start_at"`
	EndAt     time.Time           `json:"end_at"`
	Documents []DocumentReference `json:"documents"`
}

// DocumentReference points at one evidence file in the external blob store.
type DocumentReference struct {
	ContentID      string    `json:"content_id"`
	Classification string    `json:"classification"`
	UploadedAt     time.Time `json:"uploaded_at"`
	UploadedBy     Principal `json:"uploaded_by"`
	AuditRecordID  uuid.UUID `json:"audit_record_id"`
}

// AuditRecord tracks auditor sign-off for one registered document.
// Audited goes from false to true once and never back.
type AuditRecord struct {
	ID          uuid.UUID  `json:"id"`
	DocumentID  string     `json:"document_id"`
	DealID      uuid.UUID  `json:"deal_id"`
	SubperiodID string     `json:"subperiod_id"`
	UploadedBy  Principal  `json:"uploaded_by"`
	UploadedAt  time.Time  `json:"uploaded_at"`
	Audited     bool       `json:"audited"`
	AuditedBy   *Principal `json:"audited_by,omitempty"`
	AuditedAt   *time.Time `json:"audited_at,omitempty"`
}

// KPIResult is the attested KPI stored at settlement time.
type KPIResult struct {
	Kind        string    `json:"kind"`
	Value       uint64    `json:"value"`
	Attestation []byte    `json:"attestation"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Transfer is one fund movement produced by settlement.
type Transfer struct {
	ID      string    `json:"id"`
	DealID  uuid.UUID `json:"deal_id"`
	To      Principal `json:"to"`
	Amount  uint64    `json:"amount"`
	Purpose string    `json:"purpose"`
}

// Settlement is the outcome of SubmitKPIAndSettle.
type Settlement struct {
	DealID    uuid.UUID  `json:"deal_id"`
	Payment   uint64     `json:"payment"`
	Payout    uint64     `json:"payout"`
	Refund    uint64     `json:"refund"`
	Transfers []Transfer `json:"transfers"`
	SettledAt time.Time  `json:"settled_at"`
}

// SubperiodStatus summarizes audit completeness for one sub-period.
type SubperiodStatus struct {
	SubperiodID string `json:"subperiod_id"`
	Total       int    `json:"total"`
	Audited     int    `json:"audited"`
	Ready       bool   `json:"ready"`
}

// EvidenceMeta describes an evidence object in the blob store.
type EvidenceMeta struct {
	ContentID   string
	Size        int64
	ContentType string
	ETag        string
	UpdatedAt   time.Time
}

// DealState is everything one transition may read or write: the deal, its
// access policy and capability, and its audit records. Repositories load and
// persist it as a unit.
type DealState struct {
	Deal       *Deal
	Policy     *accesspolicy.Policy
	Capability *accesspolicy.Capability
	Records    []*AuditRecord
}

// Record returns the audit record with the given ID, or nil.
func (s *DealState) Record(id uuid.UUID) *AuditRecord {
	for _, r := range s.Records {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Clone returns a deep copy of the state.
func (s *DealState) Clone() *DealState {
	if s == nil {
		return nil
	}
	out := &DealState{
		Deal:       s.Deal.Clone(),
		Policy:     s.Policy.Clone(),
		Capability: s.Capability.Clone(),
		Records:    make([]*AuditRecord, 0, len(s.Records)),
	}
	for _, r := range s.Records {
		out.Records = append(out.Records, r.Clone())
	}
	return out
}

// Clone returns a deep copy of the deal.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	out := *d
	if d.Subperiods != nil {
		out.Subperiods = make([]Subperiod, len(d.Subperiods))
		for i, sp := range d.Subperiods {
			out.Subperiods[i] = sp
			out.Subperiods[i].Documents = append([]DocumentReference(nil), sp.Documents...)
		}
	}
	if d.KPIResult != nil {
		kr := *d.KPIResult
		kr.Attestation = append([]byte(nil), d.KPIResult.Attestation...)
		out.KPIResult = &kr
	}
	if d.Settlement != nil {
		st := *d.Settlement
		st.Transfers = append([]Transfer(nil), d.Settlement.Transfers...)
		out.Settlement = &st
	}
	return &out
}

// Clone returns a deep copy of the record.
func (r *AuditRecord) Clone() *AuditRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.AuditedBy != nil {
		by := *r.AuditedBy
		out.AuditedBy = &by
	}
	if r.AuditedAt != nil {
		at := *r.AuditedAt
		out.AuditedAt = &at
	}
	return &out
}

// IsParty reports whether p is the buyer, seller or auditor of the deal.
func (d *Deal) IsParty(p Principal) bool {
	return p == d.Buyer || p == d.Seller || p == d.Auditor
}
