package earnout

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the main interface for the earn-out ledger. Every method
// taking a caller treats it as an authenticated identity established by the
// transport layer.
type Service interface {
	// Deal lifecycle
	CreateDeal(ctx context.Context, caller Principal, req CreateDealRequest) (*Deal, error)
	SetParameters(ctx context.Context, caller Principal, req SetParametersRequest) (*Deal, error)
	ChangeAuditor(ctx context.Context, caller Principal, dealID uuid.UUID, newAuditor Principal) (*Deal, error)
	GetDeal(ctx context.Context, dealID uuid.UUID) (*Deal, error)
	ListDeals(ctx context.Context, principal Principal) ([]*Deal, error)

	// Document registry
	AddDocument(ctx context.Context, caller Principal, req AddDocumentRequest) (*AuditRecord, error)

	// Audit trail
	AuditDocument(ctx context.Context, caller Principal, req AuditDocumentRequest) (*AuditRecord, error)
	ListAuditRecords(ctx context.Context, dealID uuid.UUID) ([]*AuditRecord, error)
	SubperiodStatuses(ctx context.Context, dealID uuid.UUID) ([]SubperiodStatus, error)

	// Settlement
	SubmitKPIAndSettle(ctx context.Context, caller Principal, req SettleRequest) (*Settlement, error)
	DispatchSettlement(ctx context.Context, dealID uuid.UUID) error

	// Access policy
	AddPolicyMember(ctx context.Context, caller Principal, dealID uuid.UUID, principal Principal) error
	RemovePolicyMember(ctx context.Context, caller Principal, dealID uuid.UUID, principal Principal) error
	TransferCapability(ctx context.Context, caller Principal, dealID uuid.UUID, to Principal) error
	PolicyMembers(ctx context.Context, dealID uuid.UUID) ([]Principal, error)
	AuthorizeKeyRelease(ctx context.Context, req KeyReleaseRequest) (bool, error)
	EvidenceURL(ctx context.Context, caller Principal, dealID uuid.UUID, contentID string) (string, error)
}
