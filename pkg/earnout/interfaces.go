package earnout

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the interface for deal persistence.
//
// UpdateDeal is the only write path after creation. Implementations must give
// each call exclusive access to the deal for the duration of fn and persist
// the state fn leaves behind only when fn returns nil. Concurrent UpdateDeal
// calls on the same deal are serialized.
type Repository interface {
	// CreateDeal persists a new deal together with its policy and capability
	CreateDeal(ctx context.Context, state *DealState) error

	// GetDeal returns a snapshot of the deal state
	GetDeal(ctx context.Context, id uuid.UUID) (*DealState, error)

	// ListDeals returns deals where principal is buyer, seller or auditor
	ListDeals(ctx context.Context, principal Principal) ([]*Deal, error)

	// UpdateDeal runs fn against a private copy of the deal state and commits it atomically
	UpdateDeal(ctx context.Context, id uuid.UUID, fn func(state *DealState) error) error
}

// SignatureVerifier checks an auditor's signature over an audit message.
type SignatureVerifier interface {
	Verify(message, signature, publicKey []byte) error
}

// KPIClaim is what an attestation must vouch for.
type KPIClaim struct {
	DealID uuid.UUID
	Kind   string
	Value  uint64
}

// AttestationVerifier checks the attestation accompanying a KPI submission.
type AttestationVerifier interface {
	VerifyAttestation(ctx context.Context, claim KPIClaim, attestation []byte) error
}

// Disburser moves funds for a settled deal. Implementations must treat
// Transfer.ID as an idempotency key: disbursing the same transfers twice
// moves funds once.
type Disburser interface {
	Disburse(ctx context.Context, dealID uuid.UUID, transfers []Transfer) error
}

// EvidenceStore resolves content identifiers in the external blob store. It
// only ever reads object metadata and issues download URLs.
type EvidenceStore interface {
	// Stat returns metadata for the content, or ErrEvidenceNotFound
	Stat(ctx context.Context, contentID string) (*EvidenceMeta, error)

	// DownloadURL returns a time-limited URL for fetching the encrypted content
	DownloadURL(ctx context.Context, contentID string) (string, error)
}

// EventSink defines the interface for domain event delivery. Events are
// emitted after the transition commits and are meant for external indexing.
type EventSink interface {
	// DealCreated is fired when a deal, its policy and capability are created
	DealCreated(ctx context.Context, deal *Deal) error

	// ParametersLocked is fired when deal parameters are set and locked
	ParametersLocked(ctx context.Context, deal *Deal) error

	// AuditorChanged is fired when the buyer replaces the auditor
	AuditorChanged(ctx context.Context, deal *Deal, previous Principal) error

	// DocumentAdded is fired when a document and its audit record are registered
	DocumentAdded(ctx context.Context, deal *Deal, record *AuditRecord) error

	// DocumentAudited is fired when the auditor signs off a record
	DocumentAudited(ctx context.Context, record *AuditRecord) error

	// KPISubmitted is fired when the attested KPI is stored
	KPISubmitted(ctx context.Context, dealID uuid.UUID, result *KPIResult) error

	// DealSettled is fired when the deal is settled
	DealSettled(ctx context.Context, settlement *Settlement) error

	// PolicyChanged is fired when a principal is added to or removed from the access policy
	PolicyChanged(ctx context.Context, dealID uuid.UUID, action string, principal Principal) error
}
