package earnout

import (
	"time"

	"github.com/google/uuid"
)

// Request/Response DTOs

// CreateDealRequest contains parameters for creating a deal. The caller
// becomes the buyer.
type CreateDealRequest struct {
	Name    string
	Seller  Principal
	Auditor Principal
	StartAt time.Time
}

// SetParametersRequest contains the financial terms and sub-period
// boundaries to lock. SubperiodIDs, Starts and Ends are parallel arrays.
type SetParametersRequest struct {
	DealID         uuid.UUID
	DurationMonths uint32
	KPIThreshold   uint64
	MaxPayout      uint64
	SubperiodIDs   []string
	Starts         []time.Time
	Ends           []time.Time
}

// AddDocumentRequest contains parameters for registering evidence
type AddDocumentRequest struct {
	DealID         uuid.UUID
	SubperiodIndex int
	ContentID      string
	Classification string
}

// AuditDocumentRequest contains the auditor's signature over a record
type AuditDocumentRequest struct {
	DealID    uuid.UUID
	RecordID  uuid.UUID
	Signature []byte
	PublicKey []byte
}

// SettleRequest contains the KPI submission and the buyer's payment
type SettleRequest struct {
	DealID      uuid.UUID
	KPIKind     string
	KPIValue    uint64
	Attestation []byte
	Payment     uint64
}

// KeyReleaseRequest asks whether Caller may obtain the decryption key KeyID
// for a deal's evidence.
type KeyReleaseRequest struct {
	DealID        uuid.UUID
	Caller        Principal
	KeyID         []byte
	SchemaVersion uint32
}
