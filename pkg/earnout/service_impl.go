package earnout

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// service implements the Service interface
type service struct {
	repository  Repository
	signatures  SignatureVerifier
	attestation AttestationVerifier
	disburser   Disburser
	evidence    EvidenceStore
	eventSink   EventSink
	logger      *slog.Logger
	now         func() time.Time
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithRepository sets the repository for the service
func WithRepository(repo Repository) Option {
	return func(s *service) {
		s.repository = repo
	}
}

// WithSignatureVerifier replaces the default Ed25519 audit signature verifier
func WithSignatureVerifier(v SignatureVerifier) Option {
	return func(s *service) {
		s.signatures = v
	}
}

// WithAttestationVerifier replaces the default non-empty attestation check
func WithAttestationVerifier(v AttestationVerifier) Option {
	return func(s *service) {
		s.attestation = v
	}
}

// WithDisburser sets where settlement transfers are sent after commit
func WithDisburser(d Disburser) Option {
	return func(s *service) {
		s.disburser = d
	}
}

// WithEvidenceStore enables content identifier checks and evidence URLs
func WithEvidenceStore(store EvidenceStore) Option {
	return func(s *service) {
		s.evidence = store
	}
}

// WithEventSink sets the event sink for the service
func WithEventSink(sink EventSink) Option {
	return func(s *service) {
		s.eventSink = sink
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		signatures:  Ed25519Verifier{},
		attestation: NonEmptyAttestationVerifier{},
		eventSink:   NewNoopEventSink(),
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, option := range options {
		option(s)
	}

	if s.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if s.signatures == nil {
		return nil, fmt.Errorf("signature verifier is required")
	}
	if s.attestation == nil {
		return nil, fmt.Errorf("attestation verifier is required")
	}
	if s.eventSink == nil {
		s.eventSink = NewNoopEventSink()
	}

	return s, nil
}

// fail wraps err with the operation context and logs it.
func (s *service) fail(op string, dealID uuid.UUID, err error) error {
	err = newDealError(op, dealID, err)
	kind := KindOf(err)
	if kind == KindUnknown {
		s.logger.Error("Deal operation failed", "op", op, "deal_id", dealID, "error", err)
	} else {
		s.logger.Warn("Deal operation rejected", "op", op, "deal_id", dealID, "kind", kind.String(), "error", err)
	}
	return err
}

// emitted logs event sink failures; they never fail the operation.
func (s *service) emitted(event string, dealID uuid.UUID, err error) {
	if err != nil {
		s.logger.Warn("Failed to emit event", "event", event, "deal_id", dealID, "error", err)
	}
}
