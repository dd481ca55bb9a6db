package earnout

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// NoopEventSink is a no-operation implementation of EventSink
// Useful when no indexer consumes deal events, and for testing
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-operation event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

func (n *NoopEventSink) DealCreated(ctx context.Context, deal *Deal) error {
	return nil
}

func (n *NoopEventSink) ParametersLocked(ctx context.Context, deal *Deal) error {
	return nil
}

func (n *NoopEventSink) AuditorChanged(ctx context.Context, deal *Deal, previous Principal) error {
	return nil
}

func (n *NoopEventSink) DocumentAdded(ctx context.Context, deal *Deal, record *AuditRecord) error {
	return nil
}

func (n *NoopEventSink) DocumentAudited(ctx context.Context, record *AuditRecord) error {
	return nil
}

func (n *NoopEventSink) KPISubmitted(ctx context.Context, dealID uuid.UUID, result *KPIResult) error {
	return nil
}

func (n *NoopEventSink) DealSettled(ctx context.Context, settlement *Settlement) error {
	return nil
}

func (n *NoopEventSink) PolicyChanged(ctx context.Context, dealID uuid.UUID, action string, principal Principal) error {
	return nil
}

// LoggingEventSink writes every domain event as a structured log line
// Useful for development and as a minimal audit log
type LoggingEventSink struct {
	logger *slog.Logger
}

// NewLoggingEventSink creates a new logging event sink
func NewLoggingEventSink(logger *slog.Logger) EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingEventSink{logger: logger.With("component", "events")}
}

// DealCreated logs the deal creation event
func (l *LoggingEventSink) DealCreated(ctx context.Context, deal *Deal) error {
	l.logger.InfoContext(ctx, "deal.created", "deal_id", deal.ID, "buyer", deal.Buyer,
		"seller", deal.Seller, "auditor", deal.Auditor, "policy_id", deal.PolicyID)
	return nil
}

// ParametersLocked logs the parameter lock event
func (l *LoggingEventSink) ParametersLocked(ctx context.Context, deal *Deal) error {
	l.logger.InfoContext(ctx, "parameters.locked", "deal_id", deal.ID, "kpi_threshold", deal.KPIThreshold,
		"max_payout", deal.MaxPayout, "subperiods", len(deal.Subperiods))
	return nil
}

// AuditorChanged logs the auditor replacement event
func (l *LoggingEventSink) AuditorChanged(ctx context.Context, deal *Deal, previous Principal) error {
	l.logger.InfoContext(ctx, "auditor.changed", "deal_id", deal.ID, "previous", previous, "auditor", deal.Auditor)
	return nil
}

// DocumentAdded logs the document registration event
func (l *LoggingEventSink) DocumentAdded(ctx context.Context, deal *Deal, record *AuditRecord) error {
	l.logger.InfoContext(ctx, "document.added", "deal_id", deal.ID, "subperiod_id", record.SubperiodID,
		"document_id", record.DocumentID, "record_id", record.ID)
	return nil
}

// DocumentAudited logs the audit sign-off event
func (l *LoggingEventSink) DocumentAudited(ctx context.Context, record *AuditRecord) error {
	l.logger.InfoContext(ctx, "document.audited", "deal_id", record.DealID, "record_id", record.ID,
		"document_id", record.DocumentID)
	return nil
}

// KPISubmitted logs the KPI submission event
func (l *LoggingEventSink) KPISubmitted(ctx context.Context, dealID uuid.UUID, result *KPIResult) error {
	l.logger.InfoContext(ctx, "kpi.submitted", "deal_id", dealID, "kind", result.Kind, "value", result.Value)
	return nil
}

// DealSettled logs the settlement event
func (l *LoggingEventSink) DealSettled(ctx context.Context, settlement *Settlement) error {
	l.logger.InfoContext(ctx, "deal.settled", "deal_id", settlement.DealID, "payout", settlement.Payout,
		"refund", settlement.Refund, "transfers", len(settlement.Transfers))
	return nil
}

// PolicyChanged logs the access policy change event
func (l *LoggingEventSink) PolicyChanged(ctx context.Context, dealID uuid.UUID, action string, principal Principal) error {
	l.logger.InfoContext(ctx, "policy."+action, "deal_id", dealID, "principal", principal)
	return nil
}
