package earnout

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// AuditDocument records the auditor's one-time sign-off on a record after
// verifying their signature over AuditMessage(record.DocumentID).
func (s *service) AuditDocument(ctx context.Context, caller Principal, req AuditDocumentRequest) (*AuditRecord, error) {
	const op = "audit_document"

	var out *AuditRecord
	err := s.repository.UpdateDeal(ctx, req.DealID, func(st *DealState) error {
		if caller != st.Deal.Auditor {
			return ErrNotAuditor
		}
		rec := st.Record(req.RecordID)
		if rec == nil {
			return fmt.Errorf("%w: %s", ErrAuditRecordNotFound, req.RecordID)
		}
		if rec.Audited {
			return ErrAlreadyAudited
		}
		if err := s.signatures.Verify(AuditMessage(rec.DocumentID), req.Signature, req.PublicKey); err != nil {
			return wrapSentinel(ErrInvalidSignature, err)
		}

		now := s.now()
		auditor := caller
		rec.Audited = true
		rec.AuditedBy = &auditor
		rec.AuditedAt = &now
		st.Deal.UpdatedAt = now

		out = rec.Clone()
		return nil
	})
	if err != nil {
		return nil, s.fail(op, req.DealID, err)
	}

	s.logger.Info("Document audited", "deal_id", req.DealID, "record_id", out.ID,
		"document_id", out.DocumentID, "auditor", caller)
	s.emitted("document.audited", req.DealID, s.eventSink.DocumentAudited(ctx, out.Clone()))

	return out, nil
}

func (s *service) ListAuditRecords(ctx context.Context, dealID uuid.UUID) ([]*AuditRecord, error) {
	st, err := s.repository.GetDeal(ctx, dealID)
	if err != nil {
		return nil, newDealError("list_audit_records", dealID, err)
	}
	records := st.Records
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UploadedAt.Before(records[j].UploadedAt)
	})
	return records, nil
}

func (s *service) SubperiodStatuses(ctx context.Context, dealID uuid.UUID) ([]SubperiodStatus, error) {
	st, err := s.repository.GetDeal(ctx, dealID)
	if err != nil {
		return nil, newDealError("status", dealID, err)
	}
	return dealStatuses(st.Deal, st.Records), nil
}
