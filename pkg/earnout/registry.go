package earnout

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AddDocument appends an evidence reference to a sub-period and creates its
// unaudited audit record in the same transition.
func (s *service) AddDocument(ctx context.Context, caller Principal, req AddDocumentRequest) (*AuditRecord, error) {
	const op = "add_document"

	// The store is only consulted for callers that pass the guards.
	snapshot, err := s.repository.GetDeal(ctx, req.DealID)
	if err != nil {
		return nil, s.fail(op, req.DealID, err)
	}
	if err := checkAddDocument(snapshot, caller, req); err != nil {
		return nil, s.fail(op, req.DealID, err)
	}

	if s.evidence != nil {
		if _, err := s.evidence.Stat(ctx, req.ContentID); err != nil {
			if !errors.Is(err, ErrEvidenceNotFound) {
				err = fmt.Errorf("stat evidence %s: %w", req.ContentID, err)
			}
			return nil, s.fail(op, req.DealID, err)
		}
	}

	var (
		record *AuditRecord
		out    *Deal
	)
	err = s.repository.UpdateDeal(ctx, req.DealID, func(st *DealState) error {
		if err := checkAddDocument(st, caller, req); err != nil {
			return err
		}
		d := st.Deal

		now := s.now()
		sp := &d.Subperiods[req.SubperiodIndex]
		rec := &AuditRecord{
			ID:          uuid.New(),
			DocumentID:  req.ContentID,
			DealID:      d.ID,
			SubperiodID: sp.ID,
			UploadedBy:  caller,
			UploadedAt:  now,
		}
		sp.Documents = append(sp.Documents, DocumentReference{
			ContentID:      req.ContentID,
			Classification: req.Classification,
			UploadedAt:     now,
			UploadedBy:     caller,
			AuditRecordID:  rec.ID,
		})
		st.Records = append(st.Records, rec)
		d.UpdatedAt = now

		record = rec.Clone()
		out = d.Clone()
		return nil
	})
	if err != nil {
		return nil, s.fail(op, req.DealID, err)
	}

	s.logger.Info("Document added", "deal_id", req.DealID, "subperiod_id", record.SubperiodID,
		"content_id", record.DocumentID, "record_id", record.ID)
	s.emitted("document.added", req.DealID, s.eventSink.DocumentAdded(ctx, out, record.Clone()))

	return record, nil
}

// checkAddDocument applies the AddDocument preconditions in order: buyer,
// locked parameters, sub-period index, then the content reference itself.
func checkAddDocument(st *DealState, caller Principal, req AddDocumentRequest) error {
	d := st.Deal
	if caller != d.Buyer {
		return ErrNotBuyer
	}
	if !d.ParametersLocked {
		return ErrParametersNotLocked
	}
	if req.SubperiodIndex < 0 || req.SubperiodIndex >= len(d.Subperiods) {
		return fmt.Errorf("%w: index %d, deal has %d", ErrSubperiodOutOfRange, req.SubperiodIndex, len(d.Subperiods))
	}
	if req.ContentID == "" {
		return fmt.Errorf("%w: content id is required", ErrInvalidDocument)
	}
	for _, r := range st.Records {
		if r.DocumentID == req.ContentID {
			return fmt.Errorf("%w: %s", ErrDuplicateDocument, req.ContentID)
		}
	}
	return nil
}
