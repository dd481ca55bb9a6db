package earnout

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SubmitKPIAndSettle stores the attested KPI, computes the payout and records
// the resulting transfers, all in one transition. The transfers are handed to
// the disburser after the transition commits.
func (s *service) SubmitKPIAndSettle(ctx context.Context, caller Principal, req SettleRequest) (*Settlement, error) {
	const op = "settle"

	var (
		out    *Settlement
		result *KPIResult
	)
	err := s.repository.UpdateDeal(ctx, req.DealID, func(st *DealState) error {
		d := st.Deal
		if caller != d.Buyer {
			return ErrNotBuyer
		}
		if !d.ParametersLocked {
			return ErrParametersNotLocked
		}
		if d.Settled {
			return ErrAlreadySettled
		}
		if d.KPIResult != nil {
			return ErrKPIAlreadySubmitted
		}
		for _, sp := range dealStatuses(d, st.Records) {
			if !sp.Ready {
				return fmt.Errorf("%w: sub-period %q has %d of %d documents audited",
					ErrAuditIncomplete, sp.SubperiodID, sp.Audited, sp.Total)
			}
		}

		claim := KPIClaim{DealID: d.ID, Kind: req.KPIKind, Value: req.KPIValue}
		if err := s.attestation.VerifyAttestation(ctx, claim, req.Attestation); err != nil {
			return wrapSentinel(ErrInvalidAttestation, err)
		}

		payout := Payout(req.KPIValue, d.KPIThreshold, d.MaxPayout)
		if req.Payment < payout {
			return fmt.Errorf("%w: payment %d, payout %d", ErrInsufficientPayment, req.Payment, payout)
		}

		now := s.now()
		settlement := &Settlement{
			DealID:    d.ID,
			Payment:   req.Payment,
			Payout:    payout,
			Refund:    req.Payment - payout,
			Transfers: settlementTransfers(d, payout, req.Payment-payout),
			SettledAt: now,
		}
		d.KPIResult = &KPIResult{
			Kind:        req.KPIKind,
			Value:       req.KPIValue,
			Attestation: append([]byte(nil), req.Attestation...),
			ComputedAt:  now,
		}
		d.Settled = true
		d.SettledAmount = payout
		d.Settlement = settlement
		d.UpdatedAt = now

		clone := d.Clone()
		out = clone.Settlement
		result = clone.KPIResult
		return nil
	})
	if err != nil {
		return nil, s.fail(op, req.DealID, err)
	}

	s.logger.Info("Deal settled", "deal_id", req.DealID, "kpi_kind", result.Kind, "kpi_value", result.Value,
		"payment", out.Payment, "payout", out.Payout, "refund", out.Refund)
	s.emitted("kpi.submitted", req.DealID, s.eventSink.KPISubmitted(ctx, req.DealID, result))
	s.emitted("deal.settled", req.DealID, s.eventSink.DealSettled(ctx, out))

	if s.disburser != nil {
		if err := s.disburser.Disburse(ctx, req.DealID, out.Transfers); err != nil {
			// The settlement is committed; DispatchSettlement retries.
			s.logger.Error("Failed to dispatch settlement transfers", "deal_id", req.DealID, "error", err)
		}
	}

	return out, nil
}

// Payout is MaxPayout when the KPI meets the threshold and zero otherwise.
func Payout(kpiValue, threshold, maxPayout uint64) uint64 {
	if kpiValue >= threshold {
		return maxPayout
	}
	return 0
}

func settlementTransfers(d *Deal, payout, refund uint64) []Transfer {
	transfers := make([]Transfer, 0, 2)
	if payout > 0 {
		transfers = append(transfers, Transfer{
			ID:      transferID(d.ID, TransferPurposePayout),
			DealID:  d.ID,
			To:      d.Seller,
			Amount:  payout,
			Purpose: TransferPurposePayout,
		})
	}
	if refund > 0 {
		transfers = append(transfers, Transfer{
			ID:      transferID(d.ID, TransferPurposeRefund),
			DealID:  d.ID,
			To:      d.Buyer,
			Amount:  refund,
			Purpose: TransferPurposeRefund,
		})
	}
	return transfers
}

func transferID(dealID uuid.UUID, purpose string) string {
	return dealID.String() + "/" + purpose
}

// DispatchSettlement re-sends the recorded transfers of a settled deal.
func (s *service) DispatchSettlement(ctx context.Context, dealID uuid.UUID) error {
	const op = "dispatch_settlement"

	if s.disburser == nil {
		return s.fail(op, dealID, ErrDisburserNotConfigured)
	}
	st, err := s.repository.GetDeal(ctx, dealID)
	if err != nil {
		return s.fail(op, dealID, err)
	}
	if !st.Deal.Settled || st.Deal.Settlement == nil {
		return s.fail(op, dealID, ErrNotSettled)
	}
	if err := s.disburser.Disburse(ctx, dealID, st.Deal.Settlement.Transfers); err != nil {
		return s.fail(op, dealID, fmt.Errorf("disburse: %w", err))
	}

	s.logger.Info("Settlement dispatched", "deal_id", dealID, "transfers", len(st.Deal.Settlement.Transfers))
	return nil
}
