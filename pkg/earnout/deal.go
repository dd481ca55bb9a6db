package earnout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-earnout/pkg/earnout/accesspolicy"
)

// Deal lifecycle operations

func (s *service) CreateDeal(ctx context.Context, caller Principal, req CreateDealRequest) (*Deal, error) {
	const op = "create_deal"

	if err := validateParties(caller, req.Seller, req.Auditor); err != nil {
		return nil, s.fail(op, uuid.Nil, err)
	}

	capability, policy := accesspolicy.Create()
	if err := capability.Bind(string(caller)); err != nil {
		return nil, s.fail(op, uuid.Nil, err)
	}
	for _, p := range []Principal{caller, req.Seller, req.Auditor} {
		if err := policy.Add(capability, string(p)); err != nil {
			return nil, s.fail(op, uuid.Nil, err)
		}
	}

	now := s.now()
	startAt := req.StartAt
	if startAt.IsZero() {
		startAt = now
	}
	deal := &Deal{
		ID:           uuid.New(),
		Name:         req.Name,
		Buyer:        caller,
		Seller:       req.Seller,
		Auditor:      req.Auditor,
		StartAt:      startAt.UTC(),
		Subperiods:   []Subperiod{},
		PolicyID:     policy.ID,
		CapabilityID: capability.ID(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	state := &DealState{
		Deal:       deal,
		Policy:     policy,
		Capability: capability,
	}
	if err := s.repository.CreateDeal(ctx, state); err != nil {
		return nil, s.fail(op, deal.ID, err)
	}

	s.logger.Info("Deal created", "deal_id", deal.ID, "buyer", deal.Buyer, "seller", deal.Seller,
		"auditor", deal.Auditor, "policy_id", deal.PolicyID, "capability_id", deal.CapabilityID)
	s.emitted("deal.created", deal.ID, s.eventSink.DealCreated(ctx, deal.Clone()))

	return deal.Clone(), nil
}

func validateParties(buyer, seller, auditor Principal) error {
	if buyer == "" {
		return fmt.Errorf("%w: buyer", ErrMissingParty)
	}
	if seller == "" {
		return fmt.Errorf("%w: seller", ErrMissingParty)
	}
	if auditor == "" {
		return fmt.Errorf("%w: auditor", ErrMissingParty)
	}
	if buyer == seller || buyer == auditor || seller == auditor {
		return ErrDuplicateParty
	}
	return nil
}

func (s *service) SetParameters(ctx context.Context, caller Principal, req SetParametersRequest) (*Deal, error) {
	const op = "set_parameters"

	var out *Deal
	err := s.repository.UpdateDeal(ctx, req.DealID, func(st *DealState) error {
		d := st.Deal
		if caller != d.Buyer {
			return ErrNotBuyer
		}
		if d.ParametersLocked {
			return ErrParametersLocked
		}
		subperiods, err := buildSubperiods(req.SubperiodIDs, req.Starts, req.Ends)
		if err != nil {
			return err
		}

		d.DurationMonths = req.DurationMonths
		d.KPIThreshold = req.KPIThreshold
		d.MaxPayout = req.MaxPayout
		d.Subperiods = subperiods
		d.ParametersLocked = true
		d.UpdatedAt = s.now()

		out = d.Clone()
		return nil
	})
	if err != nil {
		return nil, s.fail(op, req.DealID, err)
	}

	s.logger.Info("Deal parameters locked", "deal_id", out.ID, "duration_months", out.DurationMonths,
		"kpi_threshold", out.KPIThreshold, "max_payout", out.MaxPayout, "subperiods", len(out.Subperiods))
	s.emitted("parameters.locked", out.ID, s.eventSink.ParametersLocked(ctx, out.Clone()))

	return out, nil
}

// buildSubperiods zips the parallel boundary arrays. At least one sub-period
// is required so that settlement always has evidence to gate on.
func buildSubperiods(ids []string, starts, ends []time.Time) ([]Subperiod, error) {
	if len(ids) != len(starts) || len(ids) != len(ends) {
		return nil, fmt.Errorf("%w: ids=%d starts=%d ends=%d", ErrLengthMismatch, len(ids), len(starts), len(ends))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one sub-period is required", ErrInvalidSubperiod)
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]Subperiod, 0, len(ids))
	for i, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("%w: sub-period %d has an empty id", ErrInvalidSubperiod, i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate sub-period id %q", ErrInvalidSubperiod, id)
		}
		seen[id] = struct{}{}
		if ends[i].Before(starts[i]) {
			return nil, fmt.Errorf("%w: sub-period %q ends before it starts", ErrInvalidSubperiod, id)
		}
		out = append(out, Subperiod{
			ID:        id,
			StartAt:   starts[i].UTC(),
			EndAt:     ends[i].UTC(),
			Documents: []DocumentReference{},
		})
	}
	return out, nil
}

func (s *service) ChangeAuditor(ctx context.Context, caller Principal, dealID uuid.UUID, newAuditor Principal) (*Deal, error) {
	const op = "change_auditor"

	var (
		out      *Deal
		previous Principal
	)
	err := s.repository.UpdateDeal(ctx, dealID, func(st *DealState) error {
		d := st.Deal
		if caller != d.Buyer {
			return ErrNotBuyer
		}
		if st.Capability.Holder() != string(caller) {
			return ErrNotCapabilityHolder
		}
		if newAuditor == "" {
			return fmt.Errorf("%w: auditor", ErrMissingParty)
		}
		if newAuditor == d.Buyer || newAuditor == d.Seller {
			return ErrDuplicateParty
		}

		previous = d.Auditor
		if err := st.Policy.Remove(st.Capability, string(previous)); err != nil {
			return err
		}
		if err := st.Policy.Add(st.Capability, string(newAuditor)); err != nil {
			return err
		}
		d.Auditor = newAuditor
		d.UpdatedAt = s.now()

		out = d.Clone()
		return nil
	})
	if err != nil {
		return nil, s.fail(op, dealID, err)
	}

	s.logger.Info("Deal auditor changed", "deal_id", dealID, "previous", previous, "auditor", newAuditor)
	s.emitted("auditor.changed", dealID, s.eventSink.AuditorChanged(ctx, out.Clone(), previous))

	return out, nil
}

func (s *service) GetDeal(ctx context.Context, dealID uuid.UUID) (*Deal, error) {
	st, err := s.repository.GetDeal(ctx, dealID)
	if err != nil {
		return nil, newDealError("get_deal", dealID, err)
	}
	return st.Deal, nil
}

func (s *service) ListDeals(ctx context.Context, principal Principal) ([]*Deal, error) {
	return s.repository.ListDeals(ctx, principal)
}
