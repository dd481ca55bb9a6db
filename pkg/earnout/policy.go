package earnout

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tendant/simple-earnout/pkg/earnout/accesspolicy"
)

// Policy change actions reported through EventSink.PolicyChanged.
const (
	PolicyMemberAdded           = "member_added"
	PolicyMemberRemoved         = "member_removed"
	PolicyCapabilityTransferred = "capability_transferred"
)

func (s *service) AddPolicyMember(ctx context.Context, caller Principal, dealID uuid.UUID, principal Principal) error {
	return s.changePolicy(ctx, "add_policy_member", PolicyMemberAdded, caller, dealID, principal,
		func(st *DealState) error {
			return st.Policy.Add(st.Capability, string(principal))
		})
}

func (s *service) RemovePolicyMember(ctx context.Context, caller Principal, dealID uuid.UUID, principal Principal) error {
	return s.changePolicy(ctx, "remove_policy_member", PolicyMemberRemoved, caller, dealID, principal,
		func(st *DealState) error {
			return st.Policy.Remove(st.Capability, string(principal))
		})
}

func (s *service) TransferCapability(ctx context.Context, caller Principal, dealID uuid.UUID, to Principal) error {
	return s.changePolicy(ctx, "transfer_capability", PolicyCapabilityTransferred, caller, dealID, to,
		func(st *DealState) error {
			return st.Capability.Transfer(string(caller), string(to))
		})
}

// changePolicy runs a capability-gated mutation of the deal's access policy.
func (s *service) changePolicy(ctx context.Context, op, action string, caller Principal, dealID uuid.UUID,
	principal Principal, mutate func(*DealState) error) error {
	err := s.repository.UpdateDeal(ctx, dealID, func(st *DealState) error {
		if st.Capability == nil || st.Capability.Holder() != string(caller) {
			return ErrNotCapabilityHolder
		}
		if err := mutate(st); err != nil {
			return err
		}
		st.Deal.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return s.fail(op, dealID, err)
	}

	s.logger.Info("Access policy changed", "deal_id", dealID, "action", action, "principal", principal)
	s.emitted("policy."+action, dealID, s.eventSink.PolicyChanged(ctx, dealID, action, principal))
	return nil
}

func (s *service) PolicyMembers(ctx context.Context, dealID uuid.UUID) ([]Principal, error) {
	st, err := s.repository.GetDeal(ctx, dealID)
	if err != nil {
		return nil, newDealError("policy_members", dealID, err)
	}
	members := st.Policy.Members()
	out := make([]Principal, 0, len(members))
	for _, m := range members {
		out = append(out, Principal(m))
	}
	return out, nil
}

// AuthorizeKeyRelease answers the key-release authority. The policy is always
// loaded from the repository; nothing in the request can stand in for it.
func (s *service) AuthorizeKeyRelease(ctx context.Context, req KeyReleaseRequest) (bool, error) {
	const op = "authorize_key_release"

	st, err := s.repository.GetDeal(ctx, req.DealID)
	if err != nil {
		return false, s.fail(op, req.DealID, err)
	}
	ok, err := accesspolicy.CheckPolicy(string(req.Caller), req.KeyID, st.Policy, req.SchemaVersion)
	if err != nil {
		return false, s.fail(op, req.DealID, err)
	}

	s.logger.Info("Key release decision", "deal_id", req.DealID, "caller", req.Caller, "allowed", ok)
	return ok, nil
}

// EvidenceURL returns a download URL for a document registered on the deal.
// Only access policy members may fetch evidence.
func (s *service) EvidenceURL(ctx context.Context, caller Principal, dealID uuid.UUID, contentID string) (string, error) {
	const op = "evidence_url"

	if s.evidence == nil {
		return "", s.fail(op, dealID, ErrEvidenceStoreNotConfigured)
	}
	st, err := s.repository.GetDeal(ctx, dealID)
	if err != nil {
		return "", s.fail(op, dealID, err)
	}
	if !st.Policy.Has(string(caller)) {
		return "", s.fail(op, dealID, ErrNotPolicyMember)
	}
	registered := false
	for _, r := range st.Records {
		if r.DocumentID == contentID {
			registered = true
			break
		}
	}
	if !registered {
		return "", s.fail(op, dealID, fmt.Errorf("%w: %s is not registered on the deal", ErrEvidenceNotFound, contentID))
	}

	url, err := s.evidence.DownloadURL(ctx, contentID)
	if err != nil {
		return "", s.fail(op, dealID, fmt.Errorf("download url: %w", err))
	}
	return url, nil
}
