package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tendant/simple-earnout/pkg/earnout"
)

// Repository implements earnout.Repository using in-memory storage
type Repository struct {
	mu    sync.RWMutex
	deals map[uuid.UUID]*entry
}

// entry holds one deal; mu serializes transitions on it.
type entry struct {
	mu    sync.Mutex
	state *earnout.DealState
}

// New creates a new in-memory repository
func New() earnout.Repository {
	return &Repository{
		deals: make(map[uuid.UUID]*entry),
	}
}

func (r *Repository) CreateDeal(ctx context.Context, state *earnout.DealState) error {
	if state == nil || state.Deal == nil || state.Policy == nil || state.Capability == nil {
		return fmt.Errorf("deal, policy and capability are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.deals[state.Deal.ID]; exists {
		return fmt.Errorf("deal %s already exists", state.Deal.ID)
	}

	// Store a copy to avoid external modifications
	stored := state.Clone()
	stored.Deal.Version = 1
	r.deals[state.Deal.ID] = &entry{state: stored}
	state.Deal.Version = 1

	return nil
}

func (r *Repository) GetDeal(ctx context.Context, id uuid.UUID) (*earnout.DealState, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Return a copy to prevent external modifications
	return e.state.Clone(), nil
}

func (r *Repository) ListDeals(ctx context.Context, principal earnout.Principal) ([]*earnout.Deal, error) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.deals))
	for _, e := range r.deals {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var result []*earnout.Deal
	for _, e := range entries {
		e.mu.Lock()
		if e.state.Deal.IsParty(principal) {
			result = append(result, e.state.Deal.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID.String() < result[j].ID.String()
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

// UpdateDeal runs fn against a private copy of the deal state while holding
// the deal's lock. The copy replaces the stored state only if fn succeeds.
func (r *Repository) UpdateDeal(ctx context.Context, id uuid.UUID, fn func(*earnout.DealState) error) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	working := e.state.Clone()
	working.Deal.Version++
	if err := fn(working); err != nil {
		return err
	}
	if working.Deal.ID != id {
		return fmt.Errorf("deal id changed during update: %s -> %s", id, working.Deal.ID)
	}

	e.state = working
	return nil
}

func (r *Repository) entry(id uuid.UUID) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.deals[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", earnout.ErrDealNotFound, id)
	}
	return e, nil
}
