// Package ledger is an in-memory payment rail. It credits principals and
// remembers every applied transfer ID so replays move funds once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tendant/simple-earnout/pkg/earnout"
)

var (
	// ErrInvalidTransfer indicates a transfer with no ID, recipient or amount,
	// or one that would overflow the recipient balance
	ErrInvalidTransfer = errors.New("invalid transfer")

	// ErrConflictingTransfer indicates a transfer ID reused with different contents
	ErrConflictingTransfer = errors.New("transfer id reused with different contents")
)

// Ledger implements earnout.Disburser over in-memory balances
type Ledger struct {
	mu       sync.Mutex
	balances map[earnout.Principal]uint64
	applied  map[string]earnout.Transfer
	order    []string
	logger   *slog.Logger
}

// New creates an empty ledger
func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		balances: make(map[earnout.Principal]uint64),
		applied:  make(map[string]earnout.Transfer),
		logger:   logger,
	}
}

// Pay applies one transfer. It reports false when the transfer ID was
// already applied.
func (l *Ledger) Pay(ctx context.Context, t earnout.Transfer) (bool, error) {
	if t.ID == "" || t.To == "" || t.Amount == 0 {
		return false, fmt.Errorf("%w: %+v", ErrInvalidTransfer, t)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.applied[t.ID]; ok {
		if prev != t {
			return false, fmt.Errorf("%w: %s", ErrConflictingTransfer, t.ID)
		}
		return false, nil
	}

	if l.balances[t.To] > math.MaxUint64-t.Amount {
		return false, fmt.Errorf("%w: balance of %s would overflow", ErrInvalidTransfer, t.To)
	}
	l.balances[t.To] += t.Amount
	l.applied[t.ID] = t
	l.order = append(l.order, t.ID)
	l.logger.Info("Transfer applied", "transfer_id", t.ID, "deal_id", t.DealID, "to", t.To,
		"amount", t.Amount, "purpose", t.Purpose)
	return true, nil
}

// Disburse implements earnout.Disburser
func (l *Ledger) Disburse(ctx context.Context, dealID uuid.UUID, transfers []earnout.Transfer) error {
	for _, t := range transfers {
		if t.DealID != dealID {
			return fmt.Errorf("%w: transfer %s belongs to deal %s", ErrInvalidTransfer, t.ID, t.DealID)
		}
		if _, err := l.Pay(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Balance returns the total credited to p
func (l *Ledger) Balance(p earnout.Principal) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[p]
}

// Transfers returns applied transfers in application order
func (l *Ledger) Transfers() []earnout.Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]earnout.Transfer, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.applied[id])
	}
	return out
}

// Principals returns every principal with a non-zero balance, sorted
func (l *Ledger) Principals() []earnout.Principal {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]earnout.Principal, 0, len(l.balances))
	for p := range l.balances {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
