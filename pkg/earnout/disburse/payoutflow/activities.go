package payoutflow

import (
	"context"
	"errors"
	"time"

	"github.com/tendant/simple-earnout/pkg/earnout"
	"github.com/tendant/simple-earnout/pkg/earnout/disburse/ledger"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
)

// ErrTypeInvalidTransfer marks transfer failures that retrying cannot fix.
const ErrTypeInvalidTransfer = "InvalidTransfer"

// Payer moves funds for one transfer. It must be idempotent by Transfer.ID
// and report whether this call applied it.
type Payer interface {
	Pay(ctx context.Context, t earnout.Transfer) (bool, error)
}

// Receipt records the outcome of one transfer activity.
type Receipt struct {
	TransferID string    `json:"transferId"`
	Applied    bool      `json:"applied"`
	At         time.Time `json:"at"`
}

type Activities struct {
	Payer Payer
}

func (a *Activities) ExecuteTransfer(ctx context.Context, t earnout.Transfer) (Receipt, error) {
	logger := activity.GetLogger(ctx)

	applied, err := a.Payer.Pay(ctx, t)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransfer) || errors.Is(err, ledger.ErrConflictingTransfer) {
			return Receipt{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidTransfer, err)
		}
		return Receipt{}, err
	}

	logger.Info("transfer executed", "transferID", t.ID, "to", string(t.To), "amount", t.Amount, "applied", applied)
	return Receipt{TransferID: t.ID, Applied: applied, At: time.Now().UTC()}, nil
}
