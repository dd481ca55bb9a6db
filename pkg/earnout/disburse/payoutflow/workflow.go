// Package payoutflow runs settlement disbursement as a durable Temporal
// workflow: one activity per transfer, retried until the payment rail
// accepts it.
package payoutflow

import (
	"time"

	"github.com/tendant/simple-earnout/pkg/earnout"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const TaskQueue = "EARNOUT_DISBURSE_TASK_QUEUE"

// ExecuteTransferActivity is the registered name of Activities.ExecuteTransfer.
const ExecuteTransferActivity = "ExecuteTransfer"

// DisburseInput is the workflow argument.
type DisburseInput struct {
	DealID    string             `json:"dealId"`
	Transfers []earnout.Transfer `json:"transfers"`
}

// DisburseResult summarizes a finished disbursement.
type DisburseResult struct {
	DealID   string    `json:"dealId"`
	Receipts []Receipt `json:"receipts"`
}

// WorkflowID is the deterministic workflow ID for a deal's disbursement.
func WorkflowID(dealID string) string {
	return "disburse-" + dealID
}

// DisburseSettlement executes every transfer of a settlement in order.
func DisburseSettlement(ctx workflow.Context, in DisburseInput) (DisburseResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("disbursement started", "dealID", in.DealID, "transfers", len(in.Transfers))

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        10,
			NonRetryableErrorTypes: []string{ErrTypeInvalidTransfer},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	result := DisburseResult{DealID: in.DealID, Receipts: make([]Receipt, 0, len(in.Transfers))}
	for _, t := range in.Transfers {
		var receipt Receipt
		if err := workflow.ExecuteActivity(ctx, ExecuteTransferActivity, t).Get(ctx, &receipt); err != nil {
			logger.Error("transfer failed", "dealID", in.DealID, "transferID", t.ID, "error", err)
			return result, err
		}
		result.Receipts = append(result.Receipts, receipt)
	}

	logger.Info("disbursement completed", "dealID", in.DealID)
	return result, nil
}
