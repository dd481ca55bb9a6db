package payoutflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-earnout/pkg/earnout"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// Dispatcher implements earnout.Disburser by starting a DisburseSettlement
// workflow per deal. A deal has at most one running or completed
// disbursement; a failed one may be started again.
type Dispatcher struct {
	client    client.Client
	taskQueue string
	timeout   time.Duration
	logger    *slog.Logger
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithTaskQueue overrides the worker task queue
func WithTaskQueue(queue string) DispatcherOption {
	return func(d *Dispatcher) {
		d.taskQueue = queue
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher using an already dialed client
func NewDispatcher(c client.Client, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		client:    c,
		taskQueue: TaskQueue,
		timeout:   24 * time.Hour,
		logger:    slog.Default(),
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// Disburse implements earnout.Disburser
func (d *Dispatcher) Disburse(ctx context.Context, dealID uuid.UUID, transfers []earnout.Transfer) error {
	if len(transfers) == 0 {
		return nil
	}

	opts := client.StartWorkflowOptions{
		ID:                                       WorkflowID(dealID.String()),
		TaskQueue:                                d.taskQueue,
		WorkflowExecutionTimeout:                 d.timeout,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		WorkflowIDReusePolicy:                    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
	}

	run, err := d.client.ExecuteWorkflow(ctx, opts, DisburseSettlement, DisburseInput{
		DealID:    dealID.String(),
		Transfers: transfers,
	})
	if err != nil {
		var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &alreadyStarted) {
			d.logger.Info("Disbursement already started", "deal_id", dealID, "workflow_id", opts.ID)
			return nil
		}
		return fmt.Errorf("start disbursement workflow: %w", err)
	}

	d.logger.Info("Disbursement started", "deal_id", dealID, "workflow_id", run.GetID(), "run_id", run.GetRunID())
	return nil
}
