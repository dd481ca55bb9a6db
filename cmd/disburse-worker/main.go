package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/tendant/simple-earnout/pkg/earnout/config"
	"github.com/tendant/simple-earnout/pkg/earnout/disburse/ledger"
	"github.com/tendant/simple-earnout/pkg/earnout/disburse/payoutflow"
	"go.temporal.io/sdk/worker"
)

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(config.WithEnv(), config.WithDisburser(config.DisburserTemporal))
	if err != nil {
		slog.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}

	c, err := cfg.DialTemporal(logger)
	if err != nil {
		slog.Error("Failed to connect to Temporal", "err", err)
		os.Exit(1)
	}
	defer c.Close()

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflow(payoutflow.DisburseSettlement)

	// The in-process ledger stands in for a payment rail.
	w.RegisterActivity(&payoutflow.Activities{Payer: ledger.New(logger)})

	slog.Info("Disburse worker started", "task_queue", cfg.Temporal.TaskQueue, "host_port", cfg.Temporal.HostPort)
	if err := w.Run(worker.InterruptCh()); err != nil {
		slog.Error("Worker exited", "err", err)
		os.Exit(1)
	}
}
