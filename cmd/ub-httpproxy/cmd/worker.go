package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/unicornbottle/ub-httpproxy/internal/config"
	"github.com/unicornbottle/ub-httpproxy/internal/logging"
	"github.com/unicornbottle/ub-httpproxy/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker <id>",
	Short: "Start a worker process",
	Long: `Start one worker. Workers consume requests from the broker one at a
time, perform the outbound HTTP call and publish the reply.

The numeric id only disambiguates log files; run as many workers as
the target load needs.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("worker id must be an integer, got %q", args[0])
		}
		return runWorker(id)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(id int) error {
	cfg, err := config.Load()
	if err != nil {
		var missing *config.MissingEnvError
		if errors.As(err, &missing) {
			fmt.Fprintln(os.Stderr, missing.Error())
			os.Exit(1)
		}
		return err
	}

	logger := logging.NewWorkerLogger(id, logging.ParseLevel(logLevel))
	logger.Info("worker starting", "id", id, "broker", cfg.Rabbit.Hostname)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exec := worker.NewExecutor(cfg.Rabbit.URL(), logger,
		worker.WithTimeout(cfg.Worker.Timeout),
		worker.WithMaxReplySize(cfg.Worker.MaxReplySize),
	)

	// Reconnect loop: a dead broker connection is routine, not fatal.
	for {
		err := exec.Run(ctx)
		if ctx.Err() != nil {
			logger.Info("worker stopped", "id", id)
			return nil
		}
		logger.Error("worker session ended, reconnecting", "id", id, "error", err)
		select {
		case <-ctx.Done():
			logger.Info("worker stopped", "id", id)
			return nil
		case <-time.After(5 * time.Second):
		}
	}
}
