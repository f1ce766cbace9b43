package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowforge/durable/config"
	"github.com/flowforge/durable/engine"
)

// sweepHookStore is implemented by store backends whose Start runs a
// background sweep worth nudging the engine about (currently SQLiteStore
// and MySQLStore; MemStore has nothing to sweep).
type sweepHookStore interface {
	SetSweepHook(fn func(ctx context.Context, runID string))
}

func newRunWorkersCmd() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "run-workers",
		Short: "Host the dispatcher and step-executor queue handlers until interrupted",
		Long: `run-workers constructs an Engine against the configured backend and blocks,
processing workflow re-entry and step-execution messages as they arrive. This
binary ships with no workflows or steps registered -- a real deployment
builds its own main package that imports its workflow/step code, calls
engine.RegisterWorkflow / engine.RegisterStep, and then runs this same loop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := buildBackend()
			if err != nil {
				return err
			}
			defer backend.Store.Close()
			defer backend.Queue.Close()

			opts := []engine.Option{
				engine.WithStore(backend.Store),
				engine.WithQueue(backend.Queue),
			}
			if concurrency == 0 {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				concurrency = cfg.WorkerConcurrency
			}
			if concurrency > 0 {
				opts = append(opts, engine.WithWorkerConcurrency(concurrency))
			}
			e, err := engine.New(opts...)
			if err != nil {
				return err
			}

			if sweeper, ok := backend.Store.(sweepHookStore); ok {
				sweeper.SetSweepHook(func(ctx context.Context, runID string) {
					if err := e.Nudge(ctx, runID); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "workflowctl: sweep nudge for run %s failed: %v\n", runID, err)
					}
				})
			}

			ctx := cmd.Context()
			fmt.Fprintln(cmd.OutOrStdout(), "workflowctl: listening for queue messages, ctrl-c to stop")

			go func() {
				if err := backend.Store.Start(ctx); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "workflowctl: store maintenance stopped: %v\n", err)
				}
			}()

			return e.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Worker concurrency cap (0 = WORKFLOW_WORKER_CONCURRENCY, else engine default)")
	return cmd
}
