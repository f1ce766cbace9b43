package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowforge/durable/engine"
	"github.com/flowforge/durable/manifest"
)

func newStartCmd() *cobra.Command {
	var input string
	var manifestPath string
	var sourceFile string

	cmd := &cobra.Command{
		Use:   "start <workflow-name>",
		Short: "Create a run and enqueue its first dispatch message",
		Long: `start creates a Run for the given workflow name and enqueues the
message that tells a worker process to dispatch it. It does not execute the
workflow itself -- some process running "workflowctl run-workers" (or a host
binary embedding engine.Engine with this workflow registered) must be
listening for that to happen.

With --manifest and --source-file, <workflow-name> is resolved through the
build-time manifest (the same lookup a bundler-aware host would do) instead
of being used as a literal WorkflowName.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowName := args[0]

			if manifestPath != "" {
				m, err := manifest.LoadFile(manifestPath)
				if err != nil {
					return err
				}
				id, ok := m.WorkflowID(sourceFile, workflowName)
				if !ok {
					return fmt.Errorf("workflowctl: no workflow %q declared in %s for file %s", workflowName, manifestPath, sourceFile)
				}
				workflowName = id
			}

			if input != "" && !json.Valid([]byte(input)) {
				return fmt.Errorf("--input is not valid JSON: %s", input)
			}

			backend, err := buildBackend()
			if err != nil {
				return err
			}
			defer backend.Store.Close()
			defer backend.Queue.Close()

			var payload any
			if input != "" {
				payload = json.RawMessage(input)
			}

			run, err := engine.EnqueueNewRun(cmd.Context(), backend.Store, backend.Queue, workflowName, payload)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s workflow=%s status=%s\n", run.RunID, run.WorkflowName, run.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "JSON input for the run, e.g. '{\"amount\":100}'")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Path to the build-time workflow manifest; resolves <workflow-name> through it")
	cmd.Flags().StringVar(&sourceFile, "source-file", "", "Source file key to look up <workflow-name> under in --manifest")
	return cmd
}
