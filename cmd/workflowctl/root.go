package main

import (
	"github.com/spf13/cobra"

	"github.com/flowforge/durable/config"
)

// buildBackend is shared by every subcommand that touches storage: load the
// env-driven Config, then resolve it to a Store+Queue pair via the same
// registry an in-process host would use.
func buildBackend() (config.Backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Backend{}, err
	}
	return config.Build(cfg)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "workflowctl",
		Short:         "Operate a durable workflow runtime deployment",
		Long:          "workflowctl starts runs, hosts the dispatcher/step workers, tails the event log, and lists runs against the backend selected by WORKFLOW_TARGET_WORLD.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		newStartCmd(),
		newRunWorkersCmd(),
		newEventsCmd(),
		newRunsCmd(),
	)
	return cmd
}
