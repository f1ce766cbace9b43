package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowforge/durable/store"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect runs",
	}
	cmd.AddCommand(newRunsListCmd(), newRunsShowCmd())
	return cmd
}

func newRunsListCmd() *cobra.Command {
	var workflowName string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := buildBackend()
			if err != nil {
				return err
			}
			defer backend.Store.Close()

			filter := store.RunFilter{WorkflowName: workflowName, Status: store.RunStatus(status)}
			page, err := backend.Store.ListRuns(cmd.Context(), filter, store.PageOpts{Limit: limit})
			if err != nil {
				return err
			}
			for _, run := range page.Items {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", run.RunID, run.WorkflowName, run.Status, run.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			if page.HasMore {
				fmt.Fprintf(cmd.ErrOrStderr(), "... more results, cursor=%s\n", page.Cursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workflowName, "workflow", "", "Filter by workflow name")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of runs to return")
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print a single run's current projected state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := buildBackend()
			if err != nil {
				return err
			}
			defer backend.Store.Close()

			run, err := backend.Store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s\nworkflow=%s\nstatus=%s\ninput=%s\noutput=%s\n",
				run.RunID, run.WorkflowName, run.Status, string(run.Input), string(run.Output))
			if run.Error != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "error=%s\n", run.Error.Message)
			}
			return nil
		},
	}
	return cmd
}
