package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowforge/durable/store"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the event log",
	}
	cmd.AddCommand(newEventsTailCmd())
	return cmd
}

func newEventsTailCmd() *cobra.Command {
	var follow bool
	var pollEvery time.Duration

	cmd := &cobra.Command{
		Use:   "tail <run-id>",
		Short: "Print a run's events in order, optionally following new ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			backend, err := buildBackend()
			if err != nil {
				return err
			}
			defer backend.Store.Close()

			ctx := cmd.Context()
			cursor := ""
			for {
				page, err := backend.Store.ListEvents(ctx, runID, store.Ascending, store.PageOpts{Limit: 100, Cursor: cursor})
				if err != nil {
					return err
				}
				for _, ev := range page.Items {
					printEvent(cmd, ev)
				}
				cursor = page.Cursor

				if !follow {
					return nil
				}
				if !page.HasMore {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(pollEvery):
					}
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep polling for new events after reaching the end")
	cmd.Flags().DurationVar(&pollEvery, "poll-interval", time.Second, "How often to poll for new events in --follow mode")
	return cmd
}

func printEvent(cmd *cobra.Command, ev store.Event) {
	corr := ""
	if ev.CorrelationID != "" {
		corr = " correlation_id=" + ev.CorrelationID
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s%s %s\n", ev.CreatedAt.Format(time.RFC3339), ev.EventType, corr, string(ev.EventData))
}
