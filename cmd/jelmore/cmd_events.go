package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jelmore/jelmore/internal/bus"
	"github.com/jelmore/jelmore/internal/types"
)

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsReplayCmd)
	eventsReplayCmd.Flags().Duration("since", time.Hour, "replay window")
	eventsReplayCmd.Flags().StringSlice("type", nil, "event types to replay (default all)")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the event stream",
}

var eventsReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay retained events from the bus",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if cfg.Bus.NATSURL == "" {
			return fmt.Errorf("replay needs a NATS event bus (set NATS_URL)")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		natsCfg := bus.DefaultNATSConfig()
		natsCfg.URL = cfg.Bus.NATSURL
		natsCfg.StreamPrefix = cfg.Bus.SubjectPrefix
		transport, err := bus.NewNATSTransport(ctx, natsCfg)
		if err != nil {
			return fmt.Errorf("connect event bus: %w", err)
		}
		defer transport.Close()

		pub := bus.NewPublisher(transport, cfg.Bus.SubjectPrefix, nil, 1)

		since, _ := cmd.Flags().GetDuration("since")
		eventTypes, _ := cmd.Flags().GetStringSlice("type")
		if len(eventTypes) == 0 {
			eventTypes = []string{
				types.EventSessionCreated,
				types.EventSessionStarted,
				types.EventSessionStatus,
				types.EventSessionDirectoryChanged,
				types.EventSessionSuspended,
				types.EventSessionResumed,
				types.EventSessionTerminated,
				types.EventSessionFailed,
				types.EventSessionTimeoutWarning,
			}
		}

		events, err := pub.Replay(ctx, eventTypes, time.Now().Add(-since), time.Now())
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No events in range.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tSESSION\tPAYLOAD")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				ev.Timestamp.Format("15:04:05"),
				ev.Type,
				ev.SessionID,
				string(ev.Payload),
			)
		}
		return w.Flush()
	},
}
