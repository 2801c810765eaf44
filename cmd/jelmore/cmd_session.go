package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jelmore/jelmore/internal/store"
	"github.com/jelmore/jelmore/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionClearCmd)
	sessionListCmd.Flags().String("status", "", "filter by status")
	sessionListCmd.Flags().Int("limit", 0, "limit the number of rows")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect stored sessions",
}

func openDurable() (*store.SQLiteStore, error) {
	cfg := loadConfig()
	db, err := store.NewSQLiteStore(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	return db, nil
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDurable()
		if err != nil {
			return err
		}
		defer db.Close()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		list, err := db.List(context.Background(), types.SessionFilter{
			Status: types.Status(status),
			Limit:  limit,
		})
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tVARIANT\tDIRECTORY\tLAST ACTIVITY")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.ID,
				s.Status,
				s.Config.Variant,
				s.CurrentDirectory,
				s.LastActivity.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one session in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDurable()
		if err != nil {
			return err
		}
		defer db.Close()

		s, err := db.Get(context.Background(), types.SessionID(args[0]))
		if err != nil {
			return err
		}

		fmt.Printf("ID:        %s\n", s.ID)
		fmt.Printf("Status:    %s\n", s.Status)
		fmt.Printf("Variant:   %s\n", s.Config.Variant)
		fmt.Printf("Query:     %s\n", s.Query)
		fmt.Printf("Directory: %s\n", s.CurrentDirectory)
		fmt.Printf("Created:   %s\n", s.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Activity:  %s\n", s.LastActivity.Format(time.RFC3339))
		if s.TerminatedAt != nil {
			fmt.Printf("Ended:     %s\n", s.TerminatedAt.Format(time.RFC3339))
		}
		fmt.Printf("Turns:     %d\n", s.Metrics.Turns)
		fmt.Printf("Messages:  %d\n", s.Metrics.MessagesProcessed)
		fmt.Printf("Tools:     %d\n", s.Metrics.ToolInvocations)
		fmt.Printf("Dir moves: %d\n", s.Metrics.DirectoryChanges)
		fmt.Printf("Errors:    %d\n", s.Metrics.Errors)
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete terminated and failed sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDurable()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		removed := 0
		for _, status := range []types.Status{types.StatusTerminated, types.StatusFailed} {
			list, err := db.List(ctx, types.SessionFilter{Status: status})
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			for _, s := range list {
				if err := db.Delete(ctx, s.ID); err != nil {
					return fmt.Errorf("delete %s: %w", s.ID, err)
				}
				removed++
			}
		}
		fmt.Printf("Removed %d sessions.\n", removed)
		return nil
	},
}
