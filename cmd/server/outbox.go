package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/prudhvinik1/medsync/internal/config"
	"github.com/prudhvinik1/medsync/internal/database"
	"github.com/prudhvinik1/medsync/internal/repositories"
	"github.com/prudhvinik1/medsync/internal/services"
	"github.com/spf13/cobra"
)

func newOutboxCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the local event outbox",
	}
	cmd.AddCommand(newOutboxPendingCommand())
	cmd.AddCommand(newOutboxClearCommand())
	return cmd
}

// openLocalOutbox loads the outbox from local storage only; nothing is delivered.
func openLocalOutbox(cmd *cobra.Command) (*services.Outbox, func(), error) {
	cfg := config.LoadLocalConfig()

	db, err := database.NewSQLiteDB(cmd.Context(), cfg.LocalDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open local storage: %w", err)
	}

	outbox := services.NewOutbox(nil, repositories.NewSQLiteLocalStorage(db), &services.OutboxOptions{
		Logger: log.New(cmd.ErrOrStderr(), "[outbox] ", log.LstdFlags),
	})
	outbox.Load(cmd.Context())
	return outbox, func() { db.Close() }, nil
}

func newOutboxPendingCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List queued events",
		RunE: func(cmd *cobra.Command, args []string) error {
			outbox, closeDB, err := openLocalOutbox(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			return printEvents(cmd.OutOrStdout(), outbox, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON")
	return cmd
}

func printEvents(w io.Writer, outbox *services.Outbox, asJSON bool) error {
	events := outbox.AllEvents()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	fmt.Fprintf(w, "%d pending, %d total\n", outbox.PendingCount(), len(events))
	for _, ev := range events {
		fmt.Fprintf(w, "%s  %-11s  %-10s  %s  retries=%d", ev.ID, ev.EventType, ev.EntityID, ev.SyncStatus, ev.RetryCount)
		if ev.LastError != "" {
			fmt.Fprintf(w, "  last error: %s", ev.LastError)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func newOutboxClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued event",
		RunE: func(cmd *cobra.Command, args []string) error {
			outbox, closeDB, err := openLocalOutbox(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			n := len(outbox.AllEvents())
			if err := outbox.ClearQueue(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d event(s)\n", n)
			return nil
		},
	}
}
