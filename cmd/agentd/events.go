package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/agentd/eventlog"
	"github.com/bazelment/yoloswe/agentd/universal"
)

var (
	eventsOffset int64
	eventsRaw    bool
)

var eventsCmd = &cobra.Command{
	Use:   "events [session-id]",
	Short: "Inspect the event store",
	Long: `Without arguments, lists the sessions recorded in the SQLite event
store. With a session id, prints that session's events as JSON lines.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if _, err := os.Stat(cfg.DBPath); err != nil {
			return fmt.Errorf("event store %s: %w", cfg.DBPath, err)
		}
		store, err := eventlog.OpenSQLite(cmd.Context(), cfg.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 0 {
			rows, err := store.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			printSessions(cmd.OutOrStdout(), rows, time.Now())
			return nil
		}
		events, err := store.Events(cmd.Context(), args[0], eventsOffset)
		if err != nil {
			return err
		}
		if len(events) == 0 && eventsOffset == 0 {
			return fmt.Errorf("no events for session %s", args[0])
		}
		return writeEvents(cmd.OutOrStdout(), events, eventsRaw)
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().String("db", "", "SQLite event store path")
	eventsCmd.Flags().Int64Var(&eventsOffset, "offset", 0, "Print events with a sequence above this")
	eventsCmd.Flags().BoolVar(&eventsRaw, "raw", false, "Include native payloads")
}

func writeEvents(w io.Writer, events []universal.Event, raw bool) error {
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if !raw {
			ev = ev.WithoutRaw()
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

func printSessions(w io.Writer, rows []eventlog.SessionRow, now time.Time) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No recorded sessions.")
		return
	}
	table := newTable(w, []string{"Session", "Events", "Last event", "Started", "Active"})
	for _, r := range rows {
		last := string(r.LastType)
		switch r.LastType {
		case universal.EventSessionEnded:
			last = green(last)
		case universal.EventError, universal.EventAgentUnparsed:
			last = red(last)
		default:
			last = yellow(last)
		}
		_ = table.Append([]string{
			cyan(r.ID),
			humanize.Comma(int64(r.Events)),
			last,
			humanize.RelTime(r.First, now, "ago", "from now"),
			humanize.RelTime(r.Last, now, "ago", "from now"),
		})
	}
	_ = table.Render()
}
