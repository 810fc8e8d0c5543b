// Command agentd runs the agent daemon and inspects its event store.
package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	logFormat string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Run coding agents behind one session and event API",
	Long: `agentd supervises coding agent CLIs (claude, amp, codex, opencode, pi)
and normalizes their native protocols into one stream of universal
session events served over HTTP, SSE and WebSocket.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ~/.config/agentd/agentd.yaml)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the daemon logger on w.
func newLogger(w io.Writer, format string) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
