package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/supervisor"
)

var agentsJSON bool

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agent kinds, their binaries and capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		specs, endpoints, err := loadSpecs(cfg)
		if err != nil {
			return err
		}
		rows := resolveAgents(cmd.Context(), agent.SortedSpecs(specs), endpoints, supervisor.PathInstaller{Dirs: cfg.InstallDirs})

		if agentsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		}
		printAgents(rows)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(agentsCmd)
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "Output as JSON")
}

type agentRow struct {
	Spec     agent.Spec `json:"spec"`
	Path     string     `json:"path,omitempty"`
	Endpoint string     `json:"endpoint,omitempty"`
	Error    string     `json:"error,omitempty"`
}

func resolveAgents(ctx context.Context, specs []agent.Spec, endpoints map[agent.Kind]string, installer supervisor.Installer) []agentRow {
	rows := make([]agentRow, 0, len(specs))
	for _, spec := range specs {
		row := agentRow{Spec: spec, Endpoint: endpoints[spec.Kind]}
		if row.Endpoint == "" {
			path, err := installer.Ensure(ctx, spec)
			if err != nil {
				row.Error = err.Error()
			}
			row.Path = path
		}
		rows = append(rows, row)
	}
	return rows
}

func capabilityList(c agent.Capabilities) string {
	var caps []string
	for _, f := range []struct {
		name string
		on   bool
	}{
		{"session-start", c.NativeSessionStart},
		{"turn-start", c.NativeTurnStart},
		{"deltas", c.NativeDeltas},
		{"abort", c.Abort},
		{"permissions", c.Permissions},
		{"questions", c.Questions},
		{"images", c.Images},
	} {
		if f.on {
			caps = append(caps, f.name)
		}
	}
	if len(caps) == 0 {
		return "-"
	}
	return strings.Join(caps, ",")
}

func printAgents(rows []agentRow) {
	table := newTable(os.Stdout, []string{"Agent", "Model", "Binary", "Capabilities"})
	for _, r := range rows {
		var where string
		switch {
		case r.Endpoint != "":
			where = yellow("attached " + r.Endpoint)
		case r.Error != "":
			where = red(fmt.Sprintf("%s (missing)", r.Spec.Binary))
		default:
			where = green(r.Path)
		}
		_ = table.Append([]string{cyan(string(r.Spec.Kind)), r.Spec.Model.String(), where, capabilityList(r.Spec.Capabilities)})
	}
	_ = table.Render()
}
