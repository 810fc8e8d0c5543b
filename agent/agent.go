// Package agent describes the closed set of supported agent kinds and the
// capability table the supervisor consults for each of them.
package agent

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind identifies an agent implementation.
type Kind string

const (
	Claude   Kind = "claude"
	Amp      Kind = "amp"
	Codex    Kind = "codex"
	OpenCode Kind = "opencode"
	Pi       Kind = "pi"
)

// Kinds returns every supported kind in a stable order.
func Kinds() []Kind {
	return []Kind{Claude, Amp, Codex, OpenCode, Pi}
}

// ParseKind validates an agent name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown agent %q", s)
}

// Model is the process concurrency model used for an agent.
type Model int

const (
	// PerMessage spawns a fresh process for every prompt.
	PerMessage Model = iota + 1
	// SharedServer multiplexes many sessions over one long-lived server.
	SharedServer
	// Dedicated runs one RPC process per session.
	Dedicated
)

func (m Model) String() string {
	switch m {
	case PerMessage:
		return "per-message"
	case SharedServer:
		return "shared-server"
	case Dedicated:
		return "dedicated"
	default:
		return fmt.Sprintf("Model(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Model) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Model) UnmarshalText(b []byte) error {
	for _, known := range []Model{PerMessage, SharedServer, Dedicated} {
		if string(b) == known.String() {
			*m = known
			return nil
		}
	}
	return fmt.Errorf("unknown process model %q", b)
}

// Capabilities declares which protocol features an agent provides natively.
// Missing features are filled in by the synthesizer.
type Capabilities struct {
	NativeSessionStart bool `json:"native_session_start" yaml:"native_session_start"`
	NativeTurnStart    bool `json:"native_turn_start" yaml:"native_turn_start"`
	NativeDeltas       bool `json:"native_deltas" yaml:"native_deltas"`
	Abort              bool `json:"abort" yaml:"abort"`
	Permissions        bool `json:"permissions" yaml:"permissions"`
	Questions          bool `json:"questions" yaml:"questions"`
	Images             bool `json:"images" yaml:"images"`
}

// Spec is the static description of an agent kind.
type Spec struct {
	Env          map[string]string `json:"env,omitempty"`
	Kind         Kind              `json:"kind"`
	Binary       string            `json:"binary"`
	Args         []string          `json:"args,omitempty"`
	Capabilities Capabilities      `json:"capabilities"`
	Model        Model             `json:"model"`
	// Grace is how long a dedicated process gets between SIGTERM and SIGKILL.
	Grace time.Duration `json:"grace"`
}

// DefaultSpecs returns the built-in capability table keyed by kind.
func DefaultSpecs() map[Kind]Spec {
	return map[Kind]Spec{
		Claude: {
			Kind:   Claude,
			Binary: "claude",
			Model:  PerMessage,
			Capabilities: Capabilities{
				NativeSessionStart: true,
				NativeDeltas:       true,
				Abort:              true,
				Permissions:        true,
				Questions:          true,
				Images:             true,
			},
			Grace: 2 * time.Second,
		},
		Amp: {
			Kind:   Amp,
			Binary: "amp",
			Model:  PerMessage,
			Capabilities: Capabilities{
				NativeSessionStart: true,
				Abort:              true,
			},
			Grace: 2 * time.Second,
		},
		Codex: {
			Kind:   Codex,
			Binary: "codex",
			Args:   []string{"app-server"},
			Model:  SharedServer,
			Capabilities: Capabilities{
				NativeSessionStart: true,
				NativeTurnStart:    true,
				NativeDeltas:       true,
				Abort:              true,
				Permissions:        true,
				Images:             true,
			},
			Grace: 5 * time.Second,
		},
		OpenCode: {
			Kind:   OpenCode,
			Binary: "opencode",
			Args:   []string{"serve"},
			Model:  SharedServer,
			Capabilities: Capabilities{
				NativeDeltas: true,
				Abort:        true,
				Permissions:  true,
				Questions:    true,
				Images:       true,
			},
			Grace: 5 * time.Second,
		},
		Pi: {
			Kind:   Pi,
			Binary: "pi",
			Args:   []string{"--mode", "rpc"},
			Model:  Dedicated,
			Capabilities: Capabilities{
				NativeTurnStart: true,
				NativeDeltas:    true,
				Abort:           true,
				Images:          true,
			},
			Grace: 3 * time.Second,
		},
	}
}

// SortedSpecs returns specs ordered by kind name.
func SortedSpecs(specs map[Kind]Spec) []Spec {
	out := make([]Spec, 0, len(specs))
	for _, s := range specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
