package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bazelment/yoloswe/agentd/agent"
)

// AgentOverride replaces parts of one built-in agent spec. Zero fields
// keep the built-in value.
type AgentOverride struct {
	Env      map[string]string `yaml:"env"`
	Binary   string            `yaml:"binary"`
	Endpoint string            `yaml:"endpoint"`
	Args     []string          `yaml:"args"`
	Grace    time.Duration     `yaml:"grace"`
}

// AgentsFile is the per-agent override file.
type AgentsFile struct {
	Agents map[string]AgentOverride `yaml:"agents"`
}

// LoadAgents reads the override file at path. A missing file yields no
// overrides.
func LoadAgents(path string) (AgentsFile, error) {
	var f AgentsFile
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("reading agents file: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parsing agents file %s: %w", path, err)
	}
	return f, nil
}

// Apply returns the built-in specs with the overrides merged in, plus the
// endpoints of kinds attached to external servers. Env maps are merged
// key by key.
func (f AgentsFile) Apply(specs map[agent.Kind]agent.Spec) (map[agent.Kind]agent.Spec, map[agent.Kind]string, error) {
	out := make(map[agent.Kind]agent.Spec, len(specs))
	for k, s := range specs {
		out[k] = s
	}
	endpoints := make(map[agent.Kind]string)
	for name, o := range f.Agents {
		kind, err := agent.ParseKind(name)
		if err != nil {
			return nil, nil, fmt.Errorf("agents file: %w", err)
		}
		s, ok := out[kind]
		if !ok {
			return nil, nil, fmt.Errorf("agents file: no built-in spec for %s", kind)
		}
		if o.Binary != "" {
			s.Binary = o.Binary
		}
		if o.Args != nil {
			s.Args = o.Args
		}
		if o.Grace > 0 {
			s.Grace = o.Grace
		}
		if len(o.Env) > 0 {
			env := make(map[string]string, len(s.Env)+len(o.Env))
			for k, v := range s.Env {
				env[k] = v
			}
			for k, v := range o.Env {
				env[k] = v
			}
			s.Env = env
		}
		if o.Endpoint != "" {
			if kind != agent.OpenCode {
				return nil, nil, fmt.Errorf("agents file: %s cannot attach to an endpoint", kind)
			}
			endpoints[kind] = o.Endpoint
		}
		out[kind] = s
	}
	return out, endpoints, nil
}

// AgentEndpoints parses the endpoints map of the daemon config.
func (c Config) AgentEndpoints() (map[agent.Kind]string, error) {
	out := make(map[agent.Kind]string, len(c.Endpoints))
	for name, url := range c.Endpoints {
		kind, err := agent.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("endpoints: %w", err)
		}
		if kind != agent.OpenCode {
			return nil, fmt.Errorf("endpoints: %s cannot attach to an endpoint", kind)
		}
		out[kind] = url
	}
	return out, nil
}

// WithDefaultGrace applies the daemon-wide grace period to specs that have none.
func WithDefaultGrace(specs map[agent.Kind]agent.Spec, grace time.Duration) {
	for k, s := range specs {
		if s.Grace <= 0 {
			s.Grace = grace
			specs[k] = s
		}
	}
}
