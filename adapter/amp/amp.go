// Package amp adapts the Amp CLI. Amp speaks the claude stream-json output
// format without partial messages, so every item arrives whole and the
// synthesizer supplies its delta.
package amp

import (
	"log/slog"

	"github.com/bazelment/yoloswe/agentd/adapter/streamjson"
	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/synth"
	"github.com/bazelment/yoloswe/agentd/universal"
)

// Adapter maps one amp session.
type Adapter struct {
	*streamjson.Mapper
}

// New returns an adapter bound to em.
func New(em *synth.Emitter, logger *slog.Logger) *Adapter {
	return &Adapter{Mapper: streamjson.NewMapper(em, logger)}
}

// BuildArgs builds the CLI arguments for one prompt. A known thread is
// continued, otherwise a new one is created.
//
// amp [threads continue <id>] --execute <prompt> --stream-json [extra args]
func BuildArgs(spec agent.Spec, thread string, prompt []universal.ContentPart) []string {
	var args []string
	if thread != "" {
		args = append(args, "threads", "continue", thread)
	}
	args = append(args, "--execute", streamjson.PromptText(prompt), "--stream-json")
	return append(args, spec.Args...)
}
