// Package claude adapts the Claude Code CLI. Each prompt runs a fresh
// `claude --print` process in stream-json mode, resumed by native session
// id; the prompt and any permission answers are written on stdin.
package claude

import (
	"log/slog"

	"github.com/bazelment/yoloswe/agentd/adapter/streamjson"
	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/synth"
	"github.com/bazelment/yoloswe/agentd/universal"
)

// Adapter maps one claude session. All protocol handling is shared with
// other stream-json agents.
type Adapter struct {
	*streamjson.Mapper
}

// New returns an adapter bound to em.
func New(em *synth.Emitter, logger *slog.Logger) *Adapter {
	return &Adapter{Mapper: streamjson.NewMapper(em, logger)}
}

// BuildArgs builds the CLI arguments for one prompt.
//
// The CLI is run as: claude --print --output-format stream-json
// --input-format stream-json --verbose --include-partial-messages
// [--resume <id>] [extra args]
func BuildArgs(spec agent.Spec, resume string) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
	}
	if resume != "" {
		args = append(args, "--resume", resume)
	}
	return append(args, spec.Args...)
}

// PromptLine encodes a prompt as the stream-json user line written on stdin.
func PromptLine(prompt []universal.ContentPart) ([]byte, error) {
	in, err := streamjson.NewUserInput(prompt)
	if err != nil {
		return nil, err
	}
	return streamjson.Line(in)
}
