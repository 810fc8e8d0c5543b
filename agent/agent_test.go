package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	t.Parallel()
	k, err := ParseKind(" Codex ")
	require.NoError(t, err)
	assert.Equal(t, Codex, k)

	_, err = ParseKind("gemini")
	assert.Error(t, err)
}

func TestDefaultSpecsCoverEveryKind(t *testing.T) {
	t.Parallel()
	specs := DefaultSpecs()
	for _, k := range Kinds() {
		s, ok := specs[k]
		require.True(t, ok, k)
		assert.Equal(t, k, s.Kind)
		assert.NotEmpty(t, s.Binary)
		assert.NotZero(t, s.Model)
		assert.Positive(t, s.Grace)
	}
}

func TestModelsMatchProtocols(t *testing.T) {
	t.Parallel()
	specs := DefaultSpecs()
	assert.Equal(t, PerMessage, specs[Claude].Model)
	assert.Equal(t, PerMessage, specs[Amp].Model)
	assert.Equal(t, SharedServer, specs[Codex].Model)
	assert.Equal(t, SharedServer, specs[OpenCode].Model)
	assert.Equal(t, Dedicated, specs[Pi].Model)
	assert.False(t, specs[Amp].Capabilities.NativeDeltas)
}

func TestSortedSpecs(t *testing.T) {
	t.Parallel()
	sorted := SortedSpecs(DefaultSpecs())
	require.Len(t, sorted, 5)
	assert.Equal(t, Amp, sorted[0].Kind)
	assert.Equal(t, Pi, sorted[4].Kind)
	assert.Equal(t, "shared-server", SharedServer.String())
}

func TestSpecJSONRoundTrip(t *testing.T) {
	t.Parallel()
	want := DefaultSpecs()[Codex]
	b, err := json.Marshal(want)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"model":"shared-server"`)

	var got Spec
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, want, got)

	var m Model
	assert.Error(t, m.UnmarshalText([]byte("Model(9)")))
}
