package computeruse

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraforge/sandbox-core/internal/astra/model"
)

func TestTraceWriter_WriteStep(t *testing.T) {
	root := t.TempDir()
	w, err := NewTraceWriter(root, "run-1")
	require.NoError(t, err)
	defer w.Close()

	call := model.ComputerCall{ID: "call-1", SessionID: "sess-1", Action: model.ActionNavigate, URL: "https://example.com", RequestedAt: time.Now()}
	obs := model.Observation{CallID: "call-1", URL: "https://example.com", Title: "Example", Screenshot: []byte{0x89, 0x50, 0x4e, 0x47}, ObservedAt: time.Now()}

	require.NoError(t, w.WriteStep(call, obs))
	require.NoError(t, w.WriteStep(call, obs))

	runDir := filepath.Join(root, "run-1")
	timeline, err := os.ReadFile(filepath.Join(runDir, "timeline.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(timeline), "computer_call")
	assert.Contains(t, string(timeline), "computer_call_output")

	actions, err := os.ReadFile(filepath.Join(runDir, "replay", "actions.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(actions), "call-1")

	_, err = os.Stat(filepath.Join(runDir, "steps", "0000.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(runDir, "steps", "0000.png"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(runDir, "steps", "0001.json"))
	assert.NoError(t, err)

	_, err = os.Stat(filepath.Join(runDir, "replay", "README.md"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(runDir, "replay", "run.sh"))
	assert.NoError(t, err)
}
