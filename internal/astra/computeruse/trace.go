package computeruse

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/astraforge/sandbox-core/internal/astra/model"
)

// timelineEntry is one line of timeline.jsonl: either a computer_call or a
// computer_call_output, keyed by Type the same way the replay tooling reads
// it back.
type timelineEntry struct {
	Type       string           `json:"type"`
	StepIndex  int              `json:"step_index"`
	Call       *model.ComputerCall `json:"computer_call,omitempty"`
	Output     *model.Observation  `json:"computer_call_output,omitempty"`
}

// TraceWriter records one computer-use run to disk: a JSONL timeline, a
// numbered per-step directory of request/response/screenshot, and a
// replay/ bundle (actions.jsonl + run.sh + README.md) that lets the run be
// replayed without the original session. Grounded on the original run's
// TraceWriter/TraceStore split, collapsed into one type since Go has no
// equivalent need for the Python version's separate "open vs start" paths.
type TraceWriter struct {
	runDir     string
	stepsDir   string
	replayDir  string
	timeline   *os.File
	actions    *os.File

	mu        sync.Mutex
	stepIndex int
}

// NewTraceWriter creates the run's directory tree under root/runID and
// returns a TraceWriter ready to accept steps. The replay bundle
// (README.md, run.sh) is written once up front.
func NewTraceWriter(root, runID string) (*TraceWriter, error) {
	runDir := filepath.Join(root, runID)
	stepsDir := filepath.Join(runDir, "steps")
	replayDir := filepath.Join(runDir, "replay")
	for _, dir := range []string{runDir, stepsDir, replayDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("computeruse: create trace dir %s: %w", dir, err)
		}
	}

	timeline, err := os.Create(filepath.Join(runDir, "timeline.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("computeruse: create timeline: %w", err)
	}
	actions, err := os.Create(filepath.Join(replayDir, "actions.jsonl"))
	if err != nil {
		timeline.Close()
		return nil, fmt.Errorf("computeruse: create replay actions: %w", err)
	}

	if err := os.WriteFile(filepath.Join(replayDir, "README.md"), []byte(replayReadme), 0o644); err != nil {
		timeline.Close()
		actions.Close()
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(replayDir, "run.sh"), []byte(replayRunScript), 0o755); err != nil {
		timeline.Close()
		actions.Close()
		return nil, err
	}

	return &TraceWriter{runDir: runDir, stepsDir: stepsDir, replayDir: replayDir, timeline: timeline, actions: actions}, nil
}

const replayReadme = `Replay package for computer-use actions.
Use actions.jsonl with the replay runner to re-execute steps against a
fresh sandbox session.
`

const replayRunScript = `#!/bin/sh
# Re-executes this run's recorded actions against a new sandbox session.
# Usage: ./run.sh <SESSION_ID>
exec astraforge replay-computer-use --trace-dir .. --session-id "$1"
`

// WriteStep appends call/obs to the timeline, writes the numbered step
// artifacts (request JSON, screenshot PNG), and if call is a computer_call
// also appends it to the replay bundle's actions.jsonl.
func (w *TraceWriter) WriteStep(call model.ComputerCall, obs model.Observation) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	index := w.stepIndex
	w.stepIndex++

	callEntry := timelineEntry{Type: "computer_call", StepIndex: index, Call: &call}
	if err := writeJSONLine(w.timeline, callEntry); err != nil {
		return err
	}
	if err := writeJSONLine(w.actions, callEntry); err != nil {
		return err
	}

	outEntry := timelineEntry{Type: "computer_call_output", StepIndex: index, Output: &obs}
	if err := writeJSONLine(w.timeline, outEntry); err != nil {
		return err
	}

	stepBase := fmt.Sprintf("%04d", index)
	stepPayload, err := json.MarshalIndent(struct {
		StepIndex int                `json:"step_index"`
		Call      model.ComputerCall `json:"call"`
		URL       string             `json:"url"`
		Title     string             `json:"title"`
		Error     string             `json:"error,omitempty"`
	}{StepIndex: index, Call: call, URL: obs.URL, Title: obs.Title, Error: obs.Error}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(w.stepsDir, stepBase+".json"), stepPayload, 0o644); err != nil {
		return err
	}
	if len(obs.Screenshot) > 0 {
		if err := os.WriteFile(filepath.Join(w.stepsDir, stepBase+".png"), obs.Screenshot, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes the timeline and replay action files. Safe to
// call once the session terminates; the run directory itself is left in
// place for later replay/inspection.
func (w *TraceWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err1 := w.timeline.Close()
	err2 := w.actions.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func writeJSONLine(f *os.File, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}
