package computeruse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/astraforge/sandbox-core/internal/astra/model"
)

// ComputerTool exposes the full browser-automation action family
// (visit_url, click, type, scroll, keypress, back, wait, web_search,
// terminate) as a single LLM-callable tool, running every call through
// Evaluate before Execute. One ComputerTool owns one Driver per session,
// lazily started on first use.
type ComputerTool struct {
	cfg       PolicyConfig
	traceRoot string // empty disables per-run trace recording

	mu      sync.Mutex
	drivers map[string]*Driver
}

// NewComputerTool creates a computer tool bound to cfg. traceRoot, if
// non-empty, is the directory under which each session's run trace
// (timeline.jsonl, steps/, replay/) is written; pass "" to disable tracing.
func NewComputerTool(cfg PolicyConfig, traceRoot string) *ComputerTool {
	return &ComputerTool{cfg: cfg, traceRoot: traceRoot, drivers: make(map[string]*Driver)}
}

func (t *ComputerTool) Name() string { return "computer" }
func (t *ComputerTool) Description() string {
	return "Control a sandboxed headless browser: visit_url, click, type, scroll, keypress, back, wait, web_search, terminate."
}
func (t *ComputerTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"description": "One of visit_url, click, double_click, type, scroll, keypress, back, wait, web_search, terminate.",
			},
			"x":                 map[string]any{"type": "integer"},
			"y":                 map[string]any{"type": "integer"},
			"text":              map[string]any{"type": "string"},
			"keys":              map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"url":               map[string]any{"type": "string"},
			"critical_point":    map[string]any{"type": "boolean"},
			"reasoning_summary": map[string]any{"type": "string"},
		},
		"required": []string{"action"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *ComputerTool) Execute(ctx context.Context, sess *model.Session, params json.RawMessage) (*model.ToolResultPayload, error) {
	var input struct {
		Action           string   `json:"action"`
		X, Y             int      `json:"x"`
		Text             string   `json:"text"`
		Keys             []string `json:"keys"`
		URL              string   `json:"url"`
		CriticalPoint    bool     `json:"critical_point"`
		ReasoningSummary string   `json:"reasoning_summary"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &model.ToolResultPayload{Output: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}

	call := model.ComputerCall{
		ID:               ulid.Make().String(),
		SessionID:        sess.ID,
		Action:           model.ComputerActionType(input.Action),
		X:                input.X,
		Y:                input.Y,
		Text:             input.Text,
		Keys:             input.Keys,
		URL:              input.URL,
		CriticalPoint:    input.CriticalPoint,
		ReasoningSummary: input.ReasoningSummary,
		RequestedAt:      time.Now(),
	}

	t.mu.Lock()
	cfg := t.cfg
	t.mu.Unlock()
	decision := Evaluate(call, cfg)
	if decision.Blocked() {
		return &model.ToolResultPayload{
			Output:  fmt.Sprintf("blocked by policy: %s", decision.Reason),
			IsError: true,
		}, nil
	}
	if decision.NeedsAck() {
		payload, _ := json.Marshal(decision)
		return &model.ToolResultPayload{Output: string(payload), IsError: false}, fmt.Errorf("%w: %s", errAwaitingAck, decision.Reason)
	}

	driver, err := t.driverFor(sess.ID)
	if err != nil {
		return &model.ToolResultPayload{Output: err.Error(), IsError: true}, nil
	}

	obs := driver.Execute(ctx, call)
	if call.Action == model.ActionTerminate {
		t.closeDriver(sess.ID)
	}

	result := map[string]any{
		"url":   obs.URL,
		"title": obs.Title,
	}
	if obs.Error != "" {
		result["error"] = obs.Error
	}
	payload, _ := json.Marshal(result)
	out := &model.ToolResultPayload{Output: string(payload), IsError: obs.Error != ""}
	if len(obs.Screenshot) > 0 {
		out.Artifacts = []model.Artifact{{
			SessionID:   sess.ID,
			Filename:    "screenshot.png",
			ContentType: "image/png",
			SizeBytes:   int64(len(obs.Screenshot)),
			CreatedAt:   obs.ObservedAt,
		}}
	}
	return out, nil
}

// errAwaitingAck is wrapped into the error returned when a call needs
// operator acknowledgement; the Agent Graph Driver checks for it with
// errors.Is to route into the interrupt node rather than treat it as a
// tool failure.
var errAwaitingAck = fmt.Errorf("computeruse: call requires acknowledgement")

// ErrAwaitingAck is the sentinel callers should match against with errors.Is.
func ErrAwaitingAck() error { return errAwaitingAck }

func (t *ComputerTool) driverFor(sessionID string) (*Driver, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.drivers[sessionID]; ok {
		return d, nil
	}
	d, err := NewDriver()
	if err != nil {
		return nil, err
	}
	if t.traceRoot != "" {
		if tw, terr := NewTraceWriter(t.traceRoot, sessionID); terr == nil {
			d.SetTrace(tw)
		}
	}
	t.drivers[sessionID] = d
	return d, nil
}

func (t *ComputerTool) closeDriver(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.drivers[sessionID]; ok {
		if d.trace != nil {
			_ = d.trace.Close()
		}
		_ = d.Close()
		delete(t.drivers, sessionID)
	}
}

// CloseSession tears down any browser driver held for sessionID, called by
// the Lifecycle Manager's Terminate path.
func (t *ComputerTool) CloseSession(sessionID string) {
	t.closeDriver(sessionID)
}

// UpdatePolicy swaps in a new policy config, taking effect on the next
// Execute call of every session this tool serves. Used by the config file
// watcher to apply domain allow/block list and approval-mode edits without
// a process restart.
func (t *ComputerTool) UpdatePolicy(cfg PolicyConfig) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}
