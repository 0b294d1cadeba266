// Package tools wraps Sandbox Lifecycle Manager operations as LLM-callable
// tools with a fixed Name/Description/Schema/Execute signature, normalizing
// every call into a tool_start/tool_result event pair on the Event Bus.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/astraforge/sandbox-core/internal/astra/model"
)

// maxOutputBytes caps a single tool's output before it reaches the model;
// oversized output is truncated with a trailing marker rather than rejected.
const maxOutputBytes = 32 * 1024

// Tool is the capability interface every tool implements, mirroring the
// teacher's agent.Tool shape (Name/Description/Schema/Execute) generalized
// to carry the Session the call executes against.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, sess *model.Session, params json.RawMessage) (*model.ToolResultPayload, error)
}

// Registry holds every tool the Agent Graph Driver may call by name.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry builds a Registry from ts, in the order given.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		r.tools[t.Name()] = t
		r.order = append(r.order, t.Name())
	}
	return r
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// ToolSchema is the function-calling declaration handed to the model
// provider for one tool.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Schemas returns every registered tool's declaration, in registration order.
func (r *Registry) Schemas() []ToolSchema {
	out := make([]ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()})
	}
	return out
}

// Dispatcher invokes a named tool, wrapping the call with the tool_start/
// tool_result event pair every call must produce.
type Dispatcher struct {
	registry *Registry
	bus      EventPublisher
}

// EventPublisher is the subset of eventbus.Bus the Dispatcher needs,
// expressed as an interface so tests can supply a stub.
type EventPublisher interface {
	Publish(sessionID string, e model.Event) model.Event
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(registry *Registry, bus EventPublisher) *Dispatcher {
	return &Dispatcher{registry: registry, bus: bus}
}

// Registry returns the Dispatcher's underlying tool Registry, so callers
// such as the Agent Graph Driver can pull the current tool schemas without
// holding a separate reference.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Call executes toolName with args against sess, publishing tool_start
// before and tool_result after. An unknown tool name or a tool error both
// surface as an IsError result rather than a Go error, so the Agent node
// can feed it straight back to the model as a tool message.
func (d *Dispatcher) Call(ctx context.Context, sess *model.Session, toolCallID, toolName string, args json.RawMessage) (*model.ToolResultPayload, error) {
	startPayload, _ := json.Marshal(model.ToolStartPayload{ToolCallID: toolCallID, ToolName: toolName, Args: args})
	d.bus.Publish(sess.ID, model.Event{Type: model.EventToolStart, Payload: startPayload})

	tool, ok := d.registry.Get(toolName)
	if !ok {
		result := &model.ToolResultPayload{ToolCallID: toolCallID, ToolName: toolName, Output: fmt.Sprintf("unknown tool %q", toolName), IsError: true}
		d.publishResult(sess.ID, result)
		return result, nil
	}

	result, err := tool.Execute(ctx, sess, args)
	if err != nil {
		result = &model.ToolResultPayload{ToolCallID: toolCallID, ToolName: toolName, Output: err.Error(), IsError: true}
	}
	if result == nil {
		result = &model.ToolResultPayload{ToolCallID: toolCallID, ToolName: toolName}
	}
	result.ToolCallID = toolCallID
	result.ToolName = toolName
	result.Output = truncate(result.Output)
	d.publishResult(sess.ID, result)
	return result, nil
}

func (d *Dispatcher) publishResult(sessionID string, result *model.ToolResultPayload) {
	payload, _ := json.Marshal(result)
	eventType := model.EventToolResult
	if len(result.Artifacts) > 0 {
		eventType = model.EventToolArtifact
	}
	d.bus.Publish(sessionID, model.Event{Type: eventType, Payload: payload})
}

func truncate(output string) string {
	if len(output) <= maxOutputBytes {
		return output
	}
	return output[:maxOutputBytes] + "\n... [truncated]"
}

func errorResult(message string) *model.ToolResultPayload {
	return &model.ToolResultPayload{Output: message, IsError: true}
}

func jsonResult(payload any) *model.ToolResultPayload {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err))
	}
	return &model.ToolResultPayload{Output: string(encoded)}
}
