package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/astraforge/sandbox-core/internal/astra/astraerrors"
	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/astra/tools"
	"github.com/astraforge/sandbox-core/internal/observability"
)

// Checkpointer persists the durable (state, next-node) tuple the driver
// needs to resume a session without re-executing committed tool calls.
// store.Store satisfies this directly.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, sessionID string, state model.ConversationState, nextNode string) error
	LoadCheckpoint(ctx context.Context, sessionID string) (state model.ConversationState, nextNode string, ok bool, err error)
}

// ConversationStore persists the Conversation aggregate itself (status,
// goal, final state) independent of the lighter-weight checkpoint tuple.
type ConversationStore interface {
	SaveConversation(ctx context.Context, conv *model.Conversation) error
}

// SessionGetter resolves a session id to its current record, used for the
// cancellation check before every node.
type SessionGetter interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
}

// Snapshotter takes a best-effort terminal snapshot, used on both normal
// completion and failure; implementations should tolerate repeated calls.
type Snapshotter interface {
	Snapshot(ctx context.Context, sessionID, label string) (snapshotID string, err error)
}

// EventPublisher is the narrow slice of eventbus.Bus the driver needs.
type EventPublisher interface {
	Publish(sessionID string, e model.Event) model.Event
}

// Driver executes the conversation state graph for one session at a time.
// A single Driver instance is shared across sessions; per-run state lives
// entirely in the Conversation/ConversationState values passed to Run.
type Driver struct {
	model        ModelClient
	dispatcher   *tools.Dispatcher
	checkpointer Checkpointer
	conversations ConversationStore
	sessions     SessionGetter
	snapshots    Snapshotter
	bus          EventPublisher
	inbox        *Inbox
	log          *observability.Logger
	tracer       *observability.Tracer
}

// New constructs a Driver. snapshots may be nil, in which case terminal
// auto-snapshot is skipped entirely.
func New(model ModelClient, dispatcher *tools.Dispatcher, checkpointer Checkpointer, conversations ConversationStore, sessions SessionGetter, snapshots Snapshotter, bus EventPublisher, inbox *Inbox, log *observability.Logger) *Driver {
	return &Driver{
		model: model, dispatcher: dispatcher, checkpointer: checkpointer,
		conversations: conversations, sessions: sessions, snapshots: snapshots,
		bus: bus, inbox: inbox, log: log,
	}
}

// SetTracer attaches a Tracer that every subsequent Run call spans each
// node step under. Leaving it unset (nil) disables tracing; every call
// site checks d.tracer before using it.
func (d *Driver) SetTracer(t *observability.Tracer) { d.tracer = t }

// Inbox exposes the driver's interrupt/resume mailbox so the Session
// Controller can push replies and cancellations into it.
func (d *Driver) Inbox() *Inbox { return d.inbox }

// Run drives conv to completion (or failure, or cancellation), resuming
// from the last checkpoint if one exists for sess.ID. Run blocks for the
// lifetime of the conversation; callers dispatch it onto a worker goroutine.
func (d *Driver) Run(ctx context.Context, sess *model.Session, conv *model.Conversation) error {
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "graph.run", observability.SpanOptions{
			Kind:       trace.SpanKindInternal,
			Attributes: []attribute.KeyValue{attribute.String("session_id", sess.ID)},
		})
		defer span.End()
	}

	node := NodePlanner
	if state, next, ok, err := d.checkpointer.LoadCheckpoint(ctx, sess.ID); err == nil && ok {
		conv.State = state
		if next != "" {
			node = Node(next)
		}
	}
	conv.Status = model.ConversationRunning

	for node != NodeTerminal {
		if cancelled, err := d.cancelled(ctx, sess.ID); err != nil {
			return err
		} else if cancelled {
			conv.Status = model.ConversationCancelled
			_ = d.conversations.SaveConversation(ctx, conv)
			return astraerrors.ErrGraphCancelled
		}

		next, err := d.step(ctx, sess, conv, node)
		if err != nil {
			conv.Status = model.ConversationFailed
			_ = d.conversations.SaveConversation(ctx, conv)
			d.emitError(sess.ID, err)
			d.bestEffortSnapshot(ctx, sess.ID, "failure")
			return &astraerrors.GraphError{Node: string(node), RunID: sess.ID, Message: "node failed", Cause: err}
		}
		node = next

		if cerr := d.checkpointer.SaveCheckpoint(ctx, sess.ID, conv.State, string(node)); cerr != nil && d.log != nil {
			d.log.Warn(ctx, "checkpoint save failed", "session_id", sess.ID, "error", cerr)
		}
	}

	conv.Status = model.ConversationCompleted
	if err := d.conversations.SaveConversation(ctx, conv); err != nil {
		return err
	}
	snapID := d.bestEffortSnapshot(ctx, sess.ID, "completion")
	if snapID != "" {
		conv.LastSnapshotID = snapID
	}
	payload, _ := json.Marshal(map[string]string{"summary": conv.State.Summary})
	d.bus.Publish(sess.ID, model.Event{Type: model.EventCompleted, Payload: payload})
	return nil
}

func (d *Driver) cancelled(ctx context.Context, sessionID string) (bool, error) {
	sess, err := d.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return sess.Status == model.StatusTerminated, nil
}

func (d *Driver) step(ctx context.Context, sess *model.Session, conv *model.Conversation, node Node) (Node, error) {
	if d.tracer != nil {
		var span trace.Span
		var tctx context.Context
		tctx, span = d.tracer.Start(ctx, "graph.node."+string(node), observability.SpanOptions{
			Kind:       trace.SpanKindInternal,
			Attributes: []attribute.KeyValue{attribute.String("session_id", sess.ID)},
		})
		next, err := d.stepTraced(tctx, sess, conv, node)
		if err != nil {
			d.tracer.RecordError(span, err)
		}
		span.End()
		return next, err
	}
	return d.stepTraced(ctx, sess, conv, node)
}

func (d *Driver) stepTraced(ctx context.Context, sess *model.Session, conv *model.Conversation, node Node) (Node, error) {
	switch node {
	case NodePlanner:
		return d.stepPlanner(ctx, conv)
	case NodeAgent:
		return d.stepAgent(ctx, conv)
	case NodeTools:
		return d.stepTools(ctx, sess, conv)
	case NodeInterrupt:
		return d.stepInterrupt(ctx, sess, conv)
	case NodeObserver:
		return d.stepObserver(ctx, sess, conv)
	case NodeSummarizer:
		return d.stepSummarizer(ctx, conv)
	case NodeCheckCompletion:
		return d.stepCheckCompletion(ctx, conv)
	default:
		return "", fmt.Errorf("graph: unknown node %q", node)
	}
}

func (d *Driver) stepPlanner(ctx context.Context, conv *model.Conversation) (Node, error) {
	res, err := d.model.Plan(ctx, conv)
	if err != nil {
		// Structured output failed: fall back to a single free-form
		// in-progress step rather than aborting the run.
		conv.State.Plan = fmt.Sprintf("(plan generation failed: %v)", err)
		conv.State.PlanSteps = []model.PlanStep{{Title: "Continue toward the goal", Status: model.PlanStepInProgress}}
		return NodeAgent, nil
	}
	conv.State.Plan = res.Markdown
	conv.State.PlanSteps = res.Steps
	return NodeAgent, nil
}

func (d *Driver) stepAgent(ctx context.Context, conv *model.Conversation) (Node, error) {
	res, err := d.model.Step(ctx, conv, d.dispatcher.Registry().Schemas())
	if err != nil {
		return "", err
	}

	if res.AssistantText != "" {
		conv.State.Messages = append(conv.State.Messages, model.Message{
			Role: model.RoleAssistant, Content: res.AssistantText, CreatedAt: time.Now(),
		})
		payload, _ := json.Marshal(map[string]string{"text": res.AssistantText})
		d.bus.Publish(conv.SessionID, model.Event{Type: model.EventAssistantMsg, Payload: payload})
	}

	if res.ToolCall != nil {
		conv.State.PendingToolCall = res.ToolCall
		if res.ToolCall.Name == "ask_user" || res.ToolCall.Name == "request_takeover" {
			conv.State.PendingAsk = questionFromArgs(res.ToolCall.Args)
			return NodeInterrupt, nil
		}
		return NodeTools, nil
	}

	if isTerminalMarker(res.AssistantText) {
		return NodeCheckCompletion, nil
	}
	return NodeObserver, nil
}

func questionFromArgs(args json.RawMessage) string {
	var input struct {
		Question string `json:"question"`
		Reason   string `json:"reason"`
	}
	_ = json.Unmarshal(args, &input)
	if input.Question != "" {
		return input.Question
	}
	return input.Reason
}

func (d *Driver) stepTools(ctx context.Context, sess *model.Session, conv *model.Conversation) (Node, error) {
	call := conv.State.PendingToolCall
	if call == nil {
		return NodeObserver, nil
	}
	result, err := d.dispatcher.Call(ctx, sess, call.ID, call.Name, call.Args)
	if err != nil {
		return "", err
	}
	conv.State.Messages = append(conv.State.Messages, model.Message{
		Role: model.RoleTool, Content: result.Output, ToolCallID: call.ID, ToolName: call.Name, CreatedAt: time.Now(),
	})
	conv.State.TerminalOutput = result.Output
	conv.State.PendingToolCall = nil
	return NodeObserver, nil
}

func (d *Driver) stepInterrupt(ctx context.Context, sess *model.Session, conv *model.Conversation) (Node, error) {
	payload, _ := json.Marshal(map[string]any{
		"action":      "wait_for_user",
		"description": conv.State.PendingAsk,
		"timestamp":   time.Now(),
	})
	d.bus.Publish(sess.ID, model.Event{Type: model.EventInterrupt, Payload: payload})
	conv.Status = model.ConversationPaused
	_ = d.conversations.SaveConversation(ctx, conv)

	reply, err := d.inbox.Wait(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	if reply == CancelSentinel {
		return "", astraerrors.ErrGraphCancelled
	}
	conv.Status = model.ConversationRunning
	if reply != ResumeSentinel && reply != "" {
		conv.State.Messages = append(conv.State.Messages, model.Message{Role: model.RoleUser, Content: reply, CreatedAt: time.Now()})
	}
	conv.State.PendingToolCall = nil
	conv.State.PendingAsk = ""
	return NodeObserver, nil
}

func (d *Driver) stepObserver(ctx context.Context, sess *model.Session, conv *model.Conversation) (Node, error) {
	payload, _ := json.Marshal(map[string]string{"stage": "observer", "last_output": conv.State.TerminalOutput})
	d.bus.Publish(sess.ID, model.Event{Type: model.EventStatus, Stage: "observer", Payload: payload})
	return NodeSummarizer, nil
}

func (d *Driver) stepSummarizer(ctx context.Context, conv *model.Conversation) (Node, error) {
	summary, err := d.model.Summarize(ctx, conv)
	if err != nil {
		return "", err
	}
	conv.State.Summary = summary

	if kept, dropped := pruneHistory(conv.State.Messages); dropped > 0 {
		conv.State.Messages = kept
		if d.log != nil {
			d.log.Info(ctx, "pruned conversation history", "session_id", conv.SessionID, "dropped_messages", dropped)
		}
	}
	return NodePlanner, nil
}

func (d *Driver) stepCheckCompletion(ctx context.Context, conv *model.Conversation) (Node, error) {
	if allStepsCompleted(conv.State.PlanSteps) {
		if len(conv.State.Messages) > 0 {
			last := conv.State.Messages[len(conv.State.Messages)-1]
			if last.Role == model.RoleAssistant {
				conv.State.Summary = extractFinalAnswer(last.Content)
			}
		}
		return NodeTerminal, nil
	}
	conv.State.Messages = append(conv.State.Messages, model.Message{
		Role: model.RoleSystem, Content: outstandingStepsPrompt(conv.State.PlanSteps), CreatedAt: time.Now(),
	})
	return NodeObserver, nil
}

// bestEffortSnapshot takes a terminal snapshot and returns its id, or ""
// if snapshotting is unconfigured or fails; a snapshot failure is reported
// as a non-terminal status event rather than an error event, since it
// never invalidates a completed or failed run.
func (d *Driver) bestEffortSnapshot(ctx context.Context, sessionID, label string) string {
	if d.snapshots == nil {
		return ""
	}
	id, err := d.snapshots.Snapshot(ctx, sessionID, label)
	if err != nil {
		if d.log != nil {
			d.log.Warn(ctx, "terminal snapshot failed", "session_id", sessionID, "error", err)
		}
		payload, _ := json.Marshal(map[string]string{"stage": "snapshot_failed", "error": err.Error()})
		d.bus.Publish(sessionID, model.Event{Type: model.EventStatus, Stage: "snapshot_failed", Payload: payload})
		return ""
	}
	return id
}

func (d *Driver) emitError(sessionID string, err error) {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	d.bus.Publish(sessionID, model.Event{Type: model.EventError, Payload: payload})
}
