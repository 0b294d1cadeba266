package model

import (
	"encoding/json"
	"time"
)

// EventType is the discriminator for Event.Type. Within a single session,
// events are totally ordered and every subscriber sees them in publish
// order (see eventbus.Bus).
type EventType string

const (
	EventStatus          EventType = "status"
	EventCommand         EventType = "command"
	EventLog             EventType = "log"
	EventToolStart       EventType = "tool_start"
	EventToolResult      EventType = "tool_result"
	EventToolArtifact    EventType = "tool_artifact"
	EventAssistantMsg    EventType = "assistant_message"
	EventUserMsg         EventType = "user_message"
	EventDocumentUpload  EventType = "document_uploaded"
	EventInterrupt       EventType = "interrupt"
	EventCompleted       EventType = "completed"
	EventError           EventType = "error"
	EventHeartbeat       EventType = "heartbeat"
	EventPolicyDecision  EventType = "policy_decision"
)

// Event is a typed JSON record delivered on a per-session stream. Sequence
// is monotonic within a session and is what lets a reconnecting SSE client
// detect gaps against the event bus backlog.
type Event struct {
	Type      EventType       `json:"type"`
	Stage     string          `json:"stage,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SessionID string          `json:"session_id"`
	Sequence  uint64          `json:"seq"`
	TS        time.Time       `json:"ts"`
}

// ToolStartPayload is the payload carried by an EventToolStart event.
type ToolStartPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// ToolResultPayload is the payload carried by EventToolResult/EventToolArtifact.
type ToolResultPayload struct {
	ToolCallID string     `json:"tool_call_id"`
	ToolName   string      `json:"tool_name"`
	Output     string      `json:"output"`
	IsError    bool        `json:"is_error,omitempty"`
	Artifacts  []Artifact  `json:"artifacts,omitempty"`
}

// ConversationStatus is the lifecycle state of the agent run bound to a
// session (distinct from Session.Status, though the two are correlated:
// a terminated Session eventually drags its Conversation to a terminal
// state too).
type ConversationStatus string

const (
	ConversationCreated   ConversationStatus = "created"
	ConversationRunning   ConversationStatus = "running"
	ConversationPaused    ConversationStatus = "paused"
	ConversationCompleted ConversationStatus = "completed"
	ConversationFailed    ConversationStatus = "failed"
	ConversationCancelled ConversationStatus = "cancelled"
)

// PlanStepStatus is the status of one line item inside a Conversation's plan.
type PlanStepStatus string

const (
	PlanStepTodo       PlanStepStatus = "todo"
	PlanStepInProgress PlanStepStatus = "in_progress"
	PlanStepCompleted  PlanStepStatus = "completed"
)

// PlanStep is one structured line item of the planner's plan.
type PlanStep struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      PlanStepStatus `json:"status"`
}

// Document is an uploaded file attached to a conversation, summarized into
// the agent's system prompt.
type Document struct {
	Filename  string    `json:"filename"`
	Path      string    `json:"path"` // under /workspace/uploads/
	SizeBytes int64     `json:"size_bytes"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// PendingToolCall is the model-requested tool call awaiting execution,
// carried in ConversationState so a crash between the agent and tools
// nodes resumes without re-asking the model.
type PendingToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ConversationState is the explicit serializable checkpoint payload: the
// full state the Agent Graph Driver needs to resume a run without
// re-executing committed tool calls.
type ConversationState struct {
	Messages        []Message        `json:"messages"`
	Plan            string           `json:"plan"`
	PlanSteps       []PlanStep       `json:"plan_steps"`
	CurrentStep     int              `json:"current_step"`
	Summary         string           `json:"summary"`
	TerminalOutput  string           `json:"terminal_output"`
	FileTree        []string         `json:"file_tree"`
	Documents       []Document       `json:"documents"`
	NextNode        string           `json:"next_node"`
	PendingToolCall *PendingToolCall `json:"pending_tool_call,omitempty"`
	PendingAsk      string           `json:"pending_ask,omitempty"`
}

// MessageRole distinguishes conversation turn authorship.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
	RoleSystem    MessageRole = "system"
)

// Message is one turn of the conversation transcript.
type Message struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Conversation is the agent execution bound to a session; it may outlive
// the session (terminal state persists after the sandbox is torn down).
type Conversation struct {
	ID             string
	SessionID      string
	Status         ConversationStatus
	Goal           string
	State          ConversationState
	LastSnapshotID string
	Events         []Event // append-only persisted mirror of the bus stream
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
