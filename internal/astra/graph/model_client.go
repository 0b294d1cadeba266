package graph

import (
	"context"

	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/astra/tools"
)

// PlanResult is the planner node's structured output.
type PlanResult struct {
	Markdown string
	Steps    []model.PlanStep
}

// AgentStepResult is the agent node's structured output: at most one tool
// call per step, per the node contract.
type AgentStepResult struct {
	AssistantText string
	ToolCall      *model.PendingToolCall
}

// ModelClient is the pluggable boundary to whatever LLM provider backs the
// conversation; the graph driver only ever calls through this interface, so
// swapping providers never touches node logic. Implementations live outside
// this package (the core does not itself implement an LLM provider).
type ModelClient interface {
	// Plan asks the model to refresh conv's plan given its current state.
	Plan(ctx context.Context, conv *model.Conversation) (PlanResult, error)

	// Step asks the tool-augmented model for the next assistant turn,
	// offering the given tool schemas for function-calling.
	Step(ctx context.Context, conv *model.Conversation, schemas []tools.ToolSchema) (AgentStepResult, error)

	// Summarize asks the model to refresh conv's running progress summary.
	Summarize(ctx context.Context, conv *model.Conversation) (string, error)
}
