// Package graph implements the Agent Graph Driver: a cooperatively
// scheduled state machine executed on a single logical thread per session,
// with durable checkpoints after every node transition.
package graph

// Node identifies one stage of the conversation state graph.
type Node string

const (
	NodePlanner         Node = "planner"
	NodeAgent           Node = "agent"
	NodeTools           Node = "tools"
	NodeInterrupt       Node = "interrupt"
	NodeObserver         Node = "observer"
	NodeSummarizer       Node = "summarizer"
	NodeCheckCompletion Node = "check_completion"
	NodeTerminal        Node = "terminal"
)
