package graph

import (
	astracontext "github.com/astraforge/sandbox-core/internal/context"
	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/compaction"
)

// historyBudgetTokens bounds how much of the model's context window the raw
// message transcript may occupy before the summarizer's running Summary
// takes over carrying the earlier turns. Conservative relative to the
// smallest context window astraforge/sandbox-core currently targets.
const historyBudgetTokens = astracontext.DefaultContextWindow / 4

// maxHistoryShare caps history at 60% of the reserved budget, leaving room
// for the system prompt, plan, and tool schemas the agent node also sends.
const maxHistoryShare = 0.6

// pruneHistory trims conv.State.Messages in place once the estimated token
// footprint of the transcript exceeds historyBudgetTokens, keeping the most
// recent messages intact and reporting how much was dropped so the caller
// can fold a note into the running summary instead of silently losing
// context.
func pruneHistory(messages []model.Message) ([]model.Message, int) {
	if len(messages) == 0 {
		return messages, 0
	}

	conv := make([]*compaction.Message, len(messages))
	for i, m := range messages {
		conv[i] = &compaction.Message{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.CreatedAt.Unix(),
		}
	}

	result := compaction.PruneHistoryForContextShare(conv, historyBudgetTokens, maxHistoryShare, compaction.DefaultParts)
	if result.DroppedMessages == 0 {
		return messages, 0
	}

	kept := make([]model.Message, 0, len(result.Messages))
	keptSet := make(map[*compaction.Message]bool, len(result.Messages))
	for _, m := range result.Messages {
		keptSet[m] = true
	}
	for i, m := range conv {
		if keptSet[m] {
			kept = append(kept, messages[i])
		}
	}
	return kept, result.DroppedMessages
}
