package graph

import (
	"regexp"
	"strings"

	"github.com/astraforge/sandbox-core/internal/astra/model"
)

var finalAnswerRE = regexp.MustCompile(`(?is)<final_answer>(.*?)</final_answer>`)

const taskCompletedToken = "TASK COMPLETED"

// isTerminalMarker reports whether text signals the run is done, either via
// a <final_answer> tag or the literal uppercase completion token.
func isTerminalMarker(text string) bool {
	return finalAnswerRE.MatchString(text) || strings.Contains(text, taskCompletedToken)
}

// extractFinalAnswer pulls the content of the last <final_answer> tag out
// of text, falling back to the raw text when no tag is present.
func extractFinalAnswer(text string) string {
	matches := finalAnswerRE.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(matches[len(matches)-1][1])
}

// allStepsCompleted reports whether every plan step has reached "completed".
func allStepsCompleted(steps []model.PlanStep) bool {
	if len(steps) == 0 {
		return true
	}
	for _, s := range steps {
		if s.Status != model.PlanStepCompleted {
			return false
		}
	}
	return true
}

// outstandingStepsPrompt builds the injected prompt listing unfinished
// steps, pushed back into the observer node when check_completion finds
// work remaining.
func outstandingStepsPrompt(steps []model.PlanStep) string {
	var b strings.Builder
	b.WriteString("The following plan steps are not yet completed:\n")
	for _, s := range steps {
		if s.Status != model.PlanStepCompleted {
			b.WriteString("- [" + string(s.Status) + "] " + s.Title + "\n")
		}
	}
	return b.String()
}
