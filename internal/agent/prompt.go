package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bengillin/walkietalkiebot-sub001/internal/types"
)

// DefaultHistoryTurns is how many prior turns the conversational prompt
// carries.
const DefaultHistoryTurns = 5

// PlanDocumentPath is where the agent is told to write full plan documents
// in plan mode.
const PlanDocumentPath = "PLAN.md"

const voiceDirective = "Reply as natural speech: short sentences, no markdown, " +
	"no bullet points, no code blocks. Answer as if speaking out loud."

var planModeDirective = fmt.Sprintf("If this request needs a plan, write the complete plan document to %s "+
	"and reply with only a brief spoken summary of it.", PlanDocumentPath)

var planIntentRe = regexp.MustCompile(`(?i)\b(plan|planning|roadmap|strategy|strategize)\b`)

// buildPrompt assembles the final prompt text for one agent invocation.
// Raw mode passes the instruction through with image references; the
// conversational mode layers history, images, the voice directive, an
// optional plan-mode directive, and the user prompt, in that order.
func buildPrompt(req Request, imagePaths []string, historyTurns int) string {
	if req.Raw {
		var b strings.Builder
		writeImageBlock(&b, imagePaths)
		b.WriteString(req.Prompt)
		return b.String()
	}

	var b strings.Builder
	writeHistoryBlock(&b, req.History, historyTurns)
	writeImageBlock(&b, imagePaths)
	b.WriteString(voiceDirective)
	b.WriteString("\n\n")
	if planIntentRe.MatchString(req.Prompt) {
		b.WriteString(planModeDirective)
		b.WriteString("\n\n")
	}
	b.WriteString(req.Prompt)
	return b.String()
}

func writeHistoryBlock(b *strings.Builder, history []types.Turn, limit int) {
	if len(history) == 0 {
		return
	}
	if limit <= 0 {
		limit = DefaultHistoryTurns
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	b.WriteString("Recent conversation:\n")
	for _, turn := range history {
		role := "User"
		if turn.Role == "assistant" {
			role = "Assistant"
		}
		fmt.Fprintf(b, "%s: %s\n", role, turn.Text)
	}
	b.WriteString("\n")
}

func writeImageBlock(b *strings.Builder, imagePaths []string) {
	if len(imagePaths) == 0 {
		return
	}
	b.WriteString("Read these image files before answering:\n")
	for _, path := range imagePaths {
		fmt.Fprintf(b, "- %s\n", path)
	}
	b.WriteString("\n")
}
