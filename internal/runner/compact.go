package runner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/perchlabs/agentd/internal/agent"
	"github.com/perchlabs/agentd/pkg/models"
)

// summarizeProgress builds the compact "progress so far" message used when
// the loop nudges a stalled model. It replaces the accumulated history, so
// it must carry enough for the model to resume: the task, what has been
// done, and an explicit instruction to continue.
func summarizeProgress(task string, records []models.ToolCallRecord) string {
	var b strings.Builder
	b.WriteString("You are resuming a task in progress. Original task:\n")
	b.WriteString(task)
	b.WriteString("\n\nProgress so far:\n")

	if len(records) == 0 {
		b.WriteString("- no tool calls made yet\n")
	} else {
		counts := make(map[string]int)
		for _, r := range records {
			counts[r.Tool]++
		}
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "- %s called %d time(s)\n", name, counts[name])
		}

		last := records[len(records)-1]
		result := last.Result
		if len(result) > 500 {
			result = result[:500] + "..."
		}
		fmt.Fprintf(&b, "\nMost recent tool call: %s\nIts result: %s\n", last.Tool, result)
	}

	b.WriteString("\nThe task is not finished. Continue working on it now, using tools as needed.")
	return b.String()
}

// compactHistory resets the conversation to a single user message carrying
// the progress summary. The system prompt travels separately in the request
// and is unaffected.
func compactHistory(task string, records []models.ToolCallRecord) []agent.Message {
	return []agent.Message{{
		Role:    models.RoleUser,
		Content: summarizeProgress(task, records),
	}}
}

// truncateResult caps tool output at maxChars, appending a marker so the
// model knows data was cut rather than absent.
func truncateResult(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	return s[:maxChars] + fmt.Sprintf("\n[...truncated from %d chars]", len(s))
}

// pruneImages drops inline images from all but the keep most recent
// image-bearing messages. Text content is left alone.
func pruneImages(history []agent.Message, keep int) []agent.Message {
	if keep < 0 {
		keep = 0
	}
	withImages := 0
	for i := range history {
		if len(history[i].Images) > 0 {
			withImages++
		}
	}
	if withImages <= keep {
		return history
	}

	toDrop := withImages - keep
	out := make([]agent.Message, len(history))
	copy(out, history)
	for i := range out {
		if toDrop == 0 {
			break
		}
		if len(out[i].Images) > 0 {
			out[i].Images = nil
			if out[i].Content == "" && len(out[i].ToolResults) == 0 && len(out[i].ToolCalls) == 0 {
				out[i].Content = "[image removed to save space]"
			}
			toDrop--
		}
	}
	return out
}
