package session

import (
	"fmt"
	"strings"

	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// ContextBudget configures the per-thread context monitor: a
// token limit and the usage ratio that triggers compaction, plus how many
// trailing turns survive verbatim.
type ContextBudget struct {
	MaxTokens      int
	ThresholdRatio float64
	TailTurns      int
}

// DefaultContextBudget returns the default budget, compacting at 80%
// of the window.
func DefaultContextBudget() ContextBudget {
	return ContextBudget{MaxTokens: 150_000, ThresholdRatio: 0.8, TailTurns: 4}
}

// EstimateTokens is a coarse, model-agnostic token estimate (~4 bytes per
// token), sufficient for the context monitor's threshold check; exact
// provider tokenization is not needed here.
func EstimateTokens(turns []*models.Turn) int {
	total := 0
	for _, t := range turns {
		total += (len(t.UserInput) + len(t.Response)) / 4
		for _, a := range t.Actions {
			total += len(a.ToolName) / 4
			for _, v := range a.Result {
				total += len(fmt.Sprint(v)) / 4
			}
		}
	}
	return total
}

// NeedsCompaction reports whether turns' estimated size exceeds the
// budget's threshold ratio of MaxTokens.
func (b ContextBudget) NeedsCompaction(turns []*models.Turn) bool {
	if b.MaxTokens <= 0 {
		return false
	}
	return float64(EstimateTokens(turns)) > b.ThresholdRatio*float64(b.MaxTokens)
}

// Compact replaces every turn but the trailing TailTurns with a single
// synthetic summary turn, retaining the tail verbatim. identityVerbatim is appended to the summary text unmodified so
// identity-file content survives compaction exactly ("summaries preserve
// identity files verbatim").
func (b ContextBudget) Compact(turns []*models.Turn, identityVerbatim string) []*models.Turn {
	tail := b.TailTurns
	if tail <= 0 {
		tail = 4
	}
	if len(turns) <= tail {
		return turns
	}

	dropped := turns[:len(turns)-tail]
	kept := turns[len(turns)-tail:]

	var sb strings.Builder
	sb.WriteString("Summary of prior conversation:\n")
	for _, t := range dropped {
		sb.WriteString(fmt.Sprintf("- turn %d: %s -> %s\n", t.TurnNumber, truncate(t.UserInput, 160), truncate(t.Response, 160)))
	}
	if identityVerbatim != "" {
		sb.WriteString("\n")
		sb.WriteString(identityVerbatim)
	}

	summary := &models.Turn{
		TurnNumber: dropped[0].TurnNumber,
		UserInput:  "[compacted]",
		Response:   sb.String(),
		State:      models.TurnCompleted,
	}
	return append([]*models.Turn{summary}, kept...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
