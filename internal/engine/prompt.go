package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/strata/internal/retrieval"
	"github.com/haasonsaas/strata/pkg/models"
)

// ContextMetadataKey marks the synthetic context message so downstream
// consumers can recognize it.
const ContextMetadataKey = "strata_context"

// buildSyntheticMessage renders the retrieval result as one plain-text
// message. Its role is chosen so the block never collides with a run of
// same-role messages: assistant when the first recent message is from the
// user, user otherwise.
func buildSyntheticMessage(result *retrieval.Result, recent []models.Message, now time.Time) models.Message {
	role := models.RoleUser
	if len(recent) > 0 && recent[0].Role == models.RoleUser {
		role = models.RoleAssistant
	}
	return models.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   renderSyntheticBlock(result),
		Metadata:  map[string]any{ContextMetadataKey: true},
		CreatedAt: now,
	}
}

// renderSyntheticBlock formats the selections tier by tier with the
// decision header and the usage trailer.
func renderSyntheticBlock(result *retrieval.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Archived conversation context (strata): reachedLayer=%s reason=%s\n\n",
		result.Decision.ReachedLayer, result.Decision.Reason)

	for _, layer := range []retrieval.Layer{retrieval.L0, retrieval.L1, retrieval.L2} {
		fmt.Fprintf(&sb, "%s context:\n", layer)
		for _, sel := range result.Selections {
			if sel.Layer != layer {
				continue
			}
			fmt.Fprintf(&sb, "- %s score=%.3f tokens=%d\n%s\n", sel.NodeID, sel.Score, sel.EstimatedTokens, sel.Content)
		}
		sb.WriteString("\n")
	}

	u := result.TokenUsage
	fmt.Fprintf(&sb, "tokens: l0=%d l1=%d l2=%d total=%d\n", u.L0, u.L1, u.L2, u.Total)
	fmt.Fprintf(&sb, "baselineL2=%d savings=%d savingsRatio=%.1f%%", u.BaselineL2, u.Savings, u.SavingsRatio*100)
	return sb.String()
}
