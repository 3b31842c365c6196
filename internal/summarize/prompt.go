package summarize

import (
	"fmt"
	"strings"
)

// buildPrompt creates the instruction sent to LLM-backed providers.
func buildPrompt(text string, targetTokens int) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation excerpt faithfully. ")
	sb.WriteString(fmt.Sprintf("Keep the summary under roughly %d tokens. ", targetTokens))
	sb.WriteString("Focus on:\n")
	sb.WriteString("- Key topics discussed\n")
	sb.WriteString("- Important decisions or conclusions\n")
	sb.WriteString("- Any pending tasks or questions\n\n")
	sb.WriteString("Excerpt:\n\n")
	sb.WriteString(text)
	return sb.String()
}
