// Package tokens implements the conservative token estimator used for all
// prompt budgeting. Estimates prefer over-counting to under-counting.
package tokens

import (
	"encoding/json"

	"github.com/haasonsaas/strata/pkg/models"
)

const (
	// CharsPerToken is the character-to-token ratio. Three characters per
	// token over-counts for English text, which keeps budgets safe.
	CharsPerToken = 3

	// ImageCost is the fixed charge for an image or image-result block.
	ImageCost = 2000
)

// EstimateText estimates the token count of plain text.
func EstimateText(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// Estimate estimates the token count of a message. It is total: any
// message yields a count, and it never fails.
func Estimate(msg models.Message) int {
	if len(msg.Blocks) == 0 {
		return EstimateText(msg.Content)
	}
	total := 0
	for _, b := range msg.Blocks {
		total += estimateBlock(b)
	}
	return total
}

// EstimateMessages sums the estimates of all messages.
func EstimateMessages(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += Estimate(m)
	}
	return total
}

func estimateBlock(b models.ContentBlock) int {
	switch b.Type {
	case models.BlockText:
		return EstimateText(b.Text)
	case models.BlockImage:
		return ImageCost
	case models.BlockToolResult:
		// Array-valued tool results are charged by their inner blocks so
		// that embedded images charge the fixed image cost.
		if len(b.Blocks) > 0 {
			total := 0
			for _, inner := range b.Blocks {
				total += estimateBlock(inner)
			}
			return total
		}
		return estimateSerialized(b)
	case models.BlockToolUse:
		return estimateSerialized(b)
	default:
		return EstimateText(b.Text)
	}
}

func estimateSerialized(b models.ContentBlock) int {
	raw, err := json.Marshal(b)
	if err != nil {
		return EstimateText(b.Text)
	}
	return (len(raw) + CharsPerToken - 1) / CharsPerToken
}
