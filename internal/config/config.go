// Package config defines the tunables of the context engine with their
// defaults and valid ranges. Configuration is carried per call; defaults
// are immutable constants, and there is no global state.
package config

import (
	"errors"
	"fmt"
)

// Config holds every knob of the context engine.
type Config struct {
	// L0TargetTokens is the abstract length target.
	L0TargetTokens int `yaml:"l0_target_tokens" json:"l0_target_tokens"`

	// L1TargetTokens is the overview length target.
	L1TargetTokens int `yaml:"l1_target_tokens" json:"l1_target_tokens"`

	// MaxPromptTokens is the hard cap on the assembled prompt's tokens.
	MaxPromptTokens int `yaml:"max_prompt_tokens" json:"max_prompt_tokens"`

	// ScoreThresholdHigh is the score at or above which a node is a
	// strong match.
	ScoreThresholdHigh float64 `yaml:"score_threshold_high" json:"score_threshold_high"`

	// Top1Top2Margin is the minimum gap between the two top scorers
	// required to treat the leader as unambiguous.
	Top1Top2Margin float64 `yaml:"top1_top2_margin" json:"top1_top2_margin"`

	// MaxItemsForL1 caps L1 selections.
	MaxItemsForL1 int `yaml:"max_items_for_l1" json:"max_items_for_l1"`

	// MaxItemsForL2 caps L2 selections.
	MaxItemsForL2 int `yaml:"max_items_for_l2" json:"max_items_for_l2"`

	// EnableSessionCompression is the master switch.
	EnableSessionCompression bool `yaml:"enable_session_compression" json:"enable_session_compression"`

	// MaxArchives is the retained node count.
	MaxArchives int `yaml:"max_archives" json:"max_archives"`

	// MaxRecentMessages is how many tail messages stay verbatim.
	MaxRecentMessages int `yaml:"max_recent_messages" json:"max_recent_messages"`

	// ArchiveChunkSize is the chunk size for the archived prefix.
	ArchiveChunkSize int `yaml:"archive_chunk_size" json:"archive_chunk_size"`
}

// Default returns the engine defaults.
func Default() Config {
	return Config{
		L0TargetTokens:           120,
		L1TargetTokens:           1200,
		MaxPromptTokens:          32000,
		ScoreThresholdHigh:       0.64,
		Top1Top2Margin:           0.08,
		MaxItemsForL1:            4,
		MaxItemsForL2:            2,
		EnableSessionCompression: true,
		MaxArchives:              12,
		MaxRecentMessages:        24,
		ArchiveChunkSize:         8,
	}
}

// Validate checks every value against its allowed range.
func (c Config) Validate() error {
	var errs []error
	check := func(name string, v, lo, hi int) {
		if v < lo || v > hi {
			errs = append(errs, fmt.Errorf("config: %s %d out of range [%d, %d]", name, v, lo, hi))
		}
	}
	checkF := func(name string, v, lo, hi float64) {
		if v < lo || v > hi {
			errs = append(errs, fmt.Errorf("config: %s %g out of range [%g, %g]", name, v, lo, hi))
		}
	}
	check("l0_target_tokens", c.L0TargetTokens, 40, 300)
	check("l1_target_tokens", c.L1TargetTokens, 300, 4000)
	check("max_prompt_tokens", c.MaxPromptTokens, 4000, 160000)
	checkF("score_threshold_high", c.ScoreThresholdHigh, 0.1, 0.99)
	checkF("top1_top2_margin", c.Top1Top2Margin, 0.01, 0.8)
	check("max_items_for_l1", c.MaxItemsForL1, 1, 12)
	check("max_items_for_l2", c.MaxItemsForL2, 1, 6)
	check("max_archives", c.MaxArchives, 1, 60)
	check("max_recent_messages", c.MaxRecentMessages, 2, 120)
	check("archive_chunk_size", c.ArchiveChunkSize, 2, 30)
	return errors.Join(errs...)
}
