// Package retrieval ranks index nodes against a query and selects
// content across the three tiers under the prompt budget.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/strata/internal/config"
	"github.com/haasonsaas/strata/internal/observability"
	"github.com/haasonsaas/strata/internal/store"
	"github.com/haasonsaas/strata/internal/textutil"
	"github.com/haasonsaas/strata/internal/tokens"
	"github.com/haasonsaas/strata/pkg/models"
)

// Layer is a content tier. The ordering is natural: L0 < L1 < L2.
type Layer int

const (
	// L0 is the abstract tier.
	L0 Layer = iota
	// L1 is the overview tier.
	L1
	// L2 is the full transcript tier.
	L2
)

func (l Layer) String() string {
	switch l {
	case L0:
		return "L0"
	case L1:
		return "L1"
	case L2:
		return "L2"
	default:
		return fmt.Sprintf("Layer(%d)", int(l))
	}
}

// Decision reasons.
const (
	ReasonBroadQuery   = "broad-query"
	ReasonPreciseQuery = "precise-query"
	ReasonAmbiguous    = "ambiguous"
)

// Selection is one chosen content item.
type Selection struct {
	NodeID          string
	Layer           Layer
	Score           float64
	Content         string
	EstimatedTokens int
}

// Decision records which tier the retrieval escalated to and why.
type Decision struct {
	ReachedLayer Layer
	Reason       string
}

// TokenUsage is the retrieval's telemetry. BaselineL2 is the cost of
// sending every archived transcript verbatim.
type TokenUsage struct {
	L0           int
	L1           int
	L2           int
	Total        int
	BaselineL2   int
	Savings      int
	SavingsRatio float64
}

// Result is the retrieval outcome. Selections are ordered by layer
// ascending, then score descending.
type Result struct {
	Selections []Selection
	Decision   Decision
	TokenUsage TokenUsage
}

// Retriever scores and selects index nodes.
type Retriever struct {
	store  store.Store
	logger *observability.Logger
}

// New creates a Retriever.
func New(st store.Store, logger *observability.Logger) *Retriever {
	return &Retriever{store: st, logger: logger}
}

type scoredNode struct {
	node  *models.ContextNode
	score float64
}

// Retrieve ranks the index against the query and returns the budgeted
// selection plus any fallback events (archive bodies that could not be
// read and were downgraded to L1).
func (r *Retriever) Retrieve(ctx context.Context, index *models.IndexDocument, query string, cfg config.Config) (*Result, []string) {
	if index.Empty() {
		return &Result{Decision: Decision{ReachedLayer: L0, Reason: ReasonBroadQuery}}, nil
	}

	ranked := rankNodes(index, query)
	rootScore := max(
		textutil.Similarity(query, index.Root.Abstract),
		textutil.Similarity(query, index.Root.Overview),
	)

	strong := 0
	for _, sn := range ranked {
		if sn.score >= cfg.ScoreThresholdHigh {
			strong++
		}
	}

	var decision Decision
	var selections []Selection
	var events []string
	switch {
	case strong == 0:
		decision = Decision{ReachedLayer: L0, Reason: ReasonBroadQuery}
		for _, sn := range capped(ranked, cfg.MaxItemsForL1) {
			selections = append(selections, abstractSelection(sn))
		}

	case clearLeader(ranked, strong, cfg):
		decision = Decision{ReachedLayer: L2, Reason: ReasonPreciseQuery}
		l2Count := min(cfg.MaxItemsForL2, strong)
		for i, sn := range ranked[:min(len(ranked), strong)] {
			if i < l2Count {
				sel, downgraded := r.transcriptSelection(ctx, sn)
				if downgraded {
					events = append(events, "archive-miss:"+sn.node.ID)
				}
				selections = append(selections, sel)
				continue
			}
			if len(selections) >= cfg.MaxItemsForL1 {
				break
			}
			selections = append(selections, overviewSelection(sn))
		}

	default:
		decision = Decision{ReachedLayer: L1, Reason: ReasonAmbiguous}
		for _, sn := range capped(ranked, cfg.MaxItemsForL1) {
			if sn.score >= cfg.ScoreThresholdHigh {
				selections = append(selections, overviewSelection(sn))
			} else {
				selections = append(selections, abstractSelection(sn))
			}
		}
	}

	selections = enforceBudget(selections, ranked, cfg)
	sort.SliceStable(selections, func(a, b int) bool {
		if selections[a].Layer != selections[b].Layer {
			return selections[a].Layer < selections[b].Layer
		}
		return selections[a].Score > selections[b].Score
	})

	result := &Result{
		Selections: selections,
		Decision:   decision,
		TokenUsage: usage(selections, index),
	}
	r.logger.Debug(ctx, "retrieval complete",
		"reached_layer", decision.ReachedLayer.String(),
		"reason", decision.Reason,
		"selections", len(selections),
		"root_score", fmt.Sprintf("%.3f", rootScore),
		"total_tokens", result.TokenUsage.Total)
	return result, events
}

// rankNodes scores every node and sorts by score descending, ties broken
// by recency rank ascending (array order for equal ranks).
func rankNodes(index *models.IndexDocument, query string) []scoredNode {
	ranked := make([]scoredNode, 0, len(index.Nodes))
	for i := range index.Nodes {
		node := &index.Nodes[i]
		score := max(
			textutil.Similarity(query, node.Abstract),
			textutil.Similarity(query, node.Overview),
			textutil.Similarity(query, strings.Join(node.Keywords, " ")),
		)
		ranked = append(ranked, scoredNode{node: node, score: score})
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].score != ranked[b].score {
			return ranked[a].score > ranked[b].score
		}
		return ranked[a].node.Metadata.RecencyRank < ranked[b].node.Metadata.RecencyRank
	})
	return ranked
}

// clearLeader reports whether the top scorer is strong and unambiguous:
// either it leads by the configured margin or it is the only node above
// the threshold.
func clearLeader(ranked []scoredNode, strong int, cfg config.Config) bool {
	if ranked[0].score < cfg.ScoreThresholdHigh {
		return false
	}
	if strong == 1 || len(ranked) == 1 {
		return true
	}
	return ranked[0].score-ranked[1].score >= cfg.Top1Top2Margin
}

func abstractSelection(sn scoredNode) Selection {
	return Selection{
		NodeID:          sn.node.ID,
		Layer:           L0,
		Score:           sn.score,
		Content:         sn.node.Abstract,
		EstimatedTokens: sn.node.TokenEstimate.L0,
	}
}

func overviewSelection(sn scoredNode) Selection {
	return Selection{
		NodeID:          sn.node.ID,
		Layer:           L1,
		Score:           sn.score,
		Content:         sn.node.Overview,
		EstimatedTokens: sn.node.TokenEstimate.L1,
	}
}

// transcriptSelection loads the node's body; when unavailable the
// selection downgrades to the overview at L1.
func (r *Retriever) transcriptSelection(ctx context.Context, sn scoredNode) (Selection, bool) {
	body, err := r.store.ReadArchive(ctx, sn.node.FullContentPath)
	if err != nil || body == nil || body.Transcript == "" {
		r.logger.Warn(ctx, "archive body unavailable, downgrading selection to L1",
			"node_id", sn.node.ID, "handle", sn.node.FullContentPath, "error", err)
		return overviewSelection(sn), true
	}
	est := sn.node.TokenEstimate.L2
	if est <= 0 {
		est = tokens.EstimateText(body.Transcript)
	}
	return Selection{
		NodeID:          sn.node.ID,
		Layer:           L2,
		Score:           sn.score,
		Content:         body.Transcript,
		EstimatedTokens: est,
	}, false
}

// enforceBudget drops items until the selection fits MaxPromptTokens,
// shedding the lowest-scoring L2 items first, then L1, then L0. When
// everything would be dropped, the single best abstract is trimmed to
// fit instead, so an eligible node always yields a selection.
func enforceBudget(selections []Selection, ranked []scoredNode, cfg config.Config) []Selection {
	total := 0
	for _, sel := range selections {
		total += sel.EstimatedTokens
	}
	for total > cfg.MaxPromptTokens && len(selections) > 0 {
		drop := -1
		for _, layer := range []Layer{L2, L1, L0} {
			for i, sel := range selections {
				if sel.Layer != layer {
					continue
				}
				if drop < 0 || sel.Score < selections[drop].Score {
					drop = i
				}
			}
			if drop >= 0 {
				break
			}
		}
		total -= selections[drop].EstimatedTokens
		selections = append(selections[:drop], selections[drop+1:]...)
	}
	if len(selections) == 0 && len(ranked) > 0 {
		best := ranked[0]
		content := textutil.TrimToTokenTarget(best.node.Abstract, cfg.MaxPromptTokens)
		selections = []Selection{{
			NodeID:          best.node.ID,
			Layer:           L0,
			Score:           best.score,
			Content:         content,
			EstimatedTokens: tokens.EstimateText(content),
		}}
	}
	return selections
}

func usage(selections []Selection, index *models.IndexDocument) TokenUsage {
	var u TokenUsage
	for _, sel := range selections {
		switch sel.Layer {
		case L0:
			u.L0 += sel.EstimatedTokens
		case L1:
			u.L1 += sel.EstimatedTokens
		case L2:
			u.L2 += sel.EstimatedTokens
		}
		u.Total += sel.EstimatedTokens
	}
	for _, node := range index.Nodes {
		u.BaselineL2 += node.TokenEstimate.L2
	}
	u.Savings = u.BaselineL2 - u.Total
	if u.Savings < 0 {
		u.Savings = 0
	}
	base := u.BaselineL2
	if base < 1 {
		base = 1
	}
	u.SavingsRatio = float64(u.Savings) / float64(base)
	return u
}

func capped(ranked []scoredNode, n int) []scoredNode {
	if len(ranked) > n {
		return ranked[:n]
	}
	return ranked
}
