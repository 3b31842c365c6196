// Package indexer builds the per-session hierarchical index over the
// archived conversation prefix.
//
// Each build chunks the archived messages, reuses unchanged chunks by
// transcript checksum, summarizes fresh chunks into (abstract, overview,
// body) triples, rolls the retained overviews up into a root summary,
// and replaces the persisted index atomically. Summarizer failures
// degrade through the fallback path and are reported as fallback events;
// persistence failures fail the build.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/strata/internal/config"
	"github.com/haasonsaas/strata/internal/observability"
	"github.com/haasonsaas/strata/internal/store"
	"github.com/haasonsaas/strata/internal/summarize"
	"github.com/haasonsaas/strata/internal/textutil"
	"github.com/haasonsaas/strata/internal/tokens"
	"github.com/haasonsaas/strata/pkg/models"
)

// NodeIDPrefix disambiguates archive node ids from other identifiers in
// the store.
const NodeIDPrefix = "arc-"

// checksumIDLen is how many checksum hex chars go into a node id.
const checksumIDLen = 14

// EmptyRootRollup is the sentinel summarized when no nodes are retained.
const EmptyRootRollup = "No archived context is available."

// BuildInput carries everything one build needs.
type BuildInput struct {
	SessionKey       string
	Platform         string
	ChatID           string
	ArchivedMessages []models.Message
	Config           config.Config
}

// BuildResult is the outcome of a successful build.
type BuildResult struct {
	Index          *models.IndexDocument
	FallbackEvents []string
}

// Indexer builds and persists index documents.
type Indexer struct {
	store     store.Store
	summaries *summarize.Engine
	logger    *observability.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates an Indexer.
func New(st store.Store, summaries *summarize.Engine, logger *observability.Logger) *Indexer {
	return &Indexer{
		store:     st,
		summaries: summaries,
		logger:    logger,
		tracer:    otel.Tracer("strata/indexer"),
		now:       time.Now,
	}
}

// BuildIndex runs one full build for the session and persists the result.
func (ix *Indexer) BuildIndex(ctx context.Context, input BuildInput) (*BuildResult, error) {
	ctx, span := ix.tracer.Start(ctx, "indexer.build")
	defer span.End()

	cfg := input.Config
	sessionKey := input.SessionKey
	if sessionKey == "" {
		sessionKey = models.SessionKey(input.Platform, input.ChatID)
	}
	now := ix.now().UTC()

	prior, err := ix.store.LoadIndex(ctx, sessionKey)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		// Absent and corrupt indexes both mean "build from scratch"; the
		// save below overwrites whatever was there.
		prior = nil
	}
	priorByChecksum := map[string]models.ContextNode{}
	if prior != nil {
		for _, node := range prior.Nodes {
			priorByChecksum[node.Checksum] = node
		}
	}

	// Bound the archived list so the index can never outgrow the
	// eviction cap.
	archived := input.ArchivedMessages
	maxMessages := cfg.MaxArchives * cfg.ArchiveChunkSize
	if maxMessages > 0 && len(archived) > maxMessages {
		archived = archived[len(archived)-maxMessages:]
	}

	var events []string
	var nodes []models.ContextNode
	for start := 0; start < len(archived); start += cfg.ArchiveChunkSize {
		end := start + cfg.ArchiveChunkSize
		if end > len(archived) {
			end = len(archived)
		}
		chunk := archived[start:end]

		transcript := Transcript(chunk)
		if transcript == "" {
			continue
		}
		checksum := checksumOf(transcript)
		nodeID := NodeIDPrefix + checksum[:checksumIDLen]
		meta := models.NodeMetadata{
			Platform:          input.Platform,
			ChatID:            input.ChatID,
			StartMessageIndex: start,
			EndMessageIndex:   end - 1,
			MessageCount:      end - start,
		}

		if reused, ok := priorByChecksum[checksum]; ok {
			reused.Metadata = meta
			reused.UpdatedAt = now
			nodes = append(nodes, reused)
			continue
		}

		node, nodeEvents, err := ix.buildNode(ctx, sessionKey, nodeID, checksum, transcript, chunk, meta, cfg, now)
		if err != nil {
			return nil, err
		}
		events = append(events, nodeEvents...)
		nodes = append(nodes, node)
	}

	// Most recent chunks first; evict beyond the cap.
	sort.SliceStable(nodes, func(a, b int) bool {
		return nodes[a].Metadata.EndMessageIndex > nodes[b].Metadata.EndMessageIndex
	})
	if len(nodes) > cfg.MaxArchives {
		nodes = nodes[:cfg.MaxArchives]
	}
	for i := range nodes {
		nodes[i].Metadata.RecencyRank = i + 1
	}

	root, rootEvents := ix.buildRoot(ctx, nodes, cfg, now)
	events = append(events, rootEvents...)

	doc := &models.IndexDocument{
		Version:    models.IndexVersion,
		SessionKey: sessionKey,
		Root:       root,
		Nodes:      nodes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if prior != nil && !prior.CreatedAt.IsZero() {
		doc.CreatedAt = prior.CreatedAt
	}

	if err := ix.store.SaveIndex(ctx, doc); err != nil {
		return nil, fmt.Errorf("indexer: save index for %s: %w", sessionKey, err)
	}
	kept := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		kept[node.ID] = struct{}{}
	}
	if err := ix.store.CleanupArchives(ctx, sessionKey, kept); err != nil {
		return nil, fmt.Errorf("indexer: cleanup archives for %s: %w", sessionKey, err)
	}

	ix.logger.Info(ctx, "index build complete",
		"session_key", sessionKey,
		"nodes", len(nodes),
		"archived_messages", len(archived),
		"fallback_events", len(events))
	return &BuildResult{Index: doc, FallbackEvents: events}, nil
}

// buildNode summarizes and persists one fresh chunk.
func (ix *Indexer) buildNode(
	ctx context.Context,
	sessionKey, nodeID, checksum, transcript string,
	chunk []models.Message,
	meta models.NodeMetadata,
	cfg config.Config,
	now time.Time,
) (models.ContextNode, []string, error) {
	var events []string

	overview := ix.summaries.GenerateOverview(ctx, transcript, cfg.L1TargetTokens)
	if overview.FallbackUsed {
		events = append(events, fmt.Sprintf("overview:%s:%s", nodeID, overview.FallbackReason))
	}
	abstract := ix.summaries.GenerateAbstract(ctx, overview.Text, cfg.L0TargetTokens)
	if abstract.FallbackUsed {
		events = append(events, fmt.Sprintf("abstract:%s:%s", nodeID, abstract.FallbackReason))
	}

	body := &models.ArchiveBody{
		SessionKey: sessionKey,
		NodeID:     nodeID,
		Transcript: transcript,
		Messages:   chunk,
		CreatedAt:  now,
	}
	handle, err := ix.store.WriteArchive(ctx, sessionKey, nodeID, body)
	if err != nil {
		return models.ContextNode{}, nil, fmt.Errorf("indexer: write archive %s: %w", nodeID, err)
	}

	return models.ContextNode{
		ID:              nodeID,
		ParentID:        models.RootID,
		Abstract:        abstract.Text,
		Overview:        overview.Text,
		FullContentPath: handle,
		Keywords:        textutil.ExtractTopKeywords(abstract.Text+"\n"+overview.Text, textutil.DefaultKeywordLimit),
		Checksum:        checksum,
		Metadata:        meta,
		TokenEstimate: models.TokenEstimate{
			L0: tokens.EstimateText(abstract.Text),
			L1: tokens.EstimateText(overview.Text),
			L2: tokens.EstimateText(transcript),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, events, nil
}

// buildRoot rolls the retained overviews up into the root summary.
func (ix *Indexer) buildRoot(ctx context.Context, nodes []models.ContextNode, cfg config.Config, now time.Time) (models.IndexRoot, []string) {
	var events []string

	rollup := EmptyRootRollup
	if len(nodes) > 0 {
		blocks := make([]string, 0, len(nodes))
		for _, node := range nodes {
			blocks = append(blocks, fmt.Sprintf("Archive %s\n%s", node.ID, node.Overview))
		}
		rollup = strings.Join(blocks, "\n\n")
	}

	overview := ix.summaries.GenerateOverview(ctx, rollup, cfg.L1TargetTokens)
	if overview.FallbackUsed {
		events = append(events, fmt.Sprintf("overview:%s:%s", models.RootID, overview.FallbackReason))
	}
	abstract := ix.summaries.GenerateAbstract(ctx, overview.Text, cfg.L0TargetTokens)
	if abstract.FallbackUsed {
		events = append(events, fmt.Sprintf("abstract:%s:%s", models.RootID, abstract.FallbackReason))
	}

	var kw strings.Builder
	kw.WriteString(abstract.Text)
	kw.WriteString("\n")
	kw.WriteString(overview.Text)
	childIDs := make([]string, 0, len(nodes))
	for _, node := range nodes {
		childIDs = append(childIDs, node.ID)
		kw.WriteString(" ")
		kw.WriteString(strings.Join(node.Keywords, " "))
	}

	return models.IndexRoot{
		ID:        models.RootID,
		Abstract:  abstract.Text,
		Overview:  overview.Text,
		Keywords:  textutil.ExtractTopKeywords(kw.String(), textutil.DefaultKeywordLimit),
		ChildIDs:  childIDs,
		UpdatedAt: now,
	}, events
}

// Transcript renders a chunk as role-prefixed lines separated by blank
// lines. Messages with no text are skipped.
func Transcript(chunk []models.Message) string {
	lines := make([]string, 0, len(chunk))
	for _, msg := range chunk {
		text := strings.TrimSpace(msg.Text())
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, text))
	}
	return strings.Join(lines, "\n\n")
}

func checksumOf(transcript string) string {
	sum := sha256.Sum256([]byte(transcript))
	return hex.EncodeToString(sum[:])
}
