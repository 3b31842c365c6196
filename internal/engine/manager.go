// Package engine orchestrates the context pipeline for one conversation
// turn: gate by history size, split recent from archived, keep the
// per-session index fresh, retrieve layered context, and assemble the
// final prompt message list under the token budget.
package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/strata/internal/config"
	"github.com/haasonsaas/strata/internal/indexer"
	"github.com/haasonsaas/strata/internal/observability"
	"github.com/haasonsaas/strata/internal/retrieval"
	"github.com/haasonsaas/strata/internal/store"
	"github.com/haasonsaas/strata/internal/tokens"
	"github.com/haasonsaas/strata/pkg/models"
)

// ApplyInput is one turn's worth of conversation state.
type ApplyInput struct {
	// SessionKey identifies the conversation. Derived from Platform and
	// ChatID when empty.
	SessionKey string

	// Platform and ChatID locate the conversation on its channel.
	Platform string
	ChatID   string

	// Query is the text the upcoming model call should answer; usually
	// the current message's text.
	Query string

	// Messages is the full ordered history including the current message.
	Messages []models.Message

	// Config carries the per-call tunables.
	Config config.Config
}

// ApplyResult is the outcome of one turn.
type ApplyResult struct {
	// Applied reports whether compression ran. When false,
	// UpdatedMessages is the input, untouched.
	Applied bool

	// UpdatedMessages is the prompt message list for the next model call.
	UpdatedMessages []models.Message

	// Retrieval is the layered selection, nil when not applied.
	Retrieval *retrieval.Result

	// FallbackEvents lists the deterministic substitutions made this
	// turn (summarizer fallbacks of an awaited build, archive misses).
	FallbackEvents []string

	// ArchivedMessageCount is how many messages fell into the archived
	// prefix this turn.
	ArchivedMessageCount int
}

// Manager wires the storage, indexer, and retriever together and owns
// the per-session build queue. A single Manager serves many sessions
// concurrently.
type Manager struct {
	store     store.Store
	indexer   *indexer.Indexer
	retriever *retrieval.Retriever
	logger    *observability.Logger
	metrics   *Metrics
	tracer    trace.Tracer

	queue  *buildQueue
	loads  singleflight.Group
	totals totals
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMetrics registers Prometheus collectors for this manager instance.
func WithMetrics(m *Metrics) ManagerOption {
	return func(mg *Manager) { mg.metrics = m }
}

// WithLogger attaches a logger.
func WithLogger(logger *observability.Logger) ManagerOption {
	return func(mg *Manager) { mg.logger = logger }
}

// NewManager creates a Manager over the given store and indexer
// components.
func NewManager(st store.Store, ix *indexer.Indexer, rt *retrieval.Retriever, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     st,
		indexer:   ix,
		retriever: rt,
		tracer:    otel.Tracer("strata/engine"),
		queue:     newBuildQueue(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MetricsSnapshot returns the running totals for this manager instance.
func (m *Manager) MetricsSnapshot() MetricsSnapshot {
	return m.totals.snapshot()
}

// Apply runs the context pipeline for one turn. Summarizer trouble never
// fails the call; only storage save failures on a first, awaited build
// and context cancellation surface as errors.
func (m *Manager) Apply(ctx context.Context, input ApplyInput) (*ApplyResult, error) {
	ctx, span := m.tracer.Start(ctx, "engine.apply")
	defer span.End()

	cfg := input.Config
	msgs := input.Messages

	if !cfg.EnableSessionCompression || len(msgs) <= cfg.MaxRecentMessages+1 {
		return passThrough(msgs), nil
	}

	current := msgs[len(msgs)-1]
	historical := msgs[:len(msgs)-1]
	if len(historical) <= cfg.MaxRecentMessages {
		return passThrough(msgs), nil
	}
	archived := historical[:len(historical)-cfg.MaxRecentMessages]
	recent := historical[len(historical)-cfg.MaxRecentMessages:]

	sessionKey := input.SessionKey
	if sessionKey == "" {
		sessionKey = models.SessionKey(input.Platform, input.ChatID)
	}
	ctx = observability.WithSessionKey(ctx, sessionKey)

	existing, err := m.loadIndex(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	handle := m.enqueueBuild(ctx, sessionKey, indexer.BuildInput{
		SessionKey:       sessionKey,
		Platform:         input.Platform,
		ChatID:           input.ChatID,
		ArchivedMessages: archived,
		Config:           cfg,
	})

	var events []string
	index := existing
	if index == nil {
		// First archival for this session: the retrieval has nothing to
		// read until the build lands, so wait for it.
		built, err := handle.wait(ctx)
		if err != nil {
			return nil, err
		}
		index = built.Index
		events = append(events, built.FallbackEvents...)
	}

	if index.Empty() {
		result := passThrough(msgs)
		result.FallbackEvents = events
		result.ArchivedMessageCount = len(archived)
		return result, nil
	}

	ret, retEvents := m.retriever.Retrieve(ctx, index, input.Query, cfg)
	events = append(events, retEvents...)
	m.recordRetrieval(ret, retEvents)

	updated := make([]models.Message, 0, len(recent)+2)
	updated = append(updated, buildSyntheticMessage(ret, recent, time.Now().UTC()))
	updated = append(updated, recent...)
	updated = append(updated, current)

	// The synthetic block at the head and the current message at the
	// tail are fixed; shed the oldest recents until the prompt fits.
	for tokens.EstimateMessages(updated) > cfg.MaxPromptTokens && len(updated) > 2 {
		updated = append(updated[:1], updated[2:]...)
	}

	return &ApplyResult{
		Applied:              true,
		UpdatedMessages:      updated,
		Retrieval:            ret,
		FallbackEvents:       events,
		ArchivedMessageCount: len(archived),
	}, nil
}

// loadIndex reads the session's persisted index, deduplicating
// concurrent reads of the same session. Absent and unreadable indexes
// both come back nil; the next build overwrites them.
func (m *Manager) loadIndex(ctx context.Context, sessionKey string) (*models.IndexDocument, error) {
	v, err, _ := m.loads.Do(sessionKey, func() (any, error) {
		doc, err := m.store.LoadIndex(ctx, sessionKey)
		if err != nil {
			if ctx.Err() != nil {
				return (*models.IndexDocument)(nil), ctx.Err()
			}
			if !errors.Is(err, store.ErrNotFound) {
				m.logger.Warn(ctx, "index unreadable, rebuilding from scratch",
					"session_key", sessionKey, "error", err)
			}
			return (*models.IndexDocument)(nil), nil
		}
		return doc, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return v.(*models.IndexDocument), nil
}

// enqueueBuild chains a build on the session's queue. The build keeps the
// caller's values but not its cancellation: an in-flight build is
// write-through and runs to completion even when the caller goes away.
func (m *Manager) enqueueBuild(ctx context.Context, sessionKey string, input indexer.BuildInput) *buildHandle {
	bctx := context.WithoutCancel(ctx)
	return m.queue.enqueue(sessionKey, func() (*indexer.BuildResult, error) {
		start := time.Now()
		result, err := m.indexer.BuildIndex(bctx, input)
		if err != nil {
			if m.metrics != nil {
				m.metrics.BuildFailures.Inc()
			}
			m.logger.Error(bctx, "index build failed", "session_key", sessionKey, "error", err)
			return nil, err
		}
		if m.metrics != nil {
			m.metrics.BuildDuration.Observe(time.Since(start).Seconds())
		}
		m.metrics.recordFallbacks(result.FallbackEvents)
		m.totals.recordFallbacks(len(result.FallbackEvents))
		if len(result.FallbackEvents) > 0 {
			m.logger.Warn(bctx, "index build used summarizer fallbacks",
				"session_key", sessionKey, "events", result.FallbackEvents)
		}
		return result, nil
	})
}

func (m *Manager) recordRetrieval(ret *retrieval.Result, events []string) {
	m.totals.recordRun(ret.TokenUsage.Savings, ret.TokenUsage.SavingsRatio)
	m.totals.recordFallbacks(len(events))
	if m.metrics != nil {
		m.metrics.Runs.Inc()
		m.metrics.SavingsTokens.Add(float64(ret.TokenUsage.Savings))
		m.metrics.SavingsRatio.Observe(ret.TokenUsage.SavingsRatio)
		m.metrics.ReachedLayer.WithLabelValues(ret.Decision.ReachedLayer.String()).Inc()
	}
	m.metrics.recordFallbacks(events)
}

func passThrough(msgs []models.Message) *ApplyResult {
	return &ApplyResult{
		Applied:         false,
		UpdatedMessages: msgs,
		FallbackEvents:  []string{},
	}
}
