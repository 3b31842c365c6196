// Package summarize produces the abstract and overview texts behind each
// index node.
//
// The external summarizer is a capability, not a concrete class: any
// Provider satisfies it, and the engine never inspects provider identity.
// When no provider is configured, or the provider fails, times out, or
// returns nothing, the engine degrades to a deterministic trimmer and
// tags the result with a fallback reason.
package summarize

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/strata/internal/observability"
	"github.com/haasonsaas/strata/internal/textutil"
)

// Provider is the external summarizer capability. Implementations that
// fail should return an error; the engine treats any error as fallback.
type Provider interface {
	Summarize(ctx context.Context, text string, targetTokens int) (string, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, text string, targetTokens int) (string, error)

// Summarize calls the wrapped function.
func (f ProviderFunc) Summarize(ctx context.Context, text string, targetTokens int) (string, error) {
	return f(ctx, text, targetTokens)
}

// Fallback reasons recorded on Result.
const (
	ReasonNoProvider    = "no-provider"
	ReasonTimeout       = "timeout"
	ReasonEmptyResponse = "empty-response"
	ReasonCanceled      = "error:canceled"
	ReasonProviderError = "error:provider"
)

// Result is the outcome of one summarization call. Text is non-empty
// whenever the input was non-empty.
type Result struct {
	Text           string
	FallbackUsed   bool
	FallbackReason string
}

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 30 * time.Second

// Engine wraps a Provider with the deterministic fallback discipline.
// The fallback path is referentially transparent; the provider path may
// not be.
type Engine struct {
	provider Provider
	timeout  time.Duration
	logger   *observability.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout overrides the per-call provider deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *observability.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an Engine. A nil provider is valid; every call then
// takes the fallback path with reason "no-provider".
func NewEngine(provider Provider, opts ...Option) *Engine {
	e := &Engine{provider: provider, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateOverview produces a medium-length summary of the transcript
// fitting l1Target tokens.
func (e *Engine) GenerateOverview(ctx context.Context, transcript string, l1Target int) Result {
	return e.generate(ctx, transcript, l1Target)
}

// GenerateAbstract produces a concise abstract of the overview fitting
// l0Target tokens.
func (e *Engine) GenerateAbstract(ctx context.Context, overview string, l0Target int) Result {
	return e.generate(ctx, overview, l0Target)
}

func (e *Engine) generate(ctx context.Context, input string, target int) Result {
	if e.provider == nil {
		return e.fallback(ctx, input, target, ReasonNoProvider)
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	text, err := e.provider.Summarize(cctx, input, target)
	if err != nil {
		return e.fallback(ctx, input, target, classify(err))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return e.fallback(ctx, input, target, ReasonEmptyResponse)
	}
	return Result{Text: text}
}

func (e *Engine) fallback(ctx context.Context, input string, target int, reason string) Result {
	e.logger.Debug(ctx, "summarizer fallback", "reason", reason, "target_tokens", target)
	return Result{
		Text:           textutil.TrimToTokenTarget(input, target),
		FallbackUsed:   true,
		FallbackReason: reason,
	}
}

func classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	default:
		return ReasonProviderError
	}
}
