package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/strata/internal/indexer"
)

// buildHandle tracks one enqueued index build. done is closed when the
// build finishes, successfully or not.
type buildHandle struct {
	done   chan struct{}
	result *indexer.BuildResult
	err    error
}

// wait blocks until the build finishes or the context is done. The build
// itself keeps running after a caller gives up; it is a write-through
// operation and must not be left half-done.
func (h *buildHandle) wait(ctx context.Context) (*indexer.BuildResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// buildQueue serializes index builds per session key. Enqueuing reads the
// current chain tail and swaps in a new one under the lock; each build
// waits for its predecessor, so a newly enqueued build observes the
// effect of all prior builds for the same session. Builds for different
// sessions proceed in parallel.
type buildQueue struct {
	mu    sync.Mutex
	tails map[string]*buildHandle
}

func newBuildQueue() *buildQueue {
	return &buildQueue{tails: make(map[string]*buildHandle)}
}

// enqueue chains a build after the session's current tail. A failed or
// panicking predecessor does not break the chain: done is always closed.
func (q *buildQueue) enqueue(sessionKey string, run func() (*indexer.BuildResult, error)) *buildHandle {
	h := &buildHandle{done: make(chan struct{})}

	q.mu.Lock()
	prev := q.tails[sessionKey]
	q.tails[sessionKey] = h
	q.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("engine: index build panicked: %v", r)
			}
			close(h.done)

			q.mu.Lock()
			if q.tails[sessionKey] == h {
				delete(q.tails, sessionKey)
			}
			q.mu.Unlock()
		}()

		if prev != nil {
			<-prev.done
		}
		h.result, h.err = run()
	}()

	return h
}
