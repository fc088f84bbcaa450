// -----------------------------------------------------------------------
// Worker Pool - bounded-concurrency executor keyed by step class
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/codestory/internal/common"
)

// WorkerPool executes step invocations off the orchestrator's critical
// path. At most cap[class] runs of a step class are concurrent; waiting
// submissions of a class are served FIFO.
type WorkerPool struct {
	mu      sync.Mutex
	classes map[string]chan struct{}
	caps    map[string]int
	running int64
	wg      sync.WaitGroup
	logger  arbor.ILogger
}

// NewWorkerPool creates a pool with the given per-class caps.
func NewWorkerPool(caps map[string]int, logger arbor.ILogger) *WorkerPool {
	p := &WorkerPool{
		classes: make(map[string]chan struct{}, len(caps)),
		caps:    make(map[string]int, len(caps)),
		logger:  logger,
	}
	for class, c := range caps {
		if c < 1 {
			c = 1
		}
		p.caps[class] = c
		p.classes[class] = make(chan struct{}, c)
	}
	return p
}

// tokens returns the semaphore for a class, defaulting to cap 1.
func (p *WorkerPool) tokens(class string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.classes[class]
	if !ok {
		ch = make(chan struct{}, 1)
		p.classes[class] = ch
		p.caps[class] = 1
	}
	return ch
}

// Submit runs fn on a worker goroutine once a slot for its class is
// available. Returns immediately; fn is skipped when ctx is done before a
// slot frees, in which case onSkip is invoked.
func (p *WorkerPool) Submit(ctx context.Context, class string, fn func(), onSkip func(error)) {
	tokens := p.tokens(class)
	p.wg.Add(1)

	common.SafeGo(p.logger, "workerpool:"+class, func() {
		defer p.wg.Done()

		select {
		case tokens <- struct{}{}:
		case <-ctx.Done():
			if onSkip != nil {
				onSkip(ctx.Err())
			}
			return
		}
		defer func() { <-tokens }()

		atomic.AddInt64(&p.running, 1)
		defer atomic.AddInt64(&p.running, -1)
		fn()
	})
}

// WaitAll blocks until every submitted invocation has finished or been
// skipped.
func (p *WorkerPool) WaitAll() {
	p.wg.Wait()
}

// Utilization returns the live count of running invocations.
func (p *WorkerPool) Utilization() int64 {
	return atomic.LoadInt64(&p.running)
}

// Cap returns the configured cap for a class.
func (p *WorkerPool) Cap(class string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps[class]
}
