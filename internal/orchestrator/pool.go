package orchestrator

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Pool bounds concurrent engine calls across all pipeline runs so downstream
// API rate limits are respected. A weighted semaphore caps in-flight calls
// and a token bucket caps the call rate.
type Pool struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewPool creates a pool allowing maxConcurrent in-flight engine calls at up
// to callsPerSec starts per second.
func NewPool(maxConcurrent int64, callsPerSec float64) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if callsPerSec <= 0 {
		callsPerSec = 1
	}
	return &Pool{
		sem:     semaphore.NewWeighted(maxConcurrent),
		limiter: rate.NewLimiter(rate.Limit(callsPerSec), int(maxConcurrent)),
	}
}

// Do runs fn under the pool's rate and concurrency limits. Cancellation while
// waiting for a slot returns without running fn.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "orchestrator: rate limit wait")
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return eris.Wrap(err, "orchestrator: acquire engine slot")
	}
	defer p.sem.Release(1)
	return fn()
}
