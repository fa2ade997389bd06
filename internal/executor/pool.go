// Package executor implements the batch-aware transform concurrency mixin:
// a bounded worker pool fans a row batch out to a Transform's Process method
// and fans results back in through a reorder buffer, so a transform that
// declares IsBatchAware() can process its rows concurrently while every
// downstream consumer still sees results in input order. Adapted from
// worker/pool.go's Pool/Worker split; that package pulls jobs off a queue,
// this one fans a fixed in-memory slice out over a bounded goroutine count
// and collects into a preallocated slice rather than re-enqueueing.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/elspeth/elspeth/internal/elspethlog"
	"github.com/elspeth/elspeth/pkg/contracts"
)

// ProcessFunc is a single row invocation of a Transform, Gate, or any other
// per-row step the caller wants to fan out concurrently.
type ProcessFunc func(ctx contracts.PluginContext, row map[string]interface{}) contracts.TransformResult

// Pool bounds how many rows of one batch-aware node are in flight at once.
// Size comes from the plugin's declared pool_size (§6.3); a size of 0 or 1
// degenerates to strictly sequential processing.
type Pool struct {
	size   int
	log    *elspethlog.ContextLogger
	limits *RateLimitFunc
}

// RateLimitFunc is called once per row by the worker that claimed it, before
// the row is passed to fn, letting the caller plug in internal/runtime.ServiceLimiter.Wait without
// this package importing internal/runtime.
type RateLimitFunc func(ctx context.Context) error

// NewPool builds a pool with the given concurrency bound. logger may be nil.
func NewPool(size int, logger *elspethlog.ContextLogger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size, log: logger}
}

// WithRateLimit returns a copy of the pool whose workers call limit after
// claiming a row and before calling fn, blocking the worker (not the
// submitter) on backpressure.
func (p *Pool) WithRateLimit(limit RateLimitFunc) *Pool {
	clone := *p
	clone.limits = &limit
	return &clone
}

type indexedJob struct {
	index int
	row   map[string]interface{}
}

type indexedResult struct {
	index  int
	result contracts.TransformResult
}

// Run fans rows out across p.size workers and returns results in the same
// order as rows, regardless of completion order. ctx cancellation stops
// submitting new jobs and causes in-flight workers to race cancellation
// against fn; a worker is responsible for honoring ctx.Context inside fn.
// A panic inside fn is recovered and becomes a PANIC-category failure for
// that row.
func (p *Pool) Run(pctx contracts.PluginContext, rows []map[string]interface{}, fn ProcessFunc) ([]contracts.TransformResult, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	jobs := make(chan indexedJob)
	results := make(chan indexedResult)
	out := make([]contracts.TransformResult, len(rows))

	workerCount := p.size
	if workerCount > len(rows) {
		workerCount = len(rows)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func(workerID int) {
			defer wg.Done()
			for job := range jobs {
				if p.limits != nil {
					if err := (*p.limits)(pctx.Context); err != nil {
						if p.log != nil {
							p.log.WithError(err).Errorf("worker %d: rate limiter wait failed", workerID)
						}
						results <- indexedResult{index: job.index, result: contracts.Failure(contracts.TransformErrorReason{
							Category: contracts.CategoryRateLimited,
							Message:  err.Error(),
						})}
						continue
					}
				}
				result := func() (res contracts.TransformResult) {
					defer func() {
						if r := recover(); r != nil {
							res = contracts.Failure(contracts.TransformErrorReason{
								Category: contracts.CategoryPanic,
								Message:  fmt.Sprintf("worker %d: panic: %v", workerID, r),
							})
						}
					}()
					return fn(pctx, job.row)
				}()
				results <- indexedResult{index: job.index, result: result}
			}
		}(w)
	}

	go func() {
		defer close(jobs)
		for i, row := range rows {
			select {
			case jobs <- indexedJob{index: i, row: row}:
			case <-pctx.Context.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	delivered := 0
	for r := range results {
		out[r.index] = r.result
		delivered++
	}

	if err := pctx.Context.Err(); err != nil && delivered < len(rows) {
		return out, fmt.Errorf("executor: pool run cancelled after %d/%d rows: %w", delivered, len(rows), err)
	}
	return out, nil
}
