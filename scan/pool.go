package scan

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// workItem is one scheduled probe. seq is the position in the address
// sequence, which is what the checkpoint cursor tracks. A workItem is owned
// by exactly one worker from pickup until its result is emitted.
type workItem struct {
	seq  uint64
	addr Address
}

type workResult struct {
	seq     uint64
	outcome ProbeOutcome
}

// workerPool runs a fixed number of concurrent probes fed by a bounded job
// channel. Submission blocks when the channel is full; that is the only
// backpressure mechanism. A token-bucket limiter in front of each dial caps
// how many new connection attempts start per second, independent of the
// worker count.
type workerPool struct {
	probe   ProbeClient
	workers int
	limiter *rate.Limiter
	jobs    chan workItem
	results chan workResult
	wg      sync.WaitGroup
}

func newWorkerPool(probe ProbeClient, workers, queue int, attemptsPerSec float64) *workerPool {
	return &workerPool{
		probe:   probe,
		workers: workers,
		limiter: rate.NewLimiter(rate.Limit(attemptsPerSec), 1),
		jobs:    make(chan workItem, queue),
		results: make(chan workResult, workers),
	}
}

// Start launches the worker goroutines. Workers exit when the job channel is
// closed or the context is cancelled; a cancelled worker abandons its item
// without reporting, leaving it for the next resume.
func (p *workerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-p.jobs:
					if !ok {
						return
					}
					if err := p.limiter.Wait(ctx); err != nil {
						return
					}
					outcome := p.probe.Probe(ctx, job.addr)
					// Cancellation wins over a ready result send: a
					// force-cancelled item must not be recorded as attempted.
					if ctx.Err() != nil {
						return
					}
					select {
					case p.results <- workResult{seq: job.seq, outcome: outcome}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
}

// Submit queues a workItem, blocking while the queue is full. Returns false
// if the context was cancelled before the item was accepted.
func (p *workerPool) Submit(ctx context.Context, item workItem) bool {
	select {
	case p.jobs <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close stops admission. Workers drain what is already queued and exit.
func (p *workerPool) Close() {
	close(p.jobs)
}

// Results is the completion stream. Completion order is unrelated to
// submission order.
func (p *workerPool) Results() <-chan workResult {
	return p.results
}

// Wait blocks until every worker has exited, then closes the result channel.
func (p *workerPool) Wait() {
	p.wg.Wait()
	close(p.results)
}
