package ingest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ctrlaltdelite/fraudwatch/internal/transaction"
)

// Pool is a fixed-size worker pool for transaction processing. Submit
// blocks when all workers are busy and the buffer is full, which is what
// throttles the feed reader instead of growing an unbounded queue.
type Pool struct {
	workers int
	handler func(ctx context.Context, tx *transaction.Transaction)
	logger  *slog.Logger

	jobs chan *transaction.Transaction
	wg   sync.WaitGroup
	once sync.Once
}

// NewPool creates a pool of n workers invoking handler per transaction.
func NewPool(n int, handler func(ctx context.Context, tx *transaction.Transaction), logger *slog.Logger) *Pool {
	if n <= 0 {
		n = 1
	}
	return &Pool{
		workers: n,
		handler: handler,
		logger:  logger,
		jobs:    make(chan *transaction.Transaction, n),
	}
}

// Start launches the workers. ctx is passed through to the handler; it
// cancels in-flight work but queued jobs are still drained after Stop.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for tx := range p.jobs {
				p.handler(ctx, tx)
			}
		}()
	}
	p.logger.Info("worker pool started", "workers", p.workers)
}

// Submit queues a transaction, blocking while all workers are busy.
// Returns false if ctx was cancelled before the job could be queued.
func (p *Pool) Submit(ctx context.Context, tx *transaction.Transaction) bool {
	select {
	case p.jobs <- tx:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop closes the queue and waits for workers to finish what is queued.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.jobs) })
	p.wg.Wait()
	p.logger.Info("worker pool drained")
}
