package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ctrlaltdelite/fraudwatch/internal/transaction"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPoolProcessesAll(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}

	pool := NewPool(4, func(ctx context.Context, tx *transaction.Transaction) {
		mu.Lock()
		seen[tx.TransNum] = true
		mu.Unlock()
	}, testLogger())

	ctx := context.Background()
	pool.Start(ctx)

	for i := 0; i < 50; i++ {
		ok := pool.Submit(ctx, &transaction.Transaction{TransNum: fmt.Sprintf("t%d", i)})
		assert.True(t, ok)
	}
	pool.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 50)
}

func TestPoolSubmitAfterCancel(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, func(ctx context.Context, tx *transaction.Transaction) {
		<-block
	}, testLogger())

	runCtx := context.Background()
	pool.Start(runCtx)

	// Occupy the single worker and fill the one-slot buffer.
	assert.True(t, pool.Submit(runCtx, &transaction.Transaction{TransNum: "busy"}))
	assert.True(t, pool.Submit(runCtx, &transaction.Transaction{TransNum: "queued"}))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, pool.Submit(cancelled, &transaction.Transaction{TransNum: "late"}))

	close(block)
	pool.Stop()
}

func TestPoolMinimumOneWorker(t *testing.T) {
	done := make(chan struct{})
	pool := NewPool(0, func(ctx context.Context, tx *transaction.Transaction) {
		close(done)
	}, testLogger())

	ctx := context.Background()
	pool.Start(ctx)
	pool.Submit(ctx, &transaction.Transaction{TransNum: "t1"})
	<-done
	pool.Stop()
}
