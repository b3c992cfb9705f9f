// Package audit persists scoring decisions for offline review.
//
// Every processed transaction produces one Record carrying the decision,
// the raw score, and the feature values that produced it, so an analyst
// can reconstruct exactly what the scorer saw.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Record is one scored transaction.
type Record struct {
	ID        string             `json:"id"`
	TransNum  string             `json:"trans_num"`
	Decision  string             `json:"decision"`
	Score     float64            `json:"score"`
	Amount    float64            `json:"amount"`
	Merchant  string             `json:"merchant"`
	Category  string             `json:"category"`
	EventTime int64              `json:"event_time"`
	Features  map[string]float64 `json:"features,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Store persists audit records.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Recent(ctx context.Context, limit int) ([]*Record, error)
	CountByDecision(ctx context.Context) (map[string]int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore is an in-memory ring of recent records, used when no
// database is configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	counts  map[string]int64
	cap     int
}

// NewMemoryStore creates an in-memory audit store keeping at most cap records.
func NewMemoryStore(cap int) *MemoryStore {
	if cap <= 0 {
		cap = 10000
	}
	return &MemoryStore{
		counts: make(map[string]int64),
		cap:    cap,
	}
}

func (m *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	if rec.TransNum == "" {
		return fmt.Errorf("audit record missing trans_num")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, rec)
	if len(m.records) > m.cap {
		m.records = m.records[len(m.records)-m.cap:]
	}
	m.counts[rec.Decision]++
	return nil
}

func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}

	// Newest first.
	out := make([]*Record, 0, limit)
	for i := len(m.records) - 1; i >= len(m.records)-limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *MemoryStore) CountByDecision(ctx context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
