// Package state implements the entity state store for the decision pipeline.
//
// Four entity kinds are tracked: cards, users, merchants, and account
// groups. Each keeps running aggregates over the transactions seen so far.
// Reads never fail on an unseen key — they return a well-defined zero
// state — and updates for a single key are atomic with respect to
// concurrent updates to the same key. Two backends exist: a Redis store
// built on atomic primitive operations (counters, capped list push+trim,
// set-add) and an in-memory store guarded by a sharded per-key mutex.
package state

import (
	"context"
)

// Kind identifies an entity class.
type Kind string

const (
	KindCard     Kind = "card"
	KindUser     Kind = "user"
	KindMerchant Kind = "merchant"
	KindAccount  Kind = "account"
)

// Sliding window horizons in seconds, with the retained-length caps used
// at training time. Windows hold raw unix timestamps, newest first.
const (
	Window15Min  int64 = 900
	Window1Hour  int64 = 3600
	Window24Hour int64 = 86400

	WindowCapShort = 100 // 15min and 1h windows
	WindowCapDay   = 200 // 24h window

	LastAmountsCap = 5
)

// CardState holds per-card velocity and recency aggregates.
type CardState struct {
	LastTransactionTime int64
	TransactionCount    int64
	TotalAmount         float64
	Window15Min         []int64
	Window1Hour         []int64
	Window24Hour        []int64
}

// ZeroCard returns the state of a never-seen card.
func ZeroCard() *CardState { return &CardState{} }

// AvgAmount returns the running average amount, 0 when no history.
func (c *CardState) AvgAmount() float64 {
	if c.TransactionCount == 0 {
		return 0
	}
	return c.TotalAmount / float64(c.TransactionCount)
}

// CountWithin counts window entries strictly older than now and younger
// than the horizon. The strict inequality is the causality contract: the
// transaction being scored must never count itself.
func CountWithin(window []int64, now, horizon int64) int {
	n := 0
	for _, ts := range window {
		if ts < now && now-ts < horizon {
			n++
		}
	}
	return n
}

// UserState holds per-user spending aggregates.
type UserState struct {
	LastTransactionTime int64
	TransactionCount    int64
	TotalAmount         float64
	MaxAmount           float64
	LastAmounts         []float64 // newest first, capped at LastAmountsCap
	CategoryCounts      map[string]int64
	CategoryTotals      map[string]float64
	MerchantVisits      map[string]int64
	LastState           string // last seen region/state label
}

// ZeroUser returns the state of a never-seen user.
func ZeroUser() *UserState {
	return &UserState{
		CategoryCounts: map[string]int64{},
		CategoryTotals: map[string]float64{},
		MerchantVisits: map[string]int64{},
	}
}

// AvgAmount returns the running average amount, 0 when no history.
func (u *UserState) AvgAmount() float64 {
	if u.TransactionCount == 0 {
		return 0
	}
	return u.TotalAmount / float64(u.TransactionCount)
}

// CategoryAvg returns the running average for one category and whether
// the user has any history in it.
func (u *UserState) CategoryAvg(category string) (float64, bool) {
	n := u.CategoryCounts[category]
	if n == 0 {
		return 0, false
	}
	return u.CategoryTotals[category] / float64(n), true
}

// MerchantState holds per-merchant aggregates.
type MerchantState struct {
	TransactionCount int64
	TotalAmount      float64
	UniqueCards      int64 // cardinality of the distinct-card set
}

// ZeroMerchant returns the state of a never-seen merchant.
func ZeroMerchant() *MerchantState { return &MerchantState{} }

// AvgAmount returns the running average amount, 0 when no history.
func (m *MerchantState) AvgAmount() float64 {
	if m.TransactionCount == 0 {
		return 0
	}
	return m.TotalAmount / float64(m.TransactionCount)
}

// AccountState holds per-account-group aggregates.
type AccountState struct {
	UniqueCards int64
}

// ZeroAccount returns the state of a never-seen account group.
func ZeroAccount() *AccountState { return &AccountState{} }

// Refs names the entities one transaction touches. Empty keys are
// tolerated; they read as zero state and their updates are skipped.
type Refs struct {
	CCNum    string
	SSN      string
	Merchant string
	AcctNum  string
}

// Snapshot is a point-in-time read of all entities a transaction
// references, taken before that transaction's own effects are applied.
type Snapshot struct {
	Card     *CardState
	User     *UserState
	Merchant *MerchantState
	Account  *AccountState
}

// CardDelta is the effect of one transaction on its card.
type CardDelta struct {
	UnixTime int64
	Amount   float64
}

// UserDelta is the effect of one transaction on its user.
type UserDelta struct {
	UnixTime int64
	Amount   float64
	Category string
	Merchant string
	State    string
}

// MerchantDelta is the effect of one transaction on its merchant.
type MerchantDelta struct {
	Amount float64
	CCNum  string
}

// AccountDelta is the effect of one transaction on its account group.
type AccountDelta struct {
	CCNum string
}

// Store is the entity state store contract.
//
// Snapshot never fails on unseen keys. Apply* calls are atomic per key:
// concurrent updates to the same entity must not lose increments.
// Updates to different keys are independent.
type Store interface {
	Snapshot(ctx context.Context, refs Refs) (*Snapshot, error)

	ApplyCard(ctx context.Context, key string, d CardDelta) error
	ApplyUser(ctx context.Context, key string, d UserDelta) error
	ApplyMerchant(ctx context.Context, key string, d MerchantDelta) error
	ApplyAccount(ctx context.Context, key string, d AccountDelta) error

	Ping(ctx context.Context) error
	Close() error
}

// pushCapped prepends v to list, trimming to limit. Shared by the memory
// store and tests; the Redis store uses LPUSH+LTRIM for the same shape.
func pushCapped[T any](list []T, v T, limit int) []T {
	list = append([]T{v}, list...)
	if len(list) > limit {
		list = list[:limit]
	}
	return list
}
