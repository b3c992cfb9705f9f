package state

import (
	"context"
	"sync"

	"github.com/ctrlaltdelite/fraudwatch/internal/syncutil"
)

// MemoryStore is an in-memory Store for development and tests.
//
// The maps themselves are guarded by a RWMutex; entity records are
// guarded by a sharded per-key mutex held across every read-modify-write,
// so concurrent updates to the same key never lose increments while
// updates to different keys proceed in parallel.
type MemoryStore struct {
	mu        sync.RWMutex
	cards     map[string]*CardState
	users     map[string]*UserState
	merchants map[string]*MerchantState

	merchantCards map[string]map[string]struct{}
	accountCards  map[string]map[string]struct{}

	keys syncutil.ShardedMutex
}

// NewMemoryStore creates an empty in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cards:         make(map[string]*CardState),
		users:         make(map[string]*UserState),
		merchants:     make(map[string]*MerchantState),
		merchantCards: make(map[string]map[string]struct{}),
		accountCards:  make(map[string]map[string]struct{}),
	}
}

// Snapshot returns deep copies so the caller's view cannot change under
// it once taken. Each entity is copied under its own key lock; the four
// reads are not a cross-entity transaction, matching the store contract.
func (s *MemoryStore) Snapshot(ctx context.Context, refs Refs) (*Snapshot, error) {
	snap := &Snapshot{
		Card:     ZeroCard(),
		User:     ZeroUser(),
		Merchant: ZeroMerchant(),
		Account:  ZeroAccount(),
	}

	unlock := s.keys.Lock("card:" + refs.CCNum)
	s.mu.RLock()
	c := s.cards[refs.CCNum]
	s.mu.RUnlock()
	if c != nil {
		snap.Card = copyCard(c)
	}
	unlock()

	unlock = s.keys.Lock("user:" + refs.SSN)
	s.mu.RLock()
	u := s.users[refs.SSN]
	s.mu.RUnlock()
	if u != nil {
		snap.User = copyUser(u)
	}
	unlock()

	unlock = s.keys.Lock("merchant:" + refs.Merchant)
	s.mu.RLock()
	m := s.merchants[refs.Merchant]
	mc := s.merchantCards[refs.Merchant]
	s.mu.RUnlock()
	if m != nil {
		snap.Merchant = &MerchantState{
			TransactionCount: m.TransactionCount,
			TotalAmount:      m.TotalAmount,
			UniqueCards:      int64(len(mc)),
		}
	}
	unlock()

	unlock = s.keys.Lock("account:" + refs.AcctNum)
	s.mu.RLock()
	ac := s.accountCards[refs.AcctNum]
	s.mu.RUnlock()
	if ac != nil {
		snap.Account = &AccountState{UniqueCards: int64(len(ac))}
	}
	unlock()

	return snap, nil
}

func (s *MemoryStore) ApplyCard(ctx context.Context, key string, d CardDelta) error {
	if key == "" {
		return nil
	}
	unlock := s.keys.Lock("card:" + key)
	defer unlock()

	s.mu.Lock()
	c, ok := s.cards[key]
	if !ok {
		c = ZeroCard()
		s.cards[key] = c
	}
	s.mu.Unlock()

	c.LastTransactionTime = d.UnixTime
	c.TransactionCount++
	c.TotalAmount += d.Amount
	c.Window15Min = pushCapped(c.Window15Min, d.UnixTime, WindowCapShort)
	c.Window1Hour = pushCapped(c.Window1Hour, d.UnixTime, WindowCapShort)
	c.Window24Hour = pushCapped(c.Window24Hour, d.UnixTime, WindowCapDay)
	return nil
}

func (s *MemoryStore) ApplyUser(ctx context.Context, key string, d UserDelta) error {
	if key == "" {
		return nil
	}
	unlock := s.keys.Lock("user:" + key)
	defer unlock()

	s.mu.Lock()
	u, ok := s.users[key]
	if !ok {
		u = ZeroUser()
		s.users[key] = u
	}
	s.mu.Unlock()

	u.LastTransactionTime = d.UnixTime
	u.TransactionCount++
	u.TotalAmount += d.Amount
	if d.Amount > u.MaxAmount {
		u.MaxAmount = d.Amount
	}
	u.LastAmounts = pushCapped(u.LastAmounts, d.Amount, LastAmountsCap)
	if d.Category != "" {
		u.CategoryCounts[d.Category]++
		u.CategoryTotals[d.Category] += d.Amount
	}
	if d.Merchant != "" {
		u.MerchantVisits[d.Merchant]++
	}
	if d.State != "" {
		u.LastState = d.State
	}
	return nil
}

func (s *MemoryStore) ApplyMerchant(ctx context.Context, key string, d MerchantDelta) error {
	if key == "" {
		return nil
	}
	unlock := s.keys.Lock("merchant:" + key)
	defer unlock()

	s.mu.Lock()
	m, ok := s.merchants[key]
	if !ok {
		m = ZeroMerchant()
		s.merchants[key] = m
	}
	cards, ok := s.merchantCards[key]
	if !ok {
		cards = make(map[string]struct{})
		s.merchantCards[key] = cards
	}
	s.mu.Unlock()

	m.TransactionCount++
	m.TotalAmount += d.Amount
	if d.CCNum != "" {
		cards[d.CCNum] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) ApplyAccount(ctx context.Context, key string, d AccountDelta) error {
	if key == "" || d.CCNum == "" {
		return nil
	}
	unlock := s.keys.Lock("account:" + key)
	defer unlock()

	s.mu.Lock()
	cards, ok := s.accountCards[key]
	if !ok {
		cards = make(map[string]struct{})
		s.accountCards[key] = cards
	}
	s.mu.Unlock()

	cards[d.CCNum] = struct{}{}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func copyCard(c *CardState) *CardState {
	out := &CardState{
		LastTransactionTime: c.LastTransactionTime,
		TransactionCount:    c.TransactionCount,
		TotalAmount:         c.TotalAmount,
	}
	out.Window15Min = append(out.Window15Min, c.Window15Min...)
	out.Window1Hour = append(out.Window1Hour, c.Window1Hour...)
	out.Window24Hour = append(out.Window24Hour, c.Window24Hour...)
	return out
}

func copyUser(u *UserState) *UserState {
	out := &UserState{
		LastTransactionTime: u.LastTransactionTime,
		TransactionCount:    u.TransactionCount,
		TotalAmount:         u.TotalAmount,
		MaxAmount:           u.MaxAmount,
		LastState:           u.LastState,
		CategoryCounts:      make(map[string]int64, len(u.CategoryCounts)),
		CategoryTotals:      make(map[string]float64, len(u.CategoryTotals)),
		MerchantVisits:      make(map[string]int64, len(u.MerchantVisits)),
	}
	out.LastAmounts = append(out.LastAmounts, u.LastAmounts...)
	for k, v := range u.CategoryCounts {
		out.CategoryCounts[k] = v
	}
	for k, v := range u.CategoryTotals {
		out.CategoryTotals[k] = v
	}
	for k, v := range u.MerchantVisits {
		out.MerchantVisits[k] = v
	}
	return out
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)
