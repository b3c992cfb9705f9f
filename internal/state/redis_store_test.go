package state

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisTest connects to the Redis named by REDIS_ADDR and flushes the
// keys the test writes. Skipped when REDIS_ADDR is not set.
func redisTest(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := DialRedis(ctx, addr)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Client().FlushDB(context.Background()).Err()
		_ = s.Close()
	})
	return s
}

func TestRedisStoreZeroStateOnMiss(t *testing.T) {
	s := redisTest(t)
	ctx := context.Background()

	snap, err := s.Snapshot(ctx, Refs{CCNum: "never", SSN: "seen", Merchant: "before", AcctNum: "now"})
	require.NoError(t, err)

	assert.Equal(t, int64(0), snap.Card.TransactionCount)
	assert.Equal(t, int64(0), snap.User.TransactionCount)
	assert.Equal(t, int64(0), snap.Merchant.TransactionCount)
	assert.Equal(t, int64(0), snap.Account.UniqueCards)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s := redisTest(t)
	ctx := context.Background()
	refs := Refs{CCNum: "card1", SSN: "user1", Merchant: "Acme", AcctNum: "acct1"}
	now := int64(1_700_000_000)

	require.NoError(t, s.ApplyCard(ctx, refs.CCNum, CardDelta{UnixTime: now, Amount: 50}))
	require.NoError(t, s.ApplyUser(ctx, refs.SSN, UserDelta{
		UnixTime: now, Amount: 50, Category: "grocery", Merchant: "Acme", State: "TX",
	}))
	require.NoError(t, s.ApplyMerchant(ctx, refs.Merchant, MerchantDelta{Amount: 50, CCNum: "card1"}))
	require.NoError(t, s.ApplyAccount(ctx, refs.AcctNum, AccountDelta{CCNum: "card1"}))

	snap, err := s.Snapshot(ctx, refs)
	require.NoError(t, err)

	assert.Equal(t, int64(1), snap.Card.TransactionCount)
	assert.Equal(t, now, snap.Card.LastTransactionTime)
	assert.Equal(t, []int64{now}, snap.Card.Window15Min)

	assert.Equal(t, 50.0, snap.User.MaxAmount)
	assert.Equal(t, []float64{50}, snap.User.LastAmounts)
	assert.Equal(t, int64(1), snap.User.CategoryCounts["grocery"])
	assert.Equal(t, int64(1), snap.User.MerchantVisits["Acme"])
	assert.Equal(t, "TX", snap.User.LastState)

	assert.Equal(t, int64(1), snap.Merchant.UniqueCards)
	assert.Equal(t, int64(1), snap.Account.UniqueCards)
}

func TestRedisStoreMaxAmountMonotone(t *testing.T) {
	s := redisTest(t)
	ctx := context.Background()

	require.NoError(t, s.ApplyUser(ctx, "u1", UserDelta{UnixTime: 1, Amount: 100}))
	require.NoError(t, s.ApplyUser(ctx, "u1", UserDelta{UnixTime: 2, Amount: 40}))

	snap, err := s.Snapshot(ctx, Refs{SSN: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.User.MaxAmount)
}

func TestRedisStoreDistinctCards(t *testing.T) {
	s := redisTest(t)
	ctx := context.Background()

	// The same card twice counts once.
	for _, card := range []string{"c1", "c2", "c1"} {
		require.NoError(t, s.ApplyMerchant(ctx, "Acme", MerchantDelta{Amount: 10, CCNum: card}))
		require.NoError(t, s.ApplyAccount(ctx, "a1", AccountDelta{CCNum: card}))
	}

	snap, err := s.Snapshot(ctx, Refs{Merchant: "Acme", AcctNum: "a1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Merchant.UniqueCards)
	assert.Equal(t, int64(2), snap.Account.UniqueCards)
}

func TestRedisStoreConcurrentSameKey(t *testing.T) {
	s := redisTest(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.ApplyCard(ctx, "hot", CardDelta{UnixTime: int64(i), Amount: 1}))
			assert.NoError(t, s.ApplyMerchant(ctx, "hot", MerchantDelta{Amount: 1, CCNum: fmt.Sprintf("card%d", i)}))
		}(i)
	}
	wg.Wait()

	snap, err := s.Snapshot(ctx, Refs{CCNum: "hot", Merchant: "hot"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), snap.Card.TransactionCount)
	assert.InDelta(t, 50.0, snap.Card.TotalAmount, 1e-9)
	assert.Equal(t, int64(50), snap.Merchant.UniqueCards)
}

func TestRedisStoreEmptyKeysNoop(t *testing.T) {
	s := redisTest(t)
	ctx := context.Background()

	require.NoError(t, s.ApplyCard(ctx, "", CardDelta{UnixTime: 1, Amount: 1}))
	require.NoError(t, s.ApplyUser(ctx, "", UserDelta{UnixTime: 1, Amount: 1}))
	require.NoError(t, s.ApplyMerchant(ctx, "", MerchantDelta{Amount: 1}))
	require.NoError(t, s.ApplyAccount(ctx, "a", AccountDelta{}))
}
