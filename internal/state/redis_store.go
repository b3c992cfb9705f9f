package state

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis key layout, mirroring the training-time collections:
//
//	card:<cc_num>            hash  last_transaction_time, transaction_count, total_amount
//	card:<cc_num>:w900       list  unix timestamps, newest first, capped
//	card:<cc_num>:w3600      list
//	card:<cc_num>:w86400     list
//	user:<ssn>               hash  + max_amount, last_state
//	user:<ssn>:last5         list  recent amounts, capped at 5
//	user:<ssn>:cat_count     hash  category -> count
//	user:<ssn>:cat_total     hash  category -> amount sum
//	user:<ssn>:merchants     hash  merchant -> visit count
//	merchant:<name>          hash  transaction_count, total_amount
//	merchant:<name>:cards    set   distinct cc_nums
//	account:<acct_num>:cards set   distinct cc_nums
//
// Every update is a MULTI/EXEC pipeline of primitive operations
// (HINCRBY, HINCRBYFLOAT, LPUSH+LTRIM, SADD), never a read-modify-write
// of a whole record, so same-key concurrency cannot lose updates.

// maxAmountScript updates max_amount only if the new amount is larger.
// Redis has no HMAX primitive; the script keeps the update atomic.
var maxAmountScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'max_amount')
if not cur or tonumber(ARGV[1]) > tonumber(cur) then
  redis.call('HSET', KEYS[1], 'max_amount', ARGV[1])
end
return 0
`)

// RedisStore is the Redis-backed entity state store.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a state store on the given Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying Redis client for other subsystems that
// share the connection, such as the encoding loader.
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

// DialRedis connects to a single Redis node and verifies the connection.
func DialRedis(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("state: connect to redis at %s: %w", addr, err)
	}
	return NewRedisStore(client), nil
}

func cardKey(k string) string     { return "card:" + k }
func userKey(k string) string     { return "user:" + k }
func merchantKey(k string) string { return "merchant:" + k }

func (s *RedisStore) Snapshot(ctx context.Context, refs Refs) (*Snapshot, error) {
	pipe := s.client.Pipeline()

	cardHash := pipe.HGetAll(ctx, cardKey(refs.CCNum))
	w900 := pipe.LRange(ctx, cardKey(refs.CCNum)+":w900", 0, -1)
	w3600 := pipe.LRange(ctx, cardKey(refs.CCNum)+":w3600", 0, -1)
	w86400 := pipe.LRange(ctx, cardKey(refs.CCNum)+":w86400", 0, -1)

	userHash := pipe.HGetAll(ctx, userKey(refs.SSN))
	last5 := pipe.LRange(ctx, userKey(refs.SSN)+":last5", 0, -1)
	catCount := pipe.HGetAll(ctx, userKey(refs.SSN)+":cat_count")
	catTotal := pipe.HGetAll(ctx, userKey(refs.SSN)+":cat_total")
	merchants := pipe.HGetAll(ctx, userKey(refs.SSN)+":merchants")

	merchantHash := pipe.HGetAll(ctx, merchantKey(refs.Merchant))
	merchantCards := pipe.SCard(ctx, merchantKey(refs.Merchant)+":cards")
	accountCards := pipe.SCard(ctx, "account:"+refs.AcctNum+":cards")

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("state: snapshot read: %w", err)
	}

	snap := &Snapshot{
		Card:     parseCard(cardHash.Val(), w900.Val(), w3600.Val(), w86400.Val()),
		User:     parseUser(userHash.Val(), last5.Val(), catCount.Val(), catTotal.Val(), merchants.Val()),
		Merchant: parseMerchant(merchantHash.Val(), merchantCards.Val()),
		Account:  &AccountState{UniqueCards: accountCards.Val()},
	}
	return snap, nil
}

func (s *RedisStore) ApplyCard(ctx context.Context, key string, d CardDelta) error {
	if key == "" {
		return nil
	}
	k := cardKey(key)
	ts := strconv.FormatInt(d.UnixTime, 10)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, k, "last_transaction_time", ts)
	pipe.HIncrBy(ctx, k, "transaction_count", 1)
	pipe.HIncrByFloat(ctx, k, "total_amount", d.Amount)
	pipe.LPush(ctx, k+":w900", ts)
	pipe.LTrim(ctx, k+":w900", 0, int64(WindowCapShort-1))
	pipe.LPush(ctx, k+":w3600", ts)
	pipe.LTrim(ctx, k+":w3600", 0, int64(WindowCapShort-1))
	pipe.LPush(ctx, k+":w86400", ts)
	pipe.LTrim(ctx, k+":w86400", 0, int64(WindowCapDay-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("state: apply card update: %w", err)
	}
	return nil
}

func (s *RedisStore) ApplyUser(ctx context.Context, key string, d UserDelta) error {
	if key == "" {
		return nil
	}
	k := userKey(key)
	amt := strconv.FormatFloat(d.Amount, 'f', -1, 64)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, k, "last_transaction_time", strconv.FormatInt(d.UnixTime, 10))
	pipe.HIncrBy(ctx, k, "transaction_count", 1)
	pipe.HIncrByFloat(ctx, k, "total_amount", d.Amount)
	pipe.LPush(ctx, k+":last5", amt)
	pipe.LTrim(ctx, k+":last5", 0, int64(LastAmountsCap-1))
	if d.Category != "" {
		pipe.HIncrBy(ctx, k+":cat_count", d.Category, 1)
		pipe.HIncrByFloat(ctx, k+":cat_total", d.Category, d.Amount)
	}
	if d.Merchant != "" {
		pipe.HIncrBy(ctx, k+":merchants", d.Merchant, 1)
	}
	if d.State != "" {
		pipe.HSet(ctx, k, "last_state", d.State)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("state: apply user update: %w", err)
	}

	// max_amount is monotone, so running it outside the pipeline cannot
	// reorder with concurrent updates in a way that loses the maximum.
	if err := maxAmountScript.Run(ctx, s.client, []string{k}, amt).Err(); err != nil {
		return fmt.Errorf("state: apply user max amount: %w", err)
	}
	return nil
}

func (s *RedisStore) ApplyMerchant(ctx context.Context, key string, d MerchantDelta) error {
	if key == "" {
		return nil
	}
	k := merchantKey(key)

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, k, "transaction_count", 1)
	pipe.HIncrByFloat(ctx, k, "total_amount", d.Amount)
	if d.CCNum != "" {
		pipe.SAdd(ctx, k+":cards", d.CCNum)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("state: apply merchant update: %w", err)
	}
	return nil
}

func (s *RedisStore) ApplyAccount(ctx context.Context, key string, d AccountDelta) error {
	if key == "" || d.CCNum == "" {
		return nil
	}
	if err := s.client.SAdd(ctx, "account:"+key+":cards", d.CCNum).Err(); err != nil {
		return fmt.Errorf("state: apply account update: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func parseCard(h map[string]string, w900, w3600, w86400 []string) *CardState {
	c := ZeroCard()
	if len(h) == 0 && len(w900) == 0 && len(w3600) == 0 && len(w86400) == 0 {
		return c
	}
	c.LastTransactionTime = parseInt(h["last_transaction_time"])
	c.TransactionCount = parseInt(h["transaction_count"])
	c.TotalAmount = parseFloat(h["total_amount"])
	c.Window15Min = parseTimestamps(w900)
	c.Window1Hour = parseTimestamps(w3600)
	c.Window24Hour = parseTimestamps(w86400)
	return c
}

func parseUser(h map[string]string, last5 []string, catCount, catTotal, merchants map[string]string) *UserState {
	u := ZeroUser()
	if len(h) == 0 && len(last5) == 0 {
		return u
	}
	u.LastTransactionTime = parseInt(h["last_transaction_time"])
	u.TransactionCount = parseInt(h["transaction_count"])
	u.TotalAmount = parseFloat(h["total_amount"])
	u.MaxAmount = parseFloat(h["max_amount"])
	u.LastState = h["last_state"]
	for _, s := range last5 {
		u.LastAmounts = append(u.LastAmounts, parseFloat(s))
	}
	for cat, v := range catCount {
		u.CategoryCounts[cat] = parseInt(v)
	}
	for cat, v := range catTotal {
		u.CategoryTotals[cat] = parseFloat(v)
	}
	for m, v := range merchants {
		u.MerchantVisits[m] = parseInt(v)
	}
	return u
}

func parseMerchant(h map[string]string, uniqueCards int64) *MerchantState {
	m := ZeroMerchant()
	m.TransactionCount = parseInt(h["transaction_count"])
	m.TotalAmount = parseFloat(h["total_amount"])
	m.UniqueCards = uniqueCards
	return m
}

func parseTimestamps(vals []string) []int64 {
	if len(vals) == 0 {
		return nil
	}
	out := make([]int64, 0, len(vals))
	for _, v := range vals {
		out = append(out, parseInt(v))
	}
	return out
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// Compile-time check.
var _ Store = (*RedisStore)(nil)
