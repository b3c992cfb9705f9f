package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(num, decision string) *Record {
	return &Record{
		ID:        "aud_" + num,
		TransNum:  num,
		Decision:  decision,
		Score:     0.1,
		Amount:    50,
		Merchant:  "Acme",
		Category:  "grocery",
		EventTime: 1_700_000_000,
		CreatedAt: time.Now(),
	}
}

func TestMemoryStoreInsertAndRecent(t *testing.T) {
	s := NewMemoryStore(100)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Insert(ctx, testRecord(fmt.Sprintf("t%d", i), "legitimate")))
	}

	recs, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "t3", recs[0].TransNum)
	assert.Equal(t, "t2", recs[1].TransNum)

	// Zero limit returns everything, still newest first.
	recs, err = s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "t3", recs[0].TransNum)
}

func TestMemoryStoreRejectsMissingTransNum(t *testing.T) {
	s := NewMemoryStore(10)
	err := s.Insert(context.Background(), &Record{Decision: "legitimate"})
	assert.Error(t, err)
}

func TestMemoryStoreCap(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Insert(ctx, testRecord(fmt.Sprintf("t%d", i), "legitimate")))
	}

	recs, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "t5", recs[0].TransNum)
	assert.Equal(t, "t3", recs[2].TransNum)

	// Counts survive eviction.
	counts, err := s.CountByDecision(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), counts["legitimate"])
}

func TestMemoryStoreCountByDecision(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testRecord("t1", "legitimate")))
	require.NoError(t, s.Insert(ctx, testRecord("t2", "fraudulent")))
	require.NoError(t, s.Insert(ctx, testRecord("t3", "legitimate")))

	counts, err := s.CountByDecision(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["legitimate"])
	assert.Equal(t, int64(1), counts["fraudulent"])

	assert.NoError(t, s.Ping(ctx))
	assert.NoError(t, s.Close())
}
