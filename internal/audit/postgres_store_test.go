package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlaltdelite/fraudwatch/internal/testutil"
)

func TestPostgresStoreInsertAndRecent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, num := range []string{"t1", "t2", "t3"} {
		rec := testRecord(num, "legitimate")
		rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
		rec.Features = map[string]float64{"amt": 50}
		require.NoError(t, s.Insert(ctx, rec))
	}

	recs, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "t3", recs[0].TransNum)
	assert.Equal(t, "t2", recs[1].TransNum)
	assert.Equal(t, 50.0, recs[0].Features["amt"])
}

func TestPostgresStoreConflictIgnored(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()

	rec := testRecord("dup", "legitimate")
	require.NoError(t, s.Insert(ctx, rec))

	// A replayed transaction must not error or double-count.
	again := testRecord("dup", "fraudulent")
	again.ID = "aud_other"
	require.NoError(t, s.Insert(ctx, again))

	counts, err := s.CountByDecision(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["legitimate"])
	assert.Equal(t, int64(0), counts["fraudulent"])
}

func TestPostgresStoreCountByDecision(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testRecord("t1", "legitimate")))
	require.NoError(t, s.Insert(ctx, testRecord("t2", "fraudulent")))
	require.NoError(t, s.Insert(ctx, testRecord("t3", "fraudulent")))

	counts, err := s.CountByDecision(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["legitimate"])
	assert.Equal(t, int64(2), counts["fraudulent"])

	assert.NoError(t, s.Ping(ctx))
}
