package assessments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db := testutil.Postgres(t)

	ctx := context.Background()
	s := NewPostgresStore(db)
	base := time.Now()

	older := assessment(tokenA, 30, base.Add(-time.Hour))
	newer := assessment(tokenA, 85, base)
	newer.Signals = append(newer.Signals, &risk.Signal{
		Factor:    risk.FactorPriceVolatility,
		Score:     risk.DegradedScore,
		Reasoning: []string{"price_volatility analysis failed"},
		Error:     "timeout",
	})
	require.NoError(t, s.Record(ctx, older))
	require.NoError(t, s.Record(ctx, newer))
	require.NoError(t, s.Record(ctx, assessment(tokenB, 10, base)))

	got, err := s.ListByToken(ctx, tokenA, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, newer.ID, first.ID)
	assert.Equal(t, 85, first.Score)
	assert.Equal(t, risk.VeryHigh, first.Classification)
	assert.True(t, newer.Timestamp.Equal(first.Timestamp))
	assert.Equal(t, tokenA, first.Token.Address)
	assert.Equal(t, 0, newer.Token.TotalSupply.Cmp(first.Token.TotalSupply), "supply must survive as an exact integer")
	require.Len(t, first.Signals, 2)
	assert.Equal(t, "timeout", first.Signals[1].Error)
	assert.Equal(t, older.ID, got[1].ID)

	limited, err := s.ListByToken(ctx, tokenA, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, newer.ID, limited[0].ID)
}

func TestPostgresStore_RejectsOutOfRangeScore(t *testing.T) {
	db := testutil.Postgres(t)

	a := assessment(tokenA, 30, time.Now())
	a.Score = 101
	assert.Error(t, NewPostgresStore(db).Record(context.Background(), a))
}
