package risk

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tokensentry/internal/token"
)

func testRecord() *token.Record {
	return &token.Record{
		Address:        common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Symbol:         "TST",
		TotalSupply:    big.NewInt(1_000_000),
		CreatorBalance: big.NewInt(0),
	}
}

func fixed(factor Factor, score int) Provider {
	return NewProvider(factor, time.Second, func(ctx context.Context, rec *token.Record) (*Signal, error) {
		return NewSignal(factor, score).Reason("fixed"), nil
	})
}

func failing(factor Factor, err error) Provider {
	return NewProvider(factor, time.Second, func(ctx context.Context, rec *token.Record) (*Signal, error) {
		return nil, err
	})
}

// rawProvider bypasses the NewProvider wrapper.
type rawProvider struct {
	factor Factor
	fn     func() *Signal
}

func (p rawProvider) Factor() Factor { return p.factor }
func (p rawProvider) Analyze(context.Context, *token.Record) *Signal {
	return p.fn()
}

func newAggregator(t *testing.T, providers ...Provider) *Aggregator {
	t.Helper()
	agg := NewAggregator(DefaultWeights(), nil)
	for _, p := range providers {
		require.NoError(t, agg.Register(p))
	}
	return agg
}

func TestWeightedScore_TwoFactors(t *testing.T) {
	signals := []*Signal{
		NewSignal(FactorOwnershipConcentration, 90),
		NewSignal(FactorLiquidityRisk, 10),
	}
	score, ok := WeightedScore(signals, DefaultWeights())
	require.True(t, ok)
	assert.Equal(t, 56, score) // 19.5 / 0.35 = 55.71
}

func TestWeightedScore_UnknownFactorUsesDefaultWeight(t *testing.T) {
	signals := []*Signal{
		NewSignal(FactorOwnershipConcentration, 100),
		NewSignal(Factor("governance_risk"), 0),
	}
	score, ok := WeightedScore(signals, DefaultWeights())
	require.True(t, ok)
	// 100*0.20 / (0.20 + 0.10) = 66.67
	assert.Equal(t, 67, score)
}

func TestWeightedScore_HalfRoundsUp(t *testing.T) {
	signals := []*Signal{
		NewSignal(FactorHoneypotDetection, 50),
		NewSignal(FactorOwnershipConcentration, 51),
	}
	score, ok := WeightedScore(signals, DefaultWeights())
	require.True(t, ok)
	assert.Equal(t, 51, score) // 50.5
}

func TestWeightedScore_NothingToWeigh(t *testing.T) {
	_, ok := WeightedScore(nil, DefaultWeights())
	assert.False(t, ok)

	_, ok = WeightedScore([]*Signal{NewSignal(FactorSocialSignals, 90)}, Weights{FactorSocialSignals: 0})
	assert.False(t, ok)
}

func TestAssess_Aggregates(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	agg := newAggregator(t,
		fixed(FactorOwnershipConcentration, 90),
		fixed(FactorLiquidityRisk, 10),
	).WithClock(func() time.Time { return now })

	a := agg.Assess(context.Background(), testRecord())
	assert.Equal(t, 56, a.Score)
	assert.Equal(t, Medium, a.Classification)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, now, a.Timestamp)
	require.Len(t, a.Signals, 2)
	assert.Equal(t, FactorOwnershipConcentration, a.Signals[0].Factor)
	assert.Equal(t, FactorLiquidityRisk, a.Signals[1].Factor)
	assert.Empty(t, a.Error)
}

func TestAssess_EmptyRegistryIsUnknown(t *testing.T) {
	a := NewAggregator(nil, nil).Assess(context.Background(), testRecord())
	assert.Equal(t, 50, a.Score)
	assert.Equal(t, Unknown, a.Classification)
	assert.Empty(t, a.Signals)
	assert.NotEmpty(t, a.Error)
}

func TestAssess_DegradedProviderStillContributes(t *testing.T) {
	agg := newAggregator(t,
		fixed(FactorOwnershipConcentration, 10),
		failing(FactorPriceVolatility, errors.New("hermes unavailable")),
	)

	a := agg.Assess(context.Background(), testRecord())
	require.Len(t, a.Signals, 2)
	sig := a.Signal(FactorPriceVolatility)
	require.NotNil(t, sig)
	assert.Equal(t, 50, sig.Score)
	assert.NotEmpty(t, sig.Reasoning)
	assert.Equal(t, "hermes unavailable", sig.Error)
	assert.Equal(t, 1, a.DegradedCount())
	// (10*0.20 + 50*0.10) / 0.30 = 23.33
	assert.Equal(t, 23, a.Score)
	assert.Equal(t, Low, a.Classification)
}

func TestAssess_ShieldsUnwrappedProviders(t *testing.T) {
	agg := newAggregator(t,
		rawProvider{factor: FactorSocialSignals, fn: func() *Signal { panic("boom") }},
		rawProvider{factor: FactorSuspiciousTransfers, fn: func() *Signal { return nil }},
		rawProvider{factor: FactorContractVerification, fn: func() *Signal {
			return &Signal{Factor: FactorSocialSignals, Score: 400}
		}},
	)

	a := agg.Assess(context.Background(), testRecord())
	require.Len(t, a.Signals, 3)
	assert.True(t, a.Signals[0].Degraded())
	assert.True(t, a.Signals[1].Degraded())
	assert.Equal(t, FactorContractVerification, a.Signals[2].Factor, "factor comes from the provider")
	assert.Equal(t, 100, a.Signals[2].Score)
}

func TestAssess_RunsProvidersConcurrently(t *testing.T) {
	var running, peak int32
	slow := func(f Factor) Provider {
		return NewProvider(f, time.Second, func(ctx context.Context, rec *token.Record) (*Signal, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return NewSignal(f, 20), nil
		})
	}
	agg := newAggregator(t, slow(FactorLiquidityRisk), slow(FactorActivityAnalysis), slow(FactorSocialSignals))

	start := time.Now()
	a := agg.Assess(context.Background(), testRecord())
	assert.Less(t, time.Since(start), 140*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&peak))
	assert.Equal(t, 20, a.Score)
}

func TestRegister_RejectsDuplicateFactor(t *testing.T) {
	agg := newAggregator(t, fixed(FactorLiquidityRisk, 10))
	err := agg.Register(fixed(FactorLiquidityRisk, 90))
	assert.ErrorIs(t, err, ErrDuplicateFactor)
	assert.Equal(t, []Factor{FactorLiquidityRisk}, agg.Factors())
}
