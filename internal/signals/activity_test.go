package signals

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/tokensentry/internal/indexer"
)

func TestActivity(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	whale := new(big.Int).Mul(big.NewInt(2), largeTransfer)

	t.Run("no transfers", func(t *testing.T) {
		sig := activity(nil)
		assert.Equal(t, 40, sig.Score)
		assert.Equal(t, 0, sig.Data["uniqueTraders"])
	})

	t.Run("diverse and spread out", func(t *testing.T) {
		var txs []indexer.Transfer
		for i := int64(0); i < 24; i++ {
			txs = append(txs, transfer(addr(i+1), addr(i+100), 10, base.Add(time.Duration(i)*time.Hour)))
		}
		sig := activity(txs)
		assert.Equal(t, 0, sig.Score)
		assert.Equal(t, []string{"Good trader diversity"}, sig.Reasoning)
	})

	t.Run("limited diversity", func(t *testing.T) {
		var txs []indexer.Transfer
		for i := int64(0); i < 5; i++ {
			txs = append(txs, transfer(addr(i+1), addr(i+100), 10, base.Add(time.Duration(i)*time.Hour)))
		}
		assert.Equal(t, 20, activity(txs).Score)
	})

	t.Run("whale transfers between two wallets", func(t *testing.T) {
		var txs []indexer.Transfer
		for i := 0; i < 3; i++ {
			tr := transfer(addr(1), addr(2), 0, base)
			tr.Value = whale
			txs = append(txs, tr)
		}
		sig := activity(txs)
		assert.Equal(t, 70, sig.Score)
		assert.Equal(t, 3, sig.Data["largeTransfers"])
	})

	t.Run("exactly 1e18 is not large", func(t *testing.T) {
		tr := transfer(addr(1), addr(2), 0, base)
		tr.Value = largeTransfer
		sig := activity([]indexer.Transfer{tr})
		assert.Equal(t, 0, sig.Data["largeTransfers"])
	})

	t.Run("hourly spike", func(t *testing.T) {
		var txs []indexer.Transfer
		n := int64(0)
		for h := 1; h <= 9; h++ {
			n++
			txs = append(txs, transfer(addr(n), addr(n+500), 10, base.Add(time.Duration(h)*time.Hour)))
		}
		for i := 0; i < 10; i++ {
			n++
			txs = append(txs, transfer(addr(n), addr(n+500), 10, base.Add(time.Duration(i)*time.Minute)))
		}
		sig := activity(txs)
		assert.Equal(t, 25, sig.Score)
		assert.Equal(t, 10, sig.Data["peakHourlyTransfers"])
		assert.Equal(t, 10, sig.Data["activeHours"])
	})
}

func TestActivity_ProviderUsesWindow(t *testing.T) {
	src := &fakeTransfers{}
	cfg := DefaultConfig()
	cfg.ActivityWindow = 250
	NewActivity(src, cfg).Analyze(context.Background(), record(1, 0))
	assert.Equal(t, uint64(250), src.last)

	src.err = errors.New("logs unavailable")
	sig := NewActivity(src, cfg).Analyze(context.Background(), record(1, 0))
	assert.True(t, sig.Degraded())
}
