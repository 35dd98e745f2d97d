package signals

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tokensentry/internal/indexer"
	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/token"
)

// largeTransfer is the value above which a transfer counts as large (1e18).
var largeTransfer = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// NewActivity scores trader diversity, transfer sizes and hourly spikes
// over the activity window.
func NewActivity(transfers TransferSource, cfg Config) risk.Provider {
	window := cfg.ActivityWindow
	return risk.NewProvider(risk.FactorActivityAnalysis, cfg.Timeout, func(ctx context.Context, rec *token.Record) (*risk.Signal, error) {
		txs, err := transfers.RecentTimed(ctx, rec.Address, window)
		if err != nil {
			return nil, err
		}
		return activity(txs), nil
	})
}

func activity(txs []indexer.Transfer) *risk.Signal {
	traders := make(map[common.Address]struct{})
	hourly := make(map[int64]int)
	large := 0
	volume := new(big.Int)

	for _, tr := range txs {
		traders[tr.From] = struct{}{}
		traders[tr.To] = struct{}{}
		volume.Add(volume, tr.Value)
		if tr.Value.Cmp(largeTransfer) > 0 {
			large++
		}
		hourly[tr.Timestamp.Unix()/3600]++
	}

	sig := risk.NewSignal(risk.FactorActivityAnalysis, 0)
	switch n := len(traders); {
	case n < 5:
		sig.Add(40, "Very few unique traders detected")
	case n < 20:
		sig.Add(20, "Limited trader diversity")
	default:
		sig.Reason("Good trader diversity")
	}

	if large*2 > len(txs) {
		sig.Add(30, "High concentration of large transfers")
	}

	// max > 5 * (total / hours), kept in integers.
	peak := 0
	for _, n := range hourly {
		if n > peak {
			peak = n
		}
	}
	if len(hourly) > 0 && peak*len(hourly) > 5*len(txs) {
		sig.Add(25, "Suspicious activity spikes detected")
	}

	sig.Set("uniqueTraders", len(traders)).
		Set("totalTransfers", len(txs)).
		Set("largeTransfers", large).
		Set("totalVolume", volume.String()).
		Set("activeHours", len(hourly)).
		Set("peakHourlyTransfers", peak)
	return sig
}
