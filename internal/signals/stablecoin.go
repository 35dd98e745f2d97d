package signals

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tokensentry/internal/chain"
	"github.com/mbd888/tokensentry/internal/pricecache"
	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/token"
)

// deepLiquidity is 1,000,000 units at 18 decimals.
var deepLiquidity, _ = new(big.Int).SetString("1000000000000000000000000", 10)

// Recommendation ranks how much a token would benefit from pairing with a
// regulated stablecoin.
func Recommendation(score int) string {
	switch {
	case score < 30:
		return "low_priority"
	case score < 60:
		return "consider_integration"
	case score < 80:
		return "recommended"
	default:
		return "high_priority"
	}
}

// NewStablecoin scores a token against the known regulated stablecoins.
func NewStablecoin(reader chain.Reader, supplies *pricecache.Cache[common.Address, *big.Int], cfg Config) risk.Provider {
	erc := chain.NewERC20(reader)
	known := cfg.Stablecoins
	ref := cfg.ReferenceStablecoin

	supplyOf := func(ctx context.Context, addr common.Address) (*big.Int, error) {
		if s, ok := supplies.Get(addr); ok {
			return s, nil
		}
		s, err := erc.TotalSupply(ctx, addr)
		if err != nil {
			return nil, err
		}
		supplies.Put(addr, s)
		return s, nil
	}

	return risk.NewProvider(risk.FactorStablecoinIntegration, cfg.Timeout, func(ctx context.Context, rec *token.Record) (*risk.Signal, error) {
		if isKnown(rec.Address, known) {
			sig := risk.NewSignal(risk.FactorStablecoinIntegration, 5)
			sig.Reason("Token is a known regulated stablecoin")
			sig.Set("isStablecoin", true).Set("safetyLevel", "maximum")
			return sig, nil
		}

		pct, err := rec.CreatorPercent()
		if err != nil {
			return nil, err
		}

		sig := risk.NewSignal(risk.FactorStablecoinIntegration, 50)
		sig.Reason("Risk assessment for stablecoin integration opportunities")
		if pct.Cmp(big.NewInt(70)) > 0 {
			sig.Add(20, "Concentrated supply would benefit from stablecoin diversification")
		}

		supply, err := supplyOf(ctx, ref)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, err
			}
			sig.Reason("Reference stablecoin supply unavailable")
		case supply.Cmp(deepLiquidity) > 0:
			sig.Add(-10, "Deep stablecoin liquidity available")
			sig.Set("referenceSupply", supply.String())
		default:
			sig.Set("referenceSupply", supply.String())
		}

		sig.Set("isStablecoin", false).
			Set("recommendation", Recommendation(risk.Clamp(sig.Score)))
		return sig, nil
	})
}
