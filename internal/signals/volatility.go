package signals

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tokensentry/internal/pricecache"
	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/token"
)

var (
	hundred   = decimal.NewFromInt(100)
	ratioFive = decimal.NewFromInt(5)
	ratioHalf = decimal.RequireFromString("0.5")
)

// NewVolatility scores the oracle confidence interval relative to price.
// Tokens without their own feed are scored against ETH/USD.
func NewVolatility(feed PriceFeed, cache *pricecache.Cache[string, *Price], cfg Config) risk.Provider {
	lookup := func(ctx context.Context, id string) (*Price, error) {
		if p, ok := cache.Get(id); ok {
			return p, nil
		}
		p, err := feed.LatestPrice(ctx, id)
		if err != nil {
			return nil, err
		}
		cache.Put(id, p)
		return p, nil
	}

	return risk.NewProvider(risk.FactorPriceVolatility, cfg.Timeout, func(ctx context.Context, rec *token.Record) (*risk.Signal, error) {
		sig := risk.NewSignal(risk.FactorPriceVolatility, 0)

		feedID, hasFeed := FeedForSymbol(rec.Symbol)
		var price *Price
		if hasFeed {
			p, err := lookup(ctx, feedID)
			if err != nil {
				sig.Reason("Token feed unavailable, using ETH/USD reference")
			} else {
				price = p
			}
		}
		if price == nil {
			p, err := lookup(ctx, FeedETHUSD)
			if err != nil {
				return nil, fmt.Errorf("price feed: %w", err)
			}
			price = p
		}

		score, ratio := volatilityScore(price)
		sig.Add(score, "Price volatility analysis using Pyth Network data")
		sig.Set("feedId", price.FeedID).
			Set("price", price.Price.String()).
			Set("conf", price.Conf.String()).
			Set("expo", price.Expo).
			Set("hasRealTimeData", hasFeed)
		if ratio != nil {
			sig.Set("confidenceRatio", ratio.StringFixed(4))
		}
		return sig, nil
	})
}

// volatilityScore maps conf/price (in percent) to a score. The exponent is
// shared by price and conf and cancels out.
func volatilityScore(p *Price) (int, *decimal.Decimal) {
	price := p.Price.Abs()
	if price.IsZero() {
		return 100, nil
	}
	ratio := p.Conf.Abs().Div(price).Mul(hundred)
	switch {
	case ratio.GreaterThan(ratioFive):
		return 90, &ratio
	case ratio.GreaterThan(decimal.NewFromInt(3)):
		return 70, &ratio
	case ratio.GreaterThan(decimal.NewFromInt(1)):
		return 50, &ratio
	case ratio.GreaterThan(ratioHalf):
		return 30, &ratio
	default:
		return 10, &ratio
	}
}
