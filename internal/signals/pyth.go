package signals

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tokensentry/internal/circuitbreaker"
)

// DefaultHermesURL is the public Pyth price service.
const DefaultHermesURL = "https://hermes.pyth.network"

// Pyth price feed IDs.
const (
	FeedETHUSD  = "ff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"
	FeedBTCUSD  = "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"
	FeedUSDCUSD = "eaa020c61cc479712813461ce153894a96a6c00b21ed0cfc2798d1f9a9e9c94a"
	FeedUSDTUSD = "2b89b9dc8fdf9f34709a5b106b472f0f39bb6ca9ce04b0fd7f2e971688e2e53b"
)

var symbolFeeds = map[string]string{
	"ETH":  FeedETHUSD,
	"WETH": FeedETHUSD,
	"BTC":  FeedBTCUSD,
	"WBTC": FeedBTCUSD,
	"USDC": FeedUSDCUSD,
	"USDT": FeedUSDTUSD,
}

// FeedForSymbol returns the Pyth feed for a token symbol, if one is known.
func FeedForSymbol(symbol string) (string, bool) {
	id, ok := symbolFeeds[strings.ToUpper(strings.TrimSpace(symbol))]
	return id, ok
}

// Price is one Pyth price update. Price and Conf are in units of 10^Expo.
type Price struct {
	FeedID      string          `json:"feedId"`
	Price       decimal.Decimal `json:"price"`
	Conf        decimal.Decimal `json:"conf"`
	Expo        int32           `json:"expo"`
	PublishTime time.Time       `json:"publishTime"`
}

// PriceFeed fetches the latest price for a feed.
type PriceFeed interface {
	LatestPrice(ctx context.Context, feedID string) (*Price, error)
}

// HermesClient reads prices from the Pyth Hermes REST API.
type HermesClient struct {
	baseURL string
	http    upstream
}

var _ PriceFeed = (*HermesClient)(nil)

// NewHermesClient creates a client for baseURL (DefaultHermesURL if empty).
func NewHermesClient(baseURL string, breaker *circuitbreaker.Breaker) *HermesClient {
	if baseURL == "" {
		baseURL = DefaultHermesURL
	}
	return &HermesClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    newUpstream("hermes", breaker),
	}
}

type hermesResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

func (c *HermesClient) LatestPrice(ctx context.Context, feedID string) (*Price, error) {
	feedID = strings.TrimPrefix(strings.ToLower(feedID), "0x")
	q := url.Values{}
	q.Add("ids[]", feedID)
	q.Set("parsed", "true")

	var resp hermesResponse
	if err := c.http.getJSON(ctx, c.baseURL+"/v2/updates/price/latest?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	for _, p := range resp.Parsed {
		if strings.TrimPrefix(strings.ToLower(p.ID), "0x") != feedID {
			continue
		}
		price, err := decimal.NewFromString(p.Price.Price)
		if err != nil {
			return nil, fmt.Errorf("hermes: price %q: %w", p.Price.Price, err)
		}
		conf, err := decimal.NewFromString(p.Price.Conf)
		if err != nil {
			return nil, fmt.Errorf("hermes: conf %q: %w", p.Price.Conf, err)
		}
		return &Price{
			FeedID:      feedID,
			Price:       price,
			Conf:        conf,
			Expo:        p.Price.Expo,
			PublishTime: time.Unix(p.Price.PublishTime, 0).UTC(),
		}, nil
	}
	return nil, fmt.Errorf("hermes: feed %s: %w", feedID, ErrNotFound)
}
