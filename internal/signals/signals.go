// Package signals implements the ten risk signal providers and the upstream
// clients they depend on (Pyth Hermes prices, Blockscout explorer data,
// on-chain Transfer logs).
//
// Every constructor returns a risk.Provider built with risk.NewProvider, so
// each provider is bounded by the configured timeout and degrades to the
// default Signal instead of failing.
package signals

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tokensentry/internal/chain"
	"github.com/mbd888/tokensentry/internal/indexer"
	"github.com/mbd888/tokensentry/internal/pricecache"
	"github.com/mbd888/tokensentry/internal/risk"
)

const (
	DefaultLiquidityWindow = 100
	DefaultActivityWindow  = 1000
)

// PYUSD deployments.
var (
	PYUSDEthereum = common.HexToAddress("0x6c3ea9036406852006290770BEdFcAbA0e23A0e8")
	PYUSDPolygon  = common.HexToAddress("0x692AC1e363ae34b6B489148152b12e2785a3d8d6")
)

// TransferSource lists recent Transfer events of a token.
type TransferSource interface {
	Recent(ctx context.Context, token common.Address, window uint64) ([]chain.Transfer, error)
	RecentTimed(ctx context.Context, token common.Address, window uint64) ([]indexer.Transfer, error)
}

var _ TransferSource = (*indexer.Index)(nil)

// Config tunes the providers.
type Config struct {
	Timeout         time.Duration
	LiquidityWindow uint64
	ActivityWindow  uint64
	// Stablecoins are known regulated stablecoin contracts.
	Stablecoins []common.Address
	// ReferenceStablecoin is the contract whose supply signals available
	// stablecoin liquidity.
	ReferenceStablecoin common.Address
	Now                 func() time.Time
}

// DefaultConfig returns the standard windows and the PYUSD set.
func DefaultConfig() Config {
	return Config{
		Timeout:             risk.DefaultProviderTimeout,
		LiquidityWindow:     DefaultLiquidityWindow,
		ActivityWindow:      DefaultActivityWindow,
		Stablecoins:         []common.Address{PYUSDEthereum, PYUSDPolygon},
		ReferenceStablecoin: PYUSDEthereum,
		Now:                 time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.LiquidityWindow == 0 {
		c.LiquidityWindow = d.LiquidityWindow
	}
	if c.ActivityWindow == 0 {
		c.ActivityWindow = d.ActivityWindow
	}
	if len(c.Stablecoins) == 0 {
		c.Stablecoins = d.Stablecoins
	}
	if c.ReferenceStablecoin == (common.Address{}) {
		c.ReferenceStablecoin = d.ReferenceStablecoin
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

// Deps are the collaborators shared by the providers.
type Deps struct {
	Reader    chain.Reader
	Transfers TransferSource
	Prices    PriceFeed
	Explorer  Explorer
	// PriceCache and SupplyCache default to fresh 30s caches.
	PriceCache  *pricecache.Cache[string, *Price]
	SupplyCache *pricecache.Cache[common.Address, *big.Int]
	Config      Config
}

// Default builds all ten providers in their canonical order.
func Default(d Deps) []risk.Provider {
	cfg := d.Config.withDefaults()
	if d.PriceCache == nil {
		d.PriceCache = pricecache.New[string, *Price](pricecache.DefaultTTL)
	}
	if d.SupplyCache == nil {
		d.SupplyCache = pricecache.New[common.Address, *big.Int](pricecache.DefaultTTL)
	}
	return []risk.Provider{
		NewOwnership(cfg),
		NewLiquidity(d.Transfers, cfg),
		NewHoneypot(d.Reader, cfg),
		NewSuspiciousTransfers(d.Transfers, cfg),
		NewVerification(d.Explorer, cfg),
		NewSocial(cfg),
		NewVolatility(d.Prices, d.PriceCache, cfg),
		NewActivity(d.Transfers, cfg),
		NewContractAnalysis(d.Explorer, cfg),
		NewStablecoin(d.Reader, d.SupplyCache, cfg),
	}
}

func isKnown(addr common.Address, set []common.Address) bool {
	for _, a := range set {
		if a == addr {
			return true
		}
	}
	return false
}
