package signals

import (
	"context"
	"strings"
	"unicode"

	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/token"
)

var wellKnownTickers = map[string]bool{
	"ETH": true, "WETH": true, "USDT": true, "USDC": true, "DAI": true,
	"WBTC": true, "BTC": true, "BNB": true, "PYUSD": true, "SHIB": true,
	"PEPE": true, "UNI": true, "LINK": true,
}

var hypeKeywords = []string{
	"elon", "moon", "safe", "inu", "100x", "1000x", "pump", "rocket", "gem", "doge",
}

// NewSocial scores the reputation cues carried by a token's name and symbol.
func NewSocial(cfg Config) risk.Provider {
	stablecoins := cfg.Stablecoins
	return risk.NewProvider(risk.FactorSocialSignals, cfg.Timeout, func(_ context.Context, rec *token.Record) (*risk.Signal, error) {
		return social(rec, isKnown(rec.Address, stablecoins)), nil
	})
}

func social(rec *token.Record, known bool) *risk.Signal {
	sig := risk.NewSignal(risk.FactorSocialSignals, 10)
	name := strings.TrimSpace(rec.Name)
	symbol := strings.TrimSpace(rec.Symbol)

	if name == "" || symbol == "" {
		sig.Add(30, "Missing token name or symbol")
	}
	if !known && wellKnownTickers[strings.ToUpper(symbol)] {
		sig.Add(40, "Symbol impersonates well-known asset %s", strings.ToUpper(symbol))
	}

	text := strings.ToLower(name + " " + symbol)
	for _, kw := range hypeKeywords {
		if strings.Contains(text, kw) {
			sig.Add(20, "Promotional keyword %q in metadata", kw)
			sig.Set("keyword", kw)
			break
		}
	}

	for _, r := range name + symbol {
		if r > unicode.MaxASCII {
			sig.Add(20, "Non-ASCII characters in metadata")
			break
		}
	}

	if sig.Score == 10 {
		sig.Reason("No reputation concerns in token metadata")
	}
	return sig
}
