package signals

import (
	"bytes"
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tokensentry/internal/chain"
	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/token"
)

// NewOwnership scores the creator's share of supply.
func NewOwnership(cfg Config) risk.Provider {
	return risk.NewProvider(risk.FactorOwnershipConcentration, cfg.Timeout, ownership)
}

func ownership(_ context.Context, rec *token.Record) (*risk.Signal, error) {
	pct, err := rec.CreatorPercent()
	if err != nil {
		return nil, err
	}

	sig := risk.NewSignal(risk.FactorOwnershipConcentration, 0)
	switch {
	case pct.Cmp(big.NewInt(90)) > 0:
		sig.Add(90, "Creator holds >90%% of tokens")
	case pct.Cmp(big.NewInt(70)) > 0:
		sig.Add(70, "Creator holds >70%% of tokens")
	case pct.Cmp(big.NewInt(50)) > 0:
		sig.Add(50, "Creator holds >50%% of tokens")
	case pct.Cmp(big.NewInt(20)) > 0:
		sig.Add(30, "Creator holds >20%% of tokens")
	default:
		sig.Add(10, "Good token distribution")
	}

	hasOwner := rec.HasActiveOwner()
	if hasOwner {
		sig.Add(20, "Contract has active owner")
	} else {
		sig.Reason("Ownership renounced")
	}

	sig.Set("creatorPercentage", pct.String()).Set("hasOwner", hasOwner)
	if rec.Owner != nil {
		sig.Set("owner", rec.Owner.Hex())
	}
	return sig, nil
}

// NewLiquidity scores recent trading activity over the liquidity window.
func NewLiquidity(transfers TransferSource, cfg Config) risk.Provider {
	window := cfg.LiquidityWindow
	return risk.NewProvider(risk.FactorLiquidityRisk, cfg.Timeout, func(ctx context.Context, rec *token.Record) (*risk.Signal, error) {
		txs, err := transfers.Recent(ctx, rec.Address, window)
		if err != nil {
			return nil, err
		}
		return liquidity(rec, txs)
	})
}

func liquidity(rec *token.Record, txs []chain.Transfer) (*risk.Signal, error) {
	sig := risk.NewSignal(risk.FactorLiquidityRisk, 0)
	switch n := len(txs); {
	case n == 0:
		sig.Add(80, "No trading activity detected")
	case n < 5:
		sig.Add(60, "Very low trading activity")
	case n < 20:
		sig.Add(30, "Low trading activity")
	default:
		sig.Add(10, "Normal trading activity")
	}

	large := 0
	five := big.NewInt(5)
	for _, tr := range txs {
		pct, err := rec.PercentOf(tr.Value)
		if err != nil {
			return nil, err
		}
		if pct.Cmp(five) > 0 {
			large++
		}
	}
	if large > 3 {
		sig.Add(30, "Multiple large trades detected")
	}

	sig.Set("transferCount", len(txs)).Set("largeTradeCount", large)
	return sig, nil
}

// Canonical ERC20 selectors looked for in runtime bytecode.
var erc20Selectors = map[string][]byte{
	"totalSupply":  {0x18, 0x16, 0x0d, 0xdd},
	"balanceOf":    {0x70, 0xa0, 0x82, 0x31},
	"transfer":     {0xa9, 0x05, 0x9c, 0xbb},
	"transferFrom": {0x23, 0xb8, 0x72, 0xdd},
}

// honeypotProbe receives the simulated transfer.
var honeypotProbe = common.HexToAddress("0x1234567890123456789012345678901234567890")

// NewHoneypot simulates a transfer out of the creator's wallet and checks
// the bytecode for the standard selectors.
func NewHoneypot(reader chain.Reader, cfg Config) risk.Provider {
	erc := chain.NewERC20(reader)
	return risk.NewProvider(risk.FactorHoneypotDetection, cfg.Timeout, func(ctx context.Context, rec *token.Record) (*risk.Signal, error) {
		sig := risk.NewSignal(risk.FactorHoneypotDetection, 0)

		// A creator holding nothing would revert any transfer, which says
		// nothing about the token.
		if rec.CreatorBalance != nil && rec.CreatorBalance.Sign() == 0 {
			sig.Reason("Creator holds no tokens, transfer not simulated")
			sig.Set("transferSimulated", false)
		} else if err := simulateCreatorTransfer(ctx, erc, rec, sig); err != nil {
			return nil, err
		}

		code, err := reader.Code(ctx, rec.Address)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			sig.Reason("Code analysis failed")
			return sig, nil
		}
		var found []string
		for _, name := range []string{"totalSupply", "balanceOf", "transfer", "transferFrom"} {
			if bytes.Contains(code, erc20Selectors[name]) {
				found = append(found, name)
			}
		}
		if len(found) == 0 {
			sig.Add(40, "Missing standard ERC20 functions")
		}
		sig.Set("selectorsFound", found).Set("codeSize", len(code))
		return sig, nil
	})
}

// simulateCreatorTransfer moves one whole token, or the creator's balance if
// smaller, to honeypotProbe. Only a cancelled ctx is returned as an error.
func simulateCreatorTransfer(ctx context.Context, erc *chain.ERC20, rec *token.Record, sig *risk.Signal) error {
	amount := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(rec.Decimals)), nil)
	if rec.CreatorBalance != nil && rec.CreatorBalance.Cmp(amount) < 0 {
		amount = new(big.Int).Set(rec.CreatorBalance)
	}
	sig.Set("transferSimulated", true)
	err := erc.SimulateTransfer(ctx, rec.Address, rec.Creator, honeypotProbe, amount)
	switch {
	case err == nil:
		sig.Reason("Transfer function callable")
	case chain.IsRevert(err) || errors.Is(err, chain.ErrTransferRejected):
		sig.Add(70, "Transfer function reverts - potential honeypot")
		sig.Set("transferError", err.Error())
	default:
		if ctx.Err() != nil {
			return err
		}
		sig.Reason("Transfer simulation inconclusive")
		sig.Set("transferError", err.Error())
	}
	return nil
}

// NewSuspiciousTransfers looks for wash-trading shapes in the liquidity
// window: creator-dominated flow, repeated identical amounts and
// back-and-forth transfers between the same pair.
func NewSuspiciousTransfers(transfers TransferSource, cfg Config) risk.Provider {
	window := cfg.LiquidityWindow
	return risk.NewProvider(risk.FactorSuspiciousTransfers, cfg.Timeout, func(ctx context.Context, rec *token.Record) (*risk.Signal, error) {
		txs, err := transfers.Recent(ctx, rec.Address, window)
		if err != nil {
			return nil, err
		}
		return suspiciousTransfers(rec, txs), nil
	})
}

func suspiciousTransfers(rec *token.Record, txs []chain.Transfer) *risk.Signal {
	sig := risk.NewSignal(risk.FactorSuspiciousTransfers, 10)
	if len(txs) == 0 {
		sig.Reason("No transfers to analyze")
		return sig
	}

	type pair struct{ from, to common.Address }
	var (
		fromCreator int
		amounts     = make(map[string]int)
		edges       = make(map[pair]bool)
		roundTrips  = make(map[pair]bool)
		zero        common.Address
	)
	for _, tr := range txs {
		if tr.From == rec.Creator {
			fromCreator++
		}
		amounts[tr.Value.String()]++
		if tr.From == zero || tr.To == zero || tr.From == tr.To {
			continue
		}
		edges[pair{tr.From, tr.To}] = true
		if edges[pair{tr.To, tr.From}] {
			key := pair{tr.From, tr.To}
			if bytes.Compare(tr.From.Bytes(), tr.To.Bytes()) > 0 {
				key = pair{tr.To, tr.From}
			}
			roundTrips[key] = true
		}
	}

	maxRepeat := 0
	for _, n := range amounts {
		if n > maxRepeat {
			maxRepeat = n
		}
	}

	if len(txs) >= 3 && fromCreator*2 > len(txs) {
		sig.Add(30, "Most transfers originate from the creator")
	}
	if maxRepeat >= 5 && maxRepeat*3 > len(txs) {
		sig.Add(20, "Repeated identical transfer amounts")
	}
	if len(roundTrips) >= 2 {
		sig.Add(20, "Tokens cycling between the same addresses")
	}
	if sig.Score == 10 {
		sig.Reason("No suspicious transfer patterns")
	}

	sig.Set("transferCount", len(txs)).
		Set("creatorTransfers", fromCreator).
		Set("maxRepeatedAmount", maxRepeat).
		Set("roundTripPairs", len(roundTrips))
	return sig
}
