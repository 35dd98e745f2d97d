package signals

import (
	"context"
	"strings"
	"time"

	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/token"
)

// NewVerification scores source-verification status.
func NewVerification(explorer Explorer, cfg Config) risk.Provider {
	return risk.NewProvider(risk.FactorContractVerification, cfg.Timeout, func(ctx context.Context, rec *token.Record) (*risk.Signal, error) {
		v, err := explorer.Verification(ctx, rec.Address)
		if err != nil {
			return nil, err
		}

		if !v.Verified {
			sig := risk.NewSignal(risk.FactorContractVerification, 60)
			sig.Reason("Source code not verified")
			return sig.Set("isVerified", false), nil
		}

		sig := risk.NewSignal(risk.FactorContractVerification, 20)
		sig.Reason("Source code verified")
		lower := strings.ToLower(v.SourceCode)
		if strings.Contains(lower, "delegatecall") || strings.Contains(lower, "proxy") {
			sig.Add(15, "Upgradeable or delegating logic present")
		}
		sig.Set("isVerified", true).Set("compilerVersion", v.CompilerVersion)
		return sig, nil
	})
}

// NewContractAnalysis combines verification, dangerous constructs,
// transaction history and creator history from the explorer.
func NewContractAnalysis(explorer Explorer, cfg Config) risk.Provider {
	now := cfg.Now
	return risk.NewProvider(risk.FactorContractAnalysis, cfg.Timeout, func(ctx context.Context, rec *token.Record) (*risk.Signal, error) {
		v, err := explorer.Verification(ctx, rec.Address)
		if err != nil {
			return nil, err
		}
		txs, err := explorer.Transactions(ctx, rec.Address)
		if err != nil {
			return nil, err
		}

		sig := risk.NewSignal(risk.FactorContractAnalysis, 0)
		if !v.Verified {
			sig.Add(50, "Contract source code not verified")
		} else {
			sig.Reason("Contract source code verified")
			if strings.Contains(v.SourceCode, "selfdestruct") {
				sig.Add(30, "Contract contains self-destruct functionality")
			}
			if strings.Count(v.SourceCode, "onlyOwner") > 4 {
				sig.Add(20, "High concentration of owner-only functions")
			}
		}

		if len(txs) == 0 {
			sig.Add(40, "No transaction history found")
		} else {
			analyzeHistory(sig, txs, now())
		}

		creator := rec.Creator
		creationTx := rec.DeploymentTx.Hex()
		if info, err := explorer.AddressInfo(ctx, rec.Address); err == nil {
			if info.Creator != nil {
				creator = *info.Creator
			}
			if info.CreationTx != "" {
				creationTx = info.CreationTx
			}
		}

		count, err := explorer.TransactionCount(ctx, creator)
		switch {
		case err != nil:
			sig.Reason("Creator history unavailable")
		case count > 100:
			sig.Reason("Contract creator has extensive transaction history")
		case count < 5:
			sig.Add(15, "Contract creator has limited transaction history")
		}

		sig.Set("isVerified", v.Verified).
			Set("transactionCount", len(txs)).
			Set("creator", creator.Hex()).
			Set("creationTx", creationTx).
			Set("contractType", DetectContractType(v.SourceCode))
		if err == nil {
			sig.Set("creatorTransactionCount", count)
		}
		return sig, nil
	})
}

func analyzeHistory(sig *risk.Signal, txs []ExplorerTx, now time.Time) {
	recent := 0
	var gasTotal uint64
	for _, tx := range txs {
		if now.Sub(tx.Timestamp) < 24*time.Hour {
			recent++
		}
		gasTotal += tx.GasUsed
	}
	if recent == 0 {
		sig.Add(25, "No recent transaction activity")
	}

	// gas > 3*mean  <=>  gas*n > 3*total
	n := uint64(len(txs))
	high := 0
	for _, tx := range txs {
		if tx.GasUsed*n > 3*gasTotal {
			high++
		}
	}
	if high*10 > len(txs)*3 {
		sig.Add(20, "High proportion of unusual gas usage transactions")
	}
	sig.Set("recentTransactions", recent).Set("highGasTransactions", high)
}
