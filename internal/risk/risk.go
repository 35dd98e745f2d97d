// Package risk implements the scoring engine for newly detected tokens.
//
// Each registered Provider inspects a token record and returns a Signal: a
// 0-100 sub-score with ordered reasoning. The Aggregator runs all providers
// concurrently, combines their scores into a weighted mean over the weights
// actually used, and classifies the result into a tier. Providers never
// fail; an internal error becomes a degraded Signal scored 50.
package risk

import (
	"fmt"
	"time"

	"github.com/mbd888/tokensentry/internal/token"
)

// Factor identifies a risk signal. The set is open; unknown factors are
// weighted with DefaultWeight.
type Factor string

const (
	FactorOwnershipConcentration Factor = "ownership_concentration"
	FactorLiquidityRisk          Factor = "liquidity_risk"
	FactorHoneypotDetection      Factor = "honeypot_detection"
	FactorSuspiciousTransfers    Factor = "suspicious_transfers"
	FactorContractVerification   Factor = "contract_verification"
	FactorSocialSignals          Factor = "social_signals"
	FactorPriceVolatility        Factor = "price_volatility"
	FactorActivityAnalysis       Factor = "activity_analysis"
	FactorContractAnalysis       Factor = "contract_analysis"
	FactorStablecoinIntegration  Factor = "stablecoin_integration"
)

// Classification is the risk tier derived from an aggregate score.
type Classification string

const (
	VeryLow  Classification = "VERY_LOW"
	Low      Classification = "LOW"
	Medium   Classification = "MEDIUM"
	High     Classification = "HIGH"
	VeryHigh Classification = "VERY_HIGH"
	Unknown  Classification = "UNKNOWN"
)

const (
	// DegradedScore is assigned to a Signal whose provider failed.
	DegradedScore = 50

	// VacantScore is the aggregate reported when no Signal could be weighed.
	VacantScore = 50
)

// Classify maps a 0-100 score to its tier. Each tier includes its lower bound.
func Classify(score int) Classification {
	switch {
	case score >= 80:
		return VeryHigh
	case score >= 60:
		return High
	case score >= 40:
		return Medium
	case score >= 20:
		return Low
	default:
		return VeryLow
	}
}

// Clamp bounds a score to [0,100].
func Clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Signal is one provider's verdict on a token.
type Signal struct {
	Factor    Factor         `json:"factor"`
	Score     int            `json:"score"`
	Reasoning []string       `json:"reasoning"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// NewSignal starts a Signal at the given base score.
func NewSignal(factor Factor, score int) *Signal {
	return &Signal{
		Factor:    factor,
		Score:     score,
		Reasoning: []string{},
		Data:      map[string]any{},
	}
}

// Add adjusts the score by delta and records why.
func (s *Signal) Add(delta int, format string, args ...any) *Signal {
	s.Score += delta
	s.Reason(format, args...)
	return s
}

// Reason appends an explanation without changing the score.
func (s *Signal) Reason(format string, args ...any) *Signal {
	s.Reasoning = append(s.Reasoning, fmt.Sprintf(format, args...))
	return s
}

// Set records a provider-specific data point.
func (s *Signal) Set(key string, value any) *Signal {
	if s.Data == nil {
		s.Data = map[string]any{}
	}
	s.Data[key] = value
	return s
}

// Degraded reports whether the Signal stands in for a failed provider.
func (s *Signal) Degraded() bool {
	return s.Error != ""
}

// DegradedSignal is the default Signal for a provider that failed.
func DegradedSignal(factor Factor, err error) *Signal {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Signal{
		Factor:    factor,
		Score:     DegradedScore,
		Reasoning: []string{fmt.Sprintf("%s analysis failed", factor)},
		Data:      map[string]any{},
		Error:     msg,
	}
}

// Assessment is the result of one scoring run over a token.
type Assessment struct {
	ID             string         `json:"id"`
	Token          *token.Record  `json:"token"`
	Score          int            `json:"score"`
	Classification Classification `json:"classification"`
	Signals        []*Signal      `json:"signals"`
	Timestamp      time.Time      `json:"timestamp"`
	Error          string         `json:"error,omitempty"`
}

// Signal returns the Signal for factor, or nil.
func (a *Assessment) Signal(factor Factor) *Signal {
	for _, s := range a.Signals {
		if s.Factor == factor {
			return s
		}
	}
	return nil
}

// DegradedCount returns how many Signals came from failed providers.
func (a *Assessment) DegradedCount() int {
	n := 0
	for _, s := range a.Signals {
		if s.Degraded() {
			n++
		}
	}
	return n
}
