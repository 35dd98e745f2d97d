package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/tokensentry/internal/metrics"
	"github.com/mbd888/tokensentry/internal/token"
)

// DefaultProviderTimeout bounds a single provider run.
const DefaultProviderTimeout = 10 * time.Second

var ErrProviderTimeout = errors.New("risk: provider timed out")

// Provider produces one Signal per token. Analyze must always return a
// Signal for its own factor; failures are reported through Signal.Error.
type Provider interface {
	Factor() Factor
	Analyze(ctx context.Context, rec *token.Record) *Signal
}

// AnalyzeFunc is the fallible core of a provider.
type AnalyzeFunc func(ctx context.Context, rec *token.Record) (*Signal, error)

type funcProvider struct {
	factor  Factor
	timeout time.Duration
	fn      AnalyzeFunc
}

// NewProvider wraps fn so that it satisfies the Provider contract: the call
// is bounded by timeout, panics are recovered, and any error or missing
// Signal becomes DegradedSignal. The returned score is clamped.
func NewProvider(factor Factor, timeout time.Duration, fn AnalyzeFunc) Provider {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &funcProvider{factor: factor, timeout: timeout, fn: fn}
}

func (p *funcProvider) Factor() Factor { return p.factor }

type result struct {
	sig *Signal
	err error
}

func (p *funcProvider) Analyze(ctx context.Context, rec *token.Record) *Signal {
	start := time.Now()
	defer func() {
		metrics.ProviderDuration.WithLabelValues(string(p.factor)).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Buffered so an abandoned run can still deliver and exit.
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		sig, err := p.fn(ctx, rec)
		done <- result{sig: sig, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("%w after %s", ErrProviderTimeout, p.timeout)
	}

	if res.err == nil && res.sig == nil {
		res.err = errors.New("provider returned no signal")
	}
	if res.err != nil {
		metrics.ProviderDegradationsTotal.WithLabelValues(string(p.factor)).Inc()
		return DegradedSignal(p.factor, res.err)
	}

	res.sig.Factor = p.factor
	res.sig.Score = Clamp(res.sig.Score)
	if res.sig.Reasoning == nil {
		res.sig.Reasoning = []string{}
	}
	return res.sig
}
