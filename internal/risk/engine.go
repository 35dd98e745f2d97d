package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/tokensentry/internal/metrics"
	"github.com/mbd888/tokensentry/internal/token"
	"github.com/mbd888/tokensentry/internal/traces"
)

var ErrDuplicateFactor = errors.New("risk: provider already registered for factor")

// Aggregator runs every registered Provider over a token and combines the
// resulting Signals into an Assessment.
type Aggregator struct {
	mu        sync.RWMutex
	providers []Provider
	factors   map[Factor]struct{}
	weights   Weights
	logger    *slog.Logger
	now       func() time.Time
}

// NewAggregator creates an aggregator with the given weight table.
func NewAggregator(weights Weights, logger *slog.Logger) *Aggregator {
	if weights == nil {
		weights = DefaultWeights()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		factors: make(map[Factor]struct{}),
		weights: weights,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the assessment timestamp source.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Register adds a provider. At most one provider may serve each factor.
func (a *Aggregator) Register(p Provider) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.factors[p.Factor()]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateFactor, p.Factor())
	}
	a.factors[p.Factor()] = struct{}{}
	a.providers = append(a.providers, p)
	return nil
}

// Factors lists registered factors in registration order.
func (a *Aggregator) Factors() []Factor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Factor, len(a.providers))
	for i, p := range a.providers {
		out[i] = p.Factor()
	}
	return out
}

// Weights returns the weight table in use.
func (a *Aggregator) Weights() Weights {
	return a.weights
}

// Assess runs all providers concurrently and waits for every one of them.
// It never fails: a provider that misbehaves contributes a degraded Signal,
// and a run with nothing to weigh yields VacantScore and Unknown.
func (a *Aggregator) Assess(ctx context.Context, rec *token.Record) *Assessment {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "risk.Assess",
		traces.Token(rec.Address),
		traces.TokenSymbol(rec.Symbol),
	)
	defer span.End()

	a.mu.RLock()
	providers := make([]Provider, len(a.providers))
	copy(providers, a.providers)
	a.mu.RUnlock()

	signals := make([]*Signal, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			signals[i] = a.runProvider(ctx, p, rec)
		}(i, p)
	}
	wg.Wait()

	assessment := &Assessment{
		ID:        uuid.NewString(),
		Token:     rec,
		Signals:   signals,
		Timestamp: a.now().UTC(),
	}

	score, ok := WeightedScore(signals, a.weights)
	if ok {
		assessment.Score = score
		assessment.Classification = Classify(score)
	} else {
		assessment.Score = VacantScore
		assessment.Classification = Unknown
		assessment.Error = "no signals to aggregate"
	}

	span.SetAttributes(
		traces.Score(assessment.Score),
		traces.Classification(string(assessment.Classification)),
		traces.Degraded(assessment.DegradedCount()),
	)
	metrics.AssessmentsTotal.WithLabelValues(string(assessment.Classification)).Inc()
	metrics.AssessmentScore.Observe(float64(assessment.Score))
	metrics.AssessmentDuration.Observe(time.Since(start).Seconds())

	a.logger.Info("token assessed",
		"token", rec.Address.Hex(),
		"symbol", rec.Symbol,
		"score", assessment.Score,
		"classification", assessment.Classification,
		"degraded", assessment.DegradedCount(),
		"duration", time.Since(start),
	)
	return assessment
}

// runProvider shields the run from providers that do not follow the
// contract on their own.
func (a *Aggregator) runProvider(ctx context.Context, p Provider, rec *token.Record) (sig *Signal) {
	ctx, span := traces.StartSpan(ctx, "risk.Provider", traces.Factor(string(p.Factor())))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("provider panicked", "factor", p.Factor(), "panic", r)
			metrics.ProviderDegradationsTotal.WithLabelValues(string(p.Factor())).Inc()
			sig = DegradedSignal(p.Factor(), fmt.Errorf("panic: %v", r))
		}
	}()

	sig = p.Analyze(ctx, rec)
	if sig == nil {
		metrics.ProviderDegradationsTotal.WithLabelValues(string(p.Factor())).Inc()
		return DegradedSignal(p.Factor(), errors.New("provider returned no signal"))
	}
	sig.Factor = p.Factor()
	sig.Score = Clamp(sig.Score)
	if sig.Degraded() {
		traces.Fail(span, errors.New(sig.Error))
		a.logger.Warn("provider degraded", "factor", sig.Factor, "token", rec.Address.Hex(), "error", sig.Error)
	}
	span.SetAttributes(traces.Score(sig.Score))
	return sig
}

// WeightedScore returns round(sum(score*weight) / sum(weight)) over signals.
// ok is false when there is nothing to weigh. Arithmetic is decimal so that
// halves round up consistently.
func WeightedScore(signals []*Signal, weights Weights) (score int, ok bool) {
	sum := decimal.Zero
	total := decimal.Zero
	for _, s := range signals {
		if s == nil {
			continue
		}
		w := decimal.NewFromFloat(weights.Of(s.Factor))
		sum = sum.Add(decimal.NewFromInt(int64(s.Score)).Mul(w))
		total = total.Add(w)
	}
	if !total.IsPositive() {
		return 0, false
	}
	return Clamp(int(sum.DivRound(total, 8).Round(0).IntPart())), true
}
