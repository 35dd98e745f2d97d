// Package alerts fans pipeline events out to downstream sinks.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbd888/tokensentry/internal/logging"
	"github.com/mbd888/tokensentry/internal/metrics"
	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/token"
)

// DefaultHighRiskThreshold is the score an assessment must exceed to raise
// a high-risk alert.
const DefaultHighRiskThreshold = 70

// Sink receives pipeline events. Implementations must not block for long;
// slow work belongs on the sink's own goroutines.
type Sink interface {
	TokenDetected(ctx context.Context, rec *token.Record)
	AssessmentCompleted(ctx context.Context, a *risk.Assessment)
	HighRiskAlert(ctx context.Context, a *risk.Assessment)
}

// Dispatcher delivers every event to all registered sinks.
type Dispatcher struct {
	mu        sync.RWMutex
	sinks     []Sink
	threshold int
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. A threshold <= 0 selects
// DefaultHighRiskThreshold.
func NewDispatcher(threshold int, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if threshold <= 0 {
		threshold = DefaultHighRiskThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sinks:     sinks,
		threshold: threshold,
		logger:    logger,
	}
}

// Add registers another sink.
func (d *Dispatcher) Add(s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Threshold returns the high-risk cutoff.
func (d *Dispatcher) Threshold() int { return d.threshold }

// IsHighRisk reports whether score exceeds the threshold. Classification
// plays no part.
func (d *Dispatcher) IsHighRisk(score int) bool {
	return score > d.threshold
}

// TokenDetected forwards a new detection.
func (d *Dispatcher) TokenDetected(ctx context.Context, rec *token.Record) {
	d.each("token_detected", func(s Sink) { s.TokenDetected(ctx, rec) })
}

// Publish forwards a finished assessment and raises a high-risk alert when
// its score is above the threshold.
func (d *Dispatcher) Publish(ctx context.Context, a *risk.Assessment) {
	d.each("assessment_completed", func(s Sink) { s.AssessmentCompleted(ctx, a) })
	if !d.IsHighRisk(a.Score) {
		return
	}

	metrics.HighRiskAlertsTotal.Inc()
	logging.ForToken(d.logger, a.Token.Address, a.Token.Symbol).Warn("high risk token detected",
		"score", a.Score,
		"classification", a.Classification,
	)
	d.each("high_risk_alert", func(s Sink) { s.HighRiskAlert(ctx, a) })
}

func (d *Dispatcher) each(event string, fn func(Sink)) {
	d.mu.RLock()
	sinks := make([]Sink, len(d.sinks))
	copy(sinks, d.sinks)
	d.mu.RUnlock()

	for _, s := range sinks {
		d.deliver(event, s, fn)
	}
}

// deliver isolates the other sinks from one that panics.
func (d *Dispatcher) deliver(event string, s Sink, fn func(Sink)) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("alert sink panicked",
				"event", event,
				"sink", fmt.Sprintf("%T", s),
				"panic", r,
			)
		}
	}()
	fn(s)
}

// LogSink writes every event to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

var _ Sink = (*LogSink)(nil)

// NewLogSink creates a sink that logs through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "alerts")}
}

func (l *LogSink) TokenDetected(_ context.Context, rec *token.Record) {
	logging.ForToken(l.logger, rec.Address, rec.Symbol).Info("token detected",
		"name", rec.Name,
		logging.Block(rec.DeploymentBlock),
	)
}

func (l *LogSink) AssessmentCompleted(_ context.Context, a *risk.Assessment) {
	l.logger.Info("assessment completed",
		"id", a.ID,
		logging.Token(a.Token.Address),
		"score", a.Score,
		"classification", a.Classification,
		"degraded", a.DegradedCount(),
	)
}

func (l *LogSink) HighRiskAlert(_ context.Context, a *risk.Assessment) {
	var top []string
	for _, sig := range a.Signals {
		if sig.Score >= 70 {
			top = append(top, string(sig.Factor))
		}
	}
	logging.ForToken(l.logger, a.Token.Address, a.Token.Symbol).Warn("HIGH RISK ALERT",
		"score", a.Score,
		"factors", top,
	)
}
