package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/tokensentry/internal/alerts"
	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/token"
)

// Notifier turns pipeline events into webhook deliveries. All methods are
// fire-and-forget: errors are logged but never returned.
type Notifier struct {
	d      *Dispatcher
	logger *slog.Logger
	now    func() time.Time
}

var _ alerts.Sink = (*Notifier)(nil)

// NewNotifier creates a new webhook notifier.
func NewNotifier(d *Dispatcher, logger *slog.Logger) *Notifier {
	return &Notifier{d: d, logger: logger, now: time.Now}
}

func (n *Notifier) emit(ctx context.Context, eventType EventType, data map[string]interface{}) {
	if n == nil || n.d == nil {
		return
	}
	event := &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      eventType,
		Timestamp: n.now().UTC(),
		Data:      data,
	}
	if err := n.d.Dispatch(ctx, event); err != nil {
		n.logger.Warn("webhook emit failed", "event", eventType, "error", err)
	}
}

// TokenDetected emits a token.detected event.
func (n *Notifier) TokenDetected(ctx context.Context, rec *token.Record) {
	n.emit(ctx, EventTokenDetected, tokenData(rec))
}

// AssessmentCompleted emits a token.assessed event.
func (n *Notifier) AssessmentCompleted(ctx context.Context, a *risk.Assessment) {
	n.emit(ctx, EventTokenAssessed, assessmentData(a))
}

// HighRiskAlert emits a token.high_risk event listing the factors that
// scored 70 or more.
func (n *Notifier) HighRiskAlert(ctx context.Context, a *risk.Assessment) {
	data := assessmentData(a)
	var factors []string
	for _, sig := range a.Signals {
		if sig.Score >= 70 {
			factors = append(factors, string(sig.Factor))
		}
	}
	data["topFactors"] = factors
	n.emit(ctx, EventTokenHighRisk, data)
}

func tokenData(rec *token.Record) map[string]interface{} {
	data := map[string]interface{}{
		"address":         rec.Address.Hex(),
		"name":            rec.Name,
		"symbol":          rec.Symbol,
		"decimals":        rec.Decimals,
		"creator":         rec.Creator.Hex(),
		"deploymentTx":    rec.DeploymentTx.Hex(),
		"deploymentBlock": rec.DeploymentBlock,
	}
	if rec.TotalSupply != nil {
		data["totalSupply"] = rec.TotalSupply.String()
	}
	return data
}

func assessmentData(a *risk.Assessment) map[string]interface{} {
	return map[string]interface{}{
		"assessmentId":   a.ID,
		"token":          tokenData(a.Token),
		"score":          a.Score,
		"classification": string(a.Classification),
		"timestamp":      a.Timestamp,
		"signals":        a.Signals,
	}
}
