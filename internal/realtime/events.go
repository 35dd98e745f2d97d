package realtime

import (
	"slices"
	"strings"
	"time"

	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/token"
)

type EventType string

const (
	EventTokenDetected EventType = "token_detected"
	EventTokenUpdate   EventType = "token_update"
	EventHighRiskAlert EventType = "high_risk_alert"
)

// Event is one frame on the stream. Assessment is nil for detections.
type Event struct {
	Type       EventType          `json:"type"`
	Timestamp  time.Time          `json:"timestamp"`
	Token      TokenPayload       `json:"token"`
	Assessment *AssessmentPayload `json:"assessment,omitempty"`
	Message    string             `json:"message,omitempty"`
}

type TokenPayload struct {
	Address         string `json:"address"`
	Name            string `json:"name"`
	Symbol          string `json:"symbol"`
	Decimals        uint8  `json:"decimals"`
	TotalSupply     string `json:"totalSupply,omitempty"`
	Creator         string `json:"creator"`
	DeploymentTx    string `json:"deploymentTx"`
	DeploymentBlock uint64 `json:"deploymentBlock"`
}

type AssessmentPayload struct {
	ID             string         `json:"id"`
	Score          int            `json:"score"`
	Classification string         `json:"classification"`
	Signals        []*risk.Signal `json:"signals"`
}

func newTokenPayload(rec *token.Record) TokenPayload {
	p := TokenPayload{
		Address:         rec.Address.Hex(),
		Name:            rec.Name,
		Symbol:          rec.Symbol,
		Decimals:        rec.Decimals,
		Creator:         rec.Creator.Hex(),
		DeploymentTx:    rec.DeploymentTx.Hex(),
		DeploymentBlock: rec.DeploymentBlock,
	}
	if rec.TotalSupply != nil {
		p.TotalSupply = rec.TotalSupply.String()
	}
	return p
}

func newAssessmentEvent(typ EventType, a *risk.Assessment) *Event {
	return &Event{
		Type:      typ,
		Timestamp: time.Now(),
		Token:     newTokenPayload(a.Token),
		Assessment: &AssessmentPayload{
			ID:             a.ID,
			Score:          a.Score,
			Classification: string(a.Classification),
			Signals:        a.Signals,
		},
	}
}

// Subscription narrows what a client receives. The zero value receives
// everything. Score and classification filters only apply to events that
// carry an assessment.
type Subscription struct {
	EventTypes      []EventType `json:"eventTypes"`
	Tokens          []string    `json:"tokens"`
	MinScore        int         `json:"minScore"`
	Classifications []string    `json:"classifications"`
}

// Matches reports whether ev passes every filter in s.
func (s Subscription) Matches(ev *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.Tokens) > 0 && !containsFold(s.Tokens, ev.Token.Address) {
		return false
	}
	a := ev.Assessment
	if a == nil {
		return true
	}
	if a.Score < s.MinScore {
		return false
	}
	return len(s.Classifications) == 0 || containsFold(s.Classifications, a.Classification)
}

func containsFold(list []string, v string) bool {
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, v) })
}
