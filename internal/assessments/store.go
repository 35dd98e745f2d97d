// Package assessments persists finished risk assessments and serves the
// per-token history read path.
package assessments

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tokensentry/internal/alerts"
	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/token"
)

// DefaultListLimit bounds ListByToken when the caller passes no limit.
const DefaultListLimit = 20

// Store records assessments and lists them per token, newest first.
type Store interface {
	Record(ctx context.Context, a *risk.Assessment) error
	ListByToken(ctx context.Context, addr common.Address, limit int) ([]*risk.Assessment, error)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	byToken map[common.Address][]*risk.Assessment
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byToken: make(map[common.Address][]*risk.Assessment),
	}
}

func (s *MemoryStore) Record(ctx context.Context, a *risk.Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := a.Token.Address
	s.byToken[addr] = append(s.byToken[addr], clone(a))
	return nil
}

func (s *MemoryStore) ListByToken(ctx context.Context, addr common.Address, limit int) ([]*risk.Assessment, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byToken[addr]
	if len(all) == 0 {
		return nil, nil
	}

	// Most recent first, up to limit
	start := len(all) - limit
	if start < 0 {
		start = 0
	}
	result := make([]*risk.Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, clone(all[i]))
	}
	return result, nil
}

func clone(a *risk.Assessment) *risk.Assessment {
	cp := *a
	if a.Token != nil {
		rec := *a.Token
		cp.Token = &rec
	}
	cp.Signals = make([]*risk.Signal, len(a.Signals))
	for i, sig := range a.Signals {
		s := *sig
		s.Reasoning = append([]string(nil), sig.Reasoning...)
		cp.Signals[i] = &s
	}
	return &cp
}

// Recorder is an alerts.Sink that persists every completed assessment.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

var _ alerts.Sink = (*Recorder)(nil)

// NewRecorder wraps store as a sink.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

func (r *Recorder) TokenDetected(context.Context, *token.Record) {}

func (r *Recorder) AssessmentCompleted(ctx context.Context, a *risk.Assessment) {
	if err := r.store.Record(ctx, a); err != nil {
		r.logger.Error("failed to record assessment",
			"assessment", a.ID,
			"token", a.Token.Address.Hex(),
			"error", err,
		)
	}
}

func (r *Recorder) HighRiskAlert(context.Context, *risk.Assessment) {}
