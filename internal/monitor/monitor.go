// Package monitor connects token detections to risk assessment and alert
// delivery.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/mbd888/tokensentry/internal/metrics"
	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/token"
)

// DefaultMaxConcurrent caps assessments running at once.
const DefaultMaxConcurrent = 16

// Assessor scores a token.
type Assessor interface {
	Assess(ctx context.Context, rec *token.Record) *risk.Assessment
}

// Publisher receives detections and finished assessments.
type Publisher interface {
	TokenDetected(ctx context.Context, rec *token.Record)
	Publish(ctx context.Context, a *risk.Assessment)
}

// Monitor assesses every detected token.
type Monitor struct {
	assessor  Assessor
	publisher Publisher
	sem       *semaphore.Weighted
	logger    *slog.Logger

	wg       sync.WaitGroup
	assessed atomic.Int64
}

// New creates a monitor running at most maxConcurrent assessments at once.
func New(assessor Assessor, publisher Publisher, maxConcurrent int, logger *slog.Logger) *Monitor {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		assessor:  assessor,
		publisher: publisher,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		logger:    logger.With("component", "monitor"),
	}
}

// Run consumes detections until the channel closes or ctx is cancelled,
// then waits for the assessments already started. Cancellation stops new
// assessments but does not interrupt running ones.
//
// While every slot is busy Run stops reading, so the detection channel
// fills and the scanner blocks on emission. That backpressure is visible
// as metrics.DetectionQueueDepth.
func (m *Monitor) Run(ctx context.Context, detections <-chan *token.Record) {
	m.logger.Info("monitor started")
	defer func() {
		m.wg.Wait()
		m.logger.Info("monitor stopped", "assessed", m.assessed.Load())
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-detections:
			if !ok {
				return
			}
			// select picks at random when both cases are ready.
			if ctx.Err() != nil {
				m.logger.Info("assessment not started, shutting down", "token", rec.Address.Hex())
				return
			}
			metrics.DetectionQueueDepth.Set(float64(len(detections)))
			m.publisher.TokenDetected(ctx, rec)
			if err := m.sem.Acquire(ctx, 1); err != nil {
				m.logger.Info("assessment not started, shutting down", "token", rec.Address.Hex())
				return
			}
			metrics.AssessmentsInFlight.Inc()
			m.wg.Add(1)
			go m.assess(context.WithoutCancel(ctx), rec)
		}
	}
}

func (m *Monitor) assess(ctx context.Context, rec *token.Record) {
	defer m.wg.Done()
	defer m.sem.Release(1)
	defer metrics.AssessmentsInFlight.Dec()

	a := m.assessor.Assess(ctx, rec)
	m.assessed.Add(1)
	m.publisher.Publish(ctx, a)
}

// Assessed returns how many assessments have completed.
func (m *Monitor) Assessed() int64 {
	return m.assessed.Load()
}
