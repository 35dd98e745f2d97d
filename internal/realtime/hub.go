// Package realtime streams pipeline events to WebSocket clients.
//
// Clients receive token detections, finished assessments and high-risk
// alerts as they happen, and may narrow the stream by sending a
// Subscription as a JSON text frame.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/tokensentry/internal/alerts"
	"github.com/mbd888/tokensentry/internal/metrics"
	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/token"
)

const (
	// MaxClients caps concurrent stream connections.
	MaxClients = 10000

	queueSize      = 256
	clientSendSize = 64
)

// Stats is a snapshot of hub counters.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalClients     int64 `json:"totalClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	EvictedClients   int64 `json:"evictedClients"`
}

// Hub fans events out to connected clients. Broadcast never blocks the
// pipeline: a full queue drops the event and a client that cannot keep up
// is evicted.
type Hub struct {
	logger *slog.Logger
	queue  chan *Event
	done   chan struct{}
	limit  int

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	events  atomic.Int64
	dropped atomic.Int64
	joined  atomic.Int64
	evicted atomic.Int64
	peak    atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		queue:   make(chan *Event, queueSize),
		done:    make(chan struct{}),
		limit:   MaxClients,
		clients: make(map[*client]struct{}),
	}
}

// Run delivers queued events until ctx is cancelled, then disconnects
// every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case ev := <-h.queue:
			h.deliver(ev)
		}
	}
}

// Broadcast queues ev for delivery.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.queue <- ev:
	default:
		h.dropped.Add(1)
		h.logger.Warn("realtime queue full, dropping event", "type", ev.Type)
	}
}

func (h *Hub) deliver(ev *Event) {
	h.events.Add(1)
	frame, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode realtime event", "type", ev.Type, "error", err)
		return
	}

	var lagging []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(ev) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range lagging {
		if h.detach(c) {
			h.evicted.Add(1)
			h.logger.Warn("evicted slow realtime client", "remote", c.remote)
		}
	}
}

// attach adds c unless the hub is closed or full.
func (h *Hub) attach(c *client) bool {
	h.mu.Lock()
	if h.closed || len(h.clients) >= h.limit {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := int64(len(h.clients))
	h.mu.Unlock()

	h.joined.Add(1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			break
		}
	}
	metrics.RealtimeClients.Set(float64(n))
	h.logger.Debug("realtime client connected", "remote", c.remote, "clients", n)
	return true
}

// detach removes c and closes its send channel. It reports false when c was
// already gone.
func (h *Hub) detach(c *client) bool {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		metrics.RealtimeClients.Set(float64(n))
		h.logger.Debug("realtime client disconnected", "remote", c.remote, "clients", n)
	}
	return ok
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.RealtimeClients.Set(0)
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		PeakClients:      h.peak.Load(),
		TotalClients:     h.joined.Load(),
		TotalEvents:      h.events.Load(),
		DroppedEvents:    h.dropped.Load(),
		EvictedClients:   h.evicted.Load(),
	}
}

var _ alerts.Sink = (*Hub)(nil)

func (h *Hub) TokenDetected(_ context.Context, rec *token.Record) {
	h.Broadcast(&Event{
		Type:      EventTokenDetected,
		Timestamp: time.Now(),
		Token:     newTokenPayload(rec),
	})
}

func (h *Hub) AssessmentCompleted(_ context.Context, a *risk.Assessment) {
	h.Broadcast(newAssessmentEvent(EventTokenUpdate, a))
}

func (h *Hub) HighRiskAlert(_ context.Context, a *risk.Assessment) {
	ev := newAssessmentEvent(EventHighRiskAlert, a)
	ev.Message = "High risk token detected: " + a.Token.Symbol
	h.Broadcast(ev)
}
