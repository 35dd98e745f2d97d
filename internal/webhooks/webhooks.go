// Package webhooks delivers pipeline events to external HTTP endpoints.
//
// Payloads are JSON, signed with HMAC-SHA256 over the delivery timestamp
// and raw body when the subscription has a secret. Delivery is retried with backoff and guarded
// by a circuit breaker per endpoint.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mbd888/tokensentry/internal/circuitbreaker"
	"github.com/mbd888/tokensentry/internal/metrics"
	"github.com/mbd888/tokensentry/internal/retry"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventTokenDetected EventType = "token.detected"
	EventTokenAssessed EventType = "token.assessed"
	EventTokenHighRisk EventType = "token.high_risk"
)

// AllEvents lists every event type a subscription may ask for.
var AllEvents = []EventType{EventTokenDetected, EventTokenAssessed, EventTokenHighRisk}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, e := range AllEvents {
		if e == t {
			return true
		}
	}
	return false
}

// Signature and metadata headers sent with every delivery.
const (
	HeaderEvent     = "X-TokenSentry-Event"
	HeaderTimestamp = "X-TokenSentry-Timestamp"
	HeaderSignature = "X-TokenSentry-Signature"
	HeaderDelivery  = "X-TokenSentry-Delivery"
)

// MaxConsecutiveFailures deactivates a subscription after this many failed
// deliveries in a row.
const MaxConsecutiveFailures = 10

var ErrNotFound = errors.New("webhooks: subscription not found")

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives events of type t.
func (s *Subscription) Wants(t EventType) bool {
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// ConfiguredSubscription builds the subscription for an endpoint listed in
// configuration. Its ID is derived from the URL so re-seeding is idempotent.
func ConfiguredSubscription(url, secret string) *Subscription {
	sum := sha256.Sum256([]byte(url))
	return &Subscription{
		ID:        "wh_cfg_" + hex.EncodeToString(sum[:12]),
		URL:       url,
		Secret:    secret,
		Events:    AllEvents,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
}

// Store persists webhook subscriptions. Delivery outcomes are recorded with
// RecordSuccess and RecordFailure, which update the row in place so
// concurrent deliveries to one endpoint never overwrite each other's count.
type Store interface {
	// Create stores sub. An existing subscription with the same ID is kept.
	Create(ctx context.Context, sub *Subscription) error
	// Seed stores a configured subscription. If it already exists, its URL,
	// secret and events are replaced and it is reactivated with a clean
	// failure count.
	Seed(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure increments the failure run and deactivates the
	// subscription when it reaches MaxConsecutiveFailures. It returns the
	// new run length and whether this call deactivated it.
	RecordFailure(ctx context.Context, id, message string) (failures int, deactivated bool, err error)
	Delete(ctx context.Context, id string) error
}

// MaxInFlight bounds concurrent deliveries across all subscriptions.
const MaxInFlight = 32

// Dispatcher delivers events to subscribers in the background. Each
// endpoint URL has its own circuit; an open circuit fails the delivery
// without retrying.
type Dispatcher struct {
	store    Store
	client   *http.Client
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
	slots    *semaphore.Weighted
	attempts int
	delay    time.Duration
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewDispatcher(store Store, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Dispatcher {
	if breaker == nil {
		breaker = circuitbreaker.New(5, time.Minute)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  breaker,
		logger:   logger.With("component", "webhooks"),
		slots:    semaphore.NewWeighted(MaxInFlight),
		attempts: 3,
		delay:    500 * time.Millisecond,
		timeout:  30 * time.Second,
	}
}

// WithRetry sets the attempts per delivery and the first backoff delay.
func (d *Dispatcher) WithRetry(attempts int, delay time.Duration) *Dispatcher {
	d.attempts = attempts
	d.delay = delay
	return d
}

// Dispatch queues event for every active subscriber and returns without
// waiting. Deliveries survive cancellation of ctx; each is bounded by the
// dispatcher timeout instead.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("webhooks: load subscribers for %s: %w", event.Type, err)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhooks: encode %s: %w", event.ID, err)
	}

	detached := context.WithoutCancel(ctx)
	for _, sub := range subs {
		if !sub.Active || !sub.Wants(event.Type) {
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(detached, d.timeout)
			defer cancel()
			if err := d.slots.Acquire(ctx, 1); err != nil {
				d.finish(ctx, sub, event, fmt.Errorf("no delivery slot: %w", err))
				return
			}
			defer d.slots.Release(1)
			d.finish(ctx, sub, event, d.deliver(ctx, sub, event, body))
		}()
	}
	return nil
}

// Wait blocks until every delivery started so far has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, body []byte) error {
	return retry.Do(ctx, d.attempts, d.delay, func() error {
		err := d.breaker.Execute(sub.URL, func() error {
			return d.post(ctx, sub, event, body)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
}

// post sends one attempt. 5xx and 429 are retried; any other non-2xx is
// final.
func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	ts := strconv.FormatInt(event.Timestamp.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tokensentry-webhooks/1")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, ts)
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, signaturePrefix+Sign(ts, body, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode/100 == 2 {
		return nil
	}
	err = fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return err
	}
	return retry.Permanent(err)
}

// finish records the outcome on the subscription. MaxConsecutiveFailures
// failures in a row deactivate it.
func (d *Dispatcher) finish(ctx context.Context, sub *Subscription, event *Event, err error) {
	ctx = context.WithoutCancel(ctx)
	if err == nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		if rerr := d.store.RecordSuccess(ctx, sub.ID, time.Now().UTC()); rerr != nil {
			d.logger.Warn("webhook status update failed", "subscription", sub.ID, "error", rerr)
		}
		return
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	d.logger.Warn("webhook delivery failed",
		"subscription", sub.ID, "event", event.Type, "delivery", event.ID, "error", err)
	failures, deactivated, rerr := d.store.RecordFailure(ctx, sub.ID, err.Error())
	if rerr != nil {
		d.logger.Warn("webhook status update failed", "subscription", sub.ID, "error", rerr)
		return
	}
	if deactivated {
		d.logger.Warn("webhook deactivated", "subscription", sub.ID, "failures", failures)
	}
}

const signaturePrefix = "sha256="

// Sign returns the hex HMAC-SHA256, keyed by secret, of the delivery
// timestamp and body joined by a dot. Binding the timestamp lets receivers
// reject replays.
func Sign(timestamp string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature header of a delivery.
func Verify(timestamp string, body []byte, secret, header string) bool {
	want := signaturePrefix + Sign(timestamp, body, secret)
	return hmac.Equal([]byte(want), []byte(header))
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; ok {
		return nil
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		cp := *sub
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Active && sub.Wants(eventType) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Seed(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.subs[sub.ID]; ok {
		cur.URL = sub.URL
		cur.Secret = sub.Secret
		cur.Events = append([]EventType(nil), sub.Events...)
		cur.Active = true
		cur.ConsecutiveFailures = 0
		return nil
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.LastSuccess = &at
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	return nil
}

func (m *MemoryStore) RecordFailure(ctx context.Context, id, message string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return 0, false, ErrNotFound
	}
	sub.LastError = message
	sub.ConsecutiveFailures++
	deactivated := sub.Active && sub.ConsecutiveFailures >= MaxConsecutiveFailures
	if deactivated {
		sub.Active = false
	}
	return sub.ConsecutiveFailures, deactivated, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
