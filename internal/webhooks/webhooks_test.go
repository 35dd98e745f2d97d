package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tokensentry/internal/circuitbreaker"
	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/token"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(store Store, breaker *circuitbreaker.Breaker) *Dispatcher {
	if breaker == nil {
		breaker = circuitbreaker.New(100, time.Minute)
	}
	return NewDispatcher(store, breaker, quietLogger()).WithRetry(3, time.Millisecond)
}

type delivery struct {
	header http.Header
	body   []byte
}

type receiver struct {
	mu         sync.Mutex
	deliveries []delivery
	hits       atomic.Int32
	status     func(hit int32) int
}

func newReceiver(t *testing.T, status func(hit int32) int) (*receiver, *httptest.Server) {
	t.Helper()
	r := &receiver{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		n := r.hits.Add(1)
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.deliveries = append(r.deliveries, delivery{header: req.Header.Clone(), body: body})
		r.mu.Unlock()
		code := http.StatusOK
		if r.status != nil {
			code = r.status(n)
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return r, srv
}

func (r *receiver) last() delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deliveries[len(r.deliveries)-1]
}

func seed(t *testing.T, store Store, sub *Subscription) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), sub))
}

func testEvent(eventType EventType) *Event {
	return &Event{
		ID:        "evt_1",
		Type:      eventType,
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Data:      map[string]interface{}{"score": 75},
	}
}

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	sig := "sha256=" + Sign("1700000000", payload, "s3cret")

	tests := []struct {
		name   string
		ts     string
		body   []byte
		secret string
		header string
		want   bool
	}{
		{"valid", "1700000000", payload, "s3cret", sig, true},
		{"wrong secret", "1700000000", payload, "other", sig, false},
		{"altered body", "1700000000", []byte(`{"id":"evt_2"}`), "s3cret", sig, false},
		{"replayed timestamp", "1700000600", payload, "s3cret", sig, false},
		{"missing prefix", "1700000000", payload, "s3cret", strings.TrimPrefix(sig, "sha256="), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Verify(tt.ts, tt.body, tt.secret, tt.header))
		})
	}
}

func TestDispatch_BoundsInFlightDeliveries(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	for i := range MaxInFlight + 8 {
		seed(t, store, &Subscription{ID: "wh_" + strconv.Itoa(i), URL: srv.URL, Events: AllEvents, Active: true})
	}

	d := newTestDispatcher(store, nil)
	require.NoError(t, d.Dispatch(context.Background(), testEvent(EventTokenAssessed)))
	d.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(MaxInFlight))
	subs, _ := store.List(context.Background())
	for _, sub := range subs {
		assert.NotNil(t, sub.LastSuccess, sub.ID)
	}
}

func TestDispatch_SignsAndSetsHeaders(t *testing.T) {
	rcv, srv := newReceiver(t, nil)
	store := NewMemoryStore()
	seed(t, store, &Subscription{ID: "wh_1", URL: srv.URL, Secret: "s3cret", Events: AllEvents, Active: true})

	d := newTestDispatcher(store, nil)
	require.NoError(t, d.Dispatch(context.Background(), testEvent(EventTokenHighRisk)))
	d.Wait()

	require.Equal(t, int32(1), rcv.hits.Load())
	got := rcv.last()
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.Equal(t, string(EventTokenHighRisk), got.header.Get(HeaderEvent))
	assert.Equal(t, "evt_1", got.header.Get(HeaderDelivery))
	assert.Equal(t, "1700000000", got.header.Get(HeaderTimestamp))
	assert.True(t, Verify(got.header.Get(HeaderTimestamp), got.body, "s3cret", got.header.Get(HeaderSignature)))

	var ev Event
	require.NoError(t, json.Unmarshal(got.body, &ev))
	assert.Equal(t, EventTokenHighRisk, ev.Type)
	assert.Equal(t, float64(75), ev.Data["score"])

	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.NotNil(t, sub.LastSuccess)
	assert.Zero(t, sub.ConsecutiveFailures)
}

func TestDispatch_NoSecretNoSignature(t *testing.T) {
	rcv, srv := newReceiver(t, nil)
	store := NewMemoryStore()
	seed(t, store, &Subscription{ID: "wh_1", URL: srv.URL, Events: AllEvents, Active: true})

	d := newTestDispatcher(store, nil)
	require.NoError(t, d.Dispatch(context.Background(), testEvent(EventTokenAssessed)))
	d.Wait()

	assert.Empty(t, rcv.last().header.Get(HeaderSignature))
}

func TestDispatch_SkipsInactiveAndUnsubscribed(t *testing.T) {
	rcv, srv := newReceiver(t, nil)
	store := NewMemoryStore()
	seed(t, store, &Subscription{ID: "wh_off", URL: srv.URL, Events: AllEvents, Active: false})
	seed(t, store, &Subscription{ID: "wh_other", URL: srv.URL, Events: []EventType{EventTokenDetected}, Active: true})

	d := newTestDispatcher(store, nil)
	require.NoError(t, d.Dispatch(context.Background(), testEvent(EventTokenHighRisk)))
	d.Wait()

	assert.Zero(t, rcv.hits.Load())
}

func TestDispatch_RetriesServerErrors(t *testing.T) {
	rcv, srv := newReceiver(t, func(hit int32) int {
		if hit < 3 {
			return http.StatusBadGateway
		}
		return http.StatusNoContent
	})
	store := NewMemoryStore()
	seed(t, store, &Subscription{ID: "wh_1", URL: srv.URL, Events: AllEvents, Active: true})

	d := newTestDispatcher(store, nil)
	require.NoError(t, d.Dispatch(context.Background(), testEvent(EventTokenAssessed)))
	d.Wait()

	assert.Equal(t, int32(3), rcv.hits.Load())
	sub, _ := store.Get(context.Background(), "wh_1")
	assert.Zero(t, sub.ConsecutiveFailures)
	assert.NotNil(t, sub.LastSuccess)
}

func TestDispatch_RetryClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantHits int32
	}{
		{"server error", http.StatusInternalServerError, 3},
		{"rate limited", http.StatusTooManyRequests, 3},
		{"bad request", http.StatusBadRequest, 1},
		{"gone", http.StatusGone, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rcv, srv := newReceiver(t, func(int32) int { return tt.status })
			store := NewMemoryStore()
			seed(t, store, &Subscription{ID: "wh_1", URL: srv.URL, Events: AllEvents, Active: true})

			d := newTestDispatcher(store, nil)
			require.NoError(t, d.Dispatch(context.Background(), testEvent(EventTokenAssessed)))
			d.Wait()

			assert.Equal(t, tt.wantHits, rcv.hits.Load())
			sub, _ := store.Get(context.Background(), "wh_1")
			assert.Equal(t, 1, sub.ConsecutiveFailures)
			assert.Contains(t, sub.LastError, "status")
			assert.True(t, sub.Active)
		})
	}
}

func TestDispatch_DeactivatesAfterRepeatedFailures(t *testing.T) {
	_, srv := newReceiver(t, func(int32) int { return http.StatusBadRequest })
	store := NewMemoryStore()
	seed(t, store, &Subscription{
		ID: "wh_1", URL: srv.URL, Events: AllEvents, Active: true,
		ConsecutiveFailures: MaxConsecutiveFailures - 1,
	})

	d := newTestDispatcher(store, nil)
	require.NoError(t, d.Dispatch(context.Background(), testEvent(EventTokenAssessed)))
	d.Wait()

	sub, _ := store.Get(context.Background(), "wh_1")
	assert.False(t, sub.Active)
	assert.Equal(t, MaxConsecutiveFailures, sub.ConsecutiveFailures)

	subs, err := store.GetByEvent(context.Background(), EventTokenAssessed)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestDispatch_OpenBreakerShortCircuits(t *testing.T) {
	rcv, srv := newReceiver(t, func(int32) int { return http.StatusInternalServerError })
	store := NewMemoryStore()
	seed(t, store, &Subscription{ID: "wh_1", URL: srv.URL, Events: AllEvents, Active: true})

	cb := circuitbreaker.New(1, time.Minute)
	d := NewDispatcher(store, cb, quietLogger()).WithRetry(3, time.Millisecond)

	require.NoError(t, d.Dispatch(context.Background(), testEvent(EventTokenAssessed)))
	d.Wait()
	assert.Equal(t, int32(1), rcv.hits.Load())
	assert.Equal(t, circuitbreaker.StateOpen, cb.State(srv.URL))

	require.NoError(t, d.Dispatch(context.Background(), testEvent(EventTokenAssessed)))
	d.Wait()
	assert.Equal(t, int32(1), rcv.hits.Load())

	sub, _ := store.Get(context.Background(), "wh_1")
	assert.Equal(t, 2, sub.ConsecutiveFailures)
	assert.Contains(t, sub.LastError, "open")
}

func TestDispatch_OutlivesCallerContext(t *testing.T) {
	release := make(chan struct{})
	var got atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		got.Add(1)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	seed(t, store, &Subscription{ID: "wh_1", URL: srv.URL, Events: AllEvents, Active: true})
	d := newTestDispatcher(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Dispatch(ctx, testEvent(EventTokenAssessed)))
	cancel()
	close(release)
	d.Wait()

	assert.Equal(t, int32(1), got.Load())
	sub, _ := store.Get(context.Background(), "wh_1")
	assert.NotNil(t, sub.LastSuccess)
}

func TestConfiguredSubscription_StableID(t *testing.T) {
	a := ConfiguredSubscription("https://hooks.example.com/a", "k")
	b := ConfiguredSubscription("https://hooks.example.com/a", "k")
	c := ConfiguredSubscription("https://hooks.example.com/b", "k")

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.True(t, a.Active)
	assert.ElementsMatch(t, AllEvents, a.Events)
}

func TestMemoryStore_SeedRotatesSecretAndReactivates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := ConfiguredSubscription("https://hooks.example.com/a", "old")
	require.NoError(t, store.Seed(ctx, first))
	for range MaxConsecutiveFailures {
		_, _, err := store.RecordFailure(ctx, first.ID, "endpoint returned status 500")
		require.NoError(t, err)
	}
	got, _ := store.Get(ctx, first.ID)
	require.False(t, got.Active)

	rotated := ConfiguredSubscription("https://hooks.example.com/a", "new")
	rotated.CreatedAt = first.CreatedAt.Add(time.Hour)
	require.NoError(t, store.Seed(ctx, rotated))

	got, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Secret)
	assert.True(t, got.Active)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.True(t, first.CreatedAt.Equal(got.CreatedAt), "creation time is kept")

	subs, _ := store.List(ctx)
	assert.Len(t, subs, 1)
}

func TestMemoryStore_RecordFailureDeactivatesOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seed(t, store, &Subscription{ID: "wh_1", URL: "https://a", Events: AllEvents, Active: true})

	var deactivations int
	for i := 1; i <= MaxConsecutiveFailures+2; i++ {
		failures, deactivated, err := store.RecordFailure(ctx, "wh_1", "boom")
		require.NoError(t, err)
		assert.Equal(t, i, failures)
		if deactivated {
			deactivations++
			assert.Equal(t, MaxConsecutiveFailures, failures)
		}
	}
	assert.Equal(t, 1, deactivations)

	require.NoError(t, store.RecordSuccess(ctx, "wh_1", time.Now()))
	got, _ := store.Get(ctx, "wh_1")
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Empty(t, got.LastError)
	assert.False(t, got.Active, "success does not reactivate")

	_, _, err := store.RecordFailure(ctx, "wh_missing", "boom")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.RecordSuccess(ctx, "wh_missing", time.Now()), ErrNotFound)
}

func TestDispatch_ConcurrentFailuresAllCount(t *testing.T) {
	_, srv := newReceiver(t, func(int32) int { return http.StatusInternalServerError })
	store := NewMemoryStore()
	seed(t, store, &Subscription{ID: "wh_1", URL: srv.URL, Events: AllEvents, Active: true})

	d := NewDispatcher(store, circuitbreaker.New(100, time.Minute), quietLogger()).WithRetry(1, time.Millisecond)
	for range MaxConsecutiveFailures {
		require.NoError(t, d.Dispatch(context.Background(), testEvent(EventTokenAssessed)))
	}
	d.Wait()

	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.Equal(t, MaxConsecutiveFailures, sub.ConsecutiveFailures)
	assert.False(t, sub.Active)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	now := time.Now()
	older := &Subscription{ID: "wh_old", URL: "https://a", Events: []EventType{EventTokenDetected}, Active: true, CreatedAt: now.Add(-time.Hour)}
	newer := &Subscription{ID: "wh_new", URL: "https://b", Events: AllEvents, Active: true, CreatedAt: now}
	seed(t, store, older)
	seed(t, store, newer)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "wh_new", list[0].ID)

	// Returned values are copies.
	list[0].URL = "mutated"
	got, _ := store.Get(ctx, "wh_new")
	assert.Equal(t, "https://b", got.URL)

	high, err := store.GetByEvent(ctx, EventTokenHighRisk)
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "wh_new", high[0].ID)

	_, _, err = store.RecordFailure(ctx, "wh_new", "boom")
	require.NoError(t, err)
	got, _ = store.Get(ctx, "wh_new")
	assert.Equal(t, "boom", got.LastError)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	require.NoError(t, store.Delete(ctx, "wh_old"))
	assert.ErrorIs(t, store.Delete(ctx, "wh_old"), ErrNotFound)
	_, err = store.Get(ctx, "wh_old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testAssessment() *risk.Assessment {
	rec := &token.Record{
		Address:     common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Name:        "Rug",
		Symbol:      "RUG",
		Decimals:    18,
		TotalSupply: big.NewInt(1000),
	}
	return &risk.Assessment{
		ID:             "a-1",
		Token:          rec,
		Score:          82,
		Classification: risk.VeryHigh,
		Signals: []*risk.Signal{
			{Factor: risk.FactorOwnershipConcentration, Score: 100},
			{Factor: risk.FactorHoneypotDetection, Score: 70},
			{Factor: risk.FactorSocialSignals, Score: 10},
		},
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
}

func TestNotifier_Events(t *testing.T) {
	rcv, srv := newReceiver(t, nil)
	store := NewMemoryStore()
	seed(t, store, &Subscription{ID: "wh_1", URL: srv.URL, Events: AllEvents, Active: true})
	d := newTestDispatcher(store, nil)
	n := NewNotifier(d, quietLogger())

	a := testAssessment()
	ctx := context.Background()
	n.TokenDetected(ctx, a.Token)
	d.Wait()
	n.AssessmentCompleted(ctx, a)
	d.Wait()
	n.HighRiskAlert(ctx, a)
	d.Wait()

	require.Equal(t, int32(3), rcv.hits.Load())

	var events []Event
	for _, dl := range rcv.deliveries {
		var ev Event
		require.NoError(t, json.Unmarshal(dl.body, &ev))
		assert.Equal(t, ev.ID, dl.header.Get(HeaderDelivery))
		events = append(events, ev)
	}

	assert.Equal(t, EventTokenDetected, events[0].Type)
	assert.Equal(t, "RUG", events[0].Data["symbol"])
	assert.Equal(t, "1000", events[0].Data["totalSupply"])

	assert.Equal(t, EventTokenAssessed, events[1].Type)
	assert.Equal(t, float64(82), events[1].Data["score"])
	assert.Equal(t, "VERY_HIGH", events[1].Data["classification"])

	assert.Equal(t, EventTokenHighRisk, events[2].Type)
	assert.Equal(t,
		[]interface{}{"ownership_concentration", "honeypot_detection"},
		events[2].Data["topFactors"])
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestNotifier_NilDispatcher(t *testing.T) {
	n := NewNotifier(nil, quietLogger())
	assert.NotPanics(t, func() {
		n.HighRiskAlert(context.Background(), testAssessment())
	})
}

func newTestRouter(store Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(store).RegisterRoutes(r.Group("/v1"))
	return r
}

func doJSON(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateListDelete(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRouter(store)

	w := doJSON(r, http.MethodPost, "/v1/webhooks", gin.H{
		"url":    "https://hooks.example.com/risk",
		"events": []string{"token.high_risk"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Webhook struct {
			ID     string   `json:"id"`
			Events []string `json:"events"`
		} `json:"webhook"`
		Secret string `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.Equal(t, []string{"token.high_risk"}, created.Webhook.Events)

	stored, err := store.Get(context.Background(), created.Webhook.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Secret, stored.Secret)

	w = doJSON(r, http.MethodGet, "/v1/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), created.Secret)
	assert.Contains(t, w.Body.String(), created.Webhook.ID)

	w = doJSON(r, http.MethodDelete, "/v1/webhooks/"+created.Webhook.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(r, http.MethodDelete, "/v1/webhooks/"+created.Webhook.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CreateDefaultsToAllEvents(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRouter(store)

	w := doJSON(r, http.MethodPost, "/v1/webhooks", gin.H{"url": "http://localhost:9000/hook"})
	require.Equal(t, http.StatusCreated, w.Code)

	subs, _ := store.List(context.Background())
	require.Len(t, subs, 1)
	assert.ElementsMatch(t, AllEvents, subs[0].Events)
}

func TestHandler_CreateValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    interface{}
		wantErr string
	}{
		{"missing url", gin.H{"events": []string{"token.assessed"}}, "invalid_request"},
		{"relative url", gin.H{"url": "/hook"}, "invalid_url"},
		{"bad scheme", gin.H{"url": "ftp://example.com/hook"}, "invalid_url"},
		{"unknown event", gin.H{"url": "https://example.com", "events": []string{"payment.received"}}, "invalid_event"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			w := doJSON(newTestRouter(store), http.MethodPost, "/v1/webhooks", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantErr)

			subs, _ := store.List(context.Background())
			assert.Empty(t, subs)
		})
	}
}

func TestHandler_URLValidator(t *testing.T) {
	store := NewMemoryStore()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(store).WithURLValidator(func(_ context.Context, raw string) error {
		if strings.Contains(raw, "internal") {
			return errors.New("endpoint address not allowed")
		}
		return nil
	}).RegisterRoutes(r.Group("/v1"))

	w := doJSON(r, http.MethodPost, "/v1/webhooks", gin.H{"url": "https://internal.example.com/hook"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "not allowed")

	w = doJSON(r, http.MethodPost, "/v1/webhooks", gin.H{"url": "https://hooks.example.com/hook"})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestHandler_GetWebhook(t *testing.T) {
	store := NewMemoryStore()
	sub := ConfiguredSubscription("https://hooks.example.com/risk", "s3cret")
	require.NoError(t, store.Create(context.Background(), sub))
	r := newTestRouter(store)

	w := doJSON(r, http.MethodGet, "/v1/webhooks/"+sub.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "s3cret")

	var got struct {
		Webhook WebhookView `json:"webhook"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, sub.URL, got.Webhook.URL)
	assert.True(t, got.Webhook.Active)

	w = doJSON(r, http.MethodGet, "/v1/webhooks/wh_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestParseEvents(t *testing.T) {
	got, bad := parseEvents([]string{"token.high_risk", "token.detected", "token.high_risk"})
	assert.Empty(t, bad)
	assert.Equal(t, []EventType{EventTokenHighRisk, EventTokenDetected}, got)

	got, bad = parseEvents(nil)
	assert.Empty(t, bad)
	assert.Equal(t, AllEvents, got)
	got[0] = "mutated"
	assert.Equal(t, EventTokenDetected, AllEvents[0], "default list is a copy")

	_, bad = parseEvents([]string{"token.detected", "payment.received"})
	assert.Equal(t, "payment.received", bad)
}
