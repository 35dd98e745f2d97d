package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/token"
)

var rugAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func testHub(t *testing.T) *Hub {
	t.Helper()
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func runHub(t *testing.T, h *Hub) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ctx
}

func rugRecord() *token.Record {
	return &token.Record{
		Address:     rugAddr,
		Name:        "Rug Pull",
		Symbol:      "RUG",
		Decimals:    18,
		TotalSupply: big.NewInt(1_000_000),
	}
}

func scored(score int, class string) *Event {
	return &Event{
		Type:       EventTokenUpdate,
		Token:      TokenPayload{Address: rugAddr.Hex()},
		Assessment: &AssessmentPayload{Score: score, Classification: class},
	}
}

func TestSubscription_Matches(t *testing.T) {
	detected := &Event{Type: EventTokenDetected, Token: TokenPayload{Address: rugAddr.Hex()}}

	tests := []struct {
		name string
		sub  Subscription
		ev   *Event
		want bool
	}{
		{"zero value receives all", Subscription{}, scored(5, "VERY_LOW"), true},
		{"event type kept", Subscription{EventTypes: []EventType{EventTokenDetected}}, detected, true},
		{"event type filtered", Subscription{EventTypes: []EventType{EventHighRiskAlert}}, detected, false},
		{"token match ignores case", Subscription{Tokens: []string{strings.ToLower(rugAddr.Hex())}}, detected, true},
		{"other token filtered", Subscription{Tokens: []string{"0x00000000000000000000000000000000000000bb"}}, detected, false},
		{"min score inclusive", Subscription{MinScore: 60}, scored(60, "HIGH"), true},
		{"below min score", Subscription{MinScore: 60}, scored(59, "MEDIUM"), false},
		{"min score skips detections", Subscription{MinScore: 60}, detected, true},
		{"classification ignores case", Subscription{Classifications: []string{"very_high"}}, scored(90, "VERY_HIGH"), true},
		{"classification filtered", Subscription{Classifications: []string{"HIGH"}}, scored(40, "MEDIUM"), false},
		{"classification skips detections", Subscription{Classifications: []string{"HIGH"}}, detected, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(tt.ev))
		})
	}
}

func TestHub_StatsInitial(t *testing.T) {
	assert.Equal(t, Stats{}, testHub(t).Stats())
}

func TestHub_AttachDetach(t *testing.T) {
	h := testHub(t)
	c := &client{send: make(chan []byte, 1)}

	require.True(t, h.attach(c))
	assert.Equal(t, 1, h.Stats().ConnectedClients)

	assert.True(t, h.detach(c))
	assert.False(t, h.detach(c), "second detach is a no-op")

	_, open := <-c.send
	assert.False(t, open, "send channel closed on detach")

	stats := h.Stats()
	assert.Equal(t, 0, stats.ConnectedClients)
	assert.Equal(t, int64(1), stats.PeakClients)
	assert.Equal(t, int64(1), stats.TotalClients)
}

func TestHub_AttachRespectsLimit(t *testing.T) {
	h := testHub(t)
	h.limit = 1

	require.True(t, h.attach(&client{send: make(chan []byte, 1)}))
	assert.False(t, h.attach(&client{send: make(chan []byte, 1)}))
}

func TestHub_SinkEvents(t *testing.T) {
	h := testHub(t)
	ctx := runHub(t, h)

	c := &client{send: make(chan []byte, 8)}
	require.True(t, h.attach(c))

	rec := rugRecord()
	a := &risk.Assessment{ID: "a-1", Token: rec, Score: 82, Classification: risk.VeryHigh}

	h.TokenDetected(ctx, rec)
	h.AssessmentCompleted(ctx, a)
	h.HighRiskAlert(ctx, a)

	var got []Event
	for range 3 {
		select {
		case frame := <-c.send:
			var ev Event
			require.NoError(t, json.Unmarshal(frame, &ev))
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	assert.Equal(t, EventTokenDetected, got[0].Type)
	assert.Nil(t, got[0].Assessment)
	assert.Equal(t, "1000000", got[0].Token.TotalSupply)

	assert.Equal(t, EventTokenUpdate, got[1].Type)
	require.NotNil(t, got[1].Assessment)
	assert.Equal(t, 82, got[1].Assessment.Score)
	assert.Equal(t, "VERY_HIGH", got[1].Assessment.Classification)

	assert.Equal(t, EventHighRiskAlert, got[2].Type)
	assert.Equal(t, "High risk token detected: RUG", got[2].Message)

	for _, ev := range got {
		assert.Equal(t, rugAddr.Hex(), ev.Token.Address)
		assert.Equal(t, "RUG", ev.Token.Symbol)
	}
	assert.Equal(t, int64(3), h.Stats().TotalEvents)
}

func TestHub_FilteredDelivery(t *testing.T) {
	h := testHub(t)
	runHub(t, h)

	c := &client{send: make(chan []byte, 8)}
	c.setSubscription(Subscription{EventTypes: []EventType{EventHighRiskAlert}})
	require.True(t, h.attach(c))

	h.Broadcast(&Event{Type: EventTokenUpdate})
	h.Broadcast(&Event{Type: EventHighRiskAlert})

	select {
	case frame := <-c.send:
		var ev Event
		require.NoError(t, json.Unmarshal(frame, &ev))
		assert.Equal(t, EventHighRiskAlert, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for alert")
	}
	assert.Empty(t, c.send)
}

func TestHub_EvictsSlowClient(t *testing.T) {
	h := testHub(t)
	runHub(t, h)

	c := &client{send: make(chan []byte, 1)}
	require.True(t, h.attach(c))

	for range 3 {
		h.Broadcast(&Event{Type: EventTokenDetected})
	}

	require.Eventually(t, func() bool {
		return h.Stats().EvictedClients == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.Stats().ConnectedClients)
}

func TestHub_BroadcastDropsWhenQueueFull(t *testing.T) {
	h := testHub(t)
	for range queueSize + 2 {
		h.Broadcast(&Event{Type: EventTokenDetected})
	}
	assert.Equal(t, int64(2), h.Stats().DroppedEvents)
}

func TestHub_RunClosesClients(t *testing.T) {
	h := testHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	c := &client{send: make(chan []byte, 1)}
	require.True(t, h.attach(c))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	_, open := <-c.send
	assert.False(t, open)
	assert.False(t, h.attach(&client{send: make(chan []byte, 1)}), "closed hub rejects clients")
}

func TestHandleWebSocket_StreamsSubscribedEvents(t *testing.T) {
	h := testHub(t)
	ctx := runHub(t, h)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		return h.Stats().ConnectedClients == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Subscription{MinScore: 70}))
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		subscribed := len(h.clients) > 0
		for c := range h.clients {
			subscribed = subscribed && c.subscription().MinScore == 70
		}
		return subscribed
	}, time.Second, 10*time.Millisecond)

	rec := rugRecord()
	h.AssessmentCompleted(ctx, &risk.Assessment{ID: "low", Token: rec, Score: 20, Classification: risk.Low})
	h.AssessmentCompleted(ctx, &risk.Assessment{ID: "high", Token: rec, Score: 88, Classification: risk.VeryHigh})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.NotNil(t, ev.Assessment)
	assert.Equal(t, "high", ev.Assessment.ID)
}

func TestHandleWebSocket_RejectsAfterShutdown(t *testing.T) {
	h := testHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
