package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"surgewatch/internal/config"
	"surgewatch/internal/resilience"
	"surgewatch/pkg/types"
)

// fakeBroker is a websocket endpoint that acks control frames and pushes a
// trade frame after each acknowledged subscribe. Subscribes for the symbol
// "FULL" are rejected with the broker-side cap reason.
func fakeBroker(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"test-token","expires_in":3600}`))
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("stream Authorization = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var ctl struct {
				Op      string `json:"op"`
				ID      int64  `json:"id"`
				Symbol  string `json:"symbol"`
				Channel string `json:"channel"`
			}
			if err := conn.ReadJSON(&ctl); err != nil {
				return
			}
			ack := map[string]any{"type": "ack", "id": ctl.ID, "ok": true}
			if ctl.Symbol == "FULL" {
				ack["ok"] = false
				ack["reason"] = "cap_exceeded"
			}
			if err := conn.WriteJSON(ack); err != nil {
				return
			}
			if ctl.Op == "subscribe" && ctl.Symbol != "FULL" {
				frame := map[string]any{
					"type": "trade", "symbol": ctl.Symbol,
					"price": 71000.0, "cum_volume": 1000.0,
					"trade_intensity": 1.2, "buy_ratio": 0.6,
					"ts": time.Now().UnixMilli(),
				}
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestStream(t *testing.T, srv *httptest.Server, cap, buffer int) *Stream {
	t.Helper()
	cfg := config.BrokerConfig{
		RESTBaseURL:       srv.URL,
		WSURL:             "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream",
		StreamSendTimeout: 2 * time.Second,
	}
	scfg := config.StreamConfig{
		SubscriptionCap: cap,
		AckTimeout:      2 * time.Second,
		FrameBuffer:     buffer,
		ReplayRate:      100,
	}
	bo := config.BackoffConfig{Base: 10 * time.Millisecond, Cap: 100 * time.Millisecond}
	tokens := NewTokenSource(srv.URL, "key", "secret", 2*time.Second, testLogger())
	return NewStream(cfg, scfg, bo, tokens, resilience.NewBreaker(5, time.Second), nil, testLogger())
}

func waitState(t *testing.T, s *Stream, want SessionState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if s.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("state = %v, want %v", s.State(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStreamSubscribeAndReceive(t *testing.T) {
	t.Parallel()

	srv := fakeBroker(t)
	s := newTestStream(t, srv, 10, 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitState(t, s, StateReady)

	if err := s.Subscribe(ctx, "005930", types.ChannelTrades); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if s.Slots() != 1 {
		t.Errorf("Slots() = %d, want 1", s.Slots())
	}
	// Subscribing the same key again is a no-op.
	if err := s.Subscribe(ctx, "005930", types.ChannelTrades); err != nil {
		t.Fatalf("idempotent Subscribe() error = %v", err)
	}
	if s.Slots() != 1 {
		t.Errorf("Slots() after re-subscribe = %d, want 1", s.Slots())
	}

	select {
	case f := <-s.Frames():
		trade, ok := f.(types.TradeFrame)
		if !ok {
			t.Fatalf("frame type = %T, want TradeFrame", f)
		}
		if trade.Symbol != "005930" || trade.Price != 71000 {
			t.Errorf("trade = %+v", trade)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}

	if err := s.Unsubscribe(ctx, "005930", types.ChannelTrades); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if s.Slots() != 0 {
		t.Errorf("Slots() after unsubscribe = %d, want 0", s.Slots())
	}
}

func TestStreamBrokerCapRejection(t *testing.T) {
	t.Parallel()

	srv := fakeBroker(t)
	s := newTestStream(t, srv, 10, 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitState(t, s, StateReady)

	err := s.Subscribe(ctx, "FULL", types.ChannelTrades)
	if !errors.Is(err, ErrSubscriptionCap) {
		t.Fatalf("Subscribe() error = %v, want ErrSubscriptionCap from broker rejection", err)
	}
	if s.Slots() != 0 {
		t.Errorf("rejected subscribe left %d slots registered", s.Slots())
	}
}

func TestStreamLocalCapCheck(t *testing.T) {
	t.Parallel()

	srv := fakeBroker(t)
	s := newTestStream(t, srv, 1, 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitState(t, s, StateReady)

	if err := s.Subscribe(ctx, "A", types.ChannelTrades); err != nil {
		t.Fatal(err)
	}
	err := s.Subscribe(ctx, "B", types.ChannelTrades)
	if !errors.Is(err, ErrSubscriptionCap) {
		t.Fatalf("Subscribe() over cap error = %v, want ErrSubscriptionCap before any wire traffic", err)
	}
}

func TestStreamSubscribeWhileDisconnected(t *testing.T) {
	t.Parallel()

	srv := fakeBroker(t)
	s := newTestStream(t, srv, 10, 64)

	err := s.Subscribe(context.Background(), "A", types.ChannelTrades)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Subscribe() while disconnected error = %v, want ErrNotConnected", err)
	}

	// Unsubscribing a registered key while down just releases it locally.
	s.registry.Add(types.SubKey{Symbol: "B", Channel: types.ChannelTrades})
	if err := s.Unsubscribe(context.Background(), "B", types.ChannelTrades); err != nil {
		t.Fatalf("Unsubscribe() while disconnected error = %v", err)
	}
	if s.Slots() != 0 {
		t.Errorf("Slots() = %d, want 0 after local release", s.Slots())
	}
}

func TestDeliverBookCoalesces(t *testing.T) {
	t.Parallel()

	srv := fakeBroker(t)
	s := newTestStream(t, srv, 10, 1)

	book := func(sym string, bid float64) types.BookFrame {
		return types.BookFrame{Symbol: sym, BidTotal: bid, Timestamp: time.Now()}
	}

	// Fill the 1-slot channel, then deliver two more books for one symbol:
	// the older undelivered snapshot is superseded, the newest kept.
	s.deliverBook(book("A", 1))
	s.deliverBook(book("A", 2))
	s.deliverBook(book("A", 3))

	first := (<-s.Frames()).(types.BookFrame)
	if first.BidTotal != 1 {
		t.Errorf("delivered frame BidTotal = %v, want 1", first.BidTotal)
	}

	// A later delivery flushes the coalesced snapshot first.
	s.deliverBook(book("B", 9))
	flushed := (<-s.Frames()).(types.BookFrame)
	if flushed.Symbol != "A" || flushed.BidTotal != 3 {
		t.Errorf("flushed frame = %+v, want the newest A snapshot", flushed)
	}
}
