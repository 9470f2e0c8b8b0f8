package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"surgewatch/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"test-token","expires_in":3600}`))
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.BrokerConfig{
		RESTBaseURL: srv.URL,
		RESTRate:    100,
		RESTBurst:   100,
		MaxRetries:  0,
		RESTTimeout: 2 * time.Second,
	}
	bo := config.BackoffConfig{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond, Jitter: 0.1}
	tokens := NewTokenSource(srv.URL, "key", "secret", 2*time.Second, testLogger())
	return NewClient(cfg, bo, tokens, testLogger())
}

func TestQuoteBatch(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quotes" {
			t.Errorf("path = %s, want /quotes", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		if got := r.URL.Query().Get("symbols"); got != "005930,000660" {
			t.Errorf("symbols = %q, want joined list", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"quotes":[
			{"symbol":"005930","price":71000,"change_percent":1.2,"cum_volume":1000000,"bid_total":500,"ask_total":300,"ts":1756161000000},
			{"symbol":"000660","price":190000,"change_percent":-0.4,"cum_volume":250000,"ts":1756161000000}
		]}`))
	})

	quotes, err := client.QuoteBatch(context.Background(), []string{"005930", "000660"})
	if err != nil {
		t.Fatalf("QuoteBatch() error = %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("got %d quotes, want 2", len(quotes))
	}
	q := quotes[0]
	if q.Symbol != "005930" || q.Price != 71000 || q.ChangePct != 1.2 {
		t.Errorf("quote = %+v", q)
	}
	if q.BidTotal != 500 || q.AskTotal != 300 {
		t.Errorf("book totals = %v/%v, want 500/300", q.BidTotal, q.AskTotal)
	}
	if q.Timestamp.IsZero() {
		t.Error("timestamp not parsed")
	}
}

func TestQuoteBatchTooLarge(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the broker")
	})
	symbols := make([]string, MaxBatchSize+1)
	for i := range symbols {
		symbols[i] = "X"
	}
	_, err := client.QuoteBatch(context.Background(), symbols)
	if !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("QuoteBatch() error = %v, want ErrBatchTooLarge", err)
	}
}

func TestQuoteBatchUnauthorizedInvalidatesToken(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	if _, err := client.QuoteBatch(context.Background(), []string{"005930"}); err == nil {
		t.Fatal("QuoteBatch() = nil, want error on 401")
	}
	if exp := client.tokens.Expiry(); !exp.IsZero() {
		t.Errorf("token expiry = %v, want zero after invalidation", exp)
	}
}

func TestSessionBaseline(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/previous" {
			t.Errorf("path = %s, want /sessions/previous", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sessions":[
			{"symbol":"005930","prev_close":70000,"avg_volume_5d":12000000}
		]}`))
	})

	meta, err := client.SessionBaseline(context.Background(), []string{"005930"})
	if err != nil {
		t.Fatalf("SessionBaseline() error = %v", err)
	}
	m, ok := meta["005930"]
	if !ok {
		t.Fatal("symbol missing from baseline map")
	}
	if m.PrevClose != 70000 || m.AvgVolume5d != 12000000 {
		t.Errorf("meta = %+v", m)
	}
}

func TestOrderBook(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol":"005930",
			"bids":[[70900,120],[70800,80]],
			"asks":[[71000,60],[71100,90]],
			"bid_total":200,"ask_total":150,"ts":1756161000000}`))
	})

	depth, err := client.OrderBook(context.Background(), "005930")
	if err != nil {
		t.Fatalf("OrderBook() error = %v", err)
	}
	if len(depth.Bids) != 2 || depth.Bids[0].Price != 70900 || depth.Bids[0].Size != 120 {
		t.Errorf("bids = %+v", depth.Bids)
	}
	if depth.AskTotal != 150 {
		t.Errorf("AskTotal = %v, want 150", depth.AskTotal)
	}
}
