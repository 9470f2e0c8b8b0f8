// stream.go maintains the single persistent broker stream session.
//
// The session follows Disconnected → Connecting → Ready → (Degraded |
// Disconnected). Subscribe/unsubscribe are control frames acknowledged by
// the broker; the Registry records every acknowledged slot so a reconnect
// can replay them in the same order, paced by a rate limiter. Incoming
// frames are dispatched to a bounded channel: Book frames for a symbol are
// coalesced (newest wins) when the channel is full, Trade frames are never
// dropped — the read loop pauses briefly instead and flags the session
// Degraded to signal overload upstream.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"surgewatch/internal/config"
	"surgewatch/internal/metrics"
	"surgewatch/internal/resilience"
	"surgewatch/pkg/types"
)

const (
	pingInterval = 30 * time.Second // keep-alive cadence
	readTimeout  = 90 * time.Second // ~3 missed pings triggers reconnect

	// overloadPause is how long the read loop yields when the frame channel
	// stays full and a Trade frame must not be dropped.
	overloadPause = 50 * time.Millisecond
)

// SessionState is the stream session FSM state.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateReady
	StateDegraded
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// ackResult carries the broker's response to one control frame.
type ackResult struct {
	ok     bool
	reason string
}

// Stream owns the single broker WebSocket session.
type Stream struct {
	url         string
	cap         int
	ackTimeout  time.Duration
	sendTimeout time.Duration

	tokens  *TokenSource
	breaker *resilience.Breaker
	backoff resilience.Backoff
	replay  *rate.Limiter // paces registry replay after reconnect

	conn   *websocket.Conn
	connMu sync.Mutex

	registry *Registry
	subMu    sync.Mutex // serialises subscribe/unsubscribe mutations

	pendingMu sync.Mutex
	pending   map[int64]chan ackResult
	nextID    atomic.Int64

	state atomic.Int32

	frames chan types.Frame
	// staleBooks coalesces undelivered Book frames per symbol while the
	// frame channel is full. Book state is absolute, so newest wins.
	booksMu    sync.Mutex
	staleBooks map[string]types.BookFrame

	logger  *slog.Logger
	metrics *metrics.Registry
}

// NewStream creates a stream client. Run must be called to connect.
func NewStream(
	cfg config.BrokerConfig,
	scfg config.StreamConfig,
	bo config.BackoffConfig,
	tokens *TokenSource,
	breaker *resilience.Breaker,
	m *metrics.Registry,
	logger *slog.Logger,
) *Stream {
	return &Stream{
		url:         cfg.WSURL,
		cap:         scfg.SubscriptionCap,
		ackTimeout:  scfg.AckTimeout,
		sendTimeout: cfg.StreamSendTimeout,
		tokens:      tokens,
		breaker:     breaker,
		backoff:     resilience.Backoff{Base: bo.Base, Cap: bo.Cap, Jitter: bo.Jitter},
		replay:      rate.NewLimiter(rate.Limit(scfg.ReplayRate), 1),
		registry:    NewRegistry(),
		pending:     make(map[int64]chan ackResult),
		frames:      make(chan types.Frame, scfg.FrameBuffer),
		staleBooks:  make(map[string]types.BookFrame),
		logger:      logger.With("component", "broker_stream"),
		metrics:     m,
	}
}

// Frames returns the bounded frame channel consumed by the feature store.
func (s *Stream) Frames() <-chan types.Frame { return s.frames }

// Registry returns the subscription registry (read access for the planner).
func (s *Stream) Registry() *Registry { return s.registry }

// Subscribed returns the acknowledged slots in acknowledgement order.
func (s *Stream) Subscribed() []types.SubKey { return s.registry.Snapshot() }

// State returns the current session state.
func (s *Stream) State() SessionState {
	return SessionState(s.state.Load())
}

// Slots returns the number of acknowledged subscription slots in use.
func (s *Stream) Slots() int { return s.registry.Len() }

func (s *Stream) setState(st SessionState) {
	if SessionState(s.state.Swap(int32(st))) != st {
		s.metrics.SetStreamState(int(st))
		s.logger.Info("stream state", "state", st.String())
	}
}

// Run connects and maintains the session until ctx is cancelled. Reconnects
// go through the circuit breaker: after repeated failures attempts fail
// fast for the cooldown, then a single probe is admitted.
func (s *Stream) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.breaker.Allow(); err != nil {
			wait := s.breaker.RetryIn()
			if wait <= 0 {
				wait = s.backoff.Base
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		err := s.connectAndRead(ctx)
		s.setState(StateDisconnected)
		s.failPending()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.breaker.Failure()
		attempt++
		wait := s.backoff.Next(attempt - 1)
		s.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"attempt", attempt,
			"backoff", wait,
			"circuit", s.breaker.State().String(),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	s.setState(StateConnecting)

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("stream auth: %w", err)
	}
	header := http.Header{"Authorization": {"Bearer " + token}}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	s.breaker.Success()
	s.setState(StateReady)
	s.logger.Info("stream connected", "url", s.url)

	// Replay the registry in acknowledgement order, paced so the broker is
	// not flooded after an outage.
	if err := s.replayRegistry(ctx); err != nil {
		return fmt.Errorf("replay subscriptions: %w", err)
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatchMessage(ctx, msg)
	}
}

// replayRegistry re-requests every acknowledged subscription after a
// reconnect. Requests are idempotent on the broker side, so re-issuing an
// already-live slot is safe.
func (s *Stream) replayRegistry(ctx context.Context) error {
	keys := s.registry.Snapshot()
	if len(keys) == 0 {
		return nil
	}
	s.logger.Info("replaying subscriptions", "count", len(keys))
	for _, key := range keys {
		if err := s.replay.Wait(ctx); err != nil {
			return err
		}
		if err := s.requestAck(ctx, "subscribe", key); err != nil {
			s.logger.Warn("replay subscribe failed", "key", key.String(), "error", err)
		}
	}
	return nil
}

// Subscribe requests a new (symbol, channel) slot and waits for the ack.
// Idempotent: subscribing an already-acknowledged key is a no-op. Before
// issuing, the client verifies slots+1 ≤ cap and returns
// ErrSubscriptionCap otherwise.
func (s *Stream) Subscribe(ctx context.Context, symbol string, channel types.Channel) error {
	key := types.SubKey{Symbol: symbol, Channel: channel}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.registry.Has(key) {
		return nil
	}
	if s.registry.Len()+1 > s.cap {
		return fmt.Errorf("%w: %d slots in use, cap %d", ErrSubscriptionCap, s.registry.Len(), s.cap)
	}
	if st := s.State(); st != StateReady && st != StateDegraded {
		return ErrNotConnected
	}

	if err := s.requestAck(ctx, "subscribe", key); err != nil {
		return err
	}
	s.registry.Add(key)
	s.metrics.SetActiveSubscriptions(s.registry.Len())
	return nil
}

// Unsubscribe releases a slot and waits for the ack. Idempotent: keys not
// in the registry are a no-op.
func (s *Stream) Unsubscribe(ctx context.Context, symbol string, channel types.Channel) error {
	key := types.SubKey{Symbol: symbol, Channel: channel}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	if !s.registry.Has(key) {
		return nil
	}
	if st := s.State(); st != StateReady && st != StateDegraded {
		// The session is down; the slot is gone on the broker side too.
		s.registry.Remove(key)
		s.metrics.SetActiveSubscriptions(s.registry.Len())
		return nil
	}

	if err := s.requestAck(ctx, "unsubscribe", key); err != nil {
		return err
	}
	s.registry.Remove(key)
	s.metrics.SetActiveSubscriptions(s.registry.Len())
	return nil
}

// controlWire is an outgoing subscribe/unsubscribe frame.
type controlWire struct {
	Op      string `json:"op"`
	ID      int64  `json:"id"`
	Symbol  string `json:"symbol"`
	Channel string `json:"channel"`
}

// requestAck sends one control frame and waits for the broker's response.
// A broker-side cap rejection maps to ErrSubscriptionCap; consulting the
// acknowledgement covers brokers that reject instead of silently dropping.
func (s *Stream) requestAck(ctx context.Context, op string, key types.SubKey) error {
	id := s.nextID.Add(1)
	ch := make(chan ackResult, 1)

	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	msg := controlWire{Op: op, ID: id, Symbol: key.Symbol, Channel: string(key.Channel)}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("%s %s: %w", op, key.String(), err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.ackTimeout):
		return fmt.Errorf("%w: %s %s", ErrAckTimeout, op, key.String())
	case res := <-ch:
		if !res.ok {
			if res.reason == "cap_exceeded" {
				return fmt.Errorf("%w: broker rejected %s", ErrSubscriptionCap, key.String())
			}
			return fmt.Errorf("%s %s rejected: %s", op, key.String(), res.reason)
		}
		return nil
	}
}

// failPending unblocks every in-flight control request after a disconnect.
func (s *Stream) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, ch := range s.pending {
		select {
		case ch <- ackResult{ok: false, reason: "disconnected"}:
		default:
		}
		delete(s.pending, id)
	}
}

// tradeWire / bookWire are incoming data frames.
type tradeWire struct {
	Symbol         string  `json:"symbol"`
	Price          float64 `json:"price"`
	CumVolume      float64 `json:"cum_volume"`
	TradeIntensity float64 `json:"trade_intensity"`
	BuyRatio       float64 `json:"buy_ratio"`
	ChangePct      float64 `json:"change_percent"`
	Ts             int64   `json:"ts"`
}

type bookWire struct {
	Symbol   string      `json:"symbol"`
	Bids     []levelWire `json:"bids"`
	Asks     []levelWire `json:"asks"`
	BidTotal float64     `json:"bid_total"`
	AskTotal float64     `json:"ask_total"`
	Ts       int64       `json:"ts"`
}

func (s *Stream) dispatchMessage(ctx context.Context, data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json stream message", "data", string(data))
		return
	}

	switch envelope.Type {
	case "ack":
		var ack struct {
			ID     int64  `json:"id"`
			OK     bool   `json:"ok"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(data, &ack); err != nil {
			s.logger.Error("unmarshal ack", "error", err)
			return
		}
		s.pendingMu.Lock()
		ch, ok := s.pending[ack.ID]
		s.pendingMu.Unlock()
		if ok {
			select {
			case ch <- ackResult{ok: ack.OK, reason: ack.Reason}:
			default:
			}
		}

	case "trade":
		var w tradeWire
		if err := json.Unmarshal(data, &w); err != nil {
			s.logger.Error("unmarshal trade frame", "error", err)
			return
		}
		s.metrics.IncFrame("trade")
		s.deliverTrade(ctx, types.TradeFrame{
			Symbol:         w.Symbol,
			Price:          w.Price,
			CumVolume:      w.CumVolume,
			TradeIntensity: w.TradeIntensity,
			BuyRatio:       w.BuyRatio,
			ChangePct:      w.ChangePct,
			Timestamp:      time.UnixMilli(w.Ts),
		})

	case "book":
		var w bookWire
		if err := json.Unmarshal(data, &w); err != nil {
			s.logger.Error("unmarshal book frame", "error", err)
			return
		}
		s.metrics.IncFrame("book")
		s.deliverBook(types.BookFrame{
			Symbol:    w.Symbol,
			Bids:      toLevels(w.Bids),
			Asks:      toLevels(w.Asks),
			BidTotal:  w.BidTotal,
			AskTotal:  w.AskTotal,
			Timestamp: time.UnixMilli(w.Ts),
		})

	default:
		s.logger.Debug("unknown stream frame type", "type", envelope.Type)
	}
}

// deliverTrade never drops. If the channel is full the read loop pauses
// briefly (backpressure signal upstream) and the session is flagged
// Degraded until a send succeeds again.
func (s *Stream) deliverTrade(ctx context.Context, f types.TradeFrame) {
	s.flushStaleBooks()

	select {
	case s.frames <- f:
		if s.State() == StateDegraded {
			s.setState(StateReady)
		}
		return
	default:
	}

	s.logger.Warn("frame channel full, pausing read loop", "symbol", f.Symbol)
	s.setState(StateDegraded)
	for {
		select {
		case <-ctx.Done():
			return
		case s.frames <- f:
			return
		case <-time.After(overloadPause):
		}
	}
}

// deliverBook drops the oldest undelivered Book frame for the same symbol
// in favour of the newest when the channel is full. Book state is absolute,
// so the intermediate snapshot carries no information the newest lacks.
func (s *Stream) deliverBook(f types.BookFrame) {
	s.flushStaleBooks()

	select {
	case s.frames <- f:
		return
	default:
	}

	s.booksMu.Lock()
	if _, had := s.staleBooks[f.Symbol]; had {
		s.metrics.IncFrameDropped("book")
	}
	s.staleBooks[f.Symbol] = f
	s.booksMu.Unlock()
}

// flushStaleBooks opportunistically drains coalesced Book frames once the
// channel has room again.
func (s *Stream) flushStaleBooks() {
	s.booksMu.Lock()
	defer s.booksMu.Unlock()
	for sym, f := range s.staleBooks {
		select {
		case s.frames <- f:
			delete(s.staleBooks, sym)
		default:
			return
		}
	}
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn == conn {
				conn.SetWriteDeadline(time.Now().Add(s.sendTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					s.logger.Warn("ping failed", "error", err)
					s.connMu.Unlock()
					return
				}
			}
			s.connMu.Unlock()
		}
	}
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.sendTimeout))
	return s.conn.WriteJSON(v)
}

// Close tears down the connection. Run's read loop exits with an error and,
// if its context is already cancelled, does not reconnect.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
