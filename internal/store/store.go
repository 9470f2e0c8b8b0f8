// Package store holds the in-memory, ticker-keyed market state that both
// ingest channels feed. Each ticker carries its own mutex so updates to one
// symbol serialise while symbols update in parallel; readers take a
// consistent snapshot under the same lock. Rolling windows are
// fixed-capacity rings; 1-minute bars for the technical indicators are
// aggregated in place as samples arrive.
package store

import (
	"log/slog"
	"sync"
	"time"

	"surgewatch/internal/config"
	"surgewatch/internal/metrics"
	"surgewatch/pkg/types"
)

const (
	depthLevels = 10
	maxBars     = 64

	// evictHeadroom: eviction starts once the ticker count exceeds the
	// universe size by half again.
	evictHeadroomNum = 3
	evictHeadroomDen = 2
)

// Ticker is the mutable per-symbol state. All fields are guarded by mu.
type Ticker struct {
	mu sync.Mutex

	symbol    string
	price     float64
	changePct float64
	cumVolume float64

	prevClose   float64
	avgVolume5d float64

	bidTotal float64
	askTotal float64
	bidSizes []float64 // both length 10, or both nil
	askSizes []float64

	tradeIntensity float64
	buyRatio       float64

	quoteAt time.Time
	tradeAt time.Time
	bookAt  time.Time

	lastTouch time.Time // LRU clock, any channel

	samples *sampleRing
	bars    []types.Bar
}

// Store is the ticker-keyed state map.
type Store struct {
	mu      sync.RWMutex
	tickers map[string]*Ticker

	sampleCap   int
	barInterval time.Duration
	maxTickers  int

	// protected symbols (currently stream-subscribed) are exempt from LRU
	// eviction; the planner refreshes this set on every rotation.
	protectedMu sync.RWMutex
	protected   map[string]bool

	metrics *metrics.Registry
	logger  *slog.Logger
}

// New creates an empty store sized for the configured universe. The sample
// ring covers ten minutes at inference granularity so volume acceleration
// can compare the last five minutes against the five before.
func New(cfg config.Config, m *metrics.Registry, logger *slog.Logger) *Store {
	window := 10 * time.Minute
	sampleCap := int(window / cfg.Features.Granularity)
	if sampleCap < 2 {
		sampleCap = 2
	}
	return &Store{
		tickers:     make(map[string]*Ticker),
		sampleCap:   sampleCap,
		barInterval: cfg.Features.BarInterval,
		maxTickers:  cfg.Universe.Size * evictHeadroomNum / evictHeadroomDen,
		protected:   make(map[string]bool),
		metrics:     m,
		logger:      logger.With("component", "store"),
	}
}

// ensure returns the ticker for symbol, creating it on first observation.
func (s *Store) ensure(symbol string) *Ticker {
	s.mu.RLock()
	t, ok := s.tickers[symbol]
	s.mu.RUnlock()
	if ok {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok = s.tickers[symbol]; ok {
		return t
	}
	if s.maxTickers > 0 && len(s.tickers) >= s.maxTickers {
		s.evictLocked()
	}
	t = &Ticker{symbol: symbol, samples: newSampleRing(s.sampleCap)}
	s.tickers[symbol] = t
	return t
}

// evictLocked drops the least-recently-updated unprotected ticker.
func (s *Store) evictLocked() {
	s.protectedMu.RLock()
	defer s.protectedMu.RUnlock()

	var victim string
	var oldest time.Time
	for sym, t := range s.tickers {
		if s.protected[sym] {
			continue
		}
		t.mu.Lock()
		touch := t.lastTouch
		t.mu.Unlock()
		if victim == "" || touch.Before(oldest) {
			victim = sym
			oldest = touch
		}
	}
	if victim != "" {
		delete(s.tickers, victim)
		s.logger.Debug("evicted ticker", "symbol", victim)
	}
}

// SetProtected replaces the eviction-exempt symbol set.
func (s *Store) SetProtected(symbols []string) {
	next := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		next[sym] = true
	}
	s.protectedMu.Lock()
	s.protected = next
	s.protectedMu.Unlock()
}

// ApplyQuote merges one REST snapshot. Re-applying a snapshot with the same
// timestamp is a no-op, so duplicate polls leave the state unchanged.
// Cumulative-volume regressions are ignored and counted: volume is
// monotonic within a session by invariant.
func (s *Store) ApplyQuote(q types.QuoteSnapshot) {
	t := s.ensure(q.Symbol)
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.quoteAt.IsZero() && !q.Timestamp.After(t.quoteAt) {
		return
	}

	cum := t.cumVolume
	if q.CumVolume >= cum {
		cum = q.CumVolume
	} else {
		s.metrics.IncVolumeRegression()
	}

	t.price = q.Price
	t.changePct = q.ChangePct
	t.cumVolume = cum
	if q.BidTotal > 0 || q.AskTotal > 0 {
		t.bidTotal = q.BidTotal
		t.askTotal = q.AskTotal
	}
	t.quoteAt = q.Timestamp
	t.lastTouch = q.Timestamp

	t.appendSample(q.Timestamp, q.Price, cum, s.barInterval)
}

// ApplyTrade merges one stream trade frame.
func (s *Store) ApplyTrade(f types.TradeFrame) {
	t := s.ensure(f.Symbol)
	t.mu.Lock()
	defer t.mu.Unlock()

	cum := t.cumVolume
	if f.CumVolume >= cum {
		cum = f.CumVolume
	} else {
		s.metrics.IncVolumeRegression()
	}

	t.price = f.Price
	t.changePct = f.ChangePct
	t.cumVolume = cum
	t.tradeIntensity = f.TradeIntensity
	t.buyRatio = f.BuyRatio
	t.tradeAt = f.Timestamp
	t.lastTouch = f.Timestamp

	t.appendSample(f.Timestamp, f.Price, cum, s.barInterval)
}

// ApplyBook merges one stream depth frame. Size vectors are normalised to
// exactly ten levels so the both-length-10-or-absent invariant holds.
func (s *Store) ApplyBook(f types.BookFrame) {
	t := s.ensure(f.Symbol)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.bidTotal = f.BidTotal
	t.askTotal = f.AskTotal
	t.bidSizes = levelSizes(f.Bids)
	t.askSizes = levelSizes(f.Asks)
	t.bookAt = f.Timestamp
	t.lastTouch = f.Timestamp
}

// ApplyDepth merges a REST order-book snapshot (same shape as a stream
// Book frame; used sparingly).
func (s *Store) ApplyDepth(d *types.DepthSnapshot) {
	s.ApplyBook(types.BookFrame{
		Symbol:    d.Symbol,
		Bids:      d.Bids,
		Asks:      d.Asks,
		BidTotal:  d.BidTotal,
		AskTotal:  d.AskTotal,
		Timestamp: d.Timestamp,
	})
}

// SetSessionMeta loads prior-session baselines, typically from the
// pre-session warm-up job.
func (s *Store) SetSessionMeta(meta map[string]types.SessionMeta) {
	for sym, m := range meta {
		t := s.ensure(sym)
		t.mu.Lock()
		t.prevClose = m.PrevClose
		t.avgVolume5d = m.AvgVolume5d
		t.mu.Unlock()
	}
}

// appendSample pushes a rolling-window sample and folds it into the bar
// series. Duplicate timestamps are skipped. Caller holds t.mu.
func (t *Ticker) appendSample(ts time.Time, price, cumVolume float64, barInterval time.Duration) {
	if last, ok := t.samples.last(); ok {
		if !ts.After(last.Ts) {
			return
		}
		t.foldBar(ts, price, cumVolume-last.CumVolume, barInterval)
	} else {
		t.foldBar(ts, price, 0, barInterval)
	}
	t.samples.push(types.Sample{Ts: ts, Price: price, CumVolume: cumVolume})
}

// foldBar updates the forming bar or opens a new one. Caller holds t.mu.
func (t *Ticker) foldBar(ts time.Time, price, volumeDelta float64, barInterval time.Duration) {
	if volumeDelta < 0 {
		volumeDelta = 0
	}
	barTs := ts.Truncate(barInterval)

	if n := len(t.bars); n > 0 && t.bars[n-1].Ts.Equal(barTs) {
		b := &t.bars[n-1]
		if price > b.High {
			b.High = price
		}
		if price < b.Low {
			b.Low = price
		}
		b.Close = price
		b.Volume += volumeDelta
		return
	}

	t.bars = append(t.bars, types.Bar{
		Ts: barTs, Open: price, High: price, Low: price, Close: price, Volume: volumeDelta,
	})
	if len(t.bars) > maxBars {
		t.bars = t.bars[len(t.bars)-maxBars:]
	}
}

// SnapshotFor returns a consistent copy of one symbol's state, or false if
// the symbol has never been observed. Staleness interpretation is left to
// the feature pipeline, which has the calendar context.
func (s *Store) SnapshotFor(symbol string) (types.TickerSnapshot, bool) {
	s.mu.RLock()
	t, ok := s.tickers[symbol]
	s.mu.RUnlock()
	if !ok {
		return types.TickerSnapshot{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	snap := types.TickerSnapshot{
		Symbol:         t.symbol,
		Price:          t.price,
		ChangePct:      t.changePct,
		CumVolume:      t.cumVolume,
		PrevClose:      t.prevClose,
		AvgVolume5d:    t.avgVolume5d,
		BidTotal:       t.bidTotal,
		AskTotal:       t.askTotal,
		TradeIntensity: t.tradeIntensity,
		BuyRatio:       t.buyRatio,
		QuoteAt:        t.quoteAt,
		TradeAt:        t.tradeAt,
		BookAt:         t.bookAt,
		Samples:        t.samples.snapshot(),
	}
	if t.bidSizes != nil {
		snap.BidSizes = append([]float64(nil), t.bidSizes...)
		snap.AskSizes = append([]float64(nil), t.askSizes...)
	}
	if len(t.bars) > 0 {
		snap.Bars = append([]types.Bar(nil), t.bars...)
	}
	return snap, true
}

// Symbols returns every tracked symbol.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tickers))
	for sym := range s.tickers {
		out = append(out, sym)
	}
	return out
}

// Len returns the tracked ticker count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tickers)
}

// ResetSession clears intraday state at session rollover, keeping the
// prior-session baselines until the next warm-up refreshes them.
func (s *Store) ResetSession() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tickers {
		t.mu.Lock()
		t.price = 0
		t.changePct = 0
		t.cumVolume = 0
		t.bidTotal = 0
		t.askTotal = 0
		t.bidSizes = nil
		t.askSizes = nil
		t.tradeIntensity = 0
		t.buyRatio = 0
		t.quoteAt = time.Time{}
		t.tradeAt = time.Time{}
		t.bookAt = time.Time{}
		t.samples.reset()
		t.bars = t.bars[:0]
		t.mu.Unlock()
	}
	s.logger.Info("session state reset", "tickers", len(s.tickers))
}

// levelSizes extracts sizes from depth levels, normalised to ten entries.
func levelSizes(levels []types.Level) []float64 {
	out := make([]float64, depthLevels)
	for i := 0; i < depthLevels && i < len(levels); i++ {
		out[i] = levels[i].Size
	}
	return out
}
