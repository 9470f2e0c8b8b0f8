// Package planner periodically re-targets the stream session at the most
// promising universe members. It ranks symbols by volume ratio, takes the
// top K for both channels, and issues the delta against the current
// registry: unsubscribes first, a short settle delay so the broker frees
// the slots, then subscribes. Already-subscribed symbols win near-equal
// ranks (stickiness) to avoid churn, and the planner never exceeds the
// session cap — a broker-side rejection drops the lowest-ranked candidate
// with a warning and the symbol is reconsidered on the next rotation.
package planner

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"surgewatch/internal/broker"
	"surgewatch/internal/config"
	"surgewatch/pkg/types"
)

// rankTieEpsilon: volume ratios closer than this count as equal rank and
// the stickiness tie-break applies.
const rankTieEpsilon = 0.05

// StreamControl is the slice of the stream client the planner drives.
type StreamControl interface {
	Subscribe(ctx context.Context, symbol string, channel types.Channel) error
	Unsubscribe(ctx context.Context, symbol string, channel types.Channel) error
	Subscribed() []types.SubKey
	Slots() int
}

// Universe is the slice of the feature store the planner ranks.
type Universe interface {
	Symbols() []string
	SnapshotFor(symbol string) (types.TickerSnapshot, bool)
	SetProtected(symbols []string)
}

// Calendar supplies the session clock for volume-ratio scaling.
type Calendar func(now time.Time) types.CalendarContext

// Planner owns subscription rotation.
type Planner struct {
	stream   StreamControl
	universe Universe
	calendar Calendar

	topK        int
	settleDelay time.Duration
	retryDelay  time.Duration
	interval    time.Duration

	nudge  chan struct{}
	logger *slog.Logger
}

// New creates a planner.
func New(cfg config.PlannerConfig, stream StreamControl, universe Universe, cal Calendar, logger *slog.Logger) *Planner {
	return &Planner{
		stream:      stream,
		universe:    universe,
		calendar:    cal,
		topK:        cfg.TopK,
		settleDelay: cfg.SettleDelay,
		retryDelay:  cfg.RetryDelay,
		interval:    cfg.Interval,
		nudge:       make(chan struct{}, 1),
		logger:      logger.With("component", "planner"),
	}
}

// Nudge requests an off-schedule rotation (significant rank change).
func (p *Planner) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// Run rotates subscriptions on the configured interval until ctx is
// cancelled.
func (p *Planner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.nudge:
		}
		if err := p.Rotate(ctx, time.Now()); err != nil && ctx.Err() == nil {
			p.logger.Warn("rotation failed", "error", err)
		}
	}
}

type ranked struct {
	symbol string
	ratio  float64
}

// Rotate performs one full re-targeting pass.
func (p *Planner) Rotate(ctx context.Context, now time.Time) error {
	current := currentSymbols(p.stream.Subscribed())
	target := p.target(now, current)

	toDrop := diff(current, target)
	toAdd := diffOrdered(target, current)

	if len(toDrop) == 0 && len(toAdd) == 0 {
		return nil
	}
	p.logger.Info("rotating subscriptions",
		"current", len(current), "target", len(target),
		"drop", len(toDrop), "add", len(toAdd),
	)

	for _, sym := range toDrop {
		for _, ch := range []types.Channel{types.ChannelTrades, types.ChannelBook} {
			if err := p.stream.Unsubscribe(ctx, sym, ch); err != nil {
				p.logger.Warn("unsubscribe failed", "symbol", sym, "channel", ch, "error", err)
			}
		}
	}

	if len(toAdd) > 0 && len(toDrop) > 0 {
		// Let the broker release the freed slots before re-filling them.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.settleDelay):
		}
	}

	for i, sym := range toAdd {
		if err := p.subscribeBoth(ctx, sym); err != nil {
			if errors.Is(err, broker.ErrSubscriptionCap) {
				p.logger.Warn("subscription cap reached, deferring remaining candidates",
					"symbol", sym, "deferred", len(toAdd)-i, "slots", p.stream.Slots())
				break
			}
			p.logger.Warn("subscribe failed, retrying next rotation", "symbol", sym, "error", err)
		}
	}

	p.universe.SetProtected(currentSymbols(p.stream.Subscribed()))
	return nil
}

func (p *Planner) subscribeBoth(ctx context.Context, sym string) error {
	if err := p.stream.Subscribe(ctx, sym, types.ChannelTrades); err != nil {
		return err
	}
	if err := p.stream.Subscribe(ctx, sym, types.ChannelBook); err != nil {
		// Depth slot refused: give the trade slot back so the pair invariant
		// (both channels or neither) holds.
		_ = p.stream.Unsubscribe(ctx, sym, types.ChannelTrades)
		return err
	}
	return nil
}

// target ranks the universe by volume ratio and returns the top-K symbols,
// best first. Already-subscribed symbols win ties within rankTieEpsilon.
func (p *Planner) target(now time.Time, current []string) []string {
	subscribed := make(map[string]bool, len(current))
	for _, s := range current {
		subscribed[s] = true
	}
	cal := p.calendar(now)
	elapsed := cal.ElapsedFraction()

	candidates := make([]ranked, 0, 64)
	for _, sym := range p.universe.Symbols() {
		snap, ok := p.universe.SnapshotFor(sym)
		if !ok {
			continue
		}
		baseline := snap.AvgVolume5d * elapsed
		if baseline <= 0 {
			continue
		}
		candidates = append(candidates, ranked{symbol: sym, ratio: snap.CumVolume / baseline})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ratio > candidates[j].ratio
	})
	// Stickiness pass over the pure ratio order: a subscribed symbol is
	// promoted past unsubscribed neighbours whose lead is within the tie
	// band, and no further. The result does not depend on input order.
	for i := 1; i < len(candidates); i++ {
		if !subscribed[candidates[i].symbol] {
			continue
		}
		for j := i; j > 0; j-- {
			ahead := candidates[j-1]
			if subscribed[ahead.symbol] || ahead.ratio-candidates[j].ratio > rankTieEpsilon {
				break
			}
			candidates[j-1], candidates[j] = candidates[j], ahead
		}
	}

	k := p.topK
	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = candidates[i].symbol
	}
	return out
}

// currentSymbols collapses registry slots to distinct symbols, keeping
// acknowledgement order.
func currentSymbols(keys []types.SubKey) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k.Symbol] {
			seen[k.Symbol] = true
			out = append(out, k.Symbol)
		}
	}
	return out
}

// diff returns members of a not in b, preserving a's order.
func diff(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	out := make([]string, 0)
	for _, s := range a {
		if !in[s] {
			out = append(out, s)
		}
	}
	return out
}

// diffOrdered is diff with the semantic name for the add path: target order
// is rank order, so additions are issued best-candidate first.
func diffOrdered(target, current []string) []string {
	return diff(target, current)
}
