package planner

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"surgewatch/internal/broker"
	"surgewatch/internal/config"
	"surgewatch/pkg/types"
)

type op struct {
	kind    string // "sub" or "unsub"
	symbol  string
	channel types.Channel
}

// fakeStream records subscription traffic and can refuse specific keys.
type fakeStream struct {
	cap    int
	subs   []types.SubKey
	ops    []op
	refuse map[types.SubKey]error
}

func newFakeStream(cap int) *fakeStream {
	return &fakeStream{cap: cap, refuse: make(map[types.SubKey]error)}
}

func (f *fakeStream) Subscribe(_ context.Context, sym string, ch types.Channel) error {
	k := types.SubKey{Symbol: sym, Channel: ch}
	if err, ok := f.refuse[k]; ok {
		return err
	}
	if len(f.subs) >= f.cap {
		return broker.ErrSubscriptionCap
	}
	f.ops = append(f.ops, op{"sub", sym, ch})
	f.subs = append(f.subs, k)
	return nil
}

func (f *fakeStream) Unsubscribe(_ context.Context, sym string, ch types.Channel) error {
	f.ops = append(f.ops, op{"unsub", sym, ch})
	k := types.SubKey{Symbol: sym, Channel: ch}
	for i, s := range f.subs {
		if s == k {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeStream) Subscribed() []types.SubKey { return append([]types.SubKey(nil), f.subs...) }
func (f *fakeStream) Slots() int                 { return f.cap - len(f.subs) }

// fakeUniverse ranks symbols by a fixed volume ratio.
type fakeUniverse struct {
	order     []string
	ratios    map[string]float64
	protected []string
}

func (f *fakeUniverse) Symbols() []string { return f.order }

func (f *fakeUniverse) SnapshotFor(sym string) (types.TickerSnapshot, bool) {
	r, ok := f.ratios[sym]
	if !ok {
		return types.TickerSnapshot{}, false
	}
	if r == 0 {
		// Present but without a prior-session baseline.
		return types.TickerSnapshot{Symbol: sym}, true
	}
	// ElapsedFraction is 0.5 in the test calendar, so CumVolume = ratio·50
	// against AvgVolume5d = 100 reproduces the wanted ratio.
	return types.TickerSnapshot{Symbol: sym, CumVolume: r * 50, AvgVolume5d: 100}, true
}

func (f *fakeUniverse) SetProtected(symbols []string) { f.protected = symbols }

func testCalendar(now time.Time) types.CalendarContext {
	open := time.Date(now.Year(), now.Month(), now.Day(), 9, 0, 0, 0, now.Location())
	return types.CalendarContext{
		Now:          open.Add(time.Hour),
		SessionOpen:  open,
		SessionClose: open.Add(2 * time.Hour),
		Staleness:    25 * time.Second,
	}
}

func newTestPlanner(stream *fakeStream, uni *fakeUniverse, topK int) *Planner {
	cfg := config.PlannerConfig{
		Interval:    time.Minute,
		TopK:        topK,
		SettleDelay: time.Millisecond,
		RetryDelay:  time.Millisecond,
	}
	return New(cfg, stream, uni, testCalendar, slog.Default())
}

func TestRotateSubscribesTopK(t *testing.T) {
	t.Parallel()

	stream := newFakeStream(10)
	uni := &fakeUniverse{
		order:  []string{"A", "B", "C", "D"},
		ratios: map[string]float64{"A": 3.0, "B": 1.0, "C": 2.0, "D": 0.5},
	}
	p := newTestPlanner(stream, uni, 2)

	if err := p.Rotate(context.Background(), time.Now()); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	// Best candidate first, both channels per symbol.
	want := []op{
		{"sub", "A", types.ChannelTrades},
		{"sub", "A", types.ChannelBook},
		{"sub", "C", types.ChannelTrades},
		{"sub", "C", types.ChannelBook},
	}
	if len(stream.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", stream.ops, want)
	}
	for i := range want {
		if stream.ops[i] != want[i] {
			t.Errorf("ops[%d] = %v, want %v", i, stream.ops[i], want[i])
		}
	}
	if len(uni.protected) != 2 {
		t.Errorf("protected = %v, want the 2 subscribed symbols", uni.protected)
	}
}

func TestRotateUnsubscribesBeforeSubscribing(t *testing.T) {
	t.Parallel()

	stream := newFakeStream(10)
	uni := &fakeUniverse{
		order:  []string{"A", "B"},
		ratios: map[string]float64{"A": 3.0, "B": 1.0},
	}
	p := newTestPlanner(stream, uni, 1)
	if err := p.Rotate(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}

	// B overtakes A: the next rotation must drop A before adding B.
	uni.ratios["B"] = 9.0
	stream.ops = nil
	if err := p.Rotate(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}

	var firstSub, lastUnsub = -1, -1
	for i, o := range stream.ops {
		if o.kind == "unsub" {
			lastUnsub = i
		}
		if o.kind == "sub" && firstSub == -1 {
			firstSub = i
		}
	}
	if lastUnsub == -1 || firstSub == -1 || lastUnsub > firstSub {
		t.Errorf("ops = %v, want all unsubscribes before the first subscribe", stream.ops)
	}
	if len(stream.subs) != 2 {
		t.Errorf("subs = %v, want B on both channels", stream.subs)
	}
}

func TestRotateStopsAtSubscriptionCap(t *testing.T) {
	t.Parallel()

	stream := newFakeStream(2) // room for one symbol pair
	uni := &fakeUniverse{
		order:  []string{"A", "B", "C"},
		ratios: map[string]float64{"A": 3.0, "B": 2.0, "C": 1.0},
	}
	p := newTestPlanner(stream, uni, 3)
	if err := p.Rotate(context.Background(), time.Now()); err != nil {
		t.Fatalf("Rotate() error = %v, cap rejection must not fail the pass", err)
	}

	if len(stream.subs) != 2 {
		t.Fatalf("subs = %v, want only the best pair", stream.subs)
	}
	if stream.subs[0].Symbol != "A" {
		t.Errorf("kept symbol = %s, want A", stream.subs[0].Symbol)
	}
}

func TestRotateRollsBackHalfSubscribedPair(t *testing.T) {
	t.Parallel()

	stream := newFakeStream(10)
	stream.refuse[types.SubKey{Symbol: "A", Channel: types.ChannelBook}] = broker.ErrSubscriptionCap
	uni := &fakeUniverse{
		order:  []string{"A"},
		ratios: map[string]float64{"A": 3.0},
	}
	p := newTestPlanner(stream, uni, 1)
	if err := p.Rotate(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}

	if len(stream.subs) != 0 {
		t.Errorf("subs = %v, want trade slot returned after depth refusal", stream.subs)
	}
	last := stream.ops[len(stream.ops)-1]
	if last.kind != "unsub" || last.channel != types.ChannelTrades {
		t.Errorf("final op = %v, want trades unsubscribe rollback", last)
	}
}

func TestStickinessWithinEpsilon(t *testing.T) {
	t.Parallel()

	stream := newFakeStream(10)
	uni := &fakeUniverse{
		order:  []string{"A", "B"},
		ratios: map[string]float64{"A": 1.00, "B": 0.98},
	}
	p := newTestPlanner(stream, uni, 1)
	if err := p.Rotate(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if stream.subs[0].Symbol != "A" {
		t.Fatalf("initial pick = %s, want A", stream.subs[0].Symbol)
	}

	// B edges ahead but stays within the tie band: A keeps its slot.
	uni.ratios["B"] = 1.03
	stream.ops = nil
	if err := p.Rotate(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(stream.ops) != 0 {
		t.Errorf("ops = %v, want no churn inside the tie band", stream.ops)
	}

	// A clear lead does rotate.
	uni.ratios["B"] = 1.10
	if err := p.Rotate(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if stream.subs[0].Symbol != "B" {
		t.Errorf("subs = %v, want B after a decisive lead", stream.subs)
	}
}

func TestTargetStickinessIsBoundedAndOrderIndependent(t *testing.T) {
	t.Parallel()

	// C holds a slot and sits within the tie band of B but not of A: it is
	// promoted past B only, and the ranking must not depend on the order
	// the universe happens to enumerate in.
	ratios := map[string]float64{"A": 1.08, "B": 1.04, "C": 1.01}
	orders := [][]string{
		{"A", "B", "C"},
		{"C", "B", "A"},
		{"B", "A", "C"},
	}
	want := []string{"A", "C", "B"}

	for _, order := range orders {
		uni := &fakeUniverse{order: order, ratios: ratios}
		p := newTestPlanner(newFakeStream(10), uni, 3)
		got := p.target(time.Now(), []string{"C"})
		if len(got) != len(want) {
			t.Fatalf("target(%v) = %v, want %v", order, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("target(%v) = %v, want %v", order, got, want)
				break
			}
		}
	}
}

func TestTargetSkipsSymbolsWithoutBaseline(t *testing.T) {
	t.Parallel()

	stream := newFakeStream(10)
	uni := &fakeUniverse{
		order:  []string{"A", "B"},
		ratios: map[string]float64{"A": 2.0},
	}
	// B has a snapshot but no baseline volume.
	uni.ratios["B"] = 0
	p := newTestPlanner(stream, uni, 2)
	if err := p.Rotate(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	for _, s := range stream.subs {
		if s.Symbol == "B" {
			t.Error("symbol without baseline was subscribed")
		}
	}
}
