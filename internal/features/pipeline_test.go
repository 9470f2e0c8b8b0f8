package features

import (
	"math"
	"testing"
	"time"

	"surgewatch/pkg/types"
)

var sessionOpen = time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)

func calAt(now time.Time) types.CalendarContext {
	return types.CalendarContext{
		Now:          now,
		SessionOpen:  sessionOpen,
		SessionClose: sessionOpen.Add(6*time.Hour + 30*time.Minute),
		Staleness:    25 * time.Second,
	}
}

func masked(t *testing.T, v types.FeatureVector, name string) bool {
	t.Helper()
	idx := types.FeatureIndex(name)
	if idx < 0 {
		t.Fatalf("unknown feature %q", name)
	}
	return v.Masked[idx]
}

func value(t *testing.T, v types.FeatureVector, name string) float64 {
	t.Helper()
	return v.Values[types.FeatureIndex(name)]
}

func TestComputeFullyMaskedOnEmptySnapshot(t *testing.T) {
	t.Parallel()

	v := Compute(types.TickerSnapshot{Symbol: "A"}, calAt(sessionOpen.Add(time.Hour)))
	if v.MaskedCount() != types.FeatureCount {
		t.Errorf("MaskedCount = %d, want all %d", v.MaskedCount(), types.FeatureCount)
	}
	if v.Version != types.SchemaVersion {
		t.Errorf("Version = %d, want %d", v.Version, types.SchemaVersion)
	}
	for i, val := range v.Values {
		if val != 0 {
			t.Errorf("masked value[%d] = %v, want zero sentinel", i, val)
		}
	}
}

func TestOFIZeroDenominatorMasked(t *testing.T) {
	t.Parallel()

	now := sessionOpen.Add(time.Hour)
	snap := types.TickerSnapshot{
		Symbol: "A", BidTotal: 0, AskTotal: 0, BookAt: now,
	}
	v := Compute(snap, calAt(now))
	if !masked(t, v, "ofi") {
		t.Error("ofi with empty book should stay masked, got a value")
	}

	snap.BidTotal, snap.AskTotal = 300, 100
	v = Compute(snap, calAt(now))
	if masked(t, v, "ofi") {
		t.Fatal("ofi masked despite fresh book with depth")
	}
	if got := value(t, v, "ofi"); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("ofi = %v, want 0.5", got)
	}
}

func TestStaleSourcesMasked(t *testing.T) {
	t.Parallel()

	now := sessionOpen.Add(time.Hour)
	snap := types.TickerSnapshot{
		Symbol:         "A",
		Price:          100,
		ChangePct:      2.5,
		TradeIntensity: 1.1,
		BuyRatio:       0.6,
		BidTotal:       10, AskTotal: 10,
		QuoteAt: now.Add(-time.Minute), // beyond the 25s bound
		TradeAt: now.Add(-time.Minute),
		BookAt:  now.Add(-time.Minute),
	}
	v := Compute(snap, calAt(now))
	for _, name := range []string{"ofi", "trade_intensity", "buy_ratio", "change_pct"} {
		if !masked(t, v, name) {
			t.Errorf("%s should be masked when its source is stale", name)
		}
	}
}

func TestMomentumRequiresWindowCoverage(t *testing.T) {
	t.Parallel()

	now := sessionOpen.Add(time.Hour)
	snap := types.TickerSnapshot{
		Symbol: "A", Price: 105, QuoteAt: now,
		Samples: []types.Sample{
			{Ts: now.Add(-2 * time.Minute), Price: 100},
			{Ts: now, Price: 105},
		},
	}
	v := Compute(snap, calAt(now))
	if !masked(t, v, "momentum_5m") {
		t.Error("momentum with 2 minutes of coverage should be masked")
	}

	snap.Samples = []types.Sample{
		{Ts: now.Add(-6 * time.Minute), Price: 100},
		{Ts: now.Add(-3 * time.Minute), Price: 102},
		{Ts: now, Price: 105},
	}
	v = Compute(snap, calAt(now))
	if masked(t, v, "momentum_5m") {
		t.Fatal("momentum masked despite full window")
	}
	if got := value(t, v, "momentum_5m"); math.Abs(got-0.05) > 1e-12 {
		t.Errorf("momentum = %v, want 0.05", got)
	}
}

func TestVolumeRatioScalesByElapsedFraction(t *testing.T) {
	t.Parallel()

	// Halfway through a 6.5h session.
	now := sessionOpen.Add(3*time.Hour + 15*time.Minute)
	snap := types.TickerSnapshot{
		Symbol: "A", Price: 100, CumVolume: 600, AvgVolume5d: 1000, QuoteAt: now,
	}
	v := Compute(snap, calAt(now))
	if masked(t, v, "volume_ratio") {
		t.Fatal("volume_ratio masked despite baseline and fresh quote")
	}
	// baseline = 1000 × 0.5 = 500; ratio = 600/500.
	if got := value(t, v, "volume_ratio"); math.Abs(got-1.2) > 1e-12 {
		t.Errorf("volume_ratio = %v, want 1.2", got)
	}
}

func TestVolumeRatioMaskedWithoutBaseline(t *testing.T) {
	t.Parallel()

	now := sessionOpen.Add(time.Hour)
	snap := types.TickerSnapshot{Symbol: "A", Price: 100, CumVolume: 600, QuoteAt: now}
	if v := Compute(snap, calAt(now)); !masked(t, v, "volume_ratio") {
		t.Error("volume_ratio without AvgVolume5d should be masked")
	}
}

func TestNonFiniteInputsStayMasked(t *testing.T) {
	t.Parallel()

	now := sessionOpen.Add(time.Hour)
	snap := types.TickerSnapshot{
		Symbol: "A", Price: 100,
		ChangePct:      math.NaN(),
		TradeIntensity: math.Inf(1),
		BuyRatio:       0.5,
		QuoteAt:        now,
		TradeAt:        now,
	}
	v := Compute(snap, calAt(now))
	if !masked(t, v, "change_pct") {
		t.Error("NaN change_pct must stay masked")
	}
	if !masked(t, v, "trade_intensity") {
		t.Error("Inf trade_intensity must stay masked")
	}
	if masked(t, v, "buy_ratio") {
		t.Error("finite buy_ratio should be set")
	}
	for i, val := range v.Values {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			t.Errorf("non-finite value leaked at index %d", i)
		}
	}
}

func TestRSIKnownSeries(t *testing.T) {
	t.Parallel()

	// Strictly rising closes: RSI must saturate at 100.
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	r, ok := rsi(closes, 14)
	if !ok {
		t.Fatal("rsi not ready with 20 closes")
	}
	if math.Abs(r-100) > 1e-9 {
		t.Errorf("rsi of monotonic rise = %v, want 100", r)
	}

	// Alternating equal-sized moves: RSI 50.
	alt := make([]float64, 21)
	alt[0] = 100
	for i := 1; i < len(alt); i++ {
		if i%2 == 1 {
			alt[i] = alt[i-1] + 1
		} else {
			alt[i] = alt[i-1] - 1
		}
	}
	r, ok = rsi(alt, 14)
	if !ok {
		t.Fatal("rsi not ready")
	}
	if math.Abs(r-50) > 1 {
		t.Errorf("rsi of alternating series = %v, want ≈50", r)
	}

	if _, ok := rsi(closes[:10], 14); ok {
		t.Error("rsi with too few closes reported ready")
	}
}

func TestBollingerFlatSeriesMasked(t *testing.T) {
	t.Parallel()

	flat := make([]float64, 25)
	for i := range flat {
		flat[i] = 100
	}
	if _, ok := bollinger(flat, 20, 2); ok {
		t.Error("bollinger on zero-width band reported ready")
	}
}

func TestVolumeAccel(t *testing.T) {
	t.Parallel()

	now := sessionOpen.Add(time.Hour)
	// 10 minutes of samples: 100 shares in the prior 5m, 300 in the last 5m.
	samples := []types.Sample{
		{Ts: now.Add(-10 * time.Minute), Price: 100, CumVolume: 1000},
		{Ts: now.Add(-5 * time.Minute), Price: 100, CumVolume: 1100},
		{Ts: now, Price: 100, CumVolume: 1400},
	}
	accel, ok := volumeAccel(samples, now)
	if !ok {
		t.Fatal("volumeAccel not ready with 10m coverage")
	}
	if math.Abs(accel-3) > 1e-12 {
		t.Errorf("volumeAccel = %v, want 3", accel)
	}

	if _, ok := volumeAccel(samples[1:], now); ok {
		t.Error("volumeAccel with 5m coverage reported ready")
	}
}
