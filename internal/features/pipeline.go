// Package features derives the fixed-schema feature vector from a ticker
// snapshot. Compute is a pure function of its inputs: missing, stale, or
// non-finite inputs mask the affected feature rather than producing NaN or
// Inf, so every published vector element is finite by construction.
package features

import (
	"math"
	"time"

	"surgewatch/pkg/types"
)

const momentumWindow = 5 * time.Minute

// Feature indices resolved once against the schema.
var (
	idxOFI       = types.FeatureIndex("ofi")
	idxIntensity = types.FeatureIndex("trade_intensity")
	idxBuyRatio  = types.FeatureIndex("buy_ratio")
	idxVolRatio  = types.FeatureIndex("volume_ratio")
	idxMomentum  = types.FeatureIndex("momentum_5m")
	idxRSI       = types.FeatureIndex("rsi_14")
	idxMACD      = types.FeatureIndex("macd_hist")
	idxBB        = types.FeatureIndex("bb_percent_b")
	idxMA20      = types.FeatureIndex("ma20_distance")
	idxVolAccel  = types.FeatureIndex("volume_accel")
	idxChangePct = types.FeatureIndex("change_pct")
)

// Compute derives the feature vector for one ticker at cal.Now. The vector
// starts fully masked; each feature is set only when its inputs are fresh,
// warm, and finite.
func Compute(snap types.TickerSnapshot, cal types.CalendarContext) types.FeatureVector {
	v := types.FeatureVector{
		Symbol:    snap.Symbol,
		Timestamp: cal.Now,
		Version:   types.SchemaVersion,
	}
	for i := range v.Masked {
		v.Masked[i] = true
	}

	fresh := func(ts time.Time) bool {
		return !ts.IsZero() && cal.Now.Sub(ts) <= cal.Staleness
	}
	quoteFresh := fresh(snap.QuoteAt)
	tradeFresh := fresh(snap.TradeAt)
	bookFresh := fresh(snap.BookAt)
	priceFresh := quoteFresh || tradeFresh

	// Order-flow imbalance: masked on zero denominator, never ±Inf.
	if bookFresh {
		denom := snap.BidTotal + snap.AskTotal
		if denom > 0 {
			set(&v, idxOFI, (snap.BidTotal-snap.AskTotal)/denom)
		}
	}

	// Stream-only aggregates.
	if tradeFresh {
		set(&v, idxIntensity, snap.TradeIntensity)
		set(&v, idxBuyRatio, snap.BuyRatio)
	}

	// Volume ratio: intraday cumulative volume against the prior-session
	// baseline scaled to the elapsed session fraction.
	if priceFresh {
		if baseline := snap.AvgVolume5d * cal.ElapsedFraction(); baseline > 0 {
			ratio := snap.CumVolume / baseline
			if ratio < 0 {
				ratio = 0
			}
			set(&v, idxVolRatio, ratio)
		}
		set(&v, idxChangePct, snap.ChangePct)
	}

	// Momentum over the rolling window; masked until the window is full.
	if priceFresh {
		if prior, ok := priceAt(snap.Samples, cal.Now.Add(-momentumWindow)); ok && prior > 0 {
			set(&v, idxMomentum, snap.Price/prior-1)
		}
	}

	// Volume acceleration: last five minutes of traded volume over the five
	// before; requires ten minutes of coverage.
	if priceFresh {
		if accel, ok := volumeAccel(snap.Samples, cal.Now); ok {
			set(&v, idxVolAccel, accel)
		}
	}

	// Bar-series technicals, each masked until its own warm-up elapses.
	closes := barCloses(snap.Bars)
	if r, ok := rsi(closes, rsiPeriod); ok {
		set(&v, idxRSI, r)
	}
	if h, ok := macdHist(closes); ok {
		set(&v, idxMACD, h)
	}
	if b, ok := bollinger(closes, bbPeriod, bbWidth); ok {
		set(&v, idxBB, b)
	}
	if d, ok := maDistance(closes, maPeriod); ok {
		set(&v, idxMA20, d)
	}

	return v
}

// set stores a value only when it is finite; NaN or Inf leaves the feature
// masked so bad inputs never propagate.
func set(v *types.FeatureVector, i int, val float64) {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return
	}
	v.Set(i, val)
}

// priceAt returns the newest sample price at or before ts. ok is false when
// the window does not yet reach back that far.
func priceAt(samples []types.Sample, ts time.Time) (float64, bool) {
	if len(samples) == 0 || samples[0].Ts.After(ts) {
		return 0, false
	}
	price := samples[0].Price
	for _, s := range samples {
		if s.Ts.After(ts) {
			break
		}
		price = s.Price
	}
	return price, true
}

// cumVolumeAt mirrors priceAt for cumulative volume.
func cumVolumeAt(samples []types.Sample, ts time.Time) (float64, bool) {
	if len(samples) == 0 || samples[0].Ts.After(ts) {
		return 0, false
	}
	cum := samples[0].CumVolume
	for _, s := range samples {
		if s.Ts.After(ts) {
			break
		}
		cum = s.CumVolume
	}
	return cum, true
}

func volumeAccel(samples []types.Sample, now time.Time) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	mid, ok := cumVolumeAt(samples, now.Add(-momentumWindow))
	if !ok {
		return 0, false
	}
	start, ok := cumVolumeAt(samples, now.Add(-2*momentumWindow))
	if !ok {
		return 0, false
	}
	last := samples[len(samples)-1].CumVolume
	recent := last - mid
	prior := mid - start
	if prior <= 0 {
		return 0, false
	}
	return recent / prior, true
}

// barCloses extracts the close series, skipping non-finite bars outright.
func barCloses(bars []types.Bar) []float64 {
	out := make([]float64, 0, len(bars))
	for _, b := range bars {
		if math.IsNaN(b.Close) || math.IsInf(b.Close, 0) {
			continue
		}
		out = append(out, b.Close)
	}
	return out
}
