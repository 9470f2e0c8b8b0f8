// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the pipeline — quote snapshots,
// depth levels, stream frames, the versioned feature vector, detection
// events, and the calendar context used by feature computation. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"
)

// Stream channels and subscriptions

// Channel identifies a broker stream subscription channel.
type Channel string

const (
	ChannelTrades Channel = "trades" // per-symbol trade prints with intensity fields
	ChannelBook   Channel = "book"   // per-symbol ten-level depth snapshots
)

// SubKey identifies one subscription slot. Each (symbol, channel) pair
// counts as one slot against the broker's per-session cap.
type SubKey struct {
	Symbol  string
	Channel Channel
}

func (k SubKey) String() string {
	return k.Symbol + "/" + string(k.Channel)
}

// Market data — REST snapshots

// QuoteSnapshot is the normalized result for one symbol in a batch-quote
// response. Wire-format parsing lives in the broker package; the rest of
// the pipeline only sees this shape.
type QuoteSnapshot struct {
	Symbol    string
	Price     float64 // last traded price
	ChangePct float64 // percent change vs previous close
	CumVolume float64 // cumulative shares since session open
	CumValue  float64 // cumulative traded value since session open
	Open      float64
	High      float64
	Low       float64
	BestBid   float64
	BestAsk   float64
	BidTotal  float64 // aggregate resting bid size across the visible book
	AskTotal  float64 // aggregate resting ask size across the visible book
	Timestamp time.Time
}

// Level is a single price level in a depth snapshot.
type Level struct {
	Price float64
	Size  float64
}

// DepthSnapshot is a ten-level order book, from either the REST order-book
// endpoint or a stream Book frame. Bids descend by price, asks ascend.
type DepthSnapshot struct {
	Symbol    string
	Bids      []Level
	Asks      []Level
	BidTotal  float64
	AskTotal  float64
	Timestamp time.Time
}

// Stream frames

// Frame is a typed message delivered by the broker stream client. Exactly
// TradeFrame and BookFrame implement it.
type Frame interface {
	FrameSymbol() string
}

// TradeFrame carries per-trade aggregates for one symbol. Trade frames are
// never dropped under backpressure because they advance cumulative volume.
type TradeFrame struct {
	Symbol         string
	Price          float64
	CumVolume      float64 // cumulative shares since session open
	TradeIntensity float64 // broker-reported aggressive buy/sell pressure
	BuyRatio       float64 // fraction of recent volume on the buy side, [0, 1]
	ChangePct      float64
	Timestamp      time.Time
}

func (f TradeFrame) FrameSymbol() string { return f.Symbol }

// BookFrame is an absolute ten-level depth snapshot for one symbol. Because
// the state is absolute, an undelivered older BookFrame for the same symbol
// may be discarded in favour of a newer one.
type BookFrame struct {
	Symbol    string
	Bids      []Level // length 10, best first
	Asks      []Level // length 10, best first
	BidTotal  float64
	AskTotal  float64
	Timestamp time.Time
}

func (f BookFrame) FrameSymbol() string { return f.Symbol }

// Feature vector

// SchemaVersion is stamped on every feature vector produced by the
// pipeline. Changing the feature set (names, order, or semantics) requires
// bumping this and retraining before inference accepts the new schema.
const SchemaVersion = 4

// FeatureNames lists the vector elements in their stable order. Index i of
// Values and Masked corresponds to FeatureNames[i] across training and
// inference alike.
var FeatureNames = [...]string{
	"ofi",             // order-flow imbalance, [-1, 1]
	"trade_intensity", // broker aggressive-pressure scalar
	"buy_ratio",       // [0, 1]
	"volume_ratio",    // intraday cumvol vs elapsed-scaled 5-day baseline
	"momentum_5m",     // 5-minute price return
	"rsi_14",          // RSI(14) over 1m bars
	"macd_hist",       // MACD(12,26,9) histogram over 1m bars
	"bb_percent_b",    // Bollinger %B (20, 2) over 1m bars
	"ma20_distance",   // close distance to 20-bar moving average
	"volume_accel",    // last-5m traded volume over prior-5m volume
	"change_pct",      // percent change vs previous close
}

// FeatureCount is the fixed width of the feature vector.
const FeatureCount = len(FeatureNames)

// FeatureIndex returns the position of a feature name, or -1 if unknown.
func FeatureIndex(name string) int {
	for i, n := range FeatureNames {
		if n == name {
			return i
		}
	}
	return -1
}

// FeatureVector is one fixed-schema record per inference tick per symbol.
// Every element is finite: a feature that cannot be computed is stored as
// the zero sentinel with Masked[i]=true, never as NaN or Inf.
type FeatureVector struct {
	Symbol    string
	Timestamp time.Time
	Version   int
	Values    [FeatureCount]float64
	Masked    [FeatureCount]bool
}

// Set stores a value at index i and clears its mask bit.
func (v *FeatureVector) Set(i int, val float64) {
	v.Values[i] = val
	v.Masked[i] = false
}

// MaskOut marks index i missing and zeroes its sentinel value.
func (v *FeatureVector) MaskOut(i int) {
	v.Values[i] = 0
	v.Masked[i] = true
}

// MaskBits packs the mask into a uint32 for compact persistence: bit i set
// means feature i is masked. FeatureCount must stay ≤ 32.
func (v *FeatureVector) MaskBits() uint32 {
	var bits uint32
	for i := 0; i < FeatureCount; i++ {
		if v.Masked[i] {
			bits |= 1 << uint(i)
		}
	}
	return bits
}

// SetMaskBits restores the mask from its packed form.
func (v *FeatureVector) SetMaskBits(bits uint32) {
	for i := 0; i < FeatureCount; i++ {
		v.Masked[i] = bits&(1<<uint(i)) != 0
	}
}

// MaskedCount returns how many elements are missing.
func (v *FeatureVector) MaskedCount() int {
	n := 0
	for _, m := range v.Masked {
		if m {
			n++
		}
	}
	return n
}

// Ticker state views

// Sample is one rolling-window entry at inference granularity.
type Sample struct {
	Ts        time.Time
	Price     float64
	CumVolume float64
}

// Bar is one aggregated minute interval used by the technical indicators.
type Bar struct {
	Ts     time.Time // bar open time, truncated to the bar interval
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64 // shares traded within the bar
}

// TickerSnapshot is a consistent read of one symbol's state, taken under
// the ticker lock. BidSizes/AskSizes are either both length 10 (depth seen)
// or both nil. Per-source timestamps let the feature pipeline apply its
// staleness bound; a zero timestamp means that source never delivered.
type TickerSnapshot struct {
	Symbol string

	Price     float64
	ChangePct float64
	CumVolume float64

	PrevClose   float64 // previous session close, loaded at warm-up
	AvgVolume5d float64 // average full-session volume over the prior 5 sessions

	BidTotal float64
	AskTotal float64
	BidSizes []float64 // ten levels, best first; nil until depth arrives
	AskSizes []float64

	TradeIntensity float64
	BuyRatio       float64

	QuoteAt time.Time // last REST quote applied
	TradeAt time.Time // last stream trade applied
	BookAt  time.Time // last depth applied (stream or REST order book)

	Samples []Sample // ascending by time, newest last
	Bars    []Bar    // ascending by time; the last bar may still be forming
}

// SessionMeta is the prior-session baseline for one symbol, loaded during
// the pre-session warm-up and refreshed overnight.
type SessionMeta struct {
	PrevClose   float64
	AvgVolume5d float64
}

// CalendarContext carries the session clock into feature computation.
type CalendarContext struct {
	Now          time.Time
	SessionOpen  time.Time
	SessionClose time.Time
	Staleness    time.Duration // age beyond which a source is masked
}

// ElapsedFraction returns how far through the session Now is, clamped to
// [0, 1]. Used to scale the prior-session volume baseline down to a
// comparable elapsed span.
func (c CalendarContext) ElapsedFraction() float64 {
	total := c.SessionClose.Sub(c.SessionOpen)
	if total <= 0 {
		return 0
	}
	f := float64(c.Now.Sub(c.SessionOpen)) / float64(total)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Detections

// FeatureContribution names one feature's estimated share of an ensemble
// score, used to explain a detection.
type FeatureContribution struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

// Detection is emitted when the ensemble probability crosses the active
// threshold for a symbol. Delivery is fire-and-forget to the configured
// sink; downstream handling is an external concern.
type Detection struct {
	ID           string                `json:"id"`
	Timestamp    time.Time             `json:"timestamp"`
	Symbol       string                `json:"symbol"`
	Probability  float64               `json:"probability"`
	Threshold    float64               `json:"threshold"`
	ModelVersion int                   `json:"model_version"`
	TopFeatures  []FeatureContribution `json:"top_features"` // at most 3, by |contribution|
	Snapshot     TickerSnapshot        `json:"snapshot"`
}

// History and labels

// HistoryRecord is one appended observation: the feature vector plus the
// price needed later for forward labelling.
type HistoryRecord struct {
	Timestamp time.Time
	Symbol    string
	Vector    FeatureVector
	Price     float64
}

// LabelRecord is produced by the labeller once the forward window for a
// history record has fully elapsed.
type LabelRecord struct {
	Timestamp  time.Time
	Symbol     string
	Label      int     // 1 iff the forward peak return met the threshold
	PeakReturn float64 // realised max(price)/price − 1 over the window
}
