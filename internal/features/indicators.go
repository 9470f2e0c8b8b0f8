package features

import "math"

// Standard technical indicator formulations over bar closes. Every function
// reports ok=false until its warm-up period has elapsed; callers mask the
// feature instead of publishing a partial value.

const (
	rsiPeriod  = 14
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
	bbPeriod   = 20
	bbWidth    = 2.0
	maPeriod   = 20
)

// rsi computes Wilder's RSI over the last period deltas.
func rsi(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}
	var gain, loss float64
	for i := len(closes) - period; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if gain+loss == 0 {
		return 50, true // flat series
	}
	if loss == 0 {
		return 100, true
	}
	rs := gain / loss
	return 100 - 100/(1+rs), true
}

// ema computes the exponential moving average series for the given period.
func ema(values []float64, period int) []float64 {
	if len(values) == 0 {
		return nil
	}
	out := make([]float64, len(values))
	alpha := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// macdHist computes the MACD(12,26,9) histogram: macd line minus its signal.
func macdHist(closes []float64) (float64, bool) {
	if len(closes) < macdSlow+macdSignal {
		return 0, false
	}
	fast := ema(closes, macdFast)
	slow := ema(closes, macdSlow)
	macd := make([]float64, len(closes))
	for i := range closes {
		macd[i] = fast[i] - slow[i]
	}
	signal := ema(macd, macdSignal)
	return macd[len(macd)-1] - signal[len(signal)-1], true
}

// bollinger computes %B over the last period closes with k standard
// deviations: 0 at the lower band, 1 at the upper. ok is false during
// warm-up or when the band has zero width.
func bollinger(closes []float64, period int, k float64) (float64, bool) {
	if len(closes) < period {
		return 0, false
	}
	window := closes[len(closes)-period:]
	mean := sma(window)
	var variance float64
	for _, c := range window {
		d := c - mean
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	if sd == 0 {
		return 0, false
	}
	lower := mean - k*sd
	upper := mean + k*sd
	return (closes[len(closes)-1] - lower) / (upper - lower), true
}

// maDistance computes the last close's distance to the period moving
// average as a fraction: close/MA − 1.
func maDistance(closes []float64, period int) (float64, bool) {
	if len(closes) < period {
		return 0, false
	}
	m := sma(closes[len(closes)-period:])
	if m == 0 {
		return 0, false
	}
	return closes[len(closes)-1]/m - 1, true
}

func sma(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
