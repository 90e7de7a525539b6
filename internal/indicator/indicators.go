// Package indicator computes technical indicators over candle windows.
// Everything here is a pure function: callers pass the window, nothing is
// cached between ticks.
package indicator

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/regime-trader/pkg/types"
	"github.com/atlas-desktop/regime-trader/pkg/utils"
)

// Default parameters applied when an IndicatorSpec carries none.
const (
	DefaultPeriod     = 14
	DefaultFastPeriod = 12
	DefaultSlowPeriod = 26
	DefaultSignalSpan = 9
	// DefaultScale maps a raw fractional deviation onto [-1,1]: a move of
	// DefaultScale (5%) saturates the normalized output.
	DefaultScale = 0.05
)

// ErrInsufficientData indicates the candle window is too short for the
// requested indicator. Callers treat it as "hold", not as a fault.
var ErrInsufficientData = fmt.Errorf("insufficient candle data")

// Closes extracts close prices as float64.
func Closes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i], _ = c.Close.Float64()
	}
	return out
}

// Returns computes one-period close-to-close returns.
func Returns(candles []types.Candle) []float64 {
	closes := Closes(candles)
	if len(closes) < 2 {
		return nil
	}
	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		rets = append(rets, (closes[i]-closes[i-1])/closes[i-1])
	}
	return rets
}

// Mean returns the arithmetic mean.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the sample standard deviation.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	var sumSq float64
	for _, v := range values {
		diff := v - mean
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

// Volatility is the standard deviation of one-period returns over the
// window. Not annualized; thresholds are expressed in the same units.
func Volatility(candles []types.Candle) float64 {
	return StdDev(Returns(candles))
}

// SMA returns the simple moving average of the last period closes.
func SMA(closes []float64, period int) (float64, error) {
	if period <= 0 || len(closes) < period {
		return 0, ErrInsufficientData
	}
	return Mean(closes[len(closes)-period:]), nil
}

// EMA returns the exponential moving average over the whole series, seeded
// with the first value.
func EMA(closes []float64, period int) (float64, error) {
	if period <= 0 || len(closes) < period {
		return 0, ErrInsufficientData
	}
	k := 2.0 / (float64(period) + 1.0)
	ema := closes[0]
	for _, c := range closes[1:] {
		ema = c*k + ema*(1-k)
	}
	return ema, nil
}

// RSI returns the Wilder relative strength index over the last period.
func RSI(closes []float64, period int) (float64, error) {
	if period <= 0 || len(closes) < period+1 {
		return 0, ErrInsufficientData
	}
	window := closes[len(closes)-period-1:]
	var gains, losses float64
	for i := 1; i < len(window); i++ {
		delta := window[i] - window[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, nil
		}
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// MACD returns the MACD line, signal line and histogram.
func MACD(closes []float64, fast, slow, signalSpan int) (line, signal, hist float64, err error) {
	if len(closes) < slow+signalSpan {
		return 0, 0, 0, ErrInsufficientData
	}
	// Build the MACD line series so the signal EMA has history to smooth.
	series := make([]float64, 0, signalSpan)
	for i := len(closes) - signalSpan; i <= len(closes); i++ {
		fastEMA, ferr := EMA(closes[:i], fast)
		slowEMA, serr := EMA(closes[:i], slow)
		if ferr != nil || serr != nil {
			return 0, 0, 0, ErrInsufficientData
		}
		series = append(series, fastEMA-slowEMA)
	}
	line = series[len(series)-1]
	signal, err = EMA(series, signalSpan)
	if err != nil {
		return 0, 0, 0, err
	}
	return line, signal, line - signal, nil
}

// ROC returns the rate of change over period candles.
func ROC(closes []float64, period int) (float64, error) {
	if period <= 0 || len(closes) < period+1 {
		return 0, ErrInsufficientData
	}
	base := closes[len(closes)-period-1]
	if base == 0 {
		return 0, nil
	}
	return (closes[len(closes)-1] - base) / base, nil
}

// Bollinger returns %B: where the close sits inside the period bands.
func Bollinger(closes []float64, period int, stdDevs float64) (float64, error) {
	if period <= 0 || len(closes) < period {
		return 0, ErrInsufficientData
	}
	window := closes[len(closes)-period:]
	mid := Mean(window)
	dev := StdDev(window)
	if dev == 0 {
		return 0.5, nil
	}
	upper := mid + stdDevs*dev
	lower := mid - stdDevs*dev
	return (window[len(window)-1] - lower) / (upper - lower), nil
}

// VolumeTrend weights the recent price direction by relative volume: a move
// on heavy volume scores stronger than the same move on thin volume.
func VolumeTrend(candles []types.Candle, period int) (float64, error) {
	if period <= 0 || len(candles) < period+1 {
		return 0, ErrInsufficientData
	}
	window := candles[len(candles)-period:]
	var volSum float64
	for _, c := range window {
		v, _ := c.Volume.Float64()
		volSum += v
	}
	avgVol := volSum / float64(period)
	last := window[len(window)-1]
	lastVol, _ := last.Volume.Float64()
	closes := Closes(candles)
	roc, err := ROC(closes, period)
	if err != nil {
		return 0, err
	}
	ratio := 1.0
	if avgVol > 0 {
		ratio = lastVol / avgVol
	}
	return roc * ratio, nil
}

func param(params map[string]float64, key string, fallback float64) float64 {
	if v, ok := params[key]; ok && v > 0 {
		return v
	}
	return fallback
}

// Compute evaluates one IndicatorSpec against the candle window and
// normalizes the result into [-1, 1]. Positive values lean bullish.
func Compute(spec types.IndicatorSpec, candles []types.Candle) (float64, error) {
	closes := Closes(candles)
	period := int(param(spec.Params, "period", DefaultPeriod))
	scale := param(spec.Params, "scale", DefaultScale)

	switch spec.Type {
	case "sma":
		sma, err := SMA(closes, period)
		if err != nil {
			return 0, err
		}
		if sma == 0 {
			return 0, nil
		}
		dev := (closes[len(closes)-1] - sma) / sma
		return utils.Clamp(dev/scale, -1, 1), nil

	case "ema":
		ema, err := EMA(closes, period)
		if err != nil {
			return 0, err
		}
		if ema == 0 {
			return 0, nil
		}
		dev := (closes[len(closes)-1] - ema) / ema
		return utils.Clamp(dev/scale, -1, 1), nil

	case "rsi":
		rsi, err := RSI(closes, period)
		if err != nil {
			return 0, err
		}
		return (rsi - 50) / 50, nil

	case "macd":
		fast := int(param(spec.Params, "fast", DefaultFastPeriod))
		slow := int(param(spec.Params, "slow", DefaultSlowPeriod))
		span := int(param(spec.Params, "signal", DefaultSignalSpan))
		_, _, hist, err := MACD(closes, fast, slow, span)
		if err != nil {
			return 0, err
		}
		price := closes[len(closes)-1]
		if price == 0 {
			return 0, nil
		}
		return utils.Clamp(hist/(price*scale), -1, 1), nil

	case "momentum":
		roc, err := ROC(closes, period)
		if err != nil {
			return 0, err
		}
		return utils.Clamp(roc/scale, -1, 1), nil

	case "bollinger":
		stdDevs := param(spec.Params, "stdDevs", 2)
		pctB, err := Bollinger(closes, period, stdDevs)
		if err != nil {
			return 0, err
		}
		return utils.Clamp(2*pctB-1, -1, 1), nil

	case "volume_trend":
		vt, err := VolumeTrend(candles, period)
		if err != nil {
			return 0, err
		}
		return utils.Clamp(vt/scale, -1, 1), nil

	default:
		return 0, fmt.Errorf("unknown indicator type %q", spec.Type)
	}
}
