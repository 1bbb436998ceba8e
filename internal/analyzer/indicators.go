package analyzer

import (
	"math"

	"coin-portfolio-bot/internal/exchange"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the Simple Moving Average of closes over the last period candles.
func SMA(klines []exchange.Kline, period int) float64 {
	if len(klines) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Close
	}
	return sum / float64(period)
}

// EMA calculates the Exponential Moving Average, seeded with an SMA.
func EMA(klines []exchange.Kline, period int) float64 {
	if len(klines) < period || period <= 0 {
		return 0
	}

	ema := SMA(klines[:period], period)
	multiplier := 2.0 / float64(period+1)

	for i := period; i < len(klines); i++ {
		ema = (klines[i].Close * multiplier) + (ema * (1 - multiplier))
	}
	return ema
}

// ============================================================================
// RSI
// ============================================================================

// RSI calculates the Relative Strength Index. Returns 50 (neutral) when
// there is not enough history.
func RSI(klines []exchange.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 50.0
	}

	gains := 0.0
	losses := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerBands holds the three band values.
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger calculates Bollinger Bands over the last period candles.
func Bollinger(klines []exchange.Kline, period int, stdDevMultiplier float64) BollingerBands {
	if len(klines) < period {
		return BollingerBands{}
	}

	middle := SMA(klines, period)

	variance := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		diff := klines[i].Close - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))

	return BollingerBands{
		Upper:  middle + stdDev*stdDevMultiplier,
		Middle: middle,
		Lower:  middle - stdDev*stdDevMultiplier,
	}
}

// ============================================================================
// ATR
// ============================================================================

// ATR calculates the Average True Range over the last period candles.
func ATR(klines []exchange.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 0
	}

	trSum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		high := klines[i].High
		low := klines[i].Low
		prevClose := klines[i-1].Close

		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trSum += tr
	}
	return trSum / float64(period)
}

// ============================================================================
// STOCHASTIC OSCILLATOR
// ============================================================================

// Stochastic holds %K and %D oscillator values.
type Stochastic struct {
	K float64
	D float64
}

// StochasticOscillator calculates %K over kPeriod and %D as the SMA of the
// last dPeriod %K values.
func StochasticOscillator(klines []exchange.Kline, kPeriod, dPeriod int) Stochastic {
	if len(klines) < kPeriod+dPeriod {
		return Stochastic{K: 50, D: 50}
	}

	kValues := make([]float64, 0, dPeriod)
	for offset := dPeriod - 1; offset >= 0; offset-- {
		end := len(klines) - offset
		kValues = append(kValues, percentK(klines[:end], kPeriod))
	}

	dSum := 0.0
	for _, k := range kValues {
		dSum += k
	}

	return Stochastic{
		K: kValues[len(kValues)-1],
		D: dSum / float64(len(kValues)),
	}
}

func percentK(klines []exchange.Kline, period int) float64 {
	startIdx := len(klines) - period
	highestHigh := klines[startIdx].High
	lowestLow := klines[startIdx].Low

	for i := startIdx; i < len(klines); i++ {
		if klines[i].High > highestHigh {
			highestHigh = klines[i].High
		}
		if klines[i].Low < lowestLow {
			lowestLow = klines[i].Low
		}
	}

	if highestHigh == lowestLow {
		return 50
	}
	currentClose := klines[len(klines)-1].Close
	return ((currentClose - lowestLow) / (highestHigh - lowestLow)) * 100
}

// ============================================================================
// ADX (trend strength)
// ============================================================================

// ADX calculates the Average Directional Index from Wilder-smoothed +DI/-DI.
// A reading below ~20 indicates a ranging, directionless market.
func ADX(klines []exchange.Kline, period int) float64 {
	if len(klines) < 2*period+1 {
		return 0
	}

	var trs, plusDMs, minusDMs []float64
	for i := 1; i < len(klines); i++ {
		high := klines[i].High
		low := klines[i].Low
		prevHigh := klines[i-1].High
		prevLow := klines[i-1].Low
		prevClose := klines[i-1].Close

		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trs = append(trs, tr)

		upMove := high - prevHigh
		downMove := prevLow - low

		plusDM := 0.0
		minusDM := 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}
		plusDMs = append(plusDMs, plusDM)
		minusDMs = append(minusDMs, minusDM)
	}

	smoothTR := wilderSum(trs[:period])
	smoothPlus := wilderSum(plusDMs[:period])
	smoothMinus := wilderSum(minusDMs[:period])

	var dxs []float64
	for i := period; i < len(trs); i++ {
		smoothTR = smoothTR - smoothTR/float64(period) + trs[i]
		smoothPlus = smoothPlus - smoothPlus/float64(period) + plusDMs[i]
		smoothMinus = smoothMinus - smoothMinus/float64(period) + minusDMs[i]

		if smoothTR == 0 {
			continue
		}
		plusDI := 100 * smoothPlus / smoothTR
		minusDI := 100 * smoothMinus / smoothTR

		diSum := plusDI + minusDI
		if diSum == 0 {
			continue
		}
		dxs = append(dxs, 100*math.Abs(plusDI-minusDI)/diSum)
	}

	if len(dxs) == 0 {
		return 0
	}

	// Average the last period DX values (Wilder seeds ADX the same way).
	n := period
	if len(dxs) < n {
		n = len(dxs)
	}
	sum := 0.0
	for _, dx := range dxs[len(dxs)-n:] {
		sum += dx
	}
	return sum / float64(n)
}

func wilderSum(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum
}

// ============================================================================
// VOLUME
// ============================================================================

// AverageVolume calculates average volume over the last period candles.
func AverageVolume(klines []exchange.Kline, period int) float64 {
	if len(klines) == 0 {
		return 0
	}
	if len(klines) < period {
		period = len(klines)
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Volume
	}
	return sum / float64(period)
}
