package indicators

import (
	"math"

	"github.com/vyx/signal-engine/pkg/types"
)

// Every function in this package is pure and side-effect free. A nil return
// is the no-value sentinel: the input was too short or the value is
// undefined. Functions never panic and never return NaN.

// GetLatestClose returns the most recent close price.
func GetLatestClose(klines []types.Kline) *float64 {
	if len(klines) == 0 {
		return nil
	}
	v := klines[len(klines)-1].Close
	return &v
}

// GetLatestHigh returns the most recent high price.
func GetLatestHigh(klines []types.Kline) *float64 {
	if len(klines) == 0 {
		return nil
	}
	v := klines[len(klines)-1].High
	return &v
}

// GetLatestLow returns the most recent low price.
func GetLatestLow(klines []types.Kline) *float64 {
	if len(klines) == 0 {
		return nil
	}
	v := klines[len(klines)-1].Low
	return &v
}

// GetLatestVolume returns the most recent base volume.
func GetLatestVolume(klines []types.Kline) *float64 {
	if len(klines) == 0 {
		return nil
	}
	v := klines[len(klines)-1].Volume
	return &v
}

// CalculateMA calculates the Simple Moving Average.
func CalculateMA(klines []types.Kline, period int) *float64 {
	if len(klines) < period || period <= 0 {
		return nil
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Close
	}

	result := sum / float64(period)
	return &result
}

// CalculateMASeries calculates the Simple Moving Average series.
// Positions before the first full window are zero.
func CalculateMASeries(klines []types.Kline, period int) []float64 {
	if len(klines) < period || period <= 0 {
		return make([]float64, len(klines))
	}

	results := make([]float64, len(klines))
	for i := period - 1; i < len(klines); i++ {
		sum := 0.0
		for j := 0; j < period; j++ {
			sum += klines[i-j].Close
		}
		results[i] = sum / float64(period)
	}

	return results
}

// CalculateEMA calculates the Exponential Moving Average.
func CalculateEMA(klines []types.Kline, period int) *float64 {
	if len(klines) < period || period <= 0 {
		return nil
	}

	k := 2.0 / float64(period+1)
	ema := klines[0].Close

	for i := 1; i < len(klines); i++ {
		ema = klines[i].Close*k + ema*(1-k)
	}

	return &ema
}

// CalculateEMASeries calculates the Exponential Moving Average series.
func CalculateEMASeries(klines []types.Kline, period int) []float64 {
	if len(klines) < period || period <= 0 {
		return make([]float64, len(klines))
	}

	results := make([]float64, len(klines))
	k := 2.0 / float64(period+1)

	results[0] = klines[0].Close
	for i := 1; i < len(klines); i++ {
		results[i] = klines[i].Close*k + results[i-1]*(1-k)
	}

	return results
}

// RSIResult contains RSI calculation results.
type RSIResult struct {
	Values []float64
}

// CalculateRSI calculates the Relative Strength Index with Wilder smoothing.
func CalculateRSI(klines []types.Kline, period int) *RSIResult {
	if len(klines) < period+1 || period <= 0 {
		return nil
	}

	gains := 0.0
	losses := 0.0

	for i := 1; i <= period; i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	rsiValues := make([]float64, len(klines))
	rsiValues[period] = rsiFromAverages(avgGain, avgLoss)

	for i := period + 1; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close

		currentGain := 0.0
		currentLoss := 0.0
		if change > 0 {
			currentGain = change
		} else {
			currentLoss = -change
		}

		avgGain = (avgGain*float64(period-1) + currentGain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + currentLoss) / float64(period)

		rsiValues[i] = rsiFromAverages(avgGain, avgLoss)
	}

	return &RSIResult{Values: rsiValues}
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain > 0 {
			return 100
		}
		return 50
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// GetLatestRSI returns the most recent RSI value.
func GetLatestRSI(klines []types.Kline, period int) *float64 {
	result := CalculateRSI(klines, period)
	if result == nil || len(result.Values) == 0 {
		return nil
	}

	val := result.Values[len(result.Values)-1]
	return &val
}

// MACDResult contains MACD series results.
type MACDResult struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACDSnapshot is the latest MACD triple.
type MACDSnapshot struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// CalculateMACD calculates MACD, Signal, and Histogram series.
func CalculateMACD(klines []types.Kline, shortPeriod, longPeriod, signalPeriod int) *MACDResult {
	if len(klines) < longPeriod+signalPeriod || shortPeriod <= 0 || longPeriod <= 0 || signalPeriod <= 0 {
		return nil
	}

	shortEMA := CalculateEMASeries(klines, shortPeriod)
	longEMA := CalculateEMASeries(klines, longPeriod)

	macdLine := make([]float64, len(klines))
	for i := 0; i < len(klines); i++ {
		macdLine[i] = shortEMA[i] - longEMA[i]
	}

	signalLine := calculateEMAFromValues(macdLine, signalPeriod)

	histogram := make([]float64, len(klines))
	for i := 0; i < len(klines); i++ {
		histogram[i] = macdLine[i] - signalLine[i]
	}

	return &MACDResult{
		MACD:      macdLine,
		Signal:    signalLine,
		Histogram: histogram,
	}
}

// GetLatestMACD returns the most recent MACD values.
func GetLatestMACD(klines []types.Kline, shortPeriod, longPeriod, signalPeriod int) *MACDSnapshot {
	result := CalculateMACD(klines, shortPeriod, longPeriod, signalPeriod)
	if result == nil || len(result.MACD) == 0 {
		return nil
	}

	idx := len(result.MACD) - 1
	return &MACDSnapshot{
		MACD:      result.MACD[idx],
		Signal:    result.Signal[idx],
		Histogram: result.Histogram[idx],
	}
}

// BollingerBandsResult is the latest band triple.
type BollingerBandsResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// GetLatestBollingerBands returns the most recent Bollinger Bands values.
// Identical highs and lows produce a zero-width band, never NaN.
func GetLatestBollingerBands(klines []types.Kline, period int, stdDev float64) *BollingerBandsResult {
	middle := CalculateMA(klines, period)
	if middle == nil {
		return nil
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		diff := klines[i].Close - *middle
		sum += diff * diff
	}
	standardDeviation := math.Sqrt(sum / float64(period))

	return &BollingerBandsResult{
		Upper:  *middle + stdDev*standardDeviation,
		Middle: *middle,
		Lower:  *middle - stdDev*standardDeviation,
	}
}

// StochasticResult contains the latest Stochastic Oscillator values.
type StochasticResult struct {
	K float64
	D float64
}

// CalculateStochastic calculates the Stochastic Oscillator. %D is the simple
// average of the last dPeriod %K values.
func CalculateStochastic(klines []types.Kline, kPeriod, dPeriod int) *StochasticResult {
	if kPeriod <= 0 || dPeriod <= 0 || len(klines) < kPeriod+dPeriod-1 {
		return nil
	}

	kValues := make([]float64, dPeriod)
	for d := 0; d < dPeriod; d++ {
		end := len(klines) - d
		window := klines[end-kPeriod : end]

		highestHigh := window[0].High
		lowestLow := window[0].Low
		for _, kl := range window {
			if kl.High > highestHigh {
				highestHigh = kl.High
			}
			if kl.Low < lowestLow {
				lowestLow = kl.Low
			}
		}

		if highestHigh > lowestLow {
			kValues[d] = ((window[kPeriod-1].Close - lowestLow) / (highestHigh - lowestLow)) * 100
		} else {
			kValues[d] = 50
		}
	}

	dSum := 0.0
	for _, k := range kValues {
		dSum += k
	}

	return &StochasticResult{
		K: kValues[0],
		D: dSum / float64(dPeriod),
	}
}

// GetLatestATR calculates the Average True Range with Wilder smoothing.
func GetLatestATR(klines []types.Kline, period int) *float64 {
	if len(klines) < period+1 || period <= 0 {
		return nil
	}

	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(klines[i], klines[i-1])
	}
	atr /= float64(period)

	for i := period + 1; i < len(klines); i++ {
		atr = (atr*float64(period-1) + trueRange(klines[i], klines[i-1])) / float64(period)
	}

	return &atr
}

func trueRange(current, previous types.Kline) float64 {
	tr := current.High - current.Low
	if hc := math.Abs(current.High - previous.Close); hc > tr {
		tr = hc
	}
	if lc := math.Abs(current.Low - previous.Close); lc > tr {
		tr = lc
	}
	return tr
}

// SuperTrendResult holds the latest SuperTrend value and direction.
// Direction is +1 when price trades above the trend line, -1 below.
type SuperTrendResult struct {
	Value     float64
	Direction int
}

// GetLatestSuperTrend calculates the SuperTrend indicator.
func GetLatestSuperTrend(klines []types.Kline, period int, multiplier float64) *SuperTrendResult {
	if len(klines) < period+1 || period <= 0 {
		return nil
	}

	// Seed the bands at the first bar with a full ATR window.
	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(klines[i], klines[i-1])
	}
	atr /= float64(period)

	mid := (klines[period].High + klines[period].Low) / 2
	upper := mid + multiplier*atr
	lower := mid - multiplier*atr
	direction := 1
	value := lower

	for i := period + 1; i < len(klines); i++ {
		atr = (atr*float64(period-1) + trueRange(klines[i], klines[i-1])) / float64(period)

		mid = (klines[i].High + klines[i].Low) / 2
		basicUpper := mid + multiplier*atr
		basicLower := mid - multiplier*atr

		// Bands only ratchet toward price until a close crosses them.
		if basicUpper < upper || klines[i-1].Close > upper {
			upper = basicUpper
		}
		if basicLower > lower || klines[i-1].Close < lower {
			lower = basicLower
		}

		if direction == 1 {
			if klines[i].Close < lower {
				direction = -1
			}
		} else {
			if klines[i].Close > upper {
				direction = 1
			}
		}

		if direction == 1 {
			value = lower
		} else {
			value = upper
		}
	}

	return &SuperTrendResult{Value: value, Direction: direction}
}

// GetLatestOBV calculates On-Balance Volume over the whole slice.
func GetLatestOBV(klines []types.Kline) *float64 {
	if len(klines) < 2 {
		return nil
	}

	obv := 0.0
	for i := 1; i < len(klines); i++ {
		switch {
		case klines[i].Close > klines[i-1].Close:
			obv += klines[i].Volume
		case klines[i].Close < klines[i-1].Close:
			obv -= klines[i].Volume
		}
	}

	return &obv
}

// CalculateVWAP calculates Volume Weighted Average Price, anchored to the
// start of the slice.
func CalculateVWAP(klines []types.Kline) *float64 {
	if len(klines) == 0 {
		return nil
	}

	cumulativeTPV := 0.0
	cumulativeVolume := 0.0

	for _, kline := range klines {
		typicalPrice := (kline.High + kline.Low + kline.Close) / 3
		cumulativeTPV += typicalPrice * kline.Volume
		cumulativeVolume += kline.Volume
	}

	if cumulativeVolume == 0 {
		return nil
	}

	result := cumulativeTPV / cumulativeVolume
	return &result
}

// GetHighestHigh returns the highest high price over the last period bars.
func GetHighestHigh(klines []types.Kline, period int) *float64 {
	if len(klines) < period || period <= 0 {
		return nil
	}

	highestHigh := klines[len(klines)-period].High
	for i := len(klines) - period + 1; i < len(klines); i++ {
		if klines[i].High > highestHigh {
			highestHigh = klines[i].High
		}
	}

	return &highestHigh
}

// GetLowestLow returns the lowest low price over the last period bars.
func GetLowestLow(klines []types.Kline, period int) *float64 {
	if len(klines) < period || period <= 0 {
		return nil
	}

	lowestLow := klines[len(klines)-period].Low
	for i := len(klines) - period + 1; i < len(klines); i++ {
		if klines[i].Low < lowestLow {
			lowestLow = klines[i].Low
		}
	}

	return &lowestLow
}

// CalculateAvgVolume calculates average volume over the last period bars.
func CalculateAvgVolume(klines []types.Kline, period int) *float64 {
	if len(klines) < period || period <= 0 {
		return nil
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Volume
	}

	result := sum / float64(period)
	return &result
}

// GetPriceChangePercent returns the close-to-close percent change over the
// last period bars.
func GetPriceChangePercent(klines []types.Kline, period int) *float64 {
	if len(klines) < period+1 || period <= 0 {
		return nil
	}

	past := klines[len(klines)-period-1].Close
	if past == 0 {
		return nil
	}

	result := (klines[len(klines)-1].Close - past) / past * 100
	return &result
}

// DetectEngulfingPattern detects bullish or bearish engulfing patterns on
// the last two completed candles. Returns "bullish", "bearish" or "".
func DetectEngulfingPattern(klines []types.Kline) string {
	if len(klines) < 3 {
		return ""
	}

	currentIdx := len(klines) - 2
	prevIdx := len(klines) - 3

	curO := klines[currentIdx].Open
	curC := klines[currentIdx].Close
	prevO := klines[prevIdx].Open
	prevC := klines[prevIdx].Close

	currentIsBullish := curC > curO
	currentIsBearish := curC < curO
	prevIsBullish := prevC > prevO
	prevIsBearish := prevC < prevO

	if prevIsBearish && currentIsBullish {
		if curO < prevC && curC > prevO {
			return "bullish"
		}
	}

	if prevIsBullish && currentIsBearish {
		if curO > prevC && curC < prevO {
			return "bearish"
		}
	}

	return ""
}

// calculateEMAFromValues calculates an EMA over a plain value series.
func calculateEMAFromValues(values []float64, period int) []float64 {
	if len(values) < period || period <= 0 {
		return make([]float64, len(values))
	}

	result := make([]float64, len(values))
	k := 2.0 / float64(period+1)

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < len(values); i++ {
		result[i] = values[i]*k + result[i-1]*(1-k)
	}

	return result
}
