package indicators

import (
	"math"
	"testing"

	"github.com/vyx/signal-engine/pkg/types"
)

// makeKlines builds a series from close prices with contiguous times.
func makeKlines(closes []float64) []types.Kline {
	klines := make([]types.Kline, len(closes))
	for i, c := range closes {
		klines[i] = types.Kline{
			OpenTime:  int64(i) * 60_000,
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    100,
			CloseTime: int64(i+1)*60_000 - 1,
		}
	}
	return klines
}

func constantSeries(value float64, n int) []types.Kline {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = value
	}
	return makeKlines(closes)
}

func risingSeries(start float64, n int) []types.Kline {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = start + float64(i)
	}
	return makeKlines(closes)
}

func TestCalculateMA(t *testing.T) {
	klines := makeKlines([]float64{1, 2, 3, 4, 5})

	ma := CalculateMA(klines, 5)
	if ma == nil {
		t.Fatal("expected MA value, got nil")
	}
	if *ma != 3.0 {
		t.Errorf("expected MA=3.0, got %f", *ma)
	}

	ma = CalculateMA(klines, 2)
	if ma == nil || *ma != 4.5 {
		t.Errorf("expected MA(2)=4.5, got %v", ma)
	}
}

func TestNoValueOnShortInput(t *testing.T) {
	short := makeKlines([]float64{1, 2})

	if CalculateMA(short, 5) != nil {
		t.Error("MA on short input should be nil")
	}
	if CalculateEMA(short, 5) != nil {
		t.Error("EMA on short input should be nil")
	}
	if GetLatestRSI(short, 14) != nil {
		t.Error("RSI on short input should be nil")
	}
	if GetLatestMACD(short, 12, 26, 9) != nil {
		t.Error("MACD on short input should be nil")
	}
	if GetLatestBollingerBands(short, 20, 2) != nil {
		t.Error("Bollinger on short input should be nil")
	}
	if CalculateStochastic(short, 14, 3) != nil {
		t.Error("Stochastic on short input should be nil")
	}
	if GetLatestATR(short, 14) != nil {
		t.Error("ATR on short input should be nil")
	}
	if GetLatestSuperTrend(short, 10, 3) != nil {
		t.Error("SuperTrend on short input should be nil")
	}
	if GetHighestHigh(short, 5) != nil {
		t.Error("HighestHigh on short input should be nil")
	}
	if GetLowestLow(short, 5) != nil {
		t.Error("LowestLow on short input should be nil")
	}
	if CalculateAvgVolume(short, 5) != nil {
		t.Error("AvgVolume on short input should be nil")
	}
	if GetPriceChangePercent(short, 5) != nil {
		t.Error("PriceChangePercent on short input should be nil")
	}
}

func TestNoValueOnEmptyInput(t *testing.T) {
	var empty []types.Kline

	if GetLatestClose(empty) != nil {
		t.Error("latest close of empty input should be nil")
	}
	if GetLatestHigh(empty) != nil {
		t.Error("latest high of empty input should be nil")
	}
	if GetLatestLow(empty) != nil {
		t.Error("latest low of empty input should be nil")
	}
	if GetLatestVolume(empty) != nil {
		t.Error("latest volume of empty input should be nil")
	}
	if GetLatestOBV(empty) != nil {
		t.Error("OBV of empty input should be nil")
	}
	if CalculateVWAP(empty) != nil {
		t.Error("VWAP of empty input should be nil")
	}
	if DetectEngulfingPattern(empty) != "" {
		t.Error("engulfing on empty input should be empty string")
	}
}

func TestZeroPeriodRejected(t *testing.T) {
	klines := makeKlines([]float64{1, 2, 3, 4, 5})

	if CalculateMA(klines, 0) != nil {
		t.Error("MA with period 0 should be nil")
	}
	if GetLatestRSI(klines, 0) != nil {
		t.Error("RSI with period 0 should be nil")
	}
	if GetLatestATR(klines, -1) != nil {
		t.Error("ATR with negative period should be nil")
	}
}

func TestRSIDirection(t *testing.T) {
	up := GetLatestRSI(risingSeries(100, 50), 14)
	if up == nil {
		t.Fatal("expected RSI for rising series")
	}
	if *up != 100 {
		t.Errorf("monotonically rising series should give RSI=100, got %f", *up)
	}

	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 200 - float64(i)
	}
	down := GetLatestRSI(makeKlines(closes), 14)
	if down == nil {
		t.Fatal("expected RSI for falling series")
	}
	if *down != 0 {
		t.Errorf("monotonically falling series should give RSI=0, got %f", *down)
	}
}

func TestRSINeverNaN(t *testing.T) {
	flat := GetLatestRSI(constantSeries(100, 50), 14)
	if flat == nil {
		t.Fatal("expected RSI for flat series")
	}
	if math.IsNaN(*flat) {
		t.Error("flat series RSI must not be NaN")
	}
	if *flat != 50 {
		t.Errorf("flat series RSI should be neutral 50, got %f", *flat)
	}
}

func TestBollingerZeroWidth(t *testing.T) {
	bands := GetLatestBollingerBands(constantSeries(100, 30), 20, 2)
	if bands == nil {
		t.Fatal("expected bands for constant series")
	}

	if bands.Upper != bands.Middle || bands.Lower != bands.Middle {
		t.Errorf("constant series should give zero-width bands: %+v", bands)
	}
	if math.IsNaN(bands.Upper) || math.IsNaN(bands.Lower) {
		t.Error("bands must not be NaN")
	}
}

func TestStochasticFlatSeries(t *testing.T) {
	// Flat highs/lows: %K is defined as neutral, never NaN.
	klines := constantSeries(100, 30)
	for i := range klines {
		klines[i].High = 100
		klines[i].Low = 100
	}

	stoch := CalculateStochastic(klines, 14, 3)
	if stoch == nil {
		t.Fatal("expected stochastic result")
	}
	if math.IsNaN(stoch.K) || math.IsNaN(stoch.D) {
		t.Error("stochastic must not be NaN on flat input")
	}
	if stoch.K != 50 || stoch.D != 50 {
		t.Errorf("flat series should give K=D=50, got K=%f D=%f", stoch.K, stoch.D)
	}
}

func TestStochasticRange(t *testing.T) {
	stoch := CalculateStochastic(risingSeries(100, 40), 14, 3)
	if stoch == nil {
		t.Fatal("expected stochastic result")
	}
	if stoch.K < 0 || stoch.K > 100 || stoch.D < 0 || stoch.D > 100 {
		t.Errorf("stochastic out of range: K=%f D=%f", stoch.K, stoch.D)
	}
	// Rising closes sit near the top of the window.
	if stoch.K < 80 {
		t.Errorf("rising series should give high %%K, got %f", stoch.K)
	}
}

func TestMACDSignCrossing(t *testing.T) {
	snapshot := GetLatestMACD(risingSeries(100, 60), 12, 26, 9)
	if snapshot == nil {
		t.Fatal("expected MACD snapshot")
	}
	if snapshot.MACD <= 0 {
		t.Errorf("rising series should give positive MACD, got %f", snapshot.MACD)
	}
	if snapshot.Histogram != snapshot.MACD-snapshot.Signal {
		t.Errorf("histogram must equal MACD-signal")
	}
}

func TestATRConstantRange(t *testing.T) {
	// Every bar has high-low = 2 and no gaps, so ATR converges to 2.
	atr := GetLatestATR(constantSeries(100, 50), 14)
	if atr == nil {
		t.Fatal("expected ATR")
	}
	if math.Abs(*atr-2.0) > 1e-9 {
		t.Errorf("expected ATR=2.0, got %f", *atr)
	}
}

func TestSuperTrendDirection(t *testing.T) {
	up := GetLatestSuperTrend(risingSeries(100, 60), 10, 3)
	if up == nil {
		t.Fatal("expected SuperTrend result")
	}
	if up.Direction != 1 && up.Direction != -1 {
		t.Errorf("direction must be +1 or -1, got %d", up.Direction)
	}

	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 500 - 5*float64(i)
	}
	down := GetLatestSuperTrend(makeKlines(closes), 10, 3)
	if down == nil {
		t.Fatal("expected SuperTrend result")
	}
	if down.Direction != -1 {
		t.Errorf("steep downtrend should flip direction to -1, got %d", down.Direction)
	}
}

func TestOBV(t *testing.T) {
	obv := GetLatestOBV(makeKlines([]float64{100, 101, 102, 101}))
	if obv == nil {
		t.Fatal("expected OBV")
	}
	// +100 +100 -100
	if *obv != 100 {
		t.Errorf("expected OBV=100, got %f", *obv)
	}
}

func TestVWAP(t *testing.T) {
	vwap := CalculateVWAP(constantSeries(100, 10))
	if vwap == nil {
		t.Fatal("expected VWAP")
	}
	// Typical price = (101+99+100)/3 = 100 on every bar.
	if math.Abs(*vwap-100) > 1e-9 {
		t.Errorf("expected VWAP=100, got %f", *vwap)
	}

	zeroVol := constantSeries(100, 10)
	for i := range zeroVol {
		zeroVol[i].Volume = 0
	}
	if CalculateVWAP(zeroVol) != nil {
		t.Error("zero-volume VWAP should be nil, not a division result")
	}
}

func TestHighestHighLowestLow(t *testing.T) {
	klines := makeKlines([]float64{5, 9, 3, 7, 6})

	high := GetHighestHigh(klines, 5)
	if high == nil || *high != 10 {
		t.Errorf("expected highest high 10, got %v", high)
	}

	low := GetLowestLow(klines, 5)
	if low == nil || *low != 2 {
		t.Errorf("expected lowest low 2, got %v", low)
	}

	// Window shorter than the series only looks back that far.
	high = GetHighestHigh(klines, 2)
	if high == nil || *high != 8 {
		t.Errorf("expected highest high 8 over last 2 bars, got %v", high)
	}
}

func TestPriceChangePercent(t *testing.T) {
	change := GetPriceChangePercent(makeKlines([]float64{100, 105, 110}), 2)
	if change == nil {
		t.Fatal("expected percent change")
	}
	if math.Abs(*change-10.0) > 1e-9 {
		t.Errorf("expected +10%%, got %f", *change)
	}
}

func TestDetectEngulfingPattern(t *testing.T) {
	// Previous candle bearish (10→8), current bullish engulfing (7→11).
	bullish := []types.Kline{
		{Open: 10, Close: 10},
		{Open: 10, Close: 8},
		{Open: 7, Close: 11},
		{Open: 11, Close: 11}, // still-forming bar, ignored
	}
	if got := DetectEngulfingPattern(bullish); got != "bullish" {
		t.Errorf("expected bullish engulfing, got %q", got)
	}

	// Previous candle bullish (8→10), current bearish engulfing (11→7).
	bearish := []types.Kline{
		{Open: 8, Close: 8},
		{Open: 8, Close: 10},
		{Open: 11, Close: 7},
		{Open: 7, Close: 7},
	}
	if got := DetectEngulfingPattern(bearish); got != "bearish" {
		t.Errorf("expected bearish engulfing, got %q", got)
	}

	if got := DetectEngulfingPattern(constantSeries(100, 10)); got != "" {
		t.Errorf("flat series should detect nothing, got %q", got)
	}
}

func TestEMARespondsFasterThanMA(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100
	}
	closes[39] = 120 // sudden jump
	klines := makeKlines(closes)

	ema := CalculateEMA(klines, 20)
	ma := CalculateMA(klines, 20)
	if ema == nil || ma == nil {
		t.Fatal("expected EMA and MA values")
	}
	if *ema <= *ma {
		t.Errorf("EMA (%f) should respond faster than MA (%f) to the jump", *ema, *ma)
	}
}
