package sandbox

import (
	"reflect"

	"github.com/traefik/yaegi/interp"

	"github.com/vyx/signal-engine/pkg/indicators"
	"github.com/vyx/signal-engine/pkg/types"
)

// sandboxSymbols returns the complete symbol surface available to snippets:
// the types package and the indicator library, nothing else. The standard
// library is not loaded at all, so filter code has no route to the clock,
// the filesystem or the network.
func sandboxSymbols() interp.Exports {
	symbols := make(interp.Exports)

	symbols["github.com/vyx/signal-engine/pkg/types/types"] = map[string]reflect.Value{
		"Kline":            reflect.ValueOf((*types.Kline)(nil)),
		"SimplifiedTicker": reflect.ValueOf((*types.SimplifiedTicker)(nil)),
		"MarketData":       reflect.ValueOf((*types.MarketData)(nil)),
		"KlineInterval":    reflect.ValueOf((*types.KlineInterval)(nil)),
	}

	symbols["github.com/vyx/signal-engine/pkg/indicators/indicators"] = map[string]reflect.Value{
		// Price/volume selectors
		"GetLatestClose":  reflect.ValueOf(indicators.GetLatestClose),
		"GetLatestHigh":   reflect.ValueOf(indicators.GetLatestHigh),
		"GetLatestLow":    reflect.ValueOf(indicators.GetLatestLow),
		"GetLatestVolume": reflect.ValueOf(indicators.GetLatestVolume),

		// Moving averages
		"CalculateMA":        reflect.ValueOf(indicators.CalculateMA),
		"CalculateMASeries":  reflect.ValueOf(indicators.CalculateMASeries),
		"CalculateEMA":       reflect.ValueOf(indicators.CalculateEMA),
		"CalculateEMASeries": reflect.ValueOf(indicators.CalculateEMASeries),

		// RSI
		"CalculateRSI": reflect.ValueOf(indicators.CalculateRSI),
		"GetLatestRSI": reflect.ValueOf(indicators.GetLatestRSI),
		"RSIResult":    reflect.ValueOf((*indicators.RSIResult)(nil)),

		// MACD
		"CalculateMACD": reflect.ValueOf(indicators.CalculateMACD),
		"GetLatestMACD": reflect.ValueOf(indicators.GetLatestMACD),
		"MACDResult":    reflect.ValueOf((*indicators.MACDResult)(nil)),
		"MACDSnapshot":  reflect.ValueOf((*indicators.MACDSnapshot)(nil)),

		// Bollinger Bands
		"GetLatestBollingerBands": reflect.ValueOf(indicators.GetLatestBollingerBands),
		"BollingerBandsResult":    reflect.ValueOf((*indicators.BollingerBandsResult)(nil)),

		// Stochastic
		"CalculateStochastic": reflect.ValueOf(indicators.CalculateStochastic),
		"StochasticResult":    reflect.ValueOf((*indicators.StochasticResult)(nil)),

		// Volatility / trend
		"GetLatestATR":        reflect.ValueOf(indicators.GetLatestATR),
		"GetLatestSuperTrend": reflect.ValueOf(indicators.GetLatestSuperTrend),
		"SuperTrendResult":    reflect.ValueOf((*indicators.SuperTrendResult)(nil)),

		// Volume
		"GetLatestOBV":       reflect.ValueOf(indicators.GetLatestOBV),
		"CalculateVWAP":      reflect.ValueOf(indicators.CalculateVWAP),
		"CalculateAvgVolume": reflect.ValueOf(indicators.CalculateAvgVolume),

		// Range / patterns
		"GetHighestHigh":         reflect.ValueOf(indicators.GetHighestHigh),
		"GetLowestLow":           reflect.ValueOf(indicators.GetLowestLow),
		"GetPriceChangePercent":  reflect.ValueOf(indicators.GetPriceChangePercent),
		"DetectEngulfingPattern": reflect.ValueOf(indicators.DetectEngulfingPattern),
	}

	return symbols
}
