package eventbus

import (
	"time"

	"github.com/vyx/signal-engine/pkg/types"
)

// CandleCloseEvent is published whenever a candle finishes on a stream.
// Kline is the completed bar. The candle scheduler also publishes boundary
// events with Symbol "*", a zero Kline and only CloseTime set.
type CandleCloseEvent struct {
	Symbol    string
	Interval  string
	Kline     types.Kline
	CloseTime time.Time
}

// SignalEvent is published after a signal row is persisted.
type SignalEvent struct {
	SignalID  string
	TraderID  string
	Symbol    string
	Interval  string
	Count     int
	Timestamp time.Time
}
