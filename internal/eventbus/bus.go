package eventbus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/vyx/signal-engine/internal/logger"
)

// subscriberBuffer is the channel depth handed to each subscriber. Publishes
// never block: a full subscriber drops the event instead of stalling the
// market-data path.
const subscriberBuffer = 1000

// EventBus provides in-memory pub/sub for candle-close and signal events.
type EventBus struct {
	candleCloseSubscribers []chan *CandleCloseEvent
	candleCloseMu          sync.RWMutex

	signalSubscribers []chan *SignalEvent
	signalMu          sync.RWMutex

	closed bool
	log    zerolog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		log: logger.WithComponent("eventbus"),
	}
}

// Stop closes all subscriber channels. Publishing after Stop is a no-op.
func (b *EventBus) Stop() {
	b.candleCloseMu.Lock()
	for _, ch := range b.candleCloseSubscribers {
		close(ch)
	}
	b.candleCloseSubscribers = nil
	b.closed = true
	b.candleCloseMu.Unlock()

	b.signalMu.Lock()
	for _, ch := range b.signalSubscribers {
		close(ch)
	}
	b.signalSubscribers = nil
	b.signalMu.Unlock()

	b.log.Info().Msg("Event bus stopped")
}

// PublishCandleClose publishes a candle close event to all subscribers.
func (b *EventBus) PublishCandleClose(event *CandleCloseEvent) {
	b.candleCloseMu.RLock()
	defer b.candleCloseMu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.candleCloseSubscribers {
		select {
		case ch <- event:
		default:
			b.log.Warn().
				Str("symbol", event.Symbol).
				Str("interval", event.Interval).
				Msg("Candle close subscriber full, dropping event")
		}
	}
}

// SubscribeCandleClose creates a new subscription to candle close events.
func (b *EventBus) SubscribeCandleClose() <-chan *CandleCloseEvent {
	b.candleCloseMu.Lock()
	defer b.candleCloseMu.Unlock()

	ch := make(chan *CandleCloseEvent, subscriberBuffer)
	b.candleCloseSubscribers = append(b.candleCloseSubscribers, ch)
	return ch
}

// PublishSignal publishes a signal event to all subscribers.
func (b *EventBus) PublishSignal(event *SignalEvent) {
	b.signalMu.RLock()
	defer b.signalMu.RUnlock()

	for _, ch := range b.signalSubscribers {
		select {
		case ch <- event:
		default:
			b.log.Warn().
				Str("signal_id", event.SignalID).
				Msg("Signal subscriber full, dropping event")
		}
	}
}

// SubscribeSignals creates a new subscription to signal events.
func (b *EventBus) SubscribeSignals() <-chan *SignalEvent {
	b.signalMu.Lock()
	defer b.signalMu.Unlock()

	ch := make(chan *SignalEvent, subscriberBuffer)
	b.signalSubscribers = append(b.signalSubscribers, ch)
	return ch
}

// CandleCloseSubscriberCount returns the number of candle close subscribers.
func (b *EventBus) CandleCloseSubscriberCount() int {
	b.candleCloseMu.RLock()
	defer b.candleCloseMu.RUnlock()
	return len(b.candleCloseSubscribers)
}
