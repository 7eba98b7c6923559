package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vyx/signal-engine/internal/eventbus"
	"github.com/vyx/signal-engine/internal/logger"
	"github.com/vyx/signal-engine/pkg/cache"
	"github.com/vyx/signal-engine/pkg/types"
)

// WSClient maintains a single combined-stream connection for all
// symbol+interval kline streams, feeding the kline cache and publishing
// candle-close events.
type WSClient struct {
	wsURL    string
	conn     *websocket.Conn
	mu       sync.RWMutex
	cache    *cache.KlineCache
	eventBus *eventbus.EventBus

	symbols   []string
	intervals []string

	ctx         context.Context
	cancel      context.CancelFunc
	reconnectCh chan struct{}
	isConnected bool

	// lastClosed deduplicates close events per "SYMBOL-interval".
	lastClosed   map[string]int64
	lastClosedMu sync.Mutex

	log zerolog.Logger
}

// klineEvent is a Binance kline WebSocket event.
type klineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime           int64  `json:"t"`
		CloseTime           int64  `json:"T"`
		Symbol              string `json:"s"`
		Interval            string `json:"i"`
		Open                string `json:"o"`
		Close               string `json:"c"`
		High                string `json:"h"`
		Low                 string `json:"l"`
		Volume              string `json:"v"`
		TradeCount          int    `json:"n"`
		IsClosed            bool   `json:"x"`
		QuoteVolume         string `json:"q"`
		TakerBuyBaseVolume  string `json:"V"`
		TakerBuyQuoteVolume string `json:"Q"`
	} `json:"k"`
}

// streamMessage wraps the kline event from combined streams.
type streamMessage struct {
	Stream string     `json:"stream"`
	Data   klineEvent `json:"data"`
}

// NewWSClient creates a new WebSocket client for Binance kline streams.
func NewWSClient(wsURL string, cache *cache.KlineCache, eventBus *eventbus.EventBus) *WSClient {
	ctx, cancel := context.WithCancel(context.Background())

	return &WSClient{
		wsURL:       wsURL,
		cache:       cache,
		eventBus:    eventBus,
		ctx:         ctx,
		cancel:      cancel,
		reconnectCh: make(chan struct{}, 1),
		lastClosed:  make(map[string]int64),
		log:         logger.WithComponent("ws"),
	}
}

// Connect establishes the connection and subscribes to kline streams.
func (w *WSClient) Connect(symbols []string, intervals []string) error {
	w.mu.Lock()
	w.symbols = symbols
	w.intervals = intervals
	w.mu.Unlock()

	streams := make([]string, 0, len(symbols)*len(intervals))
	for _, symbol := range symbols {
		for _, interval := range intervals {
			streams = append(streams, fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval))
		}
	}

	url := fmt.Sprintf("%s/stream?streams=%s", w.wsURL, strings.Join(streams, "/"))

	w.log.Info().
		Int("symbols", len(symbols)).
		Int("intervals", len(intervals)).
		Int("streams", len(streams)).
		Msg("Connecting kline streams")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.isConnected = true
	w.mu.Unlock()

	go w.readLoop(conn)
	go w.reconnectLoop()

	return nil
}

// readLoop processes incoming messages until the connection drops.
func (w *WSClient) readLoop(conn *websocket.Conn) {
	defer func() {
		w.mu.Lock()
		w.isConnected = false
		w.mu.Unlock()
	}()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.log.Warn().Err(err).Msg("WebSocket read failed, scheduling reconnect")
			w.triggerReconnect()
			return
		}

		if err := w.handleKlineEvent(message); err != nil {
			w.log.Warn().Err(err).Msg("Failed to handle kline event")
		}
	}
}

// handleKlineEvent updates the cache with closed candles and publishes a
// deduplicated candle-close event.
func (w *WSClient) handleKlineEvent(message []byte) error {
	var msg streamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal stream message: %w", err)
	}

	event := msg.Data

	// Only closed candles enter the cache; the still-forming bar is never
	// visible to evaluation tasks.
	if !event.Kline.IsClosed {
		return nil
	}

	kline := types.Kline{
		OpenTime:      event.Kline.StartTime,
		Open:          wsParseFloat(event.Kline.Open),
		High:          wsParseFloat(event.Kline.High),
		Low:           wsParseFloat(event.Kline.Low),
		Close:         wsParseFloat(event.Kline.Close),
		Volume:        wsParseFloat(event.Kline.Volume),
		CloseTime:     event.Kline.CloseTime,
		QuoteVolume:   wsParseFloat(event.Kline.QuoteVolume),
		Trades:        event.Kline.TradeCount,
		TakerBuyBase:  wsParseFloat(event.Kline.TakerBuyBaseVolume),
		TakerBuyQuote: wsParseFloat(event.Kline.TakerBuyQuoteVolume),
	}

	w.cache.Update(event.Symbol, event.Kline.Interval, kline)

	if w.eventBus == nil {
		return nil
	}

	key := event.Symbol + "-" + event.Kline.Interval

	w.lastClosedMu.Lock()
	already := w.lastClosed[key] == event.Kline.CloseTime
	if !already {
		w.lastClosed[key] = event.Kline.CloseTime
	}
	w.lastClosedMu.Unlock()

	if already {
		return nil
	}

	w.eventBus.PublishCandleClose(&eventbus.CandleCloseEvent{
		Symbol:    event.Symbol,
		Interval:  event.Kline.Interval,
		Kline:     kline,
		CloseTime: time.UnixMilli(event.Kline.CloseTime),
	})

	return nil
}

func (w *WSClient) triggerReconnect() {
	select {
	case w.reconnectCh <- struct{}{}:
	default:
	}
}

// reconnectLoop re-establishes the connection with exponential backoff.
func (w *WSClient) reconnectLoop() {
	backoff := 1 * time.Second
	maxBackoff := 60 * time.Second

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.reconnectCh:
			w.log.Info().Dur("backoff", backoff).Msg("Reconnecting WebSocket")
			time.Sleep(backoff)

			w.mu.Lock()
			if w.conn != nil {
				w.conn.Close()
				w.conn = nil
			}
			w.isConnected = false
			symbols := w.symbols
			intervals := w.intervals
			w.mu.Unlock()

			if err := w.Connect(symbols, intervals); err != nil {
				w.log.Warn().Err(err).Msg("Reconnection failed")

				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				w.triggerReconnect()
				continue
			}

			// A successful Connect starts fresh read and reconnect
			// loops; this one retires.
			return
		}
	}
}

// Close gracefully closes the WebSocket connection.
func (w *WSClient) Close() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		w.conn.Close()
		w.conn = nil
	}
	w.isConnected = false

	w.log.Info().Msg("WebSocket closed")
	return nil
}

// IsConnected reports whether the stream is currently connected.
func (w *WSClient) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.isConnected
}

func wsParseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
