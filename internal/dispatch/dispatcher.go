package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vyx/signal-engine/internal/eventbus"
	"github.com/vyx/signal-engine/internal/logger"
	"github.com/vyx/signal-engine/internal/scheduler"
	"github.com/vyx/signal-engine/internal/trader"
	"github.com/vyx/signal-engine/pkg/sandbox"
	"github.com/vyx/signal-engine/pkg/types"
)

const (
	// klineLimit is how much history each evaluation reads per timeframe.
	klineLimit = 250

	// minBarsRequired is the indicator library's working minimum; a task
	// whose series is shorter is skipped, not errored.
	minBarsRequired = 30
)

// SignalStore is the slice of the repository the dispatcher writes through.
type SignalStore interface {
	CreateSignal(ctx context.Context, signal *types.Signal) error
	GetLatestSignal(ctx context.Context, traderID, symbol string) (*types.Signal, error)
	IncrementSignalCount(ctx context.Context, signalID string, newCount int, matchedAt time.Time) error
	CreateExecutionHistory(ctx context.Context, row *types.ExecutionHistory) error
}

// KlineSource reads cached kline series.
type KlineSource interface {
	Get(symbol, interval string, limit int) ([]types.Kline, error)
}

// SymbolSource provides the active symbol universe and its tickers.
type SymbolSource interface {
	Symbols() []string
	Ticker(symbol string) *types.SimplifiedTicker
}

// Config tunes the dispatcher.
type Config struct {
	QueueCapacity int
	WorkerCount   int    // 0 = NumCPU
	MachineID     string // stamped on persisted signals when set
}

// Dispatcher fans candle closes out into per-(trader, symbol) evaluation
// tasks, drains them on a fixed worker pool, and persists the results.
type Dispatcher struct {
	registry *trader.Registry
	quotas   *trader.QuotaManager
	sandbox  *sandbox.Executor
	store    SignalStore
	klines   KlineSource
	symbols  SymbolSource
	bus      *eventbus.EventBus

	queue     *taskQueue
	workers   int
	machineID string

	batchMu sync.Mutex
	batches map[string]*batch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// NewDispatcher creates a dispatcher. Call Start to begin consuming candle
// close events.
func NewDispatcher(
	registry *trader.Registry,
	quotas *trader.QuotaManager,
	sbx *sandbox.Executor,
	store SignalStore,
	klines KlineSource,
	symbols SymbolSource,
	bus *eventbus.EventBus,
	cfg Config,
) *Dispatcher {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		registry:  registry,
		quotas:    quotas,
		sandbox:   sbx,
		store:     store,
		klines:    klines,
		symbols:   symbols,
		bus:       bus,
		queue:     newTaskQueue(cfg.QueueCapacity),
		workers:   cfg.WorkerCount,
		machineID: cfg.MachineID,
		batches:   make(map[string]*batch),
		ctx:       ctx,
		cancel:    cancel,
		log:       logger.WithComponent("dispatch"),
	}
}

// Start subscribes to candle close events and launches the worker pool.
func (d *Dispatcher) Start() {
	events := d.bus.SubscribeCandleClose()

	d.wg.Add(1)
	go d.eventLoop(events)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop()
	}

	d.log.Info().Int("workers", d.workers).Msg("Dispatcher started")
}

// Stop shuts the dispatcher down. Pending tasks are discarded; in-flight
// evaluations are cancelled through the dispatcher context, and Stop waits
// for the event loop and workers to return.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.queue.Close()
	d.wg.Wait()
	d.log.Info().Msg("Dispatcher stopped")
}

// eventLoop turns candle close events into queued tasks.
func (d *Dispatcher) eventLoop(events <-chan *eventbus.CandleCloseEvent) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Symbol == "*" {
				d.handleBoundary(event.Interval, event.CloseTime)
			} else {
				d.handleSymbolClose(event)
			}
		}
	}
}

// handleSymbolClose enqueues tasks for one symbol's freshly closed bar.
func (d *Dispatcher) handleSymbolClose(event *eventbus.CandleCloseEvent) {
	// Normalize the bar's close time to the interval boundary so stream
	// and scheduler events land in the same batch.
	boundary := time.UnixMilli(event.Kline.CloseTime + 1)

	for _, t := range d.registry.RunningBySchedule(event.Interval) {
		d.enqueue(t, event.Symbol, event.Interval, boundary)
	}
}

// handleBoundary is the scheduler's catch-up tick: every running trader on
// this schedule gets any missing symbols enqueued, then its batch is sealed.
func (d *Dispatcher) handleBoundary(interval string, closeTime time.Time) {
	d.sweepStaleBatches()

	for _, t := range d.registry.RunningBySchedule(interval) {
		symbols := t.Config().Symbols
		if len(symbols) == 0 {
			symbols = d.symbols.Symbols()
		}

		b := d.getBatch(t, interval, closeTime)
		for _, symbol := range symbols {
			d.enqueue(t, symbol, interval, closeTime)
		}
		b.seal()
		d.finalize(b)
	}
}

// enqueue adds one task, applying queue backpressure accounting.
func (d *Dispatcher) enqueue(t *trader.Trader, symbol, interval string, boundary time.Time) {
	b := d.getBatch(t, interval, boundary)
	if !b.addSymbol(symbol) {
		return // already enqueued this cycle
	}

	task := &Task{
		Trader:    t,
		Symbol:    symbol,
		Interval:  interval,
		CloseTime: boundary,
		batch:     b,
	}

	if dropped := d.queue.Push(task); dropped != nil {
		dropped.Trader.RecordDrop()
		tasksDropped.WithLabelValues(dropped.Trader.ID).Inc()
		dropped.batch.noteSkipped()
		d.finalize(dropped.batch)
	}

	tasksEnqueued.Inc()
	queueDepth.Set(float64(d.queue.Len()))
}

// sweepStaleBatches force-seals batches that never saw their boundary tick
// (traders stopped mid-cycle, late stream stragglers) so their history rows
// are not lost.
func (d *Dispatcher) sweepStaleBatches() {
	const staleAfter = 10 * time.Minute

	d.batchMu.Lock()
	var stale []*batch
	for _, b := range d.batches {
		if time.Since(b.startedAt) > staleAfter {
			stale = append(stale, b)
		}
	}
	d.batchMu.Unlock()

	for _, b := range stale {
		b.seal()
		d.persistBatchRow(b, b.forceFinalize())
	}
}

// getBatch returns the batch for (trader, close boundary), creating it on
// first use.
func (d *Dispatcher) getBatch(t *trader.Trader, interval string, closeTime time.Time) *batch {
	key := t.ID + "|" + fmt.Sprint(closeTime.UnixMilli())

	d.batchMu.Lock()
	defer d.batchMu.Unlock()

	if b, ok := d.batches[key]; ok {
		return b
	}

	b := newBatch(t.ID, interval, closeTime)
	d.batches[key] = b
	return b
}

// finalize writes the history row when a batch is complete.
func (d *Dispatcher) finalize(b *batch) {
	d.persistBatchRow(b, b.tryFinalize())
}

func (d *Dispatcher) persistBatchRow(b *batch, row *types.ExecutionHistory) {
	if row == nil {
		return
	}

	d.batchMu.Lock()
	delete(d.batches, b.traderID+"|"+fmt.Sprint(b.closeTime.UnixMilli()))
	d.batchMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.store.CreateExecutionHistory(ctx, row); err != nil {
		historyWriteErrors.Inc()
		d.log.Warn().Err(err).Str("trader_id", row.TraderID).Msg("Failed to persist execution history")
		return
	}
	batchesCompleted.Inc()
}

// workerLoop drains the task queue.
func (d *Dispatcher) workerLoop() {
	defer d.wg.Done()

	for {
		task := d.queue.Pop()
		if task == nil {
			return
		}

		d.runTask(task)
		d.queue.Done(task)
		d.finalize(task.batch)
		queueDepth.Set(float64(d.queue.Len()))
	}
}

// runTask evaluates one (trader, symbol) pair. Failures are confined to the
// task; a streak of them escalates the trader to errored.
func (d *Dispatcher) runTask(task *Task) {
	t := task.Trader

	defer func() {
		if r := recover(); r != nil {
			task.batch.noteError(fmt.Errorf("panic in task %s/%s: %v", t.ID, task.Symbol, r))
			d.log.Error().Str("trader_id", t.ID).Str("symbol", task.Symbol).Msgf("Recovered panic: %v", r)
		}
	}()

	// Tasks left over after a stop began are discarded, not evaluated.
	if !t.IsRunning() {
		task.batch.noteSkipped()
		return
	}

	if err := t.AcquireAnalysis(d.ctx); err != nil {
		task.batch.noteSkipped()
		return
	}
	defer t.ReleaseAnalysis()

	t.UpdateLastRunAt()
	start := time.Now()

	signal, skipped, err := d.evaluateSymbol(d.ctx, t, task.Symbol, task.CloseTime)
	elapsed := time.Since(start).Seconds()

	switch {
	case err != nil:
		trader.RecordEvaluation(t.ID, "error", elapsed)
		task.batch.noteError(err)
		d.handleTaskError(t, err)
	case skipped:
		tasksSkipped.Inc()
		task.batch.noteSkipped()
	case signal != nil:
		trader.RecordEvaluation(t.ID, "match", elapsed)
		task.batch.noteCompleted(true)
		t.RecordExecutionSuccess()
	default:
		trader.RecordEvaluation(t.ID, "no_match", elapsed)
		task.batch.noteCompleted(false)
		t.RecordExecutionSuccess()
	}
}

// handleTaskError applies the consecutive-failure escalation policy.
func (d *Dispatcher) handleTaskError(t *trader.Trader, err error) {
	d.log.Warn().Err(err).Str("trader_id", t.ID).Msg("Evaluation failed")

	if !t.RecordExecutionFailure(err) {
		return
	}
	if !t.IsRunning() {
		return
	}

	d.log.Error().Str("trader_id", t.ID).Msg("Consecutive failure threshold reached, erroring trader")

	if ferr := t.Fail(err); ferr != nil {
		return
	}

	// The errored trader no longer occupies a running slot.
	tier := t.StartTier()
	if tier == "" {
		tier = types.TierPro
	}
	d.quotas.Release(t.UserID, tier)

	for _, task := range d.queue.RemoveTrader(t.ID) {
		task.batch.noteSkipped()
		d.finalize(task.batch)
	}
}

// evaluateSymbol builds MarketData from the cache and runs the filter.
// skipped is true when any required series is missing or too short.
func (d *Dispatcher) evaluateSymbol(ctx context.Context, t *trader.Trader, symbol string, boundary time.Time) (*types.Signal, bool, error) {
	cfg := t.Config()

	boundaryMs := int64(0)
	if !boundary.IsZero() {
		boundaryMs = boundary.UnixMilli()
	}

	klinesMap := make(map[string][]types.Kline, len(cfg.Timeframes))
	for _, tf := range cfg.Timeframes {
		klines, err := d.klines.Get(symbol, tf, klineLimit)
		if err != nil {
			return nil, true, nil
		}

		// Never hand the filter a bar from beyond the trigger boundary:
		// the task evaluates the bar that closed at t, not the one that
		// opened there.
		if boundaryMs > 0 {
			for len(klines) > 0 && klines[len(klines)-1].OpenTime >= boundaryMs {
				klines = klines[:len(klines)-1]
			}
		}

		if len(klines) < minBarsRequired {
			return nil, true, nil
		}
		klinesMap[tf] = klines
	}

	scheduleKlines := klinesMap[cfg.Schedule]
	latestBar := scheduleKlines[len(scheduleKlines)-1]

	ticker := d.symbols.Ticker(symbol)
	if ticker == nil {
		// Universe refresh lag; synthesize from the latest bar.
		ticker = &types.SimplifiedTicker{
			LastPrice:   latestBar.Close,
			QuoteVolume: latestBar.QuoteVolume,
		}
	}

	data := &types.MarketData{
		Symbol:    symbol,
		Ticker:    ticker,
		Klines:    klinesMap,
		Timestamp: time.Now(),
	}

	matched, err := d.sandbox.Execute(ctx, t.Compiled(), data, cfg.Timeout)
	if err != nil {
		return nil, false, err
	}
	if !matched {
		return nil, false, nil
	}

	signal, err := d.persistSignal(ctx, t, symbol, ticker, latestBar.OpenTime)
	if err != nil {
		return nil, false, err
	}
	return signal, false, nil
}

// persistSignal applies the dedup window and writes the signal row. Within
// the window the existing row's count is incremented instead of inserting.
func (d *Dispatcher) persistSignal(ctx context.Context, t *trader.Trader, symbol string, ticker *types.SimplifiedTicker, klineTimestamp int64) (*types.Signal, error) {
	cfg := t.Config()
	now := time.Now()

	last, err := d.store.GetLatestSignal(ctx, t.ID, symbol)
	if err != nil {
		trader.RecordSignalPersistError(t.ID)
		return nil, err
	}

	barMs := scheduler.BarDurationMs(cfg.Schedule)
	if last != nil && cfg.DedupeBars > 0 && barMs > 0 {
		distance := (klineTimestamp - last.KlineTimestamp) / barMs
		if distance >= 0 && distance <= int64(cfg.DedupeBars) {
			if err := d.store.IncrementSignalCount(ctx, last.ID, last.Count+1, now); err != nil {
				trader.RecordSignalPersistError(t.ID)
				return nil, err
			}

			trader.RecordSignalDeduplicated(t.ID)
			t.RecordSignal(now)
			d.publishSignal(last.ID, t.ID, symbol, cfg.Schedule, last.Count+1, now)

			updated := *last
			updated.Count = last.Count + 1
			updated.Timestamp = now
			return &updated, nil
		}
	}

	signal := &types.Signal{
		ID:                    uuid.New().String(),
		TraderID:              t.ID,
		Symbol:                symbol,
		Interval:              cfg.Schedule,
		Timestamp:             now,
		KlineTimestamp:        klineTimestamp,
		PriceAtSignal:         ticker.LastPrice,
		ChangePercentAtSignal: ticker.PriceChangePercent,
		VolumeAtSignal:        ticker.QuoteVolume,
		MatchedConditions:     cfg.MatchedConditions,
		Count:                 1,
		Source:                "cloud",
	}

	// Built-in traders persist with a NULL owner.
	if t.UserID != "" && t.UserID != "system" {
		userID := t.UserID
		signal.UserID = &userID
	}
	if d.machineID != "" {
		machineID := d.machineID
		signal.MachineID = &machineID
	}

	if err := d.store.CreateSignal(ctx, signal); err != nil {
		trader.RecordSignalPersistError(t.ID)
		return nil, err
	}

	trader.RecordSignal(t.ID, symbol)
	t.RecordSignal(now)
	d.publishSignal(signal.ID, t.ID, symbol, cfg.Schedule, 1, now)

	return signal, nil
}

func (d *Dispatcher) publishSignal(signalID, traderID, symbol, interval string, count int, at time.Time) {
	if d.bus == nil {
		return
	}
	d.bus.PublishSignal(&eventbus.SignalEvent{
		SignalID:  signalID,
		TraderID:  traderID,
		Symbol:    symbol,
		Interval:  interval,
		Count:     count,
		Timestamp: at,
	})
}

// DrainTrader discards a trader's pending tasks and waits for its in-flight
// ones, bounded by timeout. Returns true when fully drained.
func (d *Dispatcher) DrainTrader(traderID string, timeout time.Duration) bool {
	removed := d.queue.RemoveTrader(traderID)
	for _, task := range removed {
		task.batch.noteSkipped()
		d.finalize(task.batch)
	}
	queueDepth.Set(float64(d.queue.Len()))

	return d.queue.WaitIdle(traderID, timeout)
}

// ExecuteImmediate runs one batch for a trader across all active symbols
// using the freshest cached klines, ignoring candle cadence.
func (d *Dispatcher) ExecuteImmediate(ctx context.Context, t *trader.Trader) (*trader.ExecutionResult, error) {
	cfg := t.Config()

	symbols := cfg.Symbols
	if len(symbols) == 0 {
		symbols = d.symbols.Symbols()
	}

	start := time.Now()
	t.UpdateLastRunAt()

	var (
		mu      sync.Mutex
		signals []types.Signal
		errs    []string
		wg      sync.WaitGroup
	)

	for _, symbol := range symbols {
		if err := t.AcquireAnalysis(ctx); err != nil {
			break
		}

		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			defer t.ReleaseAnalysis()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					errs = append(errs, fmt.Sprintf("panic on %s: %v", symbol, r))
					mu.Unlock()
				}
			}()

			signal, skipped, err := d.evaluateSymbol(ctx, t, symbol, time.Time{})
			if err != nil {
				mu.Lock()
				if len(errs) < maxBatchErrors {
					errs = append(errs, fmt.Sprintf("%s: %v", symbol, err))
				}
				mu.Unlock()
				return
			}
			if skipped || signal == nil {
				return
			}

			mu.Lock()
			signals = append(signals, *signal)
			mu.Unlock()
		}(symbol)
	}

	wg.Wait()

	completedAt := time.Now()
	row := &types.ExecutionHistory{
		ID:              uuid.New().String(),
		TraderID:        t.ID,
		StartedAt:       start,
		CompletedAt:     completedAt,
		SymbolsChecked:  len(symbols),
		SymbolsMatched:  len(signals),
		ExecutionTimeMs: completedAt.Sub(start).Milliseconds(),
	}
	if len(errs) > 0 {
		joined := fmt.Sprintf("%v", errs)
		row.Error = &joined
	}

	if err := d.store.CreateExecutionHistory(ctx, row); err != nil {
		historyWriteErrors.Inc()
		d.log.Warn().Err(err).Str("trader_id", t.ID).Msg("Failed to persist execution history")
	}

	return &trader.ExecutionResult{
		TraderID:        t.ID,
		Timestamp:       start,
		TotalSymbols:    len(symbols),
		SymbolsMatched:  len(signals),
		Signals:         signals,
		ExecutionTimeMs: row.ExecutionTimeMs,
	}, nil
}
