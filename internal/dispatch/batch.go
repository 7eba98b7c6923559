package dispatch

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyx/signal-engine/pkg/types"
)

// maxBatchErrors bounds how many task errors are echoed into one history row.
const maxBatchErrors = 5

// batch aggregates the tasks of one (trader, candle close) cycle so a single
// execution_history row can summarize it. A batch finalizes once it is
// sealed (the close boundary passed and every symbol was enqueued) and all
// its tasks completed.
type batch struct {
	mu sync.Mutex

	traderID  string
	interval  string
	closeTime time.Time
	startedAt time.Time

	symbols   map[string]bool
	completed int
	matched   int
	errs      []string

	sealed    bool
	finalized bool
}

func newBatch(traderID, interval string, closeTime time.Time) *batch {
	return &batch{
		traderID:  traderID,
		interval:  interval,
		closeTime: closeTime,
		startedAt: time.Now(),
		symbols:   make(map[string]bool),
	}
}

// addSymbol registers a symbol in the batch, reporting whether it was new.
func (b *batch) addSymbol(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.symbols[symbol] {
		return false
	}
	b.symbols[symbol] = true
	return true
}

// seal marks the batch as fully enqueued.
func (b *batch) seal() {
	b.mu.Lock()
	b.sealed = true
	b.mu.Unlock()
}

func (b *batch) noteCompleted(matched bool) {
	b.mu.Lock()
	b.completed++
	if matched {
		b.matched++
	}
	b.mu.Unlock()
}

func (b *batch) noteSkipped() {
	b.mu.Lock()
	b.completed++
	b.mu.Unlock()
}

func (b *batch) noteError(err error) {
	b.mu.Lock()
	b.completed++
	if len(b.errs) < maxBatchErrors {
		b.errs = append(b.errs, err.Error())
	}
	b.mu.Unlock()
}

// tryFinalize returns the history row exactly once, when the batch is both
// sealed and drained. Subsequent calls return nil.
func (b *batch) tryFinalize() *types.ExecutionHistory {
	return b.finalizeRow(false)
}

// forceFinalize emits the row even with tasks unaccounted for (stale sweep).
func (b *batch) forceFinalize() *types.ExecutionHistory {
	return b.finalizeRow(true)
}

func (b *batch) finalizeRow(force bool) *types.ExecutionHistory {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finalized {
		return nil
	}
	if !force && (!b.sealed || b.completed < len(b.symbols)) {
		return nil
	}
	b.finalized = true

	completedAt := time.Now()
	row := &types.ExecutionHistory{
		ID:              uuid.New().String(),
		TraderID:        b.traderID,
		StartedAt:       b.startedAt,
		CompletedAt:     completedAt,
		SymbolsChecked:  len(b.symbols),
		SymbolsMatched:  b.matched,
		ExecutionTimeMs: completedAt.Sub(b.startedAt).Milliseconds(),
	}

	if len(b.errs) > 0 {
		joined := strings.Join(b.errs, "; ")
		row.Error = &joined
	}

	return row
}
