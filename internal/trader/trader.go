package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/semaphore"

	"github.com/vyx/signal-engine/internal/scheduler"
	"github.com/vyx/signal-engine/pkg/errs"
	"github.com/vyx/signal-engine/pkg/sandbox"
	"github.com/vyx/signal-engine/pkg/types"
)

// DefaultMaxConcurrentAnalysis bounds parallel symbol evaluations per trader.
const DefaultMaxConcurrentAnalysis = 3

// DefaultDedupeBars is the bar window within which repeated matches on the
// same symbol collapse into one signal row.
const DefaultDedupeBars = 50

// failureThreshold is the number of consecutive execution failures that
// escalates a running trader to the errored state.
const failureThreshold = 3

var validate = validator.New()

// Config is the runtime configuration of one trader.
type Config struct {
	FilterCode string        `validate:"required"`
	Timeframes []string      `validate:"required,min=1,dive,required"`
	Schedule   string        `validate:"required"`
	DedupeBars int           `validate:"gte=0"`
	Symbols    []string      // empty = screen the whole active universe
	Timeout    time.Duration // per-evaluation wall clock budget

	// MatchedConditions is the human-readable condition list echoed onto
	// every signal this trader emits.
	MatchedConditions []string

	MaxConcurrentAnalysis int64 `validate:"gte=1"`
}

// Validate checks structural and timeframe constraints: every timeframe must
// be a known interval and the set must contain the schedule timeframe.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidTrader, err)
	}

	scheduleFound := false
	for _, tf := range c.Timeframes {
		if !scheduler.IsValidInterval(tf) {
			return fmt.Errorf("%w: %s", errs.ErrInvalidTimeframe, tf)
		}
		if tf == c.Schedule {
			scheduleFound = true
		}
	}
	if !scheduleFound {
		return fmt.Errorf("%w: schedule %s not in filter timeframes", errs.ErrInvalidTrader, c.Schedule)
	}

	return nil
}

// Trader is the runtime unit of ownership and execution. It owns its
// compiled filter exclusively; the manager owns the set of traders.
type Trader struct {
	ID          string
	UserID      string
	Name        string
	Description string
	IsBuiltIn   bool

	mu       sync.RWMutex
	config   *Config
	compiled *sandbox.CompiledFilter
	machine  *stateMachine

	// Tier the trader was started under, kept so quota release matches
	// the acquisition.
	startTier types.SubscriptionTier

	lastError           error
	startedAt           time.Time
	stoppedAt           time.Time
	lastRunAt           time.Time
	lastSignalAt        time.Time
	totalSignals        int64
	droppedTasks        int64
	consecutiveFailures int

	analysisSem *semaphore.Weighted
}

// New creates a runtime trader in the loaded state.
func New(id, userID, name, description string, cfg *Config) (*Trader, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", errs.ErrInvalidTrader)
	}
	if cfg.MaxConcurrentAnalysis <= 0 {
		cfg.MaxConcurrentAnalysis = DefaultMaxConcurrentAnalysis
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Trader{
		ID:          id,
		UserID:      userID,
		Name:        name,
		Description: description,
		config:      cfg,
		machine:     newStateMachine(),
		analysisSem: semaphore.NewWeighted(cfg.MaxConcurrentAnalysis),
	}, nil
}

// Config returns the trader's runtime configuration.
func (t *Trader) Config() *Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.config
}

// Compiled returns the trader's compiled filter.
func (t *Trader) Compiled() *sandbox.CompiledFilter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.compiled
}

// SetCompiled installs a freshly compiled filter.
func (t *Trader) SetCompiled(filter *sandbox.CompiledFilter) {
	t.mu.Lock()
	t.compiled = filter
	t.mu.Unlock()
}

// Replace swaps in a new configuration and compiled filter (reload path).
func (t *Trader) Replace(cfg *Config, filter *sandbox.CompiledFilter) error {
	if cfg.MaxConcurrentAnalysis <= 0 {
		cfg.MaxConcurrentAnalysis = DefaultMaxConcurrentAnalysis
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	t.config = cfg
	t.compiled = filter
	t.consecutiveFailures = 0
	t.lastError = nil
	t.analysisSem = semaphore.NewWeighted(cfg.MaxConcurrentAnalysis)
	t.mu.Unlock()
	return nil
}

// SetStartTier records the tier the trader was started under.
func (t *Trader) SetStartTier(tier types.SubscriptionTier) {
	t.mu.Lock()
	t.startTier = tier
	t.mu.Unlock()
}

// StartTier returns the tier recorded at start time.
func (t *Trader) StartTier() types.SubscriptionTier {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startTier
}

// AcquireAnalysis takes one per-trader analysis slot, blocking until one is
// free or the context ends.
func (t *Trader) AcquireAnalysis(ctx context.Context) error {
	t.mu.RLock()
	sem := t.analysisSem
	t.mu.RUnlock()
	return sem.Acquire(ctx, 1)
}

// ReleaseAnalysis returns a per-trader analysis slot.
func (t *Trader) ReleaseAnalysis() {
	t.mu.RLock()
	sem := t.analysisSem
	t.mu.RUnlock()
	sem.Release(1)
}

// UpdateLastRunAt stamps the start of an evaluation batch.
func (t *Trader) UpdateLastRunAt() {
	t.mu.Lock()
	t.lastRunAt = time.Now()
	t.mu.Unlock()
}

// RecordSignal updates signal bookkeeping after a persisted match.
func (t *Trader) RecordSignal(at time.Time) {
	t.mu.Lock()
	t.lastSignalAt = at
	t.totalSignals++
	t.mu.Unlock()
}

// RecordDrop counts a task shed by queue backpressure.
func (t *Trader) RecordDrop() {
	t.mu.Lock()
	t.droppedTasks++
	t.mu.Unlock()
}

// RecordExecutionSuccess resets the consecutive failure counter.
func (t *Trader) RecordExecutionSuccess() {
	t.mu.Lock()
	t.consecutiveFailures = 0
	t.mu.Unlock()
}

// RecordExecutionFailure bumps the consecutive failure counter and reports
// whether the escalation threshold has been reached.
func (t *Trader) RecordExecutionFailure(err error) bool {
	t.mu.Lock()
	t.consecutiveFailures++
	t.lastError = err
	escalate := t.consecutiveFailures >= failureThreshold
	t.mu.Unlock()
	return escalate
}

// LastError returns the most recent error, if any.
func (t *Trader) LastError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastError
}

// TotalSignals returns the lifetime signal count.
func (t *Trader) TotalSignals() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalSignals
}

// Status is the externally visible snapshot of a trader.
type Status struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"userId"`
	Name                string     `json:"name"`
	State               string     `json:"state"`
	LastError           string     `json:"lastError,omitempty"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	StoppedAt           *time.Time `json:"stoppedAt,omitempty"`
	LastRunAt           *time.Time `json:"lastRunAt,omitempty"`
	LastSignalAt        *time.Time `json:"lastSignalAt,omitempty"`
	TotalSignals        int64      `json:"totalSignals"`
	DroppedTasks        int64      `json:"droppedTasks"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	Schedule            string     `json:"schedule"`
	Timeframes          []string   `json:"timeframes"`
}

// GetStatus returns a consistent snapshot of the trader.
func (t *Trader) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := Status{
		ID:                  t.ID,
		UserID:              t.UserID,
		Name:                t.Name,
		State:               t.machine.Current(),
		TotalSignals:        t.totalSignals,
		DroppedTasks:        t.droppedTasks,
		ConsecutiveFailures: t.consecutiveFailures,
		Schedule:            t.config.Schedule,
		Timeframes:          t.config.Timeframes,
	}

	if t.lastError != nil {
		status.LastError = t.lastError.Error()
	}
	if !t.startedAt.IsZero() {
		ts := t.startedAt
		status.StartedAt = &ts
	}
	if !t.stoppedAt.IsZero() {
		ts := t.stoppedAt
		status.StoppedAt = &ts
	}
	if !t.lastRunAt.IsZero() {
		ts := t.lastRunAt
		status.LastRunAt = &ts
	}
	if !t.lastSignalAt.IsZero() {
		ts := t.lastSignalAt
		status.LastSignalAt = &ts
	}

	return status
}
