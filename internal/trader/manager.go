package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vyx/signal-engine/internal/logger"
	"github.com/vyx/signal-engine/pkg/errs"
	"github.com/vyx/signal-engine/pkg/sandbox"
	"github.com/vyx/signal-engine/pkg/types"
)

// GlobalTraderLimit caps concurrently running traders across all users.
const GlobalTraderLimit = 1000

// Repository is the slice of the store the manager needs.
type Repository interface {
	GetTrader(ctx context.Context, traderID string) (*types.Trader, error)
	GetAllTraders(ctx context.Context) ([]types.Trader, error)
	GetBuiltInTraders(ctx context.Context) ([]types.Trader, error)
	GetTraders(ctx context.Context, userID string) ([]types.Trader, error)
}

// Runner executes evaluation batches; implemented by the dispatcher.
type Runner interface {
	ExecuteImmediate(ctx context.Context, t *Trader) (*ExecutionResult, error)
	DrainTrader(traderID string, timeout time.Duration) bool
}

// ExecutionResult holds the outcome of an immediate trader execution.
type ExecutionResult struct {
	TraderID        string         `json:"traderId"`
	Timestamp       time.Time      `json:"timestamp"`
	TotalSymbols    int            `json:"totalSymbols"`
	SymbolsMatched  int            `json:"symbolsMatched"`
	Signals         []types.Signal `json:"signals"`
	ExecutionTimeMs int64          `json:"executionTimeMs"`
}

// Defaults are engine-level fallbacks applied to trader rows.
type Defaults struct {
	Schedule          string        // used when a row names no schedule
	EvaluationTimeout time.Duration // per-symbol sandbox budget
}

// Manager owns the set of active traders and their lifecycle.
type Manager struct {
	registry *Registry
	quotas   *QuotaManager
	sandbox  *sandbox.Executor
	repo     Repository
	defaults Defaults

	runnerMu sync.RWMutex
	runner   Runner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error

	log zerolog.Logger
}

// NewManager creates a new trader manager.
func NewManager(registry *Registry, sbx *sandbox.Executor, repo Repository, defaults Defaults) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	if defaults.Schedule == "" {
		defaults.Schedule = "5m"
	}
	if defaults.EvaluationTimeout <= 0 {
		defaults.EvaluationTimeout = sandbox.DefaultTimeout
	}

	return &Manager{
		registry: registry,
		quotas:   NewQuotaManager(GlobalTraderLimit),
		sandbox:  sbx,
		repo:     repo,
		defaults: defaults,
		ctx:      ctx,
		cancel:   cancel,
		log:      logger.WithComponent("manager"),
	}
}

// SetRunner wires the dispatcher in after construction.
func (m *Manager) SetRunner(r Runner) {
	m.runnerMu.Lock()
	m.runner = r
	m.runnerMu.Unlock()
}

func (m *Manager) getRunner() Runner {
	m.runnerMu.RLock()
	defer m.runnerMu.RUnlock()
	return m.runner
}

// Registry exposes the trader registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Quotas exposes the quota manager.
func (m *Manager) Quotas() *QuotaManager {
	return m.quotas
}

// Start transitions a trader loaded → starting → running under the given
// tier. Quota acquisition either fully succeeds or leaves nothing behind.
func (m *Manager) Start(ctx context.Context, traderID string, tier types.SubscriptionTier) error {
	t, err := m.hydrate(ctx, traderID)
	if err != nil {
		return err
	}

	if !t.CanStart() {
		return errs.NewTraderError(traderID, "start",
			fmt.Errorf("trader is in %s state and cannot be started", t.State()))
	}

	if err := m.quotas.Acquire(t.UserID, tier); err != nil {
		return err
	}

	if err := t.BeginStart(); err != nil {
		m.quotas.Release(t.UserID, tier)
		return err
	}

	// Compile once; evaluations reuse the compiled filter.
	compiled, err := m.sandbox.Compile(t.Config().FilterCode)
	if err != nil {
		m.quotas.Release(t.UserID, tier)
		_ = t.Fail(err)
		return errs.NewTraderError(traderID, "compile", err)
	}
	t.SetCompiled(compiled)

	if err := t.MarkRunning(); err != nil {
		m.quotas.Release(t.UserID, tier)
		return err
	}
	t.SetStartTier(tier)

	m.log.Info().Str("trader_id", traderID).Str("tier", string(tier)).Msg("Trader started")
	return nil
}

// Stop transitions a trader running → stopping → stopped, draining its
// in-flight evaluations first. Drain is bounded by twice the evaluation
// timeout; tasks that outlive it are abandoned.
func (m *Manager) Stop(ctx context.Context, traderID string) error {
	t, err := m.hydrate(ctx, traderID)
	if err != nil {
		return err
	}

	if !t.CanStop() {
		return errs.NewTraderError(traderID, "stop",
			fmt.Errorf("trader is in %s state and cannot be stopped", t.State()))
	}

	if err := t.BeginStop(); err != nil {
		return err
	}

	if r := m.getRunner(); r != nil {
		drained := r.DrainTrader(traderID, 2*m.defaults.EvaluationTimeout)
		if !drained {
			m.log.Warn().Str("trader_id", traderID).Msg("Drain timed out, abandoning in-flight tasks")
		}
	}

	tier := t.StartTier()
	if tier == "" {
		tier = types.TierPro
	}
	m.quotas.Release(t.UserID, tier)

	if err := t.MarkStopped(); err != nil {
		return err
	}

	m.log.Info().Str("trader_id", traderID).Msg("Trader stopped")
	return nil
}

// StopAll stops every running trader.
func (m *Manager) StopAll(ctx context.Context) error {
	running := m.registry.GetByState(StateRunning)
	if len(running) == 0 {
		return nil
	}

	m.log.Info().Int("count", len(running)).Msg("Stopping all traders")

	var errList []error
	for _, t := range running {
		if err := m.Stop(ctx, t.ID); err != nil {
			errList = append(errList, err)
		}
	}

	return errors.Join(errList...)
}

// Reload re-reads the trader's row and recompiles its filter. An errored or
// stopped trader returns to the loaded state; a trader in any other state
// keeps its state and runs the new filter. Reloading an unchanged trader is
// idempotent.
func (m *Manager) Reload(ctx context.Context, traderID string) error {
	row, err := m.repo.GetTrader(ctx, traderID)
	if err != nil {
		return err
	}

	cfg, err := m.buildConfig(row)
	if err != nil {
		return errs.NewTraderError(traderID, "reload", err)
	}

	compiled, err := m.sandbox.Compile(cfg.FilterCode)
	if err != nil {
		return errs.NewTraderError(traderID, "compile", err)
	}

	t, exists := m.registry.Get(traderID)
	if !exists {
		_, err := m.registerRow(row, cfg, compiled)
		return err
	}

	if err := t.Replace(cfg, compiled); err != nil {
		return err
	}

	if t.State() == StateErrored || t.State() == StateStopped {
		if err := t.ResetToLoaded(); err != nil {
			return err
		}
	}

	m.log.Info().Str("trader_id", traderID).Msg("Trader reloaded")
	return nil
}

// GetStatus returns a trader's status, hydrating from the repository when
// the registry misses (freshly created traders).
func (m *Manager) GetStatus(ctx context.Context, traderID string) (*Status, error) {
	t, err := m.hydrate(ctx, traderID)
	if err != nil {
		return nil, err
	}

	status := t.GetStatus()
	return &status, nil
}

// ExecuteImmediate runs one batch across all active symbols right now,
// regardless of candle cadence.
func (m *Manager) ExecuteImmediate(ctx context.Context, traderID string) (*ExecutionResult, error) {
	t, err := m.hydrate(ctx, traderID)
	if err != nil {
		return nil, err
	}

	if t.Compiled() == nil {
		compiled, err := m.sandbox.Compile(t.Config().FilterCode)
		if err != nil {
			return nil, errs.NewTraderError(traderID, "compile", err)
		}
		t.SetCompiled(compiled)
	}

	r := m.getRunner()
	if r == nil {
		return nil, fmt.Errorf("dispatcher not configured")
	}

	return r.ExecuteImmediate(ctx, t)
}

// ListActive returns traders in the running or starting state.
func (m *Manager) ListActive() []*Trader {
	active := m.registry.GetByState(StateRunning)
	return append(active, m.registry.GetByState(StateStarting)...)
}

// ListByUser returns all traders owned by a user.
func (m *Manager) ListByUser(userID string) []*Trader {
	return m.registry.GetByUser(userID)
}

// Metrics aggregates registry and quota counters.
func (m *Manager) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"registry": m.registry.Metrics(),
		"quotas":   m.quotas.Metrics(),
	}
}

// hydrate returns the registered trader, falling back to a repository load
// when the registry misses.
func (m *Manager) hydrate(ctx context.Context, traderID string) (*Trader, error) {
	if t, exists := m.registry.Get(traderID); exists {
		return t, nil
	}

	if err := m.LoadTraderByID(ctx, traderID); err != nil {
		return nil, err
	}

	t, exists := m.registry.Get(traderID)
	if !exists {
		return nil, fmt.Errorf("%w: trader %s", errs.ErrNotFound, traderID)
	}
	return t, nil
}

// LoadTraderByID loads a single trader row and registers it.
func (m *Manager) LoadTraderByID(ctx context.Context, traderID string) error {
	row, err := m.repo.GetTrader(ctx, traderID)
	if err != nil {
		return err
	}

	if !row.Enabled {
		return errs.NewTraderError(traderID, "load", fmt.Errorf("trader is not enabled"))
	}

	cfg, err := m.buildConfig(row)
	if err != nil {
		return errs.NewTraderError(traderID, "load", err)
	}

	// Front-load syntax errors so a broken filter never registers.
	if err := m.sandbox.Validate(cfg.FilterCode); err != nil {
		return errs.NewTraderError(traderID, "validate", err)
	}

	if _, err := m.registerRow(row, cfg, nil); err != nil {
		return err
	}

	m.log.Info().Str("trader_id", traderID).Str("name", row.Name).Msg("Trader loaded")
	return nil
}

// LoadTradersFromDB loads traders at startup. Built-in traders are started
// under the system owner; user traders wait for an explicit start.
func (m *Manager) LoadTradersFromDB(ctx context.Context, userDedicated bool, dedicatedUserID string) error {
	var rows []types.Trader
	var err error

	if userDedicated {
		if dedicatedUserID == "" {
			return fmt.Errorf("user id required for user-dedicated mode")
		}
		rows, err = m.repo.GetTraders(ctx, dedicatedUserID)
	} else {
		rows, err = m.repo.GetBuiltInTraders(ctx)
	}
	if err != nil {
		// Startup continues; the poller will pick traders up later.
		m.log.Warn().Err(err).Msg("Failed to fetch traders at startup")
		return nil
	}

	loaded, failed := 0, 0
	for i := range rows {
		row := &rows[i]
		if !row.Enabled {
			continue
		}
		if userDedicated && row.IsBuiltIn {
			continue
		}

		cfg, err := m.buildConfig(row)
		if err != nil {
			m.log.Warn().Err(err).Str("trader_id", row.ID).Msg("Skipping trader with invalid config")
			failed++
			TradersLoadedFromDB.WithLabelValues("failed").Inc()
			continue
		}

		if err := m.sandbox.Validate(cfg.FilterCode); err != nil {
			m.log.Warn().Err(err).Str("trader_id", row.ID).Msg("Skipping trader with invalid filter code")
			failed++
			TradersLoadedFromDB.WithLabelValues("failed").Inc()
			continue
		}

		t, err := m.registerRow(row, cfg, nil)
		if err != nil {
			failed++
			TradersLoadedFromDB.WithLabelValues("failed").Inc()
			continue
		}

		// Built-in traders run unconditionally under the system owner.
		if row.IsBuiltIn {
			if err := m.Start(ctx, t.ID, types.TierElite); err != nil {
				m.log.Warn().Err(err).Str("trader_id", t.ID).Msg("Failed to start built-in trader")
			}
		}

		loaded++
		TradersLoadedFromDB.WithLabelValues("success").Inc()
	}

	m.log.Info().Int("loaded", loaded).Int("failed", failed).Msg("Traders loaded from repository")
	return nil
}

// UnregisterTrader stops (if needed) and removes a trader.
func (m *Manager) UnregisterTrader(ctx context.Context, traderID string) error {
	if t, exists := m.registry.Get(traderID); exists && t.IsRunning() {
		if err := m.Stop(ctx, traderID); err != nil {
			m.log.Warn().Err(err).Str("trader_id", traderID).Msg("Failed to stop trader during unregister")
		}
	}
	return m.registry.Unregister(traderID)
}

// StartPolling watches the repository for added and deleted traders.
func (m *Manager) StartPolling(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.pollForChanges()
			}
		}
	}()
}

// pollForChanges reconciles the registry against the repository.
func (m *Manager) pollForChanges() {
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()

	rows, err := m.repo.GetAllTraders(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("Trader poll failed")
		return
	}

	inStore := make(map[string]bool, len(rows))
	for i := range rows {
		row := &rows[i]
		inStore[row.ID] = true

		if m.registry.Exists(row.ID) {
			continue
		}

		cfg, err := m.buildConfig(row)
		if err != nil {
			continue
		}
		if err := m.sandbox.Validate(cfg.FilterCode); err != nil {
			continue
		}
		t, err := m.registerRow(row, cfg, nil)
		if err != nil {
			continue
		}
		if row.IsBuiltIn {
			if err := m.Start(ctx, t.ID, types.TierElite); err != nil {
				m.log.Warn().Err(err).Str("trader_id", t.ID).Msg("Failed to start new built-in trader")
			}
		}
		m.log.Info().Str("trader_id", row.ID).Msg("Registered new trader from poll")
	}

	// Running traders deleted from the store are stopped and dropped.
	for _, t := range m.registry.GetByState(StateRunning) {
		if !inStore[t.ID] {
			m.log.Info().Str("trader_id", t.ID).Msg("Trader deleted from store, stopping")
			if err := m.UnregisterTrader(ctx, t.ID); err != nil {
				m.log.Warn().Err(err).Str("trader_id", t.ID).Msg("Failed to unregister deleted trader")
			}
		}
	}
}

// Shutdown stops all traders and waits for background work to finish.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := m.StopAll(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Errors while stopping traders")
		}

		m.cancel()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			m.shutdownErr = fmt.Errorf("shutdown timeout after %v", timeout)
		}
	})

	return m.shutdownErr
}

// buildConfig converts a repository row into a runtime configuration.
func (m *Manager) buildConfig(row *types.Trader) (*Config, error) {
	filter, err := row.GetFilter()
	if err != nil {
		return nil, err
	}
	if filter.Code == "" {
		return nil, fmt.Errorf("filter code is empty")
	}

	timeframes := filter.RequiredTimeframes
	if len(timeframes) == 0 {
		timeframes = []string{m.defaults.Schedule}
	}

	schedule := row.Schedule
	if schedule == "" {
		schedule = timeframes[0]
	}

	dedupeBars := DefaultDedupeBars
	if row.DedupeBars != nil {
		dedupeBars = *row.DedupeBars
	}

	cfg := &Config{
		FilterCode:            filter.Code,
		Timeframes:            timeframes,
		Schedule:              schedule,
		DedupeBars:            dedupeBars,
		Timeout:               m.defaults.EvaluationTimeout,
		MaxConcurrentAnalysis: DefaultMaxConcurrentAnalysis,
		MatchedConditions:     filter.Description,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// registerRow creates and registers the runtime trader for a row.
func (m *Manager) registerRow(row *types.Trader, cfg *Config, compiled *sandbox.CompiledFilter) (*Trader, error) {
	userID := row.UserID
	if userID == "" {
		userID = "system"
	}

	t, err := New(row.ID, userID, row.Name, row.Description, cfg)
	if err != nil {
		return nil, err
	}
	t.IsBuiltIn = row.IsBuiltIn
	if compiled != nil {
		t.SetCompiled(compiled)
	}

	if err := m.registry.Register(t); err != nil {
		return nil, err
	}
	return t, nil
}
