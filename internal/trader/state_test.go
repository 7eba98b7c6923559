package trader

import (
	"errors"
	"testing"
	"time"
)

func testConfig() *Config {
	return &Config{
		FilterCode: `return true`,
		Timeframes: []string{"15m", "1h"},
		Schedule:   "15m",
		DedupeBars: 50,
		Timeout:    time.Second,
	}
}

func newTestTrader(t *testing.T) *Trader {
	t.Helper()
	tr, err := New("trader-1", "user-1", "Test", "", testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return tr
}

func TestNewTraderStartsLoaded(t *testing.T) {
	tr := newTestTrader(t)
	if tr.State() != StateLoaded {
		t.Errorf("expected loaded, got %s", tr.State())
	}
	if !tr.CanStart() {
		t.Error("loaded trader should be startable")
	}
	if tr.CanStop() {
		t.Error("loaded trader should not be stoppable")
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	tr := newTestTrader(t)

	if err := tr.BeginStart(); err != nil {
		t.Fatalf("BeginStart failed: %v", err)
	}
	if tr.State() != StateStarting {
		t.Errorf("expected starting, got %s", tr.State())
	}

	if err := tr.MarkRunning(); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	if !tr.IsRunning() {
		t.Error("expected running")
	}

	if err := tr.BeginStop(); err != nil {
		t.Fatalf("BeginStop failed: %v", err)
	}
	if tr.State() != StateStopping {
		t.Errorf("expected stopping, got %s", tr.State())
	}

	if err := tr.MarkStopped(); err != nil {
		t.Fatalf("MarkStopped failed: %v", err)
	}
	if tr.State() != StateStopped {
		t.Errorf("expected stopped, got %s", tr.State())
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	tr := newTestTrader(t)

	if err := tr.MarkRunning(); err == nil {
		t.Error("loaded → running must be rejected")
	}
	if err := tr.MarkStopped(); err == nil {
		t.Error("loaded → stopped must be rejected")
	}
	if err := tr.BeginStop(); err == nil {
		t.Error("loaded → stopping must be rejected")
	}
}

func TestErroredRequiresReload(t *testing.T) {
	tr := newTestTrader(t)

	_ = tr.BeginStart()
	_ = tr.MarkRunning()

	bad := errors.New("filter exploded")
	if err := tr.Fail(bad); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if tr.State() != StateErrored {
		t.Fatalf("expected errored, got %s", tr.State())
	}
	if tr.LastError() == nil {
		t.Error("expected recorded error")
	}

	// errored traders cannot start directly
	if tr.CanStart() {
		t.Error("errored trader must not be startable without reload")
	}
	if err := tr.BeginStart(); err == nil {
		t.Error("errored → starting must be rejected")
	}

	if err := tr.ResetToLoaded(); err != nil {
		t.Fatalf("ResetToLoaded failed: %v", err)
	}
	if tr.State() != StateLoaded {
		t.Errorf("expected loaded after reload, got %s", tr.State())
	}
	if tr.LastError() != nil {
		t.Error("reload should clear the error")
	}
	if !tr.CanStart() {
		t.Error("reloaded trader should be startable")
	}
}

func TestRestartAfterStop(t *testing.T) {
	tr := newTestTrader(t)

	_ = tr.BeginStart()
	_ = tr.MarkRunning()
	_ = tr.BeginStop()
	_ = tr.MarkStopped()

	if err := tr.BeginStart(); err != nil {
		t.Fatalf("stopped trader should be restartable: %v", err)
	}
}

func TestConsecutiveFailureEscalation(t *testing.T) {
	tr := newTestTrader(t)
	bad := errors.New("boom")

	if tr.RecordExecutionFailure(bad) {
		t.Error("first failure should not escalate")
	}
	if tr.RecordExecutionFailure(bad) {
		t.Error("second failure should not escalate")
	}
	if !tr.RecordExecutionFailure(bad) {
		t.Error("third consecutive failure should escalate")
	}

	// A success in between resets the streak.
	tr2 := newTestTrader(t)
	tr2.RecordExecutionFailure(bad)
	tr2.RecordExecutionFailure(bad)
	tr2.RecordExecutionSuccess()
	if tr2.RecordExecutionFailure(bad) {
		t.Error("streak should reset after a success")
	}
}

func TestConfigValidation(t *testing.T) {
	// schedule outside the timeframe set
	cfg := testConfig()
	cfg.Schedule = "4h"
	if _, err := New("t", "u", "n", "", cfg); err == nil {
		t.Error("schedule outside timeframes must be rejected")
	}

	// unknown timeframe
	cfg = testConfig()
	cfg.Timeframes = []string{"15m", "7x"}
	if _, err := New("t", "u", "n", "", cfg); err == nil {
		t.Error("unknown timeframe must be rejected")
	}

	// empty timeframes
	cfg = testConfig()
	cfg.Timeframes = nil
	if _, err := New("t", "u", "n", "", cfg); err == nil {
		t.Error("empty timeframes must be rejected")
	}

	// empty filter code
	cfg = testConfig()
	cfg.FilterCode = ""
	if _, err := New("t", "u", "n", "", cfg); err == nil {
		t.Error("empty filter code must be rejected")
	}
}

func TestStatusSnapshot(t *testing.T) {
	tr := newTestTrader(t)
	_ = tr.BeginStart()
	_ = tr.MarkRunning()

	now := time.Now()
	tr.RecordSignal(now)
	tr.RecordSignal(now)
	tr.RecordDrop()

	status := tr.GetStatus()
	if status.State != StateRunning {
		t.Errorf("expected running, got %s", status.State)
	}
	if status.TotalSignals != 2 {
		t.Errorf("expected 2 signals, got %d", status.TotalSignals)
	}
	if status.DroppedTasks != 1 {
		t.Errorf("expected 1 dropped task, got %d", status.DroppedTasks)
	}
	if status.Schedule != "15m" {
		t.Errorf("expected schedule 15m, got %s", status.Schedule)
	}
	if status.StartedAt == nil {
		t.Error("expected startedAt to be set")
	}
}
