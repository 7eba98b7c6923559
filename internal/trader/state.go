package trader

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"
)

// Trader lifecycle states.
const (
	StateLoaded   = "loaded"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
	StateErrored  = "errored"
)

// Lifecycle events.
const (
	eventStart   = "start"
	eventStarted = "started"
	eventStop    = "stop"
	eventStopped = "stopped"
	eventFail    = "fail"
	eventReload  = "reload"
)

// stateMachine wraps the lifecycle FSM. Transitions not declared here are
// rejected, which is what keeps concurrent start/stop requests honest.
type stateMachine struct {
	fsm *fsm.FSM
}

func newStateMachine() *stateMachine {
	return &stateMachine{
		fsm: fsm.NewFSM(
			StateLoaded,
			fsm.Events{
				{Name: eventStart, Src: []string{StateLoaded, StateStopped}, Dst: StateStarting},
				{Name: eventStarted, Src: []string{StateStarting}, Dst: StateRunning},
				{Name: eventStop, Src: []string{StateStarting, StateRunning}, Dst: StateStopping},
				{Name: eventStopped, Src: []string{StateStopping}, Dst: StateStopped},
				{Name: eventFail, Src: []string{StateLoaded, StateStarting, StateRunning, StateStopping}, Dst: StateErrored},
				{Name: eventReload, Src: []string{StateErrored, StateStopped, StateLoaded}, Dst: StateLoaded},
			},
			fsm.Callbacks{},
		),
	}
}

func (m *stateMachine) Current() string {
	return m.fsm.Current()
}

func (m *stateMachine) event(name string) error {
	if err := m.fsm.Event(context.Background(), name); err != nil {
		return fmt.Errorf("invalid state transition (%s from %s): %w", name, m.fsm.Current(), err)
	}
	return nil
}

func (m *stateMachine) can(name string) bool {
	return m.fsm.Can(name)
}

// State returns the current lifecycle state.
func (t *Trader) State() string {
	return t.machine.Current()
}

// IsRunning reports whether the trader is evaluating candles.
func (t *Trader) IsRunning() bool {
	return t.State() == StateRunning
}

// IsStopped reports whether the trader has terminated (stopped or errored).
func (t *Trader) IsStopped() bool {
	state := t.State()
	return state == StateStopped || state == StateErrored
}

// CanStart reports whether a start transition is currently legal.
func (t *Trader) CanStart() bool {
	return t.machine.can(eventStart)
}

// CanStop reports whether a stop transition is currently legal.
func (t *Trader) CanStop() bool {
	return t.machine.can(eventStop)
}

// BeginStart transitions loaded/stopped → starting.
func (t *Trader) BeginStart() error {
	from := t.machine.Current()
	if err := t.machine.event(eventStart); err != nil {
		return err
	}

	t.mu.Lock()
	t.lastError = nil
	t.stoppedAt = time.Time{}
	t.mu.Unlock()

	RecordStateTransition(from, StateStarting)
	return nil
}

// MarkRunning transitions starting → running.
func (t *Trader) MarkRunning() error {
	from := t.machine.Current()
	if err := t.machine.event(eventStarted); err != nil {
		return err
	}

	t.mu.Lock()
	t.startedAt = time.Now()
	t.lastError = nil
	t.mu.Unlock()

	RecordStateTransition(from, StateRunning)
	return nil
}

// BeginStop transitions starting/running → stopping.
func (t *Trader) BeginStop() error {
	from := t.machine.Current()
	if err := t.machine.event(eventStop); err != nil {
		return err
	}
	RecordStateTransition(from, StateStopping)
	return nil
}

// MarkStopped transitions stopping → stopped.
func (t *Trader) MarkStopped() error {
	from := t.machine.Current()
	if err := t.machine.event(eventStopped); err != nil {
		return err
	}

	t.mu.Lock()
	t.stoppedAt = time.Now()
	t.mu.Unlock()

	RecordStateTransition(from, StateStopped)
	return nil
}

// Fail records the error and moves the trader to the errored state.
func (t *Trader) Fail(err error) error {
	t.mu.Lock()
	t.lastError = err
	t.stoppedAt = time.Now()
	t.mu.Unlock()

	RecordError(t.ID, "trader_error")

	from := t.machine.Current()
	if ferr := t.machine.event(eventFail); ferr != nil {
		return ferr
	}
	RecordStateTransition(from, StateErrored)
	return nil
}

// ResetToLoaded returns an errored or stopped trader to loaded (reload path).
func (t *Trader) ResetToLoaded() error {
	from := t.machine.Current()
	if err := t.machine.event(eventReload); err != nil {
		return err
	}

	t.mu.Lock()
	t.lastError = nil
	t.consecutiveFailures = 0
	t.mu.Unlock()

	RecordStateTransition(from, StateLoaded)
	return nil
}
