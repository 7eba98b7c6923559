package dispatch

import (
	"testing"
	"time"

	"github.com/vyx/signal-engine/internal/trader"
)

func queueTrader(t *testing.T, id string) *trader.Trader {
	t.Helper()
	tr, err := trader.New(id, "user-1", "Trader "+id, "", &trader.Config{
		FilterCode: `return true`,
		Timeframes: []string{"5m"},
		Schedule:   "5m",
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("trader.New failed: %v", err)
	}
	return tr
}

func task(tr *trader.Trader, symbol string) *Task {
	return &Task{
		Trader:    tr,
		Symbol:    symbol,
		Interval:  "5m",
		CloseTime: time.Now(),
		batch:     newBatch(tr.ID, "5m", time.Now()),
	}
}

func TestQueueFIFO(t *testing.T) {
	q := newTaskQueue(10)
	tr := queueTrader(t, "t1")

	q.Push(task(tr, "BTCUSDT"))
	q.Push(task(tr, "ETHUSDT"))

	first := q.Pop()
	if first.Symbol != "BTCUSDT" {
		t.Errorf("expected BTCUSDT first, got %s", first.Symbol)
	}
	q.Done(first)

	second := q.Pop()
	if second.Symbol != "ETHUSDT" {
		t.Errorf("expected ETHUSDT second, got %s", second.Symbol)
	}
	q.Done(second)
}

func TestQueueDropsOldestSameTrader(t *testing.T) {
	q := newTaskQueue(2)
	noisy := queueTrader(t, "noisy")
	quiet := queueTrader(t, "quiet")

	q.Push(task(noisy, "BTCUSDT"))
	q.Push(task(quiet, "BTCUSDT"))

	// Queue full; the incoming noisy task evicts noisy's oldest.
	dropped := q.Push(task(noisy, "ETHUSDT"))
	if dropped == nil {
		t.Fatal("expected a dropped task")
	}
	if dropped.Trader.ID != "noisy" || dropped.Symbol != "BTCUSDT" {
		t.Errorf("expected noisy/BTCUSDT dropped, got %s/%s", dropped.Trader.ID, dropped.Symbol)
	}

	// The quiet trader's task survived.
	first := q.Pop()
	if first.Trader.ID != "quiet" {
		t.Errorf("expected quiet trader's task, got %s", first.Trader.ID)
	}
}

func TestQueueDropsOldestOverallWhenNoSameTrader(t *testing.T) {
	q := newTaskQueue(2)
	a := queueTrader(t, "a")
	b := queueTrader(t, "b")
	c := queueTrader(t, "c")

	q.Push(task(a, "BTCUSDT"))
	q.Push(task(b, "BTCUSDT"))

	dropped := q.Push(task(c, "BTCUSDT"))
	if dropped == nil || dropped.Trader.ID != "a" {
		t.Errorf("expected oldest overall (a) dropped, got %v", dropped)
	}
}

func TestQueueSerializesTraderSymbolPair(t *testing.T) {
	q := newTaskQueue(10)
	tr := queueTrader(t, "t1")

	q.Push(task(tr, "BTCUSDT"))
	q.Push(task(tr, "BTCUSDT")) // same pair again
	q.Push(task(tr, "ETHUSDT"))

	first := q.Pop()
	if first.Symbol != "BTCUSDT" {
		t.Fatalf("expected BTCUSDT, got %s", first.Symbol)
	}

	// While BTCUSDT is in flight, the duplicate pair is not handed out.
	second := q.Pop()
	if second.Symbol != "ETHUSDT" {
		t.Errorf("expected ETHUSDT while BTCUSDT in flight, got %s", second.Symbol)
	}
	q.Done(second)

	// Completing the first releases the pair.
	done := make(chan *Task, 1)
	go func() { done <- q.Pop() }()

	select {
	case <-done:
		t.Fatal("duplicate pair must not run concurrently")
	case <-time.After(50 * time.Millisecond):
	}

	q.Done(first)

	select {
	case third := <-done:
		if third.Symbol != "BTCUSDT" {
			t.Errorf("expected queued BTCUSDT after release, got %s", third.Symbol)
		}
	case <-time.After(time.Second):
		t.Fatal("released pair should become runnable")
	}
}

func TestQueueRemoveTrader(t *testing.T) {
	q := newTaskQueue(10)
	a := queueTrader(t, "a")
	b := queueTrader(t, "b")

	q.Push(task(a, "BTCUSDT"))
	q.Push(task(a, "ETHUSDT"))
	q.Push(task(b, "BTCUSDT"))

	removed := q.RemoveTrader("a")
	if len(removed) != 2 {
		t.Errorf("expected 2 removed tasks, got %d", len(removed))
	}
	if q.Len() != 1 {
		t.Errorf("expected 1 remaining task, got %d", q.Len())
	}
}

func TestQueueWaitIdle(t *testing.T) {
	q := newTaskQueue(10)
	tr := queueTrader(t, "t1")

	q.Push(task(tr, "BTCUSDT"))
	inflight := q.Pop()

	// Not idle while the task is in flight.
	if q.WaitIdle("t1", 100*time.Millisecond) {
		t.Error("WaitIdle should time out while a task is in flight")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		q.Done(inflight)
	}()

	if !q.WaitIdle("t1", time.Second) {
		t.Error("WaitIdle should succeed after Done")
	}
}

func TestQueueCloseUnblocksPop(t *testing.T) {
	q := newTaskQueue(10)

	done := make(chan *Task, 1)
	go func() { done <- q.Pop() }()

	q.Close()

	select {
	case got := <-done:
		if got != nil {
			t.Errorf("expected nil from closed queue, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop should return after Close")
	}
}
