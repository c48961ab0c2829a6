package formulaexec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/formulapad/cellsync/internal/grid"
)

// fakeEvaluator answers every request from a function, recording calls.
type fakeEvaluator struct {
	mu    sync.Mutex
	calls []Request
	fn    func(Request) (Response, error)
}

func (f *fakeEvaluator) Evaluate(_ context.Context, req Request) (Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeEvaluator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func sumEvaluator() *fakeEvaluator {
	return &fakeEvaluator{fn: func(req Request) (Response, error) {
		total := 0.0
		for _, v := range req.Inputs {
			if v.Kind == grid.KindNumber {
				total += v.Number
			}
		}
		return Response{Success: true, Result: grid.Number(total)}, nil
	}}
}

func runnerStore(t *testing.T) *grid.Store {
	t.Helper()
	store := grid.NewStore("doc-1", grid.StoreOptions{
		Columns: []grid.Column{
			{ID: "a", Type: grid.ColumnNumber, Editable: true},
			{ID: "b", Type: grid.ColumnNumber, Editable: true},
			{ID: "sum", Type: grid.ColumnResult, Formula: "a + b"},
		},
		DebounceWindow: 20 * time.Millisecond,
	})
	t.Cleanup(store.Close)
	return store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRunnerComputesResultColumn(t *testing.T) {
	store := runnerStore(t)
	eval := sumEvaluator()
	runner := NewRunner(store, eval, RunnerOptions{})
	runner.Start()
	defer runner.Close()

	store.SetValue("r1", "a", grid.Number(2))
	store.SetValue("r1", "b", grid.Number(3))

	waitFor(t, time.Second, func() bool {
		return store.Value("r1", "sum").Equal(grid.Number(5))
	})
}

func TestRunnerDoesNotLoopOnOwnResults(t *testing.T) {
	store := runnerStore(t)
	eval := sumEvaluator()
	runner := NewRunner(store, eval, RunnerOptions{})
	runner.Start()
	defer runner.Close()

	store.SetValue("r1", "a", grid.Number(2))
	store.SetValue("r1", "b", grid.Number(3))

	waitFor(t, time.Second, func() bool {
		return store.Value("r1", "sum").Equal(grid.Number(5))
	})

	// the result write re-triggers the batch; inputs are unchanged so no
	// further evaluations may happen
	time.Sleep(100 * time.Millisecond)
	if calls := eval.callCount(); calls != 1 {
		t.Fatalf("expected 1 evaluation, got %d", calls)
	}
}

func TestRunnerRecomputesOnInputChange(t *testing.T) {
	store := runnerStore(t)
	eval := sumEvaluator()
	runner := NewRunner(store, eval, RunnerOptions{})
	runner.Start()
	defer runner.Close()

	store.SetValue("r1", "a", grid.Number(1))
	store.SetValue("r1", "b", grid.Number(1))
	waitFor(t, time.Second, func() bool {
		return store.Value("r1", "sum").Equal(grid.Number(2))
	})

	store.SetValue("r1", "a", grid.Number(10))
	waitFor(t, time.Second, func() bool {
		return store.Value("r1", "sum").Equal(grid.Number(11))
	})
}

func TestRunnerSkipsFailedEvaluations(t *testing.T) {
	store := runnerStore(t)
	eval := &fakeEvaluator{fn: func(Request) (Response, error) {
		return Response{}, errors.New("worker gone")
	}}
	runner := NewRunner(store, eval, RunnerOptions{})
	runner.Start()
	defer runner.Close()

	store.SetValue("r1", "a", grid.Number(2))

	waitFor(t, time.Second, func() bool { return eval.callCount() > 0 })
	time.Sleep(50 * time.Millisecond)
	if !store.Value("r1", "sum").IsNull() {
		t.Fatalf("failed evaluation must not write a result")
	}
}

func TestRunnerCloseDetaches(t *testing.T) {
	store := runnerStore(t)
	eval := sumEvaluator()
	runner := NewRunner(store, eval, RunnerOptions{})
	runner.Start()
	runner.Close()
	runner.Close() // idempotent

	store.SetValue("r1", "a", grid.Number(2))
	time.Sleep(80 * time.Millisecond)
	if eval.callCount() != 0 {
		t.Fatalf("closed runner still evaluates")
	}
}
