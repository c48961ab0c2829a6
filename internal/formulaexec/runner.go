package formulaexec

import (
	"context"
	"sync"
	"time"

	"github.com/formulapad/cellsync/internal/grid"
)

// Logger matches the minimal logging surface used across the module.
type Logger interface {
	Printf(format string, args ...any)
}

type RunnerOptions struct {
	// Timeout bounds one evaluation; the default is 10s.
	Timeout time.Duration
	Logger  Logger
}

// Runner recomputes result columns whenever authored cells change. It
// subscribes to the store's debounced batch, evaluates each result column's
// formula per row through the worker, and writes outcomes back with plain
// SetValue calls. Result values are derived, never conflict-relevant, and
// never travel in the URL.
type Runner struct {
	store   *grid.Store
	eval    Evaluator
	timeout time.Duration
	logger  Logger

	mu         sync.Mutex
	lastInputs grid.Snapshot
	unsub      func()
	closed     bool
}

func NewRunner(store *grid.Store, eval Evaluator, opts RunnerOptions) *Runner {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Runner{
		store:   store,
		eval:    eval,
		timeout: timeout,
		logger:  opts.Logger,
	}
}

// Start attaches the runner to the store's global batch notification.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.closed || r.unsub != nil {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	unsub := r.store.SubscribeGlobal(r.onBatch)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		unsub()
		return
	}
	r.unsub = unsub
	r.mu.Unlock()
}

// Close detaches the runner. Idempotent.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (r *Runner) onBatch(grid.Snapshot) {
	authored := r.store.AuthoredSnapshot()

	r.mu.Lock()
	if r.closed || authored.Equal(r.lastInputs) {
		// result writes re-trigger the batch; unchanged inputs mean the
		// batch came from our own output
		r.mu.Unlock()
		return
	}
	r.lastInputs = authored
	r.mu.Unlock()

	for _, column := range r.store.Columns() {
		if column.Type != grid.ColumnResult || column.Formula == "" {
			continue
		}
		for _, rowID := range r.store.RowIDs() {
			inputs := r.rowInputs(authored, rowID)
			if len(inputs) == 0 {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			resp, err := r.eval.Evaluate(ctx, Request{Formula: column.Formula, Inputs: inputs})
			cancel()
			if err != nil {
				r.logf("formula %s failed for row %s: %v", column.ID, rowID, err)
				continue
			}
			if !resp.Success {
				r.logf("formula %s errored for row %s: %s", column.ID, rowID, resp.Error)
				continue
			}
			r.store.SetValue(rowID, column.ID, resp.Result)
		}
	}
}

func (r *Runner) rowInputs(authored grid.Snapshot, rowID string) map[string]grid.Value {
	inputs := map[string]grid.Value{}
	for _, column := range r.store.Columns() {
		if !column.Editable {
			continue
		}
		value := authored.Value(rowID, column.ID)
		if value.IsNull() {
			continue
		}
		inputs[column.ID] = value
	}
	return inputs
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
