// Package engine owns the lifecycle of analysis tasks: submission,
// asynchronous execution, progress emission, cancellation and failure.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sprintlens/sprintlens/internal/analysis"
	"github.com/sprintlens/sprintlens/internal/metrics"
	"github.com/sprintlens/sprintlens/internal/progress"
	"github.com/sprintlens/sprintlens/pkg/types"
)

// DefaultMaxConcurrent bounds how many tasks run at once. The limit is a
// hardening measure; it is high enough that concurrent submissions still run
// independently and promptly.
const DefaultMaxConcurrent = 64

// Progress percent checkpoints. Fetching holds 10%, per-unit analysis walks
// from 30% to 90%, completion is 100%.
const (
	percentFetching       = 10
	percentAnalysisBase   = 30
	percentAnalysisSpread = 60
)

// Engine runs one goroutine per submitted task and is the single writer of
// each task's snapshots.
type Engine struct {
	store    *progress.Store
	metrics  *metrics.Metrics
	sem      *semaphore.Weighted
	analyses map[types.JobKind]analysis.Analysis

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine writing into store. m may be nil to disable metrics.
func New(store *progress.Store, m *metrics.Metrics, maxConcurrent int64) *Engine {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Engine{
		store:    store,
		metrics:  m,
		sem:      semaphore.NewWeighted(maxConcurrent),
		analyses: make(map[types.JobKind]analysis.Analysis),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Register adds an analysis kind. Not safe to call after Submit traffic
// starts.
func (e *Engine) Register(a analysis.Analysis) {
	e.analyses[a.Kind()] = a
}

// Submit validates params, allocates a task id and starts execution
// asynchronously. A validation failure is returned directly and never
// becomes task state.
func (e *Engine) Submit(kind types.JobKind, params types.Params) (string, error) {
	a, ok := e.analyses[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown job kind %q", types.ErrInvalidInput, kind)
	}
	if err := a.Validate(params); err != nil {
		return "", err
	}

	taskID := uuid.New().String()
	now := time.Now()

	if err := e.store.Put(taskID, types.Snapshot{
		TaskID:    taskID,
		Kind:      kind,
		Phase:     types.PhaseFetchingData,
		CreatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("failed to register task: %w", err)
	}

	// The task outlives the submitting request, so its context derives from
	// Background, not from the request.
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[taskID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(ctx, taskID, a, params)

	slog.Info("Task submitted", "task", taskID, "kind", kind)
	return taskID, nil
}

// Cancel stops a running task. Partial results are discarded and the task is
// removed from the store; there are no resume semantics.
func (e *Engine) Cancel(taskID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[taskID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels every running task and waits for their goroutines, or
// until ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context, taskID string, a analysis.Analysis, params types.Params) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, taskID)
		e.mu.Unlock()
	}()

	started := time.Now()
	kind := a.Kind()

	// A panic anywhere below resolves the task to a terminal error; the
	// goroutine never exits with the task non-terminal.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Task panicked", "task", taskID, "kind", kind, "panic", r)
			e.fail(taskID, kind, nil, 0, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.discard(taskID, kind)
		return
	}
	defer e.sem.Release(1)

	if e.metrics != nil {
		e.metrics.TaskStarted(string(kind))
		defer func() {
			e.metrics.TaskFinished(string(kind), time.Since(started))
		}()
	}

	e.put(taskID, types.Snapshot{
		Kind:    kind,
		Phase:   types.PhaseFetchingData,
		Percent: percentFetching,
	})

	units, err := a.FetchUnits(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			e.discard(taskID, kind)
			return
		}
		slog.Error("Task fetch failed", "task", taskID, "kind", kind, "error", err)
		e.fail(taskID, kind, nil, 0, err.Error())
		return
	}

	total := len(units)
	e.put(taskID, types.Snapshot{
		Kind:    kind,
		Phase:   types.PhaseInProgress,
		Percent: percentAnalysisBase,
		Total:   total,
	})

	records := make([]any, 0, total)
	for i, unit := range units {
		// Cancellation is cooperative and checked between units, never
		// mid-unit.
		if ctx.Err() != nil {
			e.discard(taskID, kind)
			return
		}

		record, err := a.AnalyzeUnit(ctx, params, unit)
		if err != nil {
			if ctx.Err() != nil {
				e.discard(taskID, kind)
				return
			}
			slog.Error("Task unit failed", "task", taskID, "kind", kind, "unit", i, "error", err)
			e.fail(taskID, kind, records, total, err.Error())
			return
		}
		records = append(records, record)

		// One snapshot per unit, never batched, so pollers see smooth
		// progress.
		e.put(taskID, types.Snapshot{
			Kind:     kind,
			Phase:    types.PhaseInProgress,
			Percent:  percentAnalysisBase + (i+1)*percentAnalysisSpread/total,
			Current:  i + 1,
			Total:    total,
			Partials: snapshotPartials(records),
		})
	}

	result := a.Finalize(params, records)
	e.put(taskID, types.Snapshot{
		Kind:     kind,
		Phase:    types.PhaseCompleted,
		Percent:  100,
		Current:  total,
		Total:    total,
		Partials: snapshotPartials(records),
		Result:   result,
	})

	if e.metrics != nil {
		e.metrics.TaskCompleted(string(kind))
	}
	slog.Info("Task completed", "task", taskID, "kind", kind, "units", total, "duration", time.Since(started))
}

func (e *Engine) put(taskID string, snapshot types.Snapshot) {
	snapshot.TaskID = taskID
	if err := e.store.Put(taskID, snapshot); err != nil {
		slog.Warn("Dropped snapshot", "task", taskID, "error", err)
	}
}

// fail resolves the task to a terminal error, keeping the partial results
// computed so far and the known unit count visible.
func (e *Engine) fail(taskID string, kind types.JobKind, records []any, total int, msg string) {
	e.put(taskID, types.Snapshot{
		Kind:     kind,
		Phase:    types.PhaseError,
		Current:  len(records),
		Total:    total,
		Partials: snapshotPartials(records),
		Error:    msg,
	})
	if e.metrics != nil {
		e.metrics.TaskFailed(string(kind))
	}
}

// discard handles cancellation: the task vanishes from the store and no
// further snapshots are emitted.
func (e *Engine) discard(taskID string, kind types.JobKind) {
	e.store.Delete(taskID)
	if e.metrics != nil {
		e.metrics.TaskCancelled(string(kind))
	}
	slog.Info("Task cancelled", "task", taskID, "kind", kind)
}

// snapshotPartials copies the accumulated records so a stored snapshot never
// shares a slice with the engine's working set.
func snapshotPartials(records []any) []any {
	if len(records) == 0 {
		return nil
	}
	return append([]any(nil), records...)
}
