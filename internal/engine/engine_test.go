package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprintlens/sprintlens/internal/analysis"
	"github.com/sprintlens/sprintlens/internal/progress"
	"github.com/sprintlens/sprintlens/pkg/types"
)

// fakeAnalysis is a scriptable analysis for engine tests.
type fakeAnalysis struct {
	kind        types.JobKind
	units       int
	validateErr error
	fetchErr    error
	failAt      int           // 1-based unit index returning an error, 0 = never
	panicAt     int           // 1-based unit index panicking, 0 = never
	fetchGate   chan struct{} // when non-nil, FetchUnits blocks until closed
	unitDelay   time.Duration
}

func (f *fakeAnalysis) Kind() types.JobKind { return f.kind }

func (f *fakeAnalysis) Validate(params types.Params) error { return f.validateErr }

func (f *fakeAnalysis) FetchUnits(ctx context.Context, params types.Params) ([]analysis.Unit, error) {
	if f.fetchGate != nil {
		select {
		case <-f.fetchGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	units := make([]analysis.Unit, f.units)
	for i := range units {
		units[i] = i + 1
	}
	return units, nil
}

func (f *fakeAnalysis) AnalyzeUnit(ctx context.Context, params types.Params, unit analysis.Unit) (any, error) {
	n := unit.(int)
	if f.unitDelay > 0 {
		select {
		case <-time.After(f.unitDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n == f.panicAt {
		panic("unit exploded")
	}
	if n == f.failAt {
		return nil, fmt.Errorf("tracker rejected unit %d", n)
	}
	return fmt.Sprintf("record-%d", n), nil
}

func (f *fakeAnalysis) Finalize(params types.Params, records []any) any {
	return map[string]any{"unit_count": len(records)}
}

func newTestEngine(t *testing.T, fakes ...*fakeAnalysis) (*Engine, *progress.Store) {
	t.Helper()
	store := progress.NewStore(time.Minute)
	t.Cleanup(store.Close)
	eng := New(store, nil, 0)
	for _, f := range fakes {
		eng.Register(f)
	}
	return eng, store
}

// waitTerminal polls the store until the task reaches a terminal snapshot.
func waitTerminal(t *testing.T, store *progress.Store, taskID string) types.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snapshot, ok := store.Get(taskID); ok && snapshot.Terminal() {
			return snapshot
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", taskID)
	return types.Snapshot{}
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	fake := &fakeAnalysis{
		kind:        types.KindCapacityAnalysis,
		validateErr: fmt.Errorf("%w: weeks_back must be positive", types.ErrInvalidInput),
	}
	eng, _ := newTestEngine(t, fake)

	taskID, err := eng.Submit(types.KindCapacityAnalysis, types.Params{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidInput))
	assert.Empty(t, taskID)
}

func TestSubmitRejectsUnknownKind(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.Submit("mystery", types.Params{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidInput))
}

func TestRunCompletes(t *testing.T) {
	fake := &fakeAnalysis{kind: types.KindCapacityAnalysis, units: 8}
	eng, store := newTestEngine(t, fake)

	taskID, err := eng.Submit(types.KindCapacityAnalysis, types.Params{UserEmail: "dev@example.com", WeeksBack: 8})
	require.NoError(t, err)

	final := waitTerminal(t, store, taskID)
	assert.Equal(t, types.PhaseCompleted, final.Phase)
	assert.Equal(t, 100, final.Percent)
	assert.Equal(t, 8, final.Current)
	assert.Equal(t, 8, final.Total)
	assert.Len(t, final.Partials, 8)
	require.NotNil(t, final.Result)
	assert.Equal(t, map[string]any{"unit_count": 8}, final.Result)
	assert.Empty(t, final.Error)
}

func TestSnapshotSequenceIsMonotonic(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeAnalysis{kind: types.KindSprintReport, units: 5, fetchGate: gate}
	eng, store := newTestEngine(t, fake)

	taskID, err := eng.Submit(types.KindSprintReport, types.Params{BoardID: "42"})
	require.NoError(t, err)

	updates := store.Subscribe(taskID)
	defer store.Unsubscribe(taskID, updates)
	close(gate)

	var snapshots []types.Snapshot
	for snapshot := range updates {
		snapshots = append(snapshots, snapshot)
		if snapshot.Terminal() {
			break
		}
	}

	require.NotEmpty(t, snapshots)
	lastPercent := -1
	lastCurrent := 0
	for _, s := range snapshots {
		assert.GreaterOrEqual(t, s.Percent, lastPercent, "progress went backward")
		lastPercent = s.Percent
		if s.Phase == types.PhaseInProgress && s.Current > 0 {
			assert.Equal(t, lastCurrent+1, s.Current, "unit snapshots must not be batched")
			lastCurrent = s.Current
			assert.Len(t, s.Partials, s.Current)
		}
	}
	assert.Equal(t, 5, lastCurrent)
	assert.Equal(t, types.PhaseCompleted, snapshots[len(snapshots)-1].Phase)
}

func TestUnitFailureKeepsPartials(t *testing.T) {
	fake := &fakeAnalysis{kind: types.KindSprintReport, units: 10, failAt: 4}
	eng, store := newTestEngine(t, fake)

	taskID, err := eng.Submit(types.KindSprintReport, types.Params{BoardID: "42"})
	require.NoError(t, err)

	final := waitTerminal(t, store, taskID)
	assert.Equal(t, types.PhaseError, final.Phase)
	assert.Contains(t, final.Error, "tracker rejected unit 4")
	assert.Len(t, final.Partials, 3)
	assert.Nil(t, final.Result)

	// The counters survive into the error snapshot so pollers still see how
	// far the task got.
	assert.Equal(t, 3, final.Current)
	assert.Equal(t, 10, final.Total)
	wire := types.ProgressFromSnapshot(final)
	require.NotNil(t, wire.CurrentSprints)
	require.NotNil(t, wire.TotalSprints)
	assert.Equal(t, 3, *wire.CurrentSprints)
	assert.Equal(t, 10, *wire.TotalSprints)
}

func TestFetchFailureBecomesJobError(t *testing.T) {
	fake := &fakeAnalysis{kind: types.KindSprintReport, fetchErr: errors.New("tracker unreachable")}
	eng, store := newTestEngine(t, fake)

	taskID, err := eng.Submit(types.KindSprintReport, types.Params{BoardID: "42"})
	require.NoError(t, err)

	final := waitTerminal(t, store, taskID)
	assert.Equal(t, types.PhaseError, final.Phase)
	assert.Contains(t, final.Error, "tracker unreachable")
	assert.Empty(t, final.Partials)
}

func TestPanicResolvesToError(t *testing.T) {
	fake := &fakeAnalysis{kind: types.KindSprintReport, units: 3, panicAt: 2}
	eng, store := newTestEngine(t, fake)

	taskID, err := eng.Submit(types.KindSprintReport, types.Params{BoardID: "42"})
	require.NoError(t, err)

	final := waitTerminal(t, store, taskID)
	assert.Equal(t, types.PhaseError, final.Phase)
	assert.Contains(t, final.Error, "internal error")
}

func TestCancelDiscardsTask(t *testing.T) {
	fake := &fakeAnalysis{kind: types.KindSprintReport, units: 100, unitDelay: 20 * time.Millisecond}
	eng, store := newTestEngine(t, fake)

	taskID, err := eng.Submit(types.KindSprintReport, types.Params{BoardID: "42"})
	require.NoError(t, err)

	// Let at least one unit run before cancelling.
	time.Sleep(30 * time.Millisecond)
	require.True(t, eng.Cancel(taskID))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := store.Get(taskID); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cancelled task still present in store")
}

func TestCancelUnknownTask(t *testing.T) {
	eng, _ := newTestEngine(t)
	assert.False(t, eng.Cancel("nope"))
}

func TestTaskIDsAreUnique(t *testing.T) {
	fake := &fakeAnalysis{kind: types.KindSprintReport, units: 1}
	eng, store := newTestEngine(t, fake)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		taskID, err := eng.Submit(types.KindSprintReport, types.Params{BoardID: "42"})
		require.NoError(t, err)
		require.False(t, seen[taskID], "duplicate task id %s", taskID)
		seen[taskID] = true
	}

	for taskID := range seen {
		waitTerminal(t, store, taskID)
	}
}

func TestTerminalSnapshotIsStable(t *testing.T) {
	fake := &fakeAnalysis{kind: types.KindSprintReport, units: 2}
	eng, store := newTestEngine(t, fake)

	taskID, err := eng.Submit(types.KindSprintReport, types.Params{BoardID: "42"})
	require.NoError(t, err)

	first := waitTerminal(t, store, taskID)
	second, ok := store.Get(taskID)
	require.True(t, ok)
	assert.Equal(t, first.Phase, second.Phase)
	assert.Equal(t, first.Percent, second.Percent)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}
