package types

import (
	"errors"
	"time"
)

// JobKind identifies which analysis a task runs.
type JobKind string

const (
	KindSprintReport     JobKind = "sprint_report"
	KindCapacityAnalysis JobKind = "capacity_analysis"
	KindCrossSprint      JobKind = "cross_sprint"
)

// Phase represents the current lifecycle stage of a task.
type Phase string

const (
	PhaseFetchingData Phase = "fetching_data"
	PhaseInProgress   Phase = "in_progress"
	PhaseCompleted    Phase = "completed"
	PhaseError        Phase = "error"
)

// Terminal reports whether a task in this phase will never change again.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

// Sentinel errors shared between the engine, store and delivery surfaces.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("task not found")
)

// Params carries the input parameters of a submission. Which fields are
// required depends on the job kind.
type Params struct {
	BoardID   string `json:"board_id,omitempty"`
	UserEmail string `json:"user_email,omitempty"`
	WeeksBack int    `json:"weeks_back,omitempty"`
}

// Snapshot is an immutable point-in-time view of a task. The engine is the
// only producer; delivery endpoints read value copies, never shared pointers.
type Snapshot struct {
	TaskID    string    `json:"task_id"`
	Kind      JobKind   `json:"kind"`
	Phase     Phase     `json:"phase"`
	Percent   int       `json:"percent"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Partials  []any     `json:"partials,omitempty"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether this snapshot is final.
func (s Snapshot) Terminal() bool {
	return s.Phase.Terminal()
}
