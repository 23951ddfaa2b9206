package types

// SubmitResponse is returned by every submission endpoint.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// ErrorResponse carries an error message on 4xx/5xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ProgressResponse is the polling endpoint's wire shape. Optional counters
// are pointers so absent values are omitted rather than rendered as zero.
type ProgressResponse struct {
	Status         string `json:"status"`
	Progress       *int   `json:"progress,omitempty"`
	CurrentSprints *int   `json:"current_sprints,omitempty"`
	TotalSprints   *int   `json:"total_sprints,omitempty"`
	PartialResults []any  `json:"partial_results,omitempty"`
	Result         any    `json:"result,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ProgressFromSnapshot converts a stored snapshot to the polling wire shape.
func ProgressFromSnapshot(s Snapshot) ProgressResponse {
	resp := ProgressResponse{
		Status: string(s.Phase),
		Error:  s.Error,
	}
	percent := s.Percent
	resp.Progress = &percent
	if s.Total > 0 {
		current, total := s.Current, s.Total
		resp.CurrentSprints = &current
		resp.TotalSprints = &total
	}
	if len(s.Partials) > 0 {
		resp.PartialResults = s.Partials
	}
	if s.Phase == PhaseCompleted {
		resp.Result = s.Result
	}
	return resp
}

// StreamEvent is one line of the legacy streaming endpoint's payload.
type StreamEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StreamEventSprintResult is the only event type the legacy stream emits.
const StreamEventSprintResult = "sprint_result"
