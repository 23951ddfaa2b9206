// Package tracker talks to the external project tracker's agile REST API.
// Calls are slow, rate limited and can fail; callers own retry and error
// surfacing policy.
package tracker

import "context"

// Sprint is a normalized sprint record from the tracker.
type Sprint struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
	Goal      string `json:"goal,omitempty"`
}

// Issue is a normalized issue record. The adapter resolves changelog-derived
// fields (added/removed during sprint, blocking links) so analyses never see
// raw tracker payloads.
type Issue struct {
	Key                 string   `json:"key"`
	Summary             string   `json:"summary"`
	Status              string   `json:"status"`
	StoryPoints         float64  `json:"story_points"`
	AddedDuringSprint   bool     `json:"added_during_sprint"`
	RemovedDuringSprint bool     `json:"removed_during_sprint"`
	BlockedBy           []string `json:"blocked_by,omitempty"`
	Blocks              []string `json:"blocks,omitempty"`
	CreatedAt           string   `json:"created_at,omitempty"`
	ResolvedAt          string   `json:"resolved_at,omitempty"`
	TimeSpentHours      float64  `json:"time_spent_hours"`
}

// Source is the adapter boundary the job engine depends on. Each call blocks
// until the tracker responds or ctx is done; there is no retry guarantee
// beyond a single rate-limit backoff.
type Source interface {
	// BoardSprints returns the board's sprints, most recently ended first.
	BoardSprints(ctx context.Context, boardID string) ([]Sprint, error)

	// SprintIssues returns the normalized issues of one sprint.
	SprintIssues(ctx context.Context, sprintID string) ([]Issue, error)

	// UserIssues returns all issues the user worked on in the last
	// weeksBack weeks.
	UserIssues(ctx context.Context, userEmail string, weeksBack int) ([]Issue, error)
}

// IsDone reports whether an issue status counts as completed.
func IsDone(status string) bool {
	switch status {
	case "Done", "Closed", "Resolved", "done", "closed", "resolved":
		return true
	}
	return false
}
