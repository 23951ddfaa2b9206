package analysis

import (
	"context"
	"fmt"

	"github.com/sprintlens/sprintlens/internal/tracker"
	"github.com/sprintlens/sprintlens/pkg/types"
)

// defaultCrossSprintWindow caps how many recent sprints the dependency scan
// covers.
const defaultCrossSprintWindow = 5

// SprintDependencies is one sprint's dependency scan record.
type SprintDependencies struct {
	SprintName       string   `json:"sprint_name"`
	State            string   `json:"state"`
	TotalIssues      int      `json:"total_issues"`
	Completed        int      `json:"completed"`
	NotCompleted     int      `json:"not_completed"`
	BlockedIssues    int      `json:"blocked_issues"`
	BlockingIssues   int      `json:"blocking_issues"`
	CrossSprintLinks int      `json:"cross_sprint_links"`
	BlockedKeys      []string `json:"blocked_keys,omitempty"`
}

// CrossSprintResult is the final aggregate of a cross_sprint task.
type CrossSprintResult struct {
	BoardID      string               `json:"board_id"`
	Sprints      []SprintDependencies `json:"sprints"`
	TotalBlocked int                  `json:"total_blocked"`
	TotalLinks   int                  `json:"total_cross_sprint_links"`
	Assessment   string               `json:"impact_assessment"`
}

// CrossSprint scans a board's recent sprints for inter-sprint dependencies.
type CrossSprint struct {
	source tracker.Source
	window int
}

// NewCrossSprint creates the cross_sprint analysis.
func NewCrossSprint(source tracker.Source, window int) *CrossSprint {
	if window <= 0 {
		window = defaultCrossSprintWindow
	}
	return &CrossSprint{source: source, window: window}
}

func (a *CrossSprint) Kind() types.JobKind { return types.KindCrossSprint }

func (a *CrossSprint) Validate(params types.Params) error {
	if params.BoardID == "" {
		return fmt.Errorf("%w: board_id is required", types.ErrInvalidInput)
	}
	return nil
}

func (a *CrossSprint) FetchUnits(ctx context.Context, params types.Params) ([]Unit, error) {
	sprints, err := a.source.BoardSprints(ctx, params.BoardID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sprints for board %s: %w", params.BoardID, err)
	}

	// Sprints without an end date cannot be placed on the dependency
	// timeline; skip them.
	units := make([]Unit, 0, a.window)
	for _, s := range sprints {
		if s.EndDate == "" {
			continue
		}
		units = append(units, s)
		if len(units) == a.window {
			break
		}
	}
	return units, nil
}

func (a *CrossSprint) AnalyzeUnit(ctx context.Context, params types.Params, unit Unit) (any, error) {
	sprint := unit.(tracker.Sprint)
	issues, err := a.source.SprintIssues(ctx, sprint.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issues for sprint %s: %w", sprint.Name, err)
	}

	record := SprintDependencies{
		SprintName:  sprint.Name,
		State:       sprint.State,
		TotalIssues: len(issues),
	}

	inSprint := make(map[string]bool, len(issues))
	for _, issue := range issues {
		inSprint[issue.Key] = true
	}

	for _, issue := range issues {
		if tracker.IsDone(issue.Status) {
			record.Completed++
		} else {
			record.NotCompleted++
		}
		if len(issue.BlockedBy) > 0 {
			record.BlockedIssues++
			record.BlockedKeys = append(record.BlockedKeys, issue.Key)
		}
		if len(issue.Blocks) > 0 {
			record.BlockingIssues++
		}
		for _, key := range issue.BlockedBy {
			if !inSprint[key] {
				record.CrossSprintLinks++
			}
		}
		for _, key := range issue.Blocks {
			if !inSprint[key] {
				record.CrossSprintLinks++
			}
		}
	}

	return record, nil
}

func (a *CrossSprint) Finalize(params types.Params, records []any) any {
	result := CrossSprintResult{
		BoardID: params.BoardID,
		Sprints: make([]SprintDependencies, 0, len(records)),
	}

	var totalIssues int
	for _, r := range records {
		record := r.(SprintDependencies)
		result.Sprints = append(result.Sprints, record)
		result.TotalBlocked += record.BlockedIssues
		result.TotalLinks += record.CrossSprintLinks
		totalIssues += record.TotalIssues
	}

	switch {
	case totalIssues == 0:
		result.Assessment = "No issues found in the analyzed sprints"
	case result.TotalBlocked == 0:
		result.Assessment = "No blocked issues - sprints are running independently"
	case result.TotalBlocked*5 > totalIssues:
		result.Assessment = fmt.Sprintf("High dependency pressure: %d of %d issues blocked across sprints", result.TotalBlocked, totalIssues)
	default:
		result.Assessment = fmt.Sprintf("%d blocked issues and %d cross-sprint links detected", result.TotalBlocked, result.TotalLinks)
	}

	return result
}
