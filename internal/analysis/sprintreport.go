package analysis

import (
	"context"
	"fmt"

	"github.com/sprintlens/sprintlens/internal/tracker"
	"github.com/sprintlens/sprintlens/pkg/types"
)

// defaultSprintWindow caps how many recent sprints one report covers.
const defaultSprintWindow = 15

// SprintSummary is one sprint's computed report row. It is both a partial
// result during the run and an element of the final report.
type SprintSummary struct {
	SprintName          string  `json:"sprint_name"`
	StartDate           string  `json:"start_date"`
	EndDate             string  `json:"end_date"`
	Status              string  `json:"status"`
	InitialPlanned      int     `json:"initial_planned"`
	Completed           int     `json:"completed"`
	NotCompleted        int     `json:"not_completed"`
	AddedDuringSprint   int     `json:"added_during_sprint"`
	RemovedDuringSprint int     `json:"removed_during_sprint"`
	InitialPlannedSP    float64 `json:"initial_planned_sp"`
	CompletedSP         float64 `json:"completed_sp"`
	CompletionPct       float64 `json:"completion_pct"`
	Insight             string  `json:"insight"`
}

// SprintReportResult is the final aggregate of a sprint_report task.
type SprintReportResult struct {
	BoardID       string          `json:"board_id"`
	Sprints       []SprintSummary `json:"sprints"`
	TotalSprints  int             `json:"total_sprints"`
	AvgCompletion float64         `json:"avg_completion_pct"`
	Insights      []string        `json:"insights"`
}

// SprintReport analyzes the recent sprints of one board.
type SprintReport struct {
	source tracker.Source
	window int
}

// NewSprintReport creates the sprint_report analysis. window limits how many
// sprints are analyzed; zero means the default.
func NewSprintReport(source tracker.Source, window int) *SprintReport {
	if window <= 0 {
		window = defaultSprintWindow
	}
	return &SprintReport{source: source, window: window}
}

func (a *SprintReport) Kind() types.JobKind { return types.KindSprintReport }

func (a *SprintReport) Validate(params types.Params) error {
	if params.BoardID == "" {
		return fmt.Errorf("%w: board_id is required", types.ErrInvalidInput)
	}
	return nil
}

func (a *SprintReport) FetchUnits(ctx context.Context, params types.Params) ([]Unit, error) {
	sprints, err := a.source.BoardSprints(ctx, params.BoardID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sprints for board %s: %w", params.BoardID, err)
	}
	if len(sprints) > a.window {
		sprints = sprints[:a.window]
	}
	units := make([]Unit, len(sprints))
	for i, s := range sprints {
		units[i] = s
	}
	return units, nil
}

func (a *SprintReport) AnalyzeUnit(ctx context.Context, params types.Params, unit Unit) (any, error) {
	sprint := unit.(tracker.Sprint)
	issues, err := a.source.SprintIssues(ctx, sprint.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issues for sprint %s: %w", sprint.Name, err)
	}
	return summarizeSprint(sprint, issues), nil
}

func (a *SprintReport) Finalize(params types.Params, records []any) any {
	result := SprintReportResult{
		BoardID:      params.BoardID,
		Sprints:      make([]SprintSummary, 0, len(records)),
		TotalSprints: len(records),
	}

	var completionSum float64
	var lowDelivery int
	for _, r := range records {
		summary := r.(SprintSummary)
		result.Sprints = append(result.Sprints, summary)
		completionSum += summary.CompletionPct
		if summary.CompletionPct < 50 {
			lowDelivery++
		}
	}
	if len(records) > 0 {
		result.AvgCompletion = round1(completionSum / float64(len(records)))
	}

	switch {
	case len(records) == 0:
		result.Insights = append(result.Insights, "No sprints found for this board")
	case result.AvgCompletion >= 80:
		result.Insights = append(result.Insights, fmt.Sprintf("Strong delivery: %.1f%% average completion over %d sprints", result.AvgCompletion, len(records)))
	case result.AvgCompletion < 50:
		result.Insights = append(result.Insights, fmt.Sprintf("Delivery at risk: %.1f%% average completion over %d sprints", result.AvgCompletion, len(records)))
	default:
		result.Insights = append(result.Insights, fmt.Sprintf("Moderate delivery: %.1f%% average completion over %d sprints", result.AvgCompletion, len(records)))
	}
	if lowDelivery > 0 {
		result.Insights = append(result.Insights, fmt.Sprintf("%d of %d sprints completed less than half of their scope", lowDelivery, len(records)))
	}

	return result
}

func summarizeSprint(sprint tracker.Sprint, issues []tracker.Issue) SprintSummary {
	summary := SprintSummary{
		SprintName: sprint.Name,
		StartDate:  dateOnly(sprint.StartDate),
		EndDate:    dateOnly(sprint.EndDate),
		Status:     sprint.State,
	}

	for _, issue := range issues {
		if issue.RemovedDuringSprint {
			summary.RemovedDuringSprint++
			continue
		}
		if issue.AddedDuringSprint {
			summary.AddedDuringSprint++
		} else {
			summary.InitialPlanned++
			summary.InitialPlannedSP += issue.StoryPoints
		}
		if tracker.IsDone(issue.Status) {
			summary.Completed++
			summary.CompletedSP += issue.StoryPoints
		} else {
			summary.NotCompleted++
		}
	}

	total := summary.Completed + summary.NotCompleted
	if total > 0 {
		summary.CompletionPct = round1(float64(summary.Completed) / float64(total) * 100)
	}

	switch {
	case total == 0:
		summary.Insight = "Empty sprint - no issues to analyze"
	case summary.CompletionPct >= 80:
		summary.Insight = "Good velocity - sprint goals largely met"
	case summary.CompletionPct < 50:
		summary.Insight = "Low delivery - review sprint scope and blockers"
	default:
		summary.Insight = "Partial delivery - some carryover into next sprint"
	}
	if summary.AddedDuringSprint > summary.InitialPlanned/2 && summary.InitialPlanned > 0 {
		summary.Insight += "; heavy mid-sprint scope changes"
	}

	return summary
}

func round1(v float64) float64 {
	if v < 0 {
		return float64(int(v*10-0.5)) / 10
	}
	return float64(int(v*10+0.5)) / 10
}
