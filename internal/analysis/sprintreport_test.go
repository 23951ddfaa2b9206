package analysis

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sprintlens/sprintlens/internal/tracker"
	"github.com/sprintlens/sprintlens/pkg/types"
)

// stubSource serves canned tracker data to the analyses under test.
type stubSource struct {
	sprints    []tracker.Sprint
	issues     map[string][]tracker.Issue
	userIssues []tracker.Issue
	err        error
}

func (s *stubSource) BoardSprints(ctx context.Context, boardID string) ([]tracker.Sprint, error) {
	return s.sprints, s.err
}

func (s *stubSource) SprintIssues(ctx context.Context, sprintID string) ([]tracker.Issue, error) {
	return s.issues[sprintID], s.err
}

func (s *stubSource) UserIssues(ctx context.Context, userEmail string, weeksBack int) ([]tracker.Issue, error) {
	return s.userIssues, s.err
}

func TestSprintReportValidate(t *testing.T) {
	a := NewSprintReport(&stubSource{}, 0)

	if err := a.Validate(types.Params{}); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("empty params: err = %v, want ErrInvalidInput", err)
	}
	if err := a.Validate(types.Params{BoardID: "42"}); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
}

func TestSprintReportFetchUnitsWindow(t *testing.T) {
	source := &stubSource{}
	for i := 0; i < 20; i++ {
		source.sprints = append(source.sprints, tracker.Sprint{ID: fmt.Sprintf("%d", i)})
	}

	a := NewSprintReport(source, 0)
	units, err := a.FetchUnits(context.Background(), types.Params{BoardID: "42"})
	if err != nil {
		t.Fatalf("FetchUnits failed: %v", err)
	}
	if len(units) != defaultSprintWindow {
		t.Errorf("len(units) = %d, want %d", len(units), defaultSprintWindow)
	}
	// The window keeps the most recent sprints, which the source lists first.
	if units[0].(tracker.Sprint).ID != "0" {
		t.Errorf("first unit = %v, want sprint 0", units[0])
	}
}

func TestSprintReportFetchUnitsError(t *testing.T) {
	source := &stubSource{err: errors.New("tracker unreachable")}
	a := NewSprintReport(source, 0)

	if _, err := a.FetchUnits(context.Background(), types.Params{BoardID: "42"}); err == nil {
		t.Fatal("FetchUnits swallowed the tracker error")
	}
}

func TestSummarizeSprintCounts(t *testing.T) {
	sprint := tracker.Sprint{
		Name:      "Sprint 7",
		State:     "closed",
		StartDate: "2026-01-05T09:00:00.000Z",
		EndDate:   "2026-01-16T17:00:00.000Z",
	}
	issues := []tracker.Issue{
		{Key: "A-1", Status: "Done", StoryPoints: 3},
		{Key: "A-2", Status: "Done", StoryPoints: 5},
		{Key: "A-3", Status: "In Progress", StoryPoints: 2},
		{Key: "A-4", Status: "Done", StoryPoints: 1, AddedDuringSprint: true},
		{Key: "A-5", Status: "To Do", RemovedDuringSprint: true},
	}

	summary := summarizeSprint(sprint, issues)

	if summary.SprintName != "Sprint 7" {
		t.Errorf("SprintName = %q", summary.SprintName)
	}
	if summary.StartDate != "2026-01-05" || summary.EndDate != "2026-01-16" {
		t.Errorf("dates = %q..%q, want date-only", summary.StartDate, summary.EndDate)
	}
	if summary.InitialPlanned != 3 {
		t.Errorf("InitialPlanned = %d, want 3", summary.InitialPlanned)
	}
	if summary.AddedDuringSprint != 1 {
		t.Errorf("AddedDuringSprint = %d, want 1", summary.AddedDuringSprint)
	}
	if summary.RemovedDuringSprint != 1 {
		t.Errorf("RemovedDuringSprint = %d, want 1", summary.RemovedDuringSprint)
	}
	if summary.Completed != 3 || summary.NotCompleted != 1 {
		t.Errorf("completed/not = %d/%d, want 3/1", summary.Completed, summary.NotCompleted)
	}
	if summary.InitialPlannedSP != 10 {
		t.Errorf("InitialPlannedSP = %v, want 10", summary.InitialPlannedSP)
	}
	if summary.CompletedSP != 9 {
		t.Errorf("CompletedSP = %v, want 9", summary.CompletedSP)
	}
	if summary.CompletionPct != 75 {
		t.Errorf("CompletionPct = %v, want 75", summary.CompletionPct)
	}
}

func TestSummarizeSprintInsights(t *testing.T) {
	done := tracker.Issue{Status: "Done"}
	open := tracker.Issue{Status: "To Do"}

	tests := []struct {
		name   string
		issues []tracker.Issue
		want   string
	}{
		{"empty", nil, "Empty sprint - no issues to analyze"},
		{"good velocity", []tracker.Issue{done, done, done, done, open}, "Good velocity - sprint goals largely met"},
		{"low delivery", []tracker.Issue{done, open, open}, "Low delivery - review sprint scope and blockers"},
		{"partial", []tracker.Issue{done, done, open}, "Partial delivery - some carryover into next sprint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary := summarizeSprint(tracker.Sprint{Name: "S"}, tt.issues)
			if summary.Insight != tt.want {
				t.Errorf("Insight = %q, want %q", summary.Insight, tt.want)
			}
		})
	}
}

func TestSummarizeSprintScopeChurnInsight(t *testing.T) {
	issues := []tracker.Issue{
		{Status: "Done"},
		{Status: "Done"},
		{Status: "Done", AddedDuringSprint: true},
		{Status: "Done", AddedDuringSprint: true},
	}
	summary := summarizeSprint(tracker.Sprint{Name: "S"}, issues)
	want := "Good velocity - sprint goals largely met; heavy mid-sprint scope changes"
	if summary.Insight != want {
		t.Errorf("Insight = %q, want %q", summary.Insight, want)
	}
}

func TestSprintReportFinalize(t *testing.T) {
	a := NewSprintReport(&stubSource{}, 0)

	records := []any{
		SprintSummary{SprintName: "S1", CompletionPct: 90},
		SprintSummary{SprintName: "S2", CompletionPct: 40},
		SprintSummary{SprintName: "S3", CompletionPct: 80},
	}

	result := a.Finalize(types.Params{BoardID: "42"}, records).(SprintReportResult)

	if result.BoardID != "42" {
		t.Errorf("BoardID = %q", result.BoardID)
	}
	if result.TotalSprints != 3 {
		t.Errorf("TotalSprints = %d, want 3", result.TotalSprints)
	}
	if result.AvgCompletion != 70 {
		t.Errorf("AvgCompletion = %v, want 70", result.AvgCompletion)
	}
	if len(result.Insights) != 2 {
		t.Fatalf("Insights = %v, want moderate delivery plus low-sprint count", result.Insights)
	}
	if result.Insights[0] != "Moderate delivery: 70.0% average completion over 3 sprints" {
		t.Errorf("Insights[0] = %q", result.Insights[0])
	}
	if result.Insights[1] != "1 of 3 sprints completed less than half of their scope" {
		t.Errorf("Insights[1] = %q", result.Insights[1])
	}
}

func TestSprintReportFinalizeEmpty(t *testing.T) {
	a := NewSprintReport(&stubSource{}, 0)
	result := a.Finalize(types.Params{BoardID: "42"}, nil).(SprintReportResult)

	if len(result.Insights) != 1 || result.Insights[0] != "No sprints found for this board" {
		t.Errorf("Insights = %v", result.Insights)
	}
	if result.AvgCompletion != 0 {
		t.Errorf("AvgCompletion = %v, want 0", result.AvgCompletion)
	}
}

func TestSprintReportAnalyzeUnit(t *testing.T) {
	source := &stubSource{
		issues: map[string][]tracker.Issue{
			"9": {{Key: "A-1", Status: "Done"}},
		},
	}
	a := NewSprintReport(source, 0)

	record, err := a.AnalyzeUnit(context.Background(), types.Params{BoardID: "42"}, tracker.Sprint{ID: "9", Name: "Sprint 9"})
	if err != nil {
		t.Fatalf("AnalyzeUnit failed: %v", err)
	}
	summary := record.(SprintSummary)
	if summary.SprintName != "Sprint 9" || summary.Completed != 1 {
		t.Errorf("summary = %+v", summary)
	}
}
