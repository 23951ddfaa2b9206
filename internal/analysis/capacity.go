package analysis

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sprintlens/sprintlens/internal/tracker"
	"github.com/sprintlens/sprintlens/pkg/types"
)

// WeeklyCapacity is one week's computed activity for a user.
type WeeklyCapacity struct {
	WeekStart   string  `json:"week_start"`
	WeekEnd     string  `json:"week_end"`
	Completed   int     `json:"completed"`
	Started     int     `json:"started"`
	HoursLogged float64 `json:"hours_logged"`
}

// CapacityMetrics aggregates the weekly series.
type CapacityMetrics struct {
	AvgCompletedPerWeek float64 `json:"avg_completed_per_week"`
	AvgStartedPerWeek   float64 `json:"avg_started_per_week"`
	AvgHoursPerWeek     float64 `json:"avg_hours_per_week"`
	ConsistencyScore    float64 `json:"consistency_score"`
	TotalCompleted      int     `json:"total_completed"`
	TotalHours          float64 `json:"total_hours"`
}

// CapacityResult is the final aggregate of a capacity_analysis task.
type CapacityResult struct {
	UserEmail       string           `json:"user_email"`
	WeeksBack       int              `json:"weeks_back"`
	Weekly          []WeeklyCapacity `json:"weekly_summary"`
	Metrics         CapacityMetrics  `json:"metrics"`
	Insights        []string         `json:"insights"`
	Recommendations []string         `json:"recommendations"`
}

// weekBucket is the capacity analysis unit: one week of a user's issues.
type weekBucket struct {
	start  time.Time
	end    time.Time
	issues []tracker.Issue
}

// Capacity analyzes one user's workload week by week.
type Capacity struct {
	source tracker.Source
	now    func() time.Time
}

// NewCapacity creates the capacity_analysis analysis.
func NewCapacity(source tracker.Source) *Capacity {
	return &Capacity{source: source, now: time.Now}
}

func (a *Capacity) Kind() types.JobKind { return types.KindCapacityAnalysis }

func (a *Capacity) Validate(params types.Params) error {
	if params.UserEmail == "" {
		return fmt.Errorf("%w: user_email is required", types.ErrInvalidInput)
	}
	if params.WeeksBack <= 0 {
		return fmt.Errorf("%w: weeks_back must be positive", types.ErrInvalidInput)
	}
	return nil
}

// FetchUnits pulls the user's issues once and buckets them into weeks,
// oldest week first, one unit per week of the lookback window.
func (a *Capacity) FetchUnits(ctx context.Context, params types.Params) ([]Unit, error) {
	issues, err := a.source.UserIssues(ctx, params.UserEmail, params.WeeksBack)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issues for %s: %w", params.UserEmail, err)
	}

	end := a.now().Truncate(24 * time.Hour).AddDate(0, 0, 1)
	start := end.AddDate(0, 0, -7*params.WeeksBack)

	buckets := make([]weekBucket, params.WeeksBack)
	for i := range buckets {
		buckets[i].start = start.AddDate(0, 0, 7*i)
		buckets[i].end = buckets[i].start.AddDate(0, 0, 7)
	}

	for _, issue := range issues {
		for i := range buckets {
			if ok, _ := weekShare(issue, buckets[i].start, buckets[i].end, params.WeeksBack); ok {
				buckets[i].issues = append(buckets[i].issues, issue)
			}
		}
	}

	units := make([]Unit, len(buckets))
	for i, b := range buckets {
		units[i] = b
	}
	return units, nil
}

// AnalyzeUnit computes one week's activity. No tracker calls happen here;
// the data was fetched up front.
func (a *Capacity) AnalyzeUnit(ctx context.Context, params types.Params, unit Unit) (any, error) {
	bucket := unit.(weekBucket)
	week := WeeklyCapacity{
		WeekStart: bucket.start.Format("2006-01-02"),
		WeekEnd:   bucket.end.AddDate(0, 0, -1).Format("2006-01-02"),
	}

	for _, issue := range bucket.issues {
		if t, ok := parseTrackerTime(issue.ResolvedAt); ok && inWindow(t, bucket.start, bucket.end) {
			week.Completed++
		}
		if t, ok := parseTrackerTime(issue.CreatedAt); ok && inWindow(t, bucket.start, bucket.end) {
			week.Started++
		}
		if ok, hours := weekShare(issue, bucket.start, bucket.end, params.WeeksBack); ok {
			week.HoursLogged += hours
		}
	}
	week.HoursLogged = round1(week.HoursLogged)
	return week, nil
}

func (a *Capacity) Finalize(params types.Params, records []any) any {
	result := CapacityResult{
		UserEmail: params.UserEmail,
		WeeksBack: params.WeeksBack,
		Weekly:    make([]WeeklyCapacity, 0, len(records)),
	}

	var completed, started []float64
	var hours []float64
	for _, r := range records {
		week := r.(WeeklyCapacity)
		result.Weekly = append(result.Weekly, week)
		completed = append(completed, float64(week.Completed))
		started = append(started, float64(week.Started))
		hours = append(hours, week.HoursLogged)
		result.Metrics.TotalCompleted += week.Completed
		result.Metrics.TotalHours += week.HoursLogged
	}

	result.Metrics.AvgCompletedPerWeek = round1(mean(completed))
	result.Metrics.AvgStartedPerWeek = round1(mean(started))
	result.Metrics.AvgHoursPerWeek = round1(mean(hours))
	result.Metrics.TotalHours = round1(result.Metrics.TotalHours)
	result.Metrics.ConsistencyScore = round1(consistency(completed))

	result.Insights, result.Recommendations = capacityAdvice(result.Metrics)
	return result
}

func capacityAdvice(m CapacityMetrics) (insights, recommendations []string) {
	if m.AvgStartedPerWeek > m.AvgCompletedPerWeek*1.5 && m.AvgCompletedPerWeek > 0 {
		insights = append(insights, "More work started than completed each week")
		recommendations = append(recommendations,
			"Focus on completing started tasks before taking on new ones",
			"Consider reducing work-in-progress")
	}

	switch {
	case m.AvgHoursPerWeek > 45:
		insights = append(insights, fmt.Sprintf("High workload: %.1f hours logged per week on average", m.AvgHoursPerWeek))
		recommendations = append(recommendations, "Consider workload redistribution or time management optimization")
	case m.AvgHoursPerWeek < 20 && m.AvgHoursPerWeek > 0:
		insights = append(insights, fmt.Sprintf("Low logged time: %.1f hours per week on average", m.AvgHoursPerWeek))
		recommendations = append(recommendations, "Ensure all work is being logged accurately")
	}

	if m.ConsistencyScore < 50 {
		insights = append(insights, "Weekly output varies significantly")
		recommendations = append(recommendations,
			"Consider establishing more consistent work routines",
			"Review factors causing performance fluctuations")
	}

	switch {
	case m.AvgCompletedPerWeek >= 5:
		insights = append(insights, "Strong throughput: five or more issues completed per week")
	case m.AvgCompletedPerWeek >= 3:
		insights = append(insights, "Healthy throughput")
	default:
		recommendations = append(recommendations, "Consider breaking down larger tasks into smaller, manageable pieces")
	}

	return insights, recommendations
}

// weekShare reports whether the issue belongs to the week [start, end) and
// how many of its logged hours that week carries. Each logged hour is
// attributed exactly once: a fully dated issue spreads its hours evenly over
// the weeks it actually spans, a partially dated one puts them all in the
// week it was created or resolved, and an issue with no parseable dates
// spreads them over the whole lookback window.
func weekShare(issue tracker.Issue, start, end time.Time, weeksBack int) (bool, float64) {
	created, okC := parseTrackerTime(issue.CreatedAt)
	resolved, okR := parseTrackerTime(issue.ResolvedAt)

	switch {
	case okC && okR:
		if !created.Before(end) || resolved.Before(start) {
			return false, 0
		}
		span := int(resolved.Sub(created).Hours()/(24*7)) + 1
		if span < 1 {
			span = 1
		}
		return true, issue.TimeSpentHours / float64(span)
	case okC:
		if !inWindow(created, start, end) {
			return false, 0
		}
		return true, issue.TimeSpentHours
	case okR:
		if !inWindow(resolved, start, end) {
			return false, 0
		}
		return true, issue.TimeSpentHours
	default:
		if issue.TimeSpentHours <= 0 {
			return false, 0
		}
		return true, issue.TimeSpentHours / float64(weeksBack)
	}
}

func inWindow(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// consistency maps the coefficient of variation of the weekly series onto a
// 0-100 score: 100 is perfectly even output, 0 is highly erratic.
func consistency(xs []float64) float64 {
	m := mean(xs)
	if m == 0 || len(xs) < 2 {
		return 0
	}
	var sq float64
	for _, x := range xs {
		sq += (x - m) * (x - m)
	}
	stddev := math.Sqrt(sq / float64(len(xs)-1))
	score := 100 - (stddev/m)*100
	if score < 0 {
		return 0
	}
	return score
}
