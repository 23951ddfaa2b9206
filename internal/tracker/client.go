package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"
)

// Client is the HTTP implementation of Source against a Jira-style agile API.
type Client struct {
	baseURL    string
	email      string
	apiToken   string
	httpClient *http.Client
}

// NewClient creates a tracker client. Credentials are sent as basic auth on
// every request.
func NewClient(baseURL, email, apiToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		email:    email,
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// get performs one authenticated GET and decodes the JSON body into out.
// A 429 is retried once after the advertised Retry-After delay.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	retried := false
	for {
		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.SetBasicAuth(c.email, c.apiToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("tracker request failed: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && !retried {
			delay := retryAfter(resp)
			resp.Body.Close()
			slog.Warn("Tracker rate limited, backing off", "path", path, "delay", delay)
			retried = true
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("tracker returned status %d for %s", resp.StatusCode, path)
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to decode tracker response: %w", err)
		}
		return nil
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 2 * time.Second
}

// BoardSprints returns the board's active and closed sprints, most recently
// ended first. Pagination follows the agile API's isLast marker.
func (c *Client) BoardSprints(ctx context.Context, boardID string) ([]Sprint, error) {
	var sprints []Sprint
	startAt := 0
	for {
		var page struct {
			Values []Sprint `json:"values"`
			IsLast bool     `json:"isLast"`
		}
		q := url.Values{
			"state":      {"active,closed"},
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {"50"},
		}
		if err := c.get(ctx, "/rest/agile/1.0/board/"+boardID+"/sprint", q, &page); err != nil {
			return nil, err
		}
		sprints = append(sprints, page.Values...)
		if page.IsLast || len(page.Values) == 0 {
			break
		}
		startAt += len(page.Values)
	}

	// Most recently ended sprint first; sprints without an end date sort last.
	sortSprintsByEndDesc(sprints)
	return sprints, nil
}

// SprintIssues returns the sprint's issues with changelog-derived fields
// resolved.
func (c *Client) SprintIssues(ctx context.Context, sprintID string) ([]Issue, error) {
	var page struct {
		Issues []json.RawMessage `json:"issues"`
	}
	q := url.Values{
		"maxResults": {"100"},
		"expand":     {"changelog"},
	}
	if err := c.get(ctx, "/rest/agile/1.0/sprint/"+sprintID+"/issue", q, &page); err != nil {
		return nil, err
	}

	issues := make([]Issue, 0, len(page.Issues))
	for _, raw := range page.Issues {
		issue, err := normalizeIssue(raw, sprintID)
		if err != nil {
			slog.Warn("Skipping unparseable issue", "sprint", sprintID, "error", err)
			continue
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// UserIssues returns issues the user was assigned within the lookback window.
func (c *Client) UserIssues(ctx context.Context, userEmail string, weeksBack int) ([]Issue, error) {
	since := time.Now().AddDate(0, 0, -7*weeksBack).Format("2006-01-02")
	jql := fmt.Sprintf("assignee = %q AND updated >= %q ORDER BY updated DESC", userEmail, since)

	var issues []Issue
	startAt := 0
	for {
		var page struct {
			Issues []json.RawMessage `json:"issues"`
			Total  int               `json:"total"`
		}
		q := url.Values{
			"jql":        {jql},
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {"100"},
			"fields":     {"key,summary,status,assignee,created,resolutiondate,timespent,customfield_10016,issuelinks"},
		}
		if err := c.get(ctx, "/rest/api/2/search", q, &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Issues {
			issue, err := normalizeIssue(raw, "")
			if err != nil {
				slog.Warn("Skipping unparseable issue", "user", userEmail, "error", err)
				continue
			}
			issues = append(issues, issue)
		}
		startAt += len(page.Issues)
		if startAt >= page.Total || len(page.Issues) == 0 {
			break
		}
	}
	return issues, nil
}

// rawIssue mirrors the subset of the tracker issue payload we consume.
type rawIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary string `json:"summary"`
		Status  struct {
			Name string `json:"name"`
		} `json:"status"`
		Created        string   `json:"created"`
		ResolutionDate string   `json:"resolutiondate"`
		TimeSpent      int64    `json:"timespent"` // seconds
		StoryPoints    *float64 `json:"customfield_10016"`
		IssueLinks     []struct {
			Type struct {
				Name string `json:"name"`
			} `json:"type"`
			InwardIssue *struct {
				Key string `json:"key"`
			} `json:"inwardIssue"`
			OutwardIssue *struct {
				Key string `json:"key"`
			} `json:"outwardIssue"`
		} `json:"issuelinks"`
	} `json:"fields"`
	Changelog struct {
		Histories []struct {
			Created string `json:"created"`
			Items   []struct {
				Field      string `json:"field"`
				FromString string `json:"fromString"`
				ToString   string `json:"toString"`
			} `json:"items"`
		} `json:"histories"`
	} `json:"changelog"`
}

func normalizeIssue(raw json.RawMessage, sprintID string) (Issue, error) {
	var ri rawIssue
	if err := json.Unmarshal(raw, &ri); err != nil {
		return Issue{}, err
	}

	issue := Issue{
		Key:            ri.Key,
		Summary:        ri.Fields.Summary,
		Status:         ri.Fields.Status.Name,
		CreatedAt:      ri.Fields.Created,
		ResolvedAt:     ri.Fields.ResolutionDate,
		TimeSpentHours: float64(ri.Fields.TimeSpent) / 3600.0,
	}
	if ri.Fields.StoryPoints != nil {
		issue.StoryPoints = *ri.Fields.StoryPoints
	}

	for _, link := range ri.Fields.IssueLinks {
		if link.Type.Name != "Blocks" {
			continue
		}
		if link.InwardIssue != nil {
			issue.BlockedBy = append(issue.BlockedBy, link.InwardIssue.Key)
		}
		if link.OutwardIssue != nil {
			issue.Blocks = append(issue.Blocks, link.OutwardIssue.Key)
		}
	}

	// Sprint membership changes live in the changelog: an issue moved into
	// the sprint after start counts as added, one moved out as removed.
	if sprintID != "" {
		for _, history := range ri.Changelog.Histories {
			for _, item := range history.Items {
				if item.Field != "Sprint" {
					continue
				}
				if item.ToString != "" && item.FromString == "" {
					issue.AddedDuringSprint = true
				}
				if item.FromString != "" && item.ToString == "" {
					issue.RemovedDuringSprint = true
				}
			}
		}
	}

	return issue, nil
}

func sortSprintsByEndDesc(sprints []Sprint) {
	sort.SliceStable(sprints, func(i, j int) bool {
		a, b := sprints[i].EndDate, sprints[j].EndDate
		if a == "" || b == "" {
			return a != ""
		}
		return a > b
	})
}
