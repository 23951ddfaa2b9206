// Package client drives a single analysis task from the consumer side:
// submission, progress observation over polling or streaming, result
// merging, timeout and teardown.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sprintlens/sprintlens/pkg/types"
)

// State is the controller's position in its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StatePolling    State = "polling"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
)

// Defaults match the dashboard's observed behavior: a 2 second poll cadence
// under a 5 minute ceiling.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 5 * time.Minute
)

// ErrTimedOut is returned when the task did not reach a terminal state
// within the controller's ceiling.
var ErrTimedOut = errors.New("analysis timed out")

// Controller observes one task. It owns only client-side state: its poll
// loop and the merged result view. Two controllers watching the same task
// never share anything.
type Controller struct {
	baseURL    string
	httpClient *http.Client
	interval   time.Duration
	timeout    time.Duration

	// OnProgress and OnRecord, when set before Run/RunStream, are invoked
	// from the controller's own goroutine for each applied update or
	// streamed record.
	OnProgress func(types.ProgressResponse)
	OnRecord   func(record any)

	mu       sync.Mutex
	state    State
	taskID   string
	progress types.ProgressResponse
	result   any
	errMsg   string
	buffer   ResultBuffer
}

// NewController creates a controller for the gateway at baseURL. Zero
// interval or timeout selects the defaults.
func NewController(baseURL string, interval, timeout time.Duration) *Controller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Controller{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		interval:   interval,
		timeout:    timeout,
		state:      StateIdle,
	}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TaskID returns the server-assigned id, empty before submission succeeds.
func (c *Controller) TaskID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskID
}

// Progress returns the last applied progress response.
func (c *Controller) Progress() types.ProgressResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Result returns the final result, present only in StateCompleted.
func (c *Controller) Result() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Err returns the failure message, present in StateFailed and StateTimedOut.
func (c *Controller) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// Records returns the merged result view accumulated so far.
func (c *Controller) Records() []any {
	return c.buffer.Records()
}

// Run submits the task and polls it to a terminal state. Cancelling ctx
// tears the loop down immediately; the poll ticker never outlives this call.
func (c *Controller) Run(ctx context.Context, kind types.JobKind, params types.Params) error {
	c.setState(StateSubmitting)

	taskID, err := c.submit(ctx, kind, params)
	if err != nil {
		// A synchronous rejection never starts a poll loop.
		c.failWith(StateFailed, err.Error())
		return err
	}

	c.mu.Lock()
	c.taskID = taskID
	c.state = StatePolling
	c.mu.Unlock()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	ceiling := time.NewTimer(c.timeout)
	defer ceiling.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ceiling.C:
			c.failWith(StateTimedOut, "analysis did not finish within the time limit")
			return ErrTimedOut

		case <-ticker.C:
			resp, err := c.poll(ctx, taskID)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// No automatic retry; the user must re-trigger.
				c.failWith(StateFailed, "failed to poll analysis progress")
				return err
			}

			c.apply(resp)

			switch resp.Status {
			case string(types.PhaseCompleted):
				c.mu.Lock()
				c.state = StateCompleted
				c.result = resp.Result
				c.mu.Unlock()
				return nil
			case string(types.PhaseError):
				msg := resp.Error
				if msg == "" {
					msg = "analysis failed"
				}
				c.failWith(StateFailed, msg)
				return fmt.Errorf("analysis failed: %s", msg)
			}
		}
	}
}

// apply merges one polling response. Polling responses carry the full
// accumulated partial set, so the merged view is replaced, not appended to.
func (c *Controller) apply(resp types.ProgressResponse) {
	c.mu.Lock()
	c.progress = resp
	c.mu.Unlock()
	if resp.PartialResults != nil {
		c.buffer.Replace(resp.PartialResults)
	}
	if c.OnProgress != nil {
		c.OnProgress(resp)
	}
}

func (c *Controller) failWith(state State, msg string) {
	c.mu.Lock()
	c.state = state
	c.errMsg = msg
	c.mu.Unlock()
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func submitPath(kind types.JobKind) (string, error) {
	switch kind {
	case types.KindSprintReport:
		return "/api/sprint-report", nil
	case types.KindCapacityAnalysis:
		return "/api/capacity/analyze", nil
	case types.KindCrossSprint:
		return "/api/cross-sprint", nil
	}
	return "", fmt.Errorf("%w: unknown job kind %q", types.ErrInvalidInput, kind)
}

func (c *Controller) submit(ctx context.Context, kind types.JobKind, params types.Params) (string, error) {
	path, err := submitPath(kind)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr types.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return "", fmt.Errorf("submission rejected: %s", apiErr.Error)
		}
		return "", fmt.Errorf("submission rejected with status %d", resp.StatusCode)
	}

	var submitted types.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return "", fmt.Errorf("failed to decode submission response: %w", err)
	}
	if submitted.TaskID == "" {
		return "", errors.New("submission response carried no task id")
	}
	return submitted.TaskID, nil
}

func (c *Controller) poll(ctx context.Context, taskID string) (types.ProgressResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tasks/"+taskID, nil)
	if err != nil {
		return types.ProgressResponse{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.ProgressResponse{}, fmt.Errorf("poll failed: %w", err)
	}
	defer resp.Body.Close()

	// A 404 means the task is unknown or expired; it surfaces like any
	// other task error, the UI does not distinguish them.
	if resp.StatusCode == http.StatusNotFound {
		return types.ProgressResponse{
			Status: string(types.PhaseError),
			Error:  "task not found",
		}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return types.ProgressResponse{}, fmt.Errorf("poll returned status %d", resp.StatusCode)
	}

	var progress types.ProgressResponse
	if err := json.NewDecoder(resp.Body).Decode(&progress); err != nil {
		return types.ProgressResponse{}, fmt.Errorf("failed to decode progress: %w", err)
	}
	return progress, nil
}

// RunStream consumes the legacy sprint-report stream, appending each record
// to the merged view as it arrives. Unlike polling, this path is additive:
// the server sends each record exactly once.
func (c *Controller) RunStream(ctx context.Context, boardID string) error {
	c.setState(StateStreaming)

	url := c.baseURL + "/api/sprint-report/stream?board_id=" + boardID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.failWith(StateFailed, err.Error())
		return err
	}

	// The stream is long-lived; the per-request client timeout must not
	// apply here, only ctx governs its lifetime.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		c.failWith(StateFailed, "failed to open result stream")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("stream rejected with status %d", resp.StatusCode)
		c.failWith(StateFailed, msg)
		return errors.New(msg)
	}

	var decoder LineDecoder
	chunk := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			for _, event := range decoder.Feed(chunk[:n]) {
				if event.Type == types.StreamEventSprintResult {
					c.buffer.Append(event.Data)
					if c.OnRecord != nil {
						c.OnRecord(event.Data)
					}
				}
			}
		}
		if err == io.EOF {
			// Transport close signals completion; there is no terminal
			// event.
			c.setState(StateCompleted)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.failWith(StateFailed, "result stream broke")
			return err
		}
	}
}
