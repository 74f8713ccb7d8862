package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

// Client wraps the core's HTTP JSON API for CLI and programmatic usage.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client against the given base URL, e.g. "http://localhost:7430".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Error string `json:"error"`
}

// do issues a request and decodes the JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SubmitTask submits a task and returns its id.
func (c *Client) SubmitTask(ctx context.Context, task *types.Task) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", task, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetTask fetches a task record.
func (c *Client) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var task types.Task
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+id, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpcomingTasks lists tasks due within the horizon.
func (c *Client) UpcomingTasks(ctx context.Context, horizon time.Duration) ([]*types.Task, error) {
	var out struct {
		Tasks []*types.Task `json:"tasks"`
	}
	path := "/v1/tasks/upcoming?horizon_m=" + strconv.Itoa(int(horizon.Minutes()))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// CancelTask requests cancellation of a task.
func (c *Client) CancelTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/cancel", nil, nil)
}

// SubmitWorkflow expands and submits a workflow definition.
func (c *Client) SubmitWorkflow(ctx context.Context, def *types.WorkflowDefinition) (*types.Workflow, error) {
	var wf types.Workflow
	if err := c.do(ctx, http.MethodPost, "/v1/workflows", def, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// GetWorkflow fetches a workflow record.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	var wf types.Workflow
	if err := c.do(ctx, http.MethodGet, "/v1/workflows/"+id, nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// RegisterWorker registers a worker instance.
func (c *Client) RegisterWorker(ctx context.Context, inst *types.WorkerInstance) error {
	return c.do(ctx, http.MethodPost, "/v1/workers/register", inst, nil)
}

// UnregisterWorker removes a worker instance.
func (c *Client) UnregisterWorker(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/workers/"+id, nil, nil)
}

// Heartbeat reports a worker's liveness and load.
func (c *Client) Heartbeat(ctx context.Context, id string, used int, health types.HealthState) error {
	body := map[string]any{"used_capacity": used, "health": health}
	return c.do(ctx, http.MethodPost, "/v1/workers/"+id+"/heartbeat", body, nil)
}

// ListWorkers lists registered worker instances.
func (c *Client) ListWorkers(ctx context.Context) ([]*types.WorkerInstance, error) {
	var out struct {
		Workers []*types.WorkerInstance `json:"workers"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/workers", nil, &out); err != nil {
		return nil, err
	}
	return out.Workers, nil
}

// CompleteTask reports a successful run.
func (c *Client) CompleteTask(ctx context.Context, id string, output map[string]any) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/complete", map[string]any{"output": output}, nil)
}

// FailTask reports a failed run.
func (c *Client) FailTask(ctx context.Context, id string, tag types.ErrorTag, message string, retryRecommended *bool) error {
	body := map[string]any{
		"error_tag": tag,
		"message":   message,
	}
	if retryRecommended != nil {
		body["retry_recommended"] = *retryRecommended
	}
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/fail", body, nil)
}

// AckMessage acknowledges a hub message, optionally with a response payload.
func (c *Client) AckMessage(ctx context.Context, id string, response map[string]any) error {
	return c.do(ctx, http.MethodPost, "/v1/messages/"+id+"/ack", map[string]any{"response": response}, nil)
}

// ListDeadLetters lists the dead-letter queue.
func (c *Client) ListDeadLetters(ctx context.Context) ([]*storage.DeadLetter, error) {
	var out struct {
		DeadLetters []*storage.DeadLetter `json:"dead_letters"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/deadletters", nil, &out); err != nil {
		return nil, err
	}
	return out.DeadLetters, nil
}

// RequeueDeadLetters re-admits dead letters younger than maxAge and returns
// the requeued task ids.
func (c *Client) RequeueDeadLetters(ctx context.Context, maxAge time.Duration) ([]string, error) {
	var out struct {
		Requeued []string `json:"requeued"`
	}
	body := map[string]any{"max_age_h": int(maxAge.Hours())}
	if err := c.do(ctx, http.MethodPost, "/v1/deadletters/requeue", body, &out); err != nil {
		return nil, err
	}
	return out.Requeued, nil
}
