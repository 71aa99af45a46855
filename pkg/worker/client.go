// Package worker implements the pull-based worker side of the
// scheduler: an HTTP client for leasing and reporting tasks, and the
// poll loop that drives a Processor.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tafor/himawari-scheduler/pkg/tasks"
)

// Lease is the unit of work handed to a worker by the scheduler.
type Lease struct {
	TaskID    string    `json:"task_id"`
	Composite string    `json:"composite"`
	Timestamp time.Time `json:"timestamp"`
}

// Client talks to the scheduler HTTP API on behalf of one worker.
type Client struct {
	baseURL  string
	workerID string
	http     *http.Client
}

// NewClient returns a client for the scheduler at serverURL. An empty
// workerID gets the host-derived default.
func NewClient(serverURL, workerID string) *Client {
	if workerID == "" {
		workerID = DefaultWorkerID()
	}
	return &Client{
		baseURL:  strings.TrimRight(serverURL, "/"),
		workerID: workerID,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// DefaultWorkerID derives a worker identity from the host and process.
func DefaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("worker_%s_%d", hostname, os.Getpid())
}

// WorkerID returns the identity sent with every lease and report.
func (c *Client) WorkerID() string {
	return c.workerID
}

// LeaseNext asks the scheduler for the next pending task. An empty queue
// returns (nil, nil).
func (c *Client) LeaseNext(ctx context.Context) (*Lease, error) {
	u := fmt.Sprintf("%s/api/tasks/next?worker_id=%s", c.baseURL, url.QueryEscape(c.workerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lease next: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var lease Lease
		if err := json.NewDecoder(resp.Body).Decode(&lease); err != nil {
			return nil, fmt.Errorf("decode lease: %w", err)
		}
		return &lease, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("lease next: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// UpdateStatus reports a task outcome back to the scheduler.
func (c *Client) UpdateStatus(ctx context.Context, taskID string, status tasks.Status, errMsg string) error {
	payload := struct {
		Status       string `json:"status"`
		WorkerID     string `json:"worker_id"`
		ErrorMessage string `json:"error_message,omitempty"`
	}{
		Status:       string(status),
		WorkerID:     c.workerID,
		ErrorMessage: errMsg,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/api/tasks/%s/status", c.baseURL, url.PathEscape(taskID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("update status %s: unexpected status %d: %s", taskID, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
