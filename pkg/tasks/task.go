// Package tasks defines the task record shared between the scheduler, the
// generator and the workers. A task is the unit "produce composite C for
// time slot T": its id identifies one attempt, while the (composite,
// timestamp) fingerprint identifies the logical unit of work used for
// deduplication.
package tasks

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task. Transitions run forward only:
// pending -> processing -> completed | failed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ParseStatus validates a status string coming from an API caller.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return Status(s), true
	}
	return "", false
}

// Terminal reports whether no further transition leaves this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority orders pending tasks. Lower weight is served first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Score bands per priority tier. Each band is wider than any realistic
// epoch timestamp, so priority always dominates ordering and, within a
// tier, earlier slots sort first.
const (
	weightHigh   = 0
	weightNormal = 1e10
	weightLow    = 2e10
)

// ParsePriority maps a priority string to a tier. Unknown or empty
// values fall back to normal rather than erroring.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s)
	}
	return PriorityNormal
}

// Weight returns the score band offset of the priority tier.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityHigh:
		return weightHigh
	case PriorityLow:
		return weightLow
	}
	return weightNormal
}

// Score computes the pending-queue score for a task: band offset plus the
// slot's epoch seconds.
func Score(p Priority, ts time.Time) float64 {
	return p.Weight() + float64(ts.Unix())
}

// Task is the serialized record stored in the shared task registry.
type Task struct {
	// ID identifies this attempt (composite + slot + random suffix).
	ID string `json:"task_id"`

	// Composite names the derived product to produce.
	Composite string `json:"composite"`

	// Timestamp is the acquisition slot, truncated to the cadence.
	Timestamp time.Time `json:"timestamp"`

	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	Created   time.Time  `json:"created"`
	Started   *time.Time `json:"started,omitempty"`
	Completed *time.Time `json:"completed,omitempty"`

	// WorkerID is the worker currently or most recently holding the
	// lease; empty while pending.
	WorkerID string `json:"worker_id,omitempty"`

	// ErrorMessage is set only on failed tasks.
	ErrorMessage string `json:"error_message,omitempty"`
}

// New builds a pending task for the given fingerprint. The timestamp is
// normalized to UTC; truncation to the cadence is the caller's job.
func New(composite string, ts time.Time, priority Priority) *Task {
	ts = ts.UTC()
	id := fmt.Sprintf("%s_%s_%s", composite, ts.Format("20060102_1504"), uuid.NewString()[:8])
	return &Task{
		ID:        id,
		Composite: composite,
		Timestamp: ts,
		Priority:  priority,
		Status:    StatusPending,
		Created:   time.Now().UTC(),
	}
}

// Fingerprint returns the logical identity of the task, independent of
// its id.
func (t *Task) Fingerprint() string {
	return FingerprintOf(t.Composite, t.Timestamp)
}

// FingerprintOf builds the logical identity key for a composite and slot.
func FingerprintOf(composite string, ts time.Time) string {
	return composite + "@" + ts.UTC().Format(time.RFC3339)
}

// Live reports whether the task still occupies its fingerprint: a new
// create for the same unit must dedup against it.
func (t *Task) Live() bool {
	return t.Status == StatusPending || t.Status == StatusProcessing
}

// Score returns the pending-queue score for the task's current priority.
func (t *Task) Score() float64 {
	return Score(t.Priority, t.Timestamp)
}

// TruncateToSlot rounds a time down to the cadence boundary. The source
// domain uses 10-minute slots.
func TruncateToSlot(t time.Time, cadence time.Duration) time.Time {
	return t.UTC().Truncate(cadence)
}

// LatestSlot returns the most recent slot expected to have upstream data
// landed: now truncated to the cadence, lagged by the safety margin.
func LatestSlot(now time.Time, cadence, lag time.Duration) time.Time {
	return TruncateToSlot(now, cadence).Add(-lag)
}
