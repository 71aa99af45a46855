// Package scheduler implements the Redis-backed task manager: a registry
// of task records in a hash, a pending queue in a sorted set, and a
// single named distributed lock serializing all writers.
//
// State layout:
//   - himawari:tasks: hash task_id -> JSON task, rolling TTL on the
//     whole set refreshed on every write
//   - himawari:queue: sorted set of pending task ids, scored by
//     priority band + slot epoch seconds
//   - himawari:tasks:lock: the writer lock
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tafor/himawari-scheduler/pkg/logger"
	"github.com/tafor/himawari-scheduler/pkg/tasks"
)

const (
	taskHashKey = "himawari:tasks"
	queueKey    = "himawari:queue"
	lockKey     = "himawari:tasks:lock"
)

var (
	// ErrNotFound marks an unknown task id, distinct from validation
	// errors so callers can tell "bad request" from "task already gone".
	ErrNotFound = errors.New("scheduler: task not found")

	// ErrUnknownComposite rejects creates for composites outside the
	// configured set.
	ErrUnknownComposite = errors.New("scheduler: unknown composite")
)

// Options tunes the manager. Zero values fall back to defaults.
type Options struct {
	// TaskTTL is the rolling expiry applied to the whole task hash on
	// every write. Terminal tasks age out with it.
	TaskTTL time.Duration

	// LockTTL bounds how long a crashed writer can hold the lock.
	LockTTL time.Duration

	// LockWait bounds lock acquisition before the operation fails.
	LockWait time.Duration
}

func (o *Options) withDefaults() Options {
	opts := Options{
		TaskTTL:  7 * 24 * time.Hour,
		LockTTL:  10 * time.Second,
		LockWait: 5 * time.Second,
	}
	if o == nil {
		return opts
	}
	if o.TaskTTL > 0 {
		opts.TaskTTL = o.TaskTTL
	}
	if o.LockTTL > 0 {
		opts.LockTTL = o.LockTTL
	}
	if o.LockWait > 0 {
		opts.LockWait = o.LockWait
	}
	return opts
}

// Manager is the task manager façade: create, lease-next, update-status
// and list over the shared store. All mutating operations run under the
// distributed lock; reads bypass it.
type Manager struct {
	rdb        *redis.Client
	lock       *Lock
	composites map[string]struct{}
	taskTTL    time.Duration
	log        zerolog.Logger
}

// NewManager connects to Redis at addr and accepts creates for the given
// composite set.
func NewManager(addr string, composites []string, opts *Options) *Manager {
	o := opts.withDefaults()
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	set := make(map[string]struct{}, len(composites))
	for _, c := range composites {
		set[c] = struct{}{}
	}

	return &Manager{
		rdb:        rdb,
		lock:       NewLock(rdb, lockKey, o.LockTTL, o.LockWait),
		composites: set,
		taskTTL:    o.TaskTTL,
		log:        logger.Log.With().Str("component", "scheduler").Logger(),
	}
}

// Ping checks the store connection.
func (m *Manager) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// Create registers work for (composite, ts). If a pending or processing
// task already exists for the fingerprint, that task is returned
// unchanged, so concurrent creates for the same slot collapse to one
// live task. New normal-priority creates also run the promotion sweep
// with ts as the reference.
func (m *Manager) Create(ctx context.Context, composite string, ts time.Time, priority tasks.Priority) (*tasks.Task, error) {
	if _, ok := m.composites[composite]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComposite, composite)
	}
	ts = ts.UTC()

	token, err := m.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer m.lock.Release(ctx, token)

	existing, err := m.findLive(ctx, composite, ts)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		m.log.Debug().
			Str("task_id", existing.ID).
			Str("composite", composite).
			Time("timestamp", ts).
			Msg("Create deduplicated against live task")
		return existing, nil
	}

	task := tasks.New(composite, ts, priority)
	if err := m.persist(ctx, task); err != nil {
		return nil, err
	}
	if err := m.rdb.ZAdd(ctx, queueKey, redis.Z{Score: task.Score(), Member: task.ID}).Err(); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", task.ID, err)
	}

	if priority == tasks.PriorityNormal {
		if err := m.promote(ctx, ts); err != nil {
			// The new task is already safely enqueued; stale tasks get
			// another chance on the next normal create.
			m.log.Error().Err(err).Msg("Promotion sweep failed")
		}
	}

	m.log.Info().
		Str("task_id", task.ID).
		Str("composite", composite).
		Time("timestamp", ts).
		Str("priority", string(priority)).
		Msg("Task created")
	return task, nil
}

// promote re-labels still-pending normal tasks with slots strictly older
// than ref to high priority and rescores them, so backlogged work
// outranks freshly generated work. Caller must hold the lock.
func (m *Manager) promote(ctx context.Context, ref time.Time) error {
	all, err := m.rdb.HGetAll(ctx, taskHashKey).Result()
	if err != nil {
		return fmt.Errorf("scan tasks: %w", err)
	}

	pipe := m.rdb.TxPipeline()
	promoted := 0
	for id, raw := range all {
		var task tasks.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			m.log.Warn().Str("task_id", id).Err(err).Msg("Skipping malformed task record")
			continue
		}
		if task.Status != tasks.StatusPending || task.Priority != tasks.PriorityNormal {
			continue
		}
		if !task.Timestamp.Before(ref) {
			continue
		}

		task.Priority = tasks.PriorityHigh
		data, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, taskHashKey, task.ID, data)
		pipe.ZAdd(ctx, queueKey, redis.Z{Score: task.Score(), Member: task.ID})
		promoted++

		m.log.Info().
			Str("task_id", task.ID).
			Time("timestamp", task.Timestamp).
			Time("reference", ref).
			Msg("Promoted stale task to high priority")
	}

	if promoted == 0 {
		return nil
	}
	pipe.Expire(ctx, taskHashKey, m.taskTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// LeaseNext atomically pops the minimum-score pending task and assigns
// it to workerID. Returns (nil, nil) when the queue is empty. Once
// popped, no other lease call can observe the same entry.
func (m *Manager) LeaseNext(ctx context.Context, workerID string) (*tasks.Task, error) {
	token, err := m.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer m.lock.Release(ctx, token)

	for {
		popped, err := m.rdb.ZPopMin(ctx, queueKey, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("pop queue: %w", err)
		}
		if len(popped) == 0 {
			return nil, nil
		}

		id := fmt.Sprint(popped[0].Member)
		raw, err := m.rdb.HGet(ctx, taskHashKey, id).Result()
		if err == redis.Nil {
			// Stale queue entry with no backing record; drop it and
			// keep popping rather than failing the caller.
			m.log.Warn().Str("task_id", id).Msg("Dropped queue entry without task record")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read task %s: %w", id, err)
		}

		var task tasks.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			m.log.Warn().Str("task_id", id).Err(err).Msg("Dropped malformed task record")
			continue
		}

		now := time.Now().UTC()
		task.Status = tasks.StatusProcessing
		task.Started = &now
		task.WorkerID = workerID
		if err := m.persist(ctx, &task); err != nil {
			return nil, err
		}

		m.log.Info().
			Str("task_id", task.ID).
			Str("composite", task.Composite).
			Time("timestamp", task.Timestamp).
			Str("worker_id", workerID).
			Msg("Task leased")
		return &task, nil
	}
}

// UpdateStatus records a worker-reported transition. Unknown ids return
// ErrNotFound. Transitions are recorded permissively; the design trusts
// workers to report truthfully. Terminal statuses set the completion
// time (re-set on repeated reports) and remove any leftover queue entry
// so a resolved task can never be leased.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status tasks.Status, workerID, errMsg string) (*tasks.Task, error) {
	token, err := m.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer m.lock.Release(ctx, token)

	raw, err := m.rdb.HGet(ctx, taskHashKey, id).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", id, err)
	}

	var task tasks.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}

	task.Status = status
	if workerID != "" {
		task.WorkerID = workerID
	}
	if errMsg != "" {
		task.ErrorMessage = errMsg
	}
	if status.Terminal() {
		now := time.Now().UTC()
		task.Completed = &now
		if err := m.rdb.ZRem(ctx, queueKey, id).Err(); err != nil {
			return nil, fmt.Errorf("dequeue %s: %w", id, err)
		}
	}
	if err := m.persist(ctx, &task); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("task_id", task.ID).
		Str("composite", task.Composite).
		Str("worker_id", task.WorkerID).
		Str("status", string(status)).
		Msg("Task status updated")
	return &task, nil
}

// Get reads a single task without locking.
func (m *Manager) Get(ctx context.Context, id string) (*tasks.Task, error) {
	raw, err := m.rdb.HGet(ctx, taskHashKey, id).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", id, err)
	}
	var task tasks.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status    tasks.Status
	Composite string
	Limit     int
	Offset    int
}

// List returns a page of tasks sorted by creation time descending, plus
// the total matching count. Read-only and lock-free: listings are
// eventually consistent with in-flight writes.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]*tasks.Task, int, error) {
	all, err := m.rdb.HGetAll(ctx, taskHashKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("scan tasks: %w", err)
	}

	matched := make([]*tasks.Task, 0, len(all))
	for id, raw := range all {
		var task tasks.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			m.log.Warn().Str("task_id", id).Err(err).Msg("Skipping malformed task record")
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Composite != "" && task.Composite != filter.Composite {
			continue
		}
		matched = append(matched, &task)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Created.Equal(matched[j].Created) {
			return matched[i].Created.After(matched[j].Created)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= total {
			return []*tasks.Task{}, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// QueueDepth returns the number of pending tasks in the queue.
func (m *Manager) QueueDepth(ctx context.Context) (int64, error) {
	return m.rdb.ZCard(ctx, queueKey).Result()
}

// StatusCounts returns the number of known tasks per status, for
// observability.
func (m *Manager) StatusCounts(ctx context.Context) (map[tasks.Status]int64, error) {
	all, err := m.rdb.HGetAll(ctx, taskHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	counts := make(map[tasks.Status]int64)
	for _, raw := range all {
		var task tasks.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			continue
		}
		counts[task.Status]++
	}
	return counts, nil
}

// findLive scans for a pending or processing task with the given
// fingerprint. Caller must hold the lock.
func (m *Manager) findLive(ctx context.Context, composite string, ts time.Time) (*tasks.Task, error) {
	fingerprint := tasks.FingerprintOf(composite, ts)
	all, err := m.rdb.HGetAll(ctx, taskHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	for id, raw := range all {
		var task tasks.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			m.log.Warn().Str("task_id", id).Err(err).Msg("Skipping malformed task record")
			continue
		}
		if task.Live() && task.Fingerprint() == fingerprint {
			return &task, nil
		}
	}
	return nil, nil
}

// persist writes the task record and refreshes the rolling expiry on the
// whole task set.
func (m *Manager) persist(ctx context.Context, task *tasks.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, taskHashKey, task.ID, data)
	pipe.Expire(ctx, taskHashKey, m.taskTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist task %s: %w", task.ID, err)
	}
	return nil
}
