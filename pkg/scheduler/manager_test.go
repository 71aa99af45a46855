package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tafor/himawari-scheduler/pkg/tasks"
)

var testComposites = []string{"true_color", "ash", "ir_clouds", "water_vapor"}

func setupManager(t *testing.T) *Manager {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return NewManager(s.Addr(), testComposites, nil)
}

func slot(hour, minute int) time.Time {
	return time.Date(2025, 4, 20, hour, minute, 0, 0, time.UTC)
}

func TestCreateRejectsUnknownComposite(t *testing.T) {
	m := setupManager(t)
	_, err := m.Create(context.Background(), "volcano_cam", slot(4, 0), tasks.PriorityNormal)
	assert.ErrorIs(t, err, ErrUnknownComposite)
}

func TestCreateDedupsLiveTasks(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, "true_color", slot(4, 0), tasks.PriorityNormal)
	require.NoError(t, err)

	// Second create while pending returns the same task id.
	second, err := m.Create(ctx, "true_color", slot(4, 0), tasks.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Still deduplicated after the task is leased (processing).
	leased, err := m.LeaseNext(ctx, "worker_a")
	require.NoError(t, err)
	require.NotNil(t, leased)
	third, err := m.Create(ctx, "true_color", slot(4, 0), tasks.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)

	// Once completed, the fingerprint is free again.
	_, err = m.UpdateStatus(ctx, first.ID, tasks.StatusCompleted, "worker_a", "")
	require.NoError(t, err)
	fourth, err := m.Create(ctx, "true_color", slot(4, 0), tasks.PriorityNormal)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fourth.ID)
}

func TestLeaseOrderedByPriorityThenTimestamp(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	// Insertion order deliberately scrambled. Slots are spaced so no
	// promotion fires between the two normal tasks (later slot first).
	c, err := m.Create(ctx, "ir_clouds", slot(5, 20), tasks.PriorityNormal)
	require.NoError(t, err)
	b, err := m.Create(ctx, "ash", slot(5, 0), tasks.PriorityNormal)
	require.NoError(t, err)
	d, err := m.Create(ctx, "water_vapor", slot(4, 0), tasks.PriorityLow)
	require.NoError(t, err)
	a, err := m.Create(ctx, "true_color", slot(5, 10), tasks.PriorityHigh)
	require.NoError(t, err)

	want := []string{a.ID, b.ID, c.ID, d.ID}
	for i, expected := range want {
		got, err := m.LeaseNext(ctx, "worker_a")
		require.NoError(t, err)
		require.NotNil(t, got, "lease %d returned no task", i)
		assert.Equal(t, expected, got.ID, "lease %d", i)
		assert.Equal(t, tasks.StatusProcessing, got.Status)
		assert.Equal(t, "worker_a", got.WorkerID)
		assert.NotNil(t, got.Started)
	}

	empty, err := m.LeaseNext(ctx, "worker_a")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestPromotionOfStaleNormalTasks(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	stale, err := m.Create(ctx, "true_color", slot(4, 0), tasks.PriorityNormal)
	require.NoError(t, err)

	// A later normal create promotes the older slot to high.
	fresh, err := m.Create(ctx, "ash", slot(5, 0), tasks.PriorityNormal)
	require.NoError(t, err)

	got, err := m.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.PriorityHigh, got.Priority)

	// The promoted task now leases ahead of the fresh normal one.
	first, err := m.LeaseNext(ctx, "worker_a")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, stale.ID, first.ID)

	second, err := m.LeaseNext(ctx, "worker_a")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, fresh.ID, second.ID)
}

func TestPromotionDoesNotTouchLeasedOrLowTasks(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	low, err := m.Create(ctx, "water_vapor", slot(3, 0), tasks.PriorityLow)
	require.NoError(t, err)

	processing, err := m.Create(ctx, "ir_clouds", slot(3, 10), tasks.PriorityNormal)
	require.NoError(t, err)
	leased, err := m.LeaseNext(ctx, "worker_a")
	require.NoError(t, err)
	require.Equal(t, processing.ID, leased.ID)

	_, err = m.Create(ctx, "ash", slot(5, 0), tasks.PriorityNormal)
	require.NoError(t, err)

	gotLow, err := m.Get(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.PriorityLow, gotLow.Priority)

	gotProcessing, err := m.Get(ctx, processing.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.PriorityNormal, gotProcessing.Priority)
	assert.Equal(t, tasks.StatusProcessing, gotProcessing.Status)
}

func TestConcurrentLeasesAreExclusive(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	const perComposite = 5
	created := 0
	for _, c := range testComposites {
		for i := 0; i < perComposite; i++ {
			_, err := m.Create(ctx, c, slot(4, 10*i), tasks.PriorityNormal)
			require.NoError(t, err)
			created++
		}
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	var failures []string
	var wg sync.WaitGroup
	workers := []string{"worker_a", "worker_b", "worker_c", "worker_d"}
	for _, w := range workers {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				task, err := m.LeaseNext(ctx, workerID)
				if err != nil {
					mu.Lock()
					failures = append(failures, err.Error())
					mu.Unlock()
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[task.ID]; dup {
					failures = append(failures, "task "+task.ID+" leased by both "+prev+" and "+workerID)
				}
				seen[task.ID] = workerID
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	require.Empty(t, failures)

	// Every pending task delivered to exactly one caller.
	assert.Len(t, seen, created)
	depth, err := m.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestUpdateStatusNotFound(t *testing.T) {
	m := setupManager(t)
	_, err := m.UpdateStatus(context.Background(), "nope", tasks.StatusCompleted, "worker_a", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatusRecordsFailure(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "ash", slot(4, 0), tasks.PriorityNormal)
	require.NoError(t, err)
	_, err = m.LeaseNext(ctx, "worker_a")
	require.NoError(t, err)

	got, err := m.UpdateStatus(ctx, created.ID, tasks.StatusFailed, "worker_a", "resampling blew up")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.Equal(t, "resampling blew up", got.ErrorMessage)
	require.NotNil(t, got.Completed)
}

func TestUpdateStatusIsPermissive(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	// Completing a task that was never leased is recorded as reported,
	// and the task disappears from the pending queue.
	created, err := m.Create(ctx, "ash", slot(4, 0), tasks.PriorityNormal)
	require.NoError(t, err)

	got, err := m.UpdateStatus(ctx, created.ID, tasks.StatusCompleted, "worker_a", "")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, got.Status)

	next, err := m.LeaseNext(ctx, "worker_b")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestUpdateStatusTerminalIsIdempotent(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "ash", slot(4, 0), tasks.PriorityNormal)
	require.NoError(t, err)
	_, err = m.LeaseNext(ctx, "worker_a")
	require.NoError(t, err)

	first, err := m.UpdateStatus(ctx, created.ID, tasks.StatusCompleted, "worker_a", "")
	require.NoError(t, err)
	second, err := m.UpdateStatus(ctx, created.ID, tasks.StatusCompleted, "worker_a", "")
	require.NoError(t, err)

	assert.Equal(t, tasks.StatusCompleted, second.Status)
	assert.False(t, second.Completed.Before(*first.Completed))

	// The repeated report never resurrects the task into the queue.
	next, err := m.LeaseNext(ctx, "worker_b")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestLeaseDropsStaleQueueEntries(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	stale, err := m.Create(ctx, "ash", slot(4, 0), tasks.PriorityHigh)
	require.NoError(t, err)
	good, err := m.Create(ctx, "true_color", slot(4, 10), tasks.PriorityNormal)
	require.NoError(t, err)

	// Simulate a record evicted from the hash while still queued.
	require.NoError(t, m.rdb.HDel(ctx, taskHashKey, stale.ID).Err())

	got, err := m.LeaseNext(ctx, "worker_a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, good.ID, got.ID)
}

func TestListFiltersSortsAndPaginates(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.Create(ctx, "true_color", slot(4, 10*i), tasks.PriorityNormal)
		require.NoError(t, err)
	}
	other, err := m.Create(ctx, "ash", slot(4, 0), tasks.PriorityNormal)
	require.NoError(t, err)
	_, err = m.LeaseNext(ctx, "worker_a")
	require.NoError(t, err)

	// Composite filter.
	got, total, err := m.List(ctx, ListFilter{Composite: "ash"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, got, 1)
	assert.Equal(t, other.ID, got[0].ID)

	// Status filter counts everything still pending.
	_, total, err = m.List(ctx, ListFilter{Status: tasks.StatusPending})
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	// Pagination keeps the total while slicing the page.
	page, total, err := m.List(ctx, ListFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	assert.Len(t, page, 2)

	// Sorted by creation time descending.
	all, _, err := m.List(ctx, ListFilter{})
	require.NoError(t, err)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i-1].Created.Before(all[i].Created))
	}

	// Offset past the end returns an empty page, not an error.
	empty, total, err := m.List(ctx, ListFilter{Offset: 100})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	assert.Empty(t, empty)
}

func TestStatusCountsAndQueueDepth(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, "true_color", slot(4, 0), tasks.PriorityNormal)
	require.NoError(t, err)
	_, err = m.Create(ctx, "ash", slot(4, 10), tasks.PriorityNormal)
	require.NoError(t, err)
	leased, err := m.LeaseNext(ctx, "worker_a")
	require.NoError(t, err)
	require.Equal(t, a.ID, leased.ID)
	_, err = m.UpdateStatus(ctx, a.ID, tasks.StatusCompleted, "worker_a", "")
	require.NoError(t, err)

	counts, err := m.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[tasks.StatusPending])
	assert.Equal(t, int64(1), counts[tasks.StatusCompleted])

	depth, err := m.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
