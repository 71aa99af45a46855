package generator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tafor/himawari-scheduler/pkg/tasks"
)

type createdCall struct {
	composite string
	ts        time.Time
	priority  tasks.Priority
}

type fakeCreator struct {
	calls []createdCall
	err   error
}

func (f *fakeCreator) Create(_ context.Context, composite string, ts time.Time, priority tasks.Priority) (*tasks.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, createdCall{composite, ts, priority})
	return tasks.New(composite, ts, priority), nil
}

type fakeAvailability struct {
	counts map[time.Time]int
	err    error
}

func (f *fakeAvailability) CountReady(_ context.Context, ts time.Time) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[ts], nil
}

func testGenerator(creator TaskCreator, avail Availability, now time.Time) *Generator {
	g := New(creator, avail, Config{
		Composites: []string{"true_color", "ash"},
		Cadence:    10 * time.Minute,
		Lag:        20 * time.Minute,
		Threshold:  160,
	})
	g.now = func() time.Time { return now }
	return g
}

func TestStepCreatesTasksWhenSlotReady(t *testing.T) {
	now := time.Date(2025, 4, 20, 4, 25, 0, 0, time.UTC)
	slot := time.Date(2025, 4, 20, 4, 0, 0, 0, time.UTC)

	creator := &fakeCreator{}
	avail := &fakeAvailability{counts: map[time.Time]int{slot: 160}}
	g := testGenerator(creator, avail, now)

	g.Step(context.Background())

	require.Len(t, creator.calls, 2)
	for i, composite := range []string{"true_color", "ash"} {
		assert.Equal(t, composite, creator.calls[i].composite)
		assert.Equal(t, slot, creator.calls[i].ts)
		assert.Equal(t, tasks.PriorityNormal, creator.calls[i].priority)
	}

	// Target advanced by one cadence step; the next slot has no data
	// yet, so another step creates nothing.
	g.Step(context.Background())
	assert.Len(t, creator.calls, 2)
}

func TestStepWaitsOnIncompleteSlot(t *testing.T) {
	now := time.Date(2025, 4, 20, 4, 25, 0, 0, time.UTC)
	slot := time.Date(2025, 4, 20, 4, 0, 0, 0, time.UTC)

	creator := &fakeCreator{}
	avail := &fakeAvailability{counts: map[time.Time]int{slot: 93}}
	g := testGenerator(creator, avail, now)

	g.Step(context.Background())
	assert.Empty(t, creator.calls)

	// The slot fills in; the same target is rechecked and fires.
	avail.counts[slot] = 161
	g.Step(context.Background())
	assert.Len(t, creator.calls, 2)
	assert.Equal(t, slot, creator.calls[0].ts)
}

func TestStepSurvivesAvailabilityErrors(t *testing.T) {
	now := time.Date(2025, 4, 20, 4, 25, 0, 0, time.UTC)
	slot := time.Date(2025, 4, 20, 4, 0, 0, 0, time.UTC)

	creator := &fakeCreator{}
	avail := &fakeAvailability{err: errors.New("listing failed")}
	g := testGenerator(creator, avail, now)

	g.Step(context.Background())
	assert.Empty(t, creator.calls)

	avail.err = nil
	avail.counts = map[time.Time]int{slot: 160}
	g.Step(context.Background())
	assert.Len(t, creator.calls, 2)
}

func TestStepDoesNotRunAheadOfLag(t *testing.T) {
	// 04:05 wall clock: latest lagged slot is 03:40.
	now := time.Date(2025, 4, 20, 4, 5, 0, 0, time.UTC)
	slot := time.Date(2025, 4, 20, 3, 40, 0, 0, time.UTC)

	creator := &fakeCreator{}
	avail := &fakeAvailability{counts: map[time.Time]int{slot: 160}}
	g := testGenerator(creator, avail, now)

	g.Step(context.Background())
	require.Len(t, creator.calls, 2)
	assert.Equal(t, slot, creator.calls[0].ts)

	// Target is now 03:50, ahead of the lagged clock; nothing happens
	// until wall time catches up.
	g.Step(context.Background())
	assert.Len(t, creator.calls, 2)

	g.now = func() time.Time { return now.Add(10 * time.Minute) }
	avail.counts[slot.Add(10*time.Minute)] = 160
	g.Step(context.Background())
	assert.Len(t, creator.calls, 4)
}
