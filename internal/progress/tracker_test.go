package progress

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/datagetter/internal/dataset"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

func TestTrackerLifecycle(t *testing.T) {
	t.Parallel()

	clock := fakeClock{now: time.Unix(100, 0).UTC()}
	tr := NewTracker(clock)
	assert.Equal(t, StateIdle, tr.Snapshot().State)

	tr.Start("run-1")
	tr.SetTotal(3)
	var wg sync.WaitGroup
	for _, o := range []dataset.Outcome{dataset.OutcomeClassified, dataset.OutcomeClassified, dataset.OutcomeDownloadFailed} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record(o)
		}()
	}
	wg.Wait()
	tr.SetState(StateDone)

	snap := tr.Snapshot()
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, StateDone, snap.State)
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, 3, snap.Processed)
	assert.Equal(t, map[string]int{"classified": 2, "download-failed": 1}, snap.Outcomes)
	assert.Equal(t, clock.now, snap.StartedAt)
}

func TestTrackerSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil)
	tr.Start("run-2")
	snap := tr.Snapshot()
	snap.Outcomes["classified"] = 99

	require.Empty(t, tr.Snapshot().Outcomes)
}

func TestTrackerFail(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil)
	tr.Start("run-3")
	tr.Fail(errors.New("registry unavailable"))
	snap := tr.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, "registry unavailable", snap.Error)
}

func TestNilTracker(t *testing.T) {
	t.Parallel()

	var tr *Tracker
	tr.Start("x")
	tr.Record(dataset.OutcomeClassified)
	tr.Fail(nil)
	assert.Equal(t, StateIdle, tr.Snapshot().State)
}
