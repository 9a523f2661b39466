// Package progress tracks where a run is so operators can poll it while it works.
package progress

import (
	"maps"
	"sync"
	"time"

	"github.com/JakeFAU/datagetter/internal/dataset"
)

// State is the coarse phase of a run.
type State string

// Run phases.
const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StateProcessing State = "processing"
	StateWriting    State = "writing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Snapshot is a point-in-time copy of a run's progress.
type Snapshot struct {
	RunID     string         `json:"run_id,omitempty"`
	State     State          `json:"state"`
	StartedAt time.Time      `json:"started_at,omitzero"`
	UpdatedAt time.Time      `json:"updated_at,omitzero"`
	Total     int            `json:"total"`
	Processed int            `json:"processed"`
	Outcomes  map[string]int `json:"outcomes"`
	Error     string         `json:"error,omitempty"`
}

// Tracker is safe for concurrent use. A nil Tracker ignores every update.
type Tracker struct {
	clock dataset.Clock

	mu   sync.Mutex
	snap Snapshot
}

// NewTracker returns an idle tracker.
func NewTracker(clock dataset.Clock) *Tracker {
	return &Tracker{clock: clock, snap: Snapshot{State: StateIdle, Outcomes: map[string]int{}}}
}

// Start resets the tracker for runID.
func (t *Tracker) Start(runID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.snap = Snapshot{RunID: runID, State: StateLoading, StartedAt: now, UpdatedAt: now, Outcomes: map[string]int{}}
}

// SetState moves the run to state.
func (t *Tracker) SetState(state State) {
	t.update(func(s *Snapshot) { s.State = state })
}

// SetTotal records how many records the run will process.
func (t *Tracker) SetTotal(n int) {
	t.update(func(s *Snapshot) {
		s.Total = n
		s.State = StateProcessing
	})
}

// Record counts one finished record.
func (t *Tracker) Record(outcome dataset.Outcome) {
	t.update(func(s *Snapshot) {
		s.Processed++
		s.Outcomes[string(outcome)]++
	})
}

// Fail marks the run failed with err.
func (t *Tracker) Fail(err error) {
	t.update(func(s *Snapshot) {
		s.State = StateFailed
		if err != nil {
			s.Error = err.Error()
		}
	})
}

// Snapshot returns a copy of the current progress.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{State: StateIdle, Outcomes: map[string]int{}}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.snap
	out.Outcomes = maps.Clone(t.snap.Outcomes)
	return out
}

func (t *Tracker) update(fn func(*Snapshot)) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.snap)
	t.snap.UpdatedAt = t.now()
}

func (t *Tracker) now() time.Time {
	if t.clock == nil {
		return time.Now()
	}
	return t.clock.Now()
}
