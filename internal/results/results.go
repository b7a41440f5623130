// Package results holds the current harvest for presentation layers. It
// replaces implicit session state with an explicit lifecycle: Begin on
// start, Complete or Fail on finish, Reset on request.
package results

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mapharvest/internal/model"
)

// ErrBusy is returned when a run is already in progress.
var ErrBusy = eris.New("results: harvest already running")

// ErrUnknownRun is returned when finishing a run that is not current.
var ErrUnknownRun = eris.New("results: run is not current")

// State is the store lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// Snapshot is a point-in-time copy of the store. Run is the last finished
// run; Pending is the run in progress, if any.
type Snapshot struct {
	State   State      `json:"state"`
	Run     *model.Run `json:"run,omitempty"`
	Pending *model.Run `json:"pending,omitempty"`
}

// Store is goroutine-safe.
type Store struct {
	mu      sync.RWMutex
	state   State
	current *model.Run
	pending *model.Run
	nowFunc func() time.Time
}

// New returns an idle store.
func New() *Store {
	return &Store{state: StateIdle, nowFunc: time.Now}
}

// Begin starts a new run for query. Previous results stay visible until the
// new run completes or fails.
func (s *Store) Begin(query string) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return nil, ErrBusy
	}
	run := &model.Run{
		ID:        uuid.NewString(),
		Query:     query,
		Status:    model.RunStatusRunning,
		StartedAt: s.nowFunc().UTC(),
	}
	s.state = StateRunning
	s.pending = run
	return copyRun(run), nil
}

// Complete atomically replaces the current run with the finished one.
func (s *Store) Complete(run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.pending.ID != run.ID {
		return ErrUnknownRun
	}
	done := copyRun(run)
	done.Status = model.RunStatusComplete
	if done.FinishedAt == nil {
		now := s.nowFunc().UTC()
		done.FinishedAt = &now
	}
	s.current = done
	s.pending = nil
	s.state = StateComplete
	return nil
}

// Fail marks run id as failed and replaces the current run with it. The
// result set of a failed run is empty.
func (s *Store) Fail(id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.pending.ID != id {
		return ErrUnknownRun
	}
	failed := copyRun(s.pending)
	failed.Status = model.RunStatusFailed
	failed.Records = nil
	if cause != nil {
		failed.Error = cause.Error()
	}
	now := s.nowFunc().UTC()
	failed.FinishedAt = &now
	s.current = failed
	s.pending = nil
	s.state = StateFailed
	return nil
}

// Reset clears the store. It refuses while a run is in progress.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return ErrBusy
	}
	s.current = nil
	s.state = StateIdle
	return nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{State: s.state}
	if s.current != nil {
		snap.Run = copyRun(s.current)
	}
	if s.pending != nil {
		snap.Pending = copyRun(s.pending)
	}
	return snap
}

// Records returns the rows of the last completed run, or nil. They stay
// available while a newer run is in progress.
func (s *Store) Records() []model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.Status != model.RunStatusComplete {
		return nil
	}
	out := make([]model.Record, len(s.current.Records))
	copy(out, s.current.Records)
	return out
}

func copyRun(r *model.Run) *model.Run {
	cp := *r
	if r.Records != nil {
		cp.Records = make([]model.Record, len(r.Records))
		copy(cp.Records, r.Records)
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
