package scheduler

import (
	"context"
	"sync"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
)

// Phase is where a job is in the dispatch lifecycle. A job without a slot
// is idle.
type Phase string

// Phases
const (
	PhaseIdle        Phase = "IDLE"
	PhaseDispatching Phase = "DISPATCHING"
	PhaseSupervising Phase = "SUPERVISING"
)

// slot is the loop's record of a job's active run.
type slot struct {
	runID       string
	runType     job.RunType
	containerID string
	phase       Phase
	startedAt   time.Time
	timeout     time.Duration
	stopping    bool
	cancel      context.CancelFunc // stops the supervisor
}

// JobState is the live view of a job exposed to readers.
type JobState struct {
	Phase       Phase       `json:"phase"`
	RunID       string      `json:"runId,omitempty"`
	RunType     job.RunType `json:"runType,omitempty"`
	ContainerID string      `json:"containerId,omitempty"`
	Since       time.Time   `json:"since,omitzero"`
	Stopping    bool        `json:"stopping,omitempty"`
}

// slotTable maps job ids to slots. Only the loop writes; readers come from
// API goroutines.
type slotTable struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

func newSlotTable() *slotTable {
	return &slotTable{slots: make(map[string]*slot)}
}

// reserve claims jobID for a new run. A job can hold one slot at a time.
func (t *slotTable) reserve(jobID string, s *slot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.slots[jobID]; exists {
		return apperrors.AlreadyRunning(jobID)
	}
	s.phase = PhaseDispatching
	t.slots[jobID] = s
	return nil
}

// commit records the started container and moves the slot to SUPERVISING.
func (t *slotTable) commit(jobID, containerID string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[jobID]
	if !ok {
		s = &slot{}
		t.slots[jobID] = s
	}
	s.containerID = containerID
	s.phase = PhaseSupervising
	s.cancel = cancel
}

// markStopping flags the slot so a later start report stops the container.
func (t *slotTable) markStopping(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.slots[jobID]; ok {
		s.stopping = true
	}
}

// release frees jobID and returns the slot it held.
func (t *slotTable) release(jobID string) (*slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[jobID]
	if ok {
		delete(t.slots, jobID)
	}
	return s, ok
}

// get returns a copy of the slot for jobID.
func (t *slotTable) get(jobID string) (slot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.slots[jobID]
	if !ok {
		return slot{}, false
	}
	return *s, true
}

// busy reports whether jobID holds a slot.
func (t *slotTable) busy(jobID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.slots[jobID]
	return ok
}

// state returns the reader view of jobID.
func (t *slotTable) state(jobID string) JobState {
	s, ok := t.get(jobID)
	if !ok {
		return JobState{Phase: PhaseIdle}
	}
	return JobState{
		Phase:       s.phase,
		RunID:       s.runID,
		RunType:     s.runType,
		ContainerID: s.containerID,
		Since:       s.startedAt,
		Stopping:    s.stopping,
	}
}

// cancelAll stops every supervisor.
func (t *slotTable) cancelAll() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.slots {
		if s.cancel != nil {
			s.cancel()
		}
	}
}

// len returns the number of busy jobs.
func (t *slotTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}
