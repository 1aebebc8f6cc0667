package task

import "sync"

// Scheduler implements round-robin scheduling over READY tasks (spec.md
// §4.7: "Round-robin over READY tasks. The timer interrupt saves the
// running task's cpu_state, picks the next READY task (wrapping), restores
// its state, and switches page directories"). Context-switch mechanics
// (saving/restoring registers, swapping page directories) live outside
// this package, driven by the trap dispatcher's timer handler; Scheduler
// only owns the READY queue and the notion of "current".
type Scheduler struct {
	mu      sync.Mutex
	ready   []*Task
	current *Task
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Add enqueues t as READY.
func (s *Scheduler) Add(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.State = READY
	s.ready = append(s.ready, t)
}

// Current returns the task currently selected to run, or nil if the
// scheduler is idle.
func (s *Scheduler) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Tick performs one round-robin step: if the current task is still
// RUNNING (i.e. it wasn't blocked or exited since the last tick), it is
// requeued as READY; the next READY task (if any) is dequeued, marked
// RUNNING, and returned. Returns nil if no task is READY — the idle-loop
// suspension point (spec.md §4.7 suspension point (b): ".il: hlt; jmp
// .il").
func (s *Scheduler) Tick() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.State == RUNNING {
		s.current.State = READY
		s.ready = append(s.ready, s.current)
	}
	if len(s.ready) == 0 {
		s.current = nil
		return nil
	}
	next := s.ready[0]
	s.ready = s.ready[1:]
	next.State = RUNNING
	s.current = next
	return next
}

// Wake transitions a BLOCKED task back to READY, for cancellation by
// state transition (spec.md §4.7: "a blocked task is unblocked by state
// transitions, e.g. pipe write makes a pipe-read-blocked reader READY").
func (s *Scheduler) Wake(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.State = READY
	s.ready = append(s.ready, t)
}

// Block marks t BLOCKED; Tick will not requeue it until something calls
// Wake.
func (s *Scheduler) Block(t *Task) {
	t.State = BLOCKED
}

// Remove drops t from the ready queue (used when a task exits between
// ticks).
func (s *Scheduler) Remove(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.ready {
		if r == t {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}
