package client

import (
	"sort"
	"sync"
	"time"
)

// manualScheduler runs tasks only when the test advances its clock.
type manualScheduler struct {
	mu    sync.Mutex
	now   time.Time
	tasks []*manualTask
}

type manualTask struct {
	sched *manualScheduler
	at    time.Time
	delay time.Duration
	fn    func()
	done  bool
}

func (t *manualTask) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{now: time.Unix(1_700_000_000, 0)}
}

func (s *manualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := &manualTask{sched: s, at: s.now.Add(d), delay: d, fn: fn}
	s.tasks = append(s.tasks, task)
	return task
}

// Advance moves the clock and runs every task that became due, in order.
func (s *manualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	var due []*manualTask
	for _, task := range s.tasks {
		if !task.done && !task.at.After(s.now) {
			task.done = true
			due = append(due, task)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, task := range due {
		task.fn()
	}
}

// Pending returns the delays of tasks that have not run or been stopped.
func (s *manualScheduler) Pending() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, task := range s.tasks {
		if !task.done {
			out = append(out, task.delay)
		}
	}
	return out
}

type recordingSender struct {
	mu   sync.Mutex
	sent []any
	down bool
}

func (s *recordingSender) Send(msg any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return false
	}
	s.sent = append(s.sent, msg)
	return true
}

func (s *recordingSender) messages() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.sent...)
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}
