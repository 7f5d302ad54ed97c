package schedule

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Timer is a recurring trigger owned by exactly one slot.
type Timer interface {
	// Start begins or resumes firing. Calling it on a running timer is a no-op.
	Start()
	// Stop pauses firing. A firing already in progress runs to completion.
	Stop()
	Running() bool
	// Release stops the timer for good and frees its resources.
	Release()
}

// TimerFactory builds the (not yet started) timer for a slot.
type TimerFactory func(label string, sched cron.Schedule, loc *time.Location, fire func()) Timer

// CronTimers is the default TimerFactory: one cron scheduler per slot.
func CronTimers(_ string, sched cron.Schedule, loc *time.Location, fire func()) Timer {
	c := cron.New(cron.WithLocation(loc), cron.WithParser(parser))
	id := c.Schedule(sched, cron.FuncJob(fire))
	return &cronTimer{c: c, id: id}
}

type cronTimer struct {
	mu       sync.Mutex
	c        *cron.Cron
	id       cron.EntryID
	running  bool
	released bool
	starts   int
}

func (t *cronTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running || t.released {
		return
	}
	t.c.Start()
	t.running = true
}

func (t *cronTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	// Not waiting on the returned context: Stop may be called from inside
	// the job itself.
	t.c.Stop()
	t.running = false
}

func (t *cronTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *cronTimer) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	if t.running {
		t.c.Stop()
		t.running = false
	}
	t.c.Remove(t.id)
	t.released = true
}

// Manual is a TimerFactory whose timers only fire when Fire is called.
// It stands in for wall-clock time in tests.
type Manual struct {
	mu     sync.Mutex
	timers map[string][]*manualTimer
}

func NewManual() *Manual {
	return &Manual{timers: map[string][]*manualTimer{}}
}

// Factory returns the TimerFactory to pass to the registry.
func (m *Manual) Factory() TimerFactory {
	return func(label string, sched cron.Schedule, _ *time.Location, fire func()) Timer {
		t := &manualTimer{sched: sched, fire: fire}
		m.mu.Lock()
		m.timers[label] = append(m.timers[label], t)
		m.mu.Unlock()
		return t
	}
}

// Fire runs the callback of every running timer created for label and
// reports how many fired.
func (m *Manual) Fire(label string) int {
	m.mu.Lock()
	ts := append([]*manualTimer(nil), m.timers[label]...)
	m.mu.Unlock()
	n := 0
	for _, t := range ts {
		if t.Running() {
			t.fire()
			n++
		}
	}
	return n
}

// Live counts timers created and not yet released.
func (m *Manual) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ts := range m.timers {
		for _, t := range ts {
			t.mu.Lock()
			if !t.released {
				n++
			}
			t.mu.Unlock()
		}
	}
	return n
}

// Starts counts Start calls across every timer built for label.
func (m *Manual) Starts(label string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers[label] {
		t.mu.Lock()
		n += t.starts
		t.mu.Unlock()
	}
	return n
}

// Created counts every timer ever built for label.
func (m *Manual) Created(label string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers[label])
}

type manualTimer struct {
	mu       sync.Mutex
	sched    cron.Schedule
	fire     func()
	running  bool
	released bool
	starts   int
}

func (t *manualTimer) Start() {
	t.mu.Lock()
	if !t.released {
		t.running = true
		t.starts++
	}
	t.mu.Unlock()
}

func (t *manualTimer) Stop() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}

func (t *manualTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *manualTimer) Release() {
	t.mu.Lock()
	t.running = false
	t.released = true
	t.mu.Unlock()
}
