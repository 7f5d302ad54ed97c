package schedule

import (
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "ankibot/pkg/logx"
)

// SlotSpec is the declarative form of a slot.
type SlotSpec struct {
	Label    string `json:"label"`
	Schedule string `json:"schedule"`
	Enabled  bool   `json:"enabled"`
}

// SlotInfo is a point-in-time view of a slot.
type SlotInfo struct {
	Label    string    `json:"label"`
	Schedule string    `json:"schedule"`
	Enabled  bool      `json:"enabled"`
	Running  bool      `json:"running"`
	Next     time.Time `json:"next,omitzero"`
}

type Options struct {
	// Location the schedules are evaluated in. Defaults to time.Local.
	Location *time.Location
	// Timers defaults to CronTimers.
	Timers TimerFactory
	Log    logx.Logger
}

// Registry maps slot labels to live timers. It is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	loc   *time.Location
	timer TimerFactory
	fire  func(label string)
	log   logx.Logger

	slots map[string]*slot
	order []string
}

type slot struct {
	label   string
	expr    string
	sched   cron.Schedule
	timer   Timer
	enabled bool
}

// New creates an empty registry. fire is invoked with the slot label every
// time a slot's timer triggers.
func New(fire func(label string), opts Options) *Registry {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Timers == nil {
		opts.Timers = CronTimers
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if fire == nil {
		fire = func(string) {}
	}
	return &Registry{
		loc:   opts.Location,
		timer: opts.Timers,
		fire:  fire,
		log:   log.With(logx.String("comp", "schedule")),
		slots: map[string]*slot{},
	}
}

func (r *Registry) Location() *time.Location { return r.loc }

// Add creates a slot and starts its timer.
func (r *Registry) Add(label, expr string) error {
	return r.add(label, expr, true)
}

// AddPaused creates a slot whose timer is built but not started. Toggle
// resumes it.
func (r *Registry) AddPaused(label, expr string) error {
	return r.add(label, expr, false)
}

func (r *Registry) add(label, expr string, enabled bool) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return ErrInvalidLabel
	}
	sched, err := Parse(expr)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slots[label]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateSlot, label)
	}
	s := r.newSlotLocked(label, strings.TrimSpace(expr), sched)
	if enabled {
		s.timer.Start()
	}
	s.enabled = enabled
	r.log.Debug("slot added",
		logx.String("label", label),
		logx.String("schedule", s.expr),
		logx.Bool("enabled", enabled),
		logx.String("next", nextRuns(sched, r.loc, 3)),
	)
	return nil
}

// Remove stops and releases the slot's timer and deletes the entry.
func (r *Registry) Remove(label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[label]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSlotNotFound, label)
	}
	s.timer.Release()
	delete(r.slots, label)
	for i, l := range r.order {
		if l == label {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.log.Debug("slot removed", logx.String("label", label))
	return nil
}

// Toggle pauses or resumes a slot. The timer and its parsed schedule are
// kept across a pause.
func (r *Registry) Toggle(label string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[label]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSlotNotFound, label)
	}
	if s.enabled == enabled {
		return nil
	}
	if enabled {
		s.timer.Start()
	} else {
		s.timer.Stop()
	}
	s.enabled = enabled
	r.log.Debug("slot toggled", logx.String("label", label), logx.Bool("enabled", enabled))
	return nil
}

// ReplaceAll swaps the whole slot set for specs. Every spec is validated
// before anything changes; on error the registry is untouched. Disabled
// specs are not instantiated.
func (r *Registry) ReplaceAll(specs []SlotSpec) error {
	type parsed struct {
		label, expr string
		sched       cron.Schedule
	}
	next := make([]parsed, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, sp := range specs {
		label := strings.TrimSpace(sp.Label)
		if label == "" {
			return ErrInvalidLabel
		}
		if _, dup := seen[label]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateSlot, label)
		}
		seen[label] = struct{}{}
		sched, err := Parse(sp.Schedule)
		if err != nil {
			return fmt.Errorf("slot %q: %w", label, err)
		}
		if sp.Enabled {
			next = append(next, parsed{label: label, expr: strings.TrimSpace(sp.Schedule), sched: sched})
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseAllLocked()
	for _, p := range next {
		s := r.newSlotLocked(p.label, p.expr, p.sched)
		s.timer.Start()
		s.enabled = true
	}
	r.log.Info("slots replaced", logx.Int("requested", len(specs)), logx.Int("active", len(next)))
	return nil
}

// List yields the current slots in insertion order. Each range over the
// sequence takes a fresh snapshot.
func (r *Registry) List() iter.Seq[SlotInfo] {
	return func(yield func(SlotInfo) bool) {
		for _, info := range r.snapshot() {
			if !yield(info) {
				return
			}
		}
	}
}

// Get returns one slot.
func (r *Registry) Get(label string) (SlotInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[label]
	if !ok {
		return SlotInfo{}, false
	}
	return r.infoLocked(s, time.Now()), true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Teardown releases every timer. The registry stays usable.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.slots)
	r.releaseAllLocked()
	if n > 0 {
		r.log.Debug("registry torn down", logx.Int("slots", n))
	}
}

func (r *Registry) snapshot() []SlotInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	out := make([]SlotInfo, 0, len(r.order))
	for _, l := range r.order {
		out = append(out, r.infoLocked(r.slots[l], now))
	}
	return out
}

func (r *Registry) infoLocked(s *slot, now time.Time) SlotInfo {
	info := SlotInfo{
		Label:    s.label,
		Schedule: s.expr,
		Enabled:  s.enabled,
		Running:  s.timer.Running(),
	}
	if info.Running {
		info.Next = s.sched.Next(now.In(r.loc))
	}
	return info
}

func (r *Registry) newSlotLocked(label, expr string, sched cron.Schedule) *slot {
	s := &slot{label: label, expr: expr, sched: sched}
	s.timer = r.timer(label, sched, r.loc, func() { r.fire(label) })
	r.slots[label] = s
	r.order = append(r.order, label)
	return s
}

func (r *Registry) releaseAllLocked() {
	for _, l := range r.order {
		r.slots[l].timer.Release()
	}
	r.slots = map[string]*slot{}
	r.order = nil
}
