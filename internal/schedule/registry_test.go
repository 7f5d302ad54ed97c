package schedule

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

type fireLog struct {
	mu    sync.Mutex
	fired []string
}

func (f *fireLog) fire(label string) {
	f.mu.Lock()
	f.fired = append(f.fired, label)
	f.mu.Unlock()
}

func (f *fireLog) count(label string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.fired {
		if l == label {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T) (*Registry, *Manual, *fireLog) {
	t.Helper()
	m := NewManual()
	fl := &fireLog{}
	r := New(fl.fire, Options{Location: time.FixedZone("UTC+7", 7*3600), Timers: m.Factory()})
	return r, m, fl
}

func collect(r *Registry) []SlotInfo {
	return slices.Collect(r.List())
}

func find(r *Registry, label string) (SlotInfo, bool) {
	for s := range r.List() {
		if s.Label == label {
			return s, true
		}
	}
	return SlotInfo{}, false
}

func TestAddThenListRunning(t *testing.T) {
	t.Parallel()
	exprs := []string{"0 12 * * *", "*/5 * * * *", "30 8 * * 1-5", "@daily", "@every 1h", "08:30"}
	for _, expr := range exprs {
		r, _, _ := newTestRegistry(t)
		if err := r.Add("slot", expr); err != nil {
			t.Fatalf("Add(%q): %v", expr, err)
		}
		got := collect(r)
		if len(got) != 1 {
			t.Fatalf("List len = %d, want 1", len(got))
		}
		if !got[0].Running || !got[0].Enabled {
			t.Fatalf("slot %q = %+v, want running", expr, got[0])
		}
		if got[0].Next.IsZero() {
			t.Fatalf("slot %q has no next fire time", expr)
		}
	}
}

func TestAddInvalid(t *testing.T) {
	t.Parallel()
	r, m, _ := newTestRegistry(t)
	for _, expr := range []string{"", "not cron", "61 * * * *", "* * *", "25:00"} {
		if err := r.Add("bad", expr); !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("Add(%q) err = %v, want ErrInvalidSchedule", expr, err)
		}
	}
	if err := r.Add("  ", "0 12 * * *"); !errors.Is(err, ErrInvalidLabel) {
		t.Fatalf("empty label err = %v, want ErrInvalidLabel", err)
	}
	if r.Len() != 0 || m.Live() != 0 {
		t.Fatalf("failed adds left state: len=%d live=%d", r.Len(), m.Live())
	}
}

func TestAddDuplicateKeepsTimer(t *testing.T) {
	t.Parallel()
	r, m, fl := newTestRegistry(t)
	if err := r.Add("Noon", "0 12 * * *"); err != nil {
		t.Fatal(err)
	}
	if err := r.Add("Noon", "0 13 * * *"); !errors.Is(err, ErrDuplicateSlot) {
		t.Fatalf("duplicate err = %v, want ErrDuplicateSlot", err)
	}
	if m.Created("Noon") != 1 {
		t.Fatalf("timers created = %d, want 1", m.Created("Noon"))
	}
	info, _ := r.Get("Noon")
	if info.Schedule != "0 12 * * *" || !info.Running {
		t.Fatalf("existing slot changed: %+v", info)
	}
	if m.Fire("Noon") != 1 || fl.count("Noon") != 1 {
		t.Fatalf("existing timer no longer fires")
	}
}

func TestToggleResumesSameTimer(t *testing.T) {
	t.Parallel()
	r, m, fl := newTestRegistry(t)
	if err := r.Add("Noon", "0 12 * * *"); err != nil {
		t.Fatal(err)
	}
	if err := r.Toggle("Noon", false); err != nil {
		t.Fatal(err)
	}
	if m.Fire("Noon") != 0 {
		t.Fatalf("disabled slot fired")
	}
	info, _ := r.Get("Noon")
	if info.Running || info.Enabled {
		t.Fatalf("after disable = %+v", info)
	}

	if err := r.Toggle("Noon", true); err != nil {
		t.Fatal(err)
	}
	if m.Created("Noon") != 1 {
		t.Fatalf("re-enable created a new timer (created=%d)", m.Created("Noon"))
	}
	info, _ = r.Get("Noon")
	if !info.Running || info.Schedule != "0 12 * * *" {
		t.Fatalf("after enable = %+v", info)
	}
	m.Fire("Noon")
	if fl.count("Noon") != 1 {
		t.Fatalf("fires = %d, want 1", fl.count("Noon"))
	}

	if err := r.Toggle("missing", true); !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("toggle missing err = %v", err)
	}
}

func TestAddPausedNeverStarts(t *testing.T) {
	t.Parallel()
	r, m, fl := newTestRegistry(t)
	if err := r.AddPaused("Night", "0 22 * * *"); err != nil {
		t.Fatal(err)
	}
	info, ok := r.Get("Night")
	if !ok || info.Enabled || info.Running {
		t.Fatalf("paused slot = %+v (ok=%v)", info, ok)
	}
	if m.Starts("Night") != 0 || m.Fire("Night") != 0 {
		t.Fatalf("paused slot started (starts=%d)", m.Starts("Night"))
	}
	if err := r.AddPaused("Night", "0 23 * * *"); !errors.Is(err, ErrDuplicateSlot) {
		t.Fatalf("duplicate err = %v", err)
	}

	if err := r.Toggle("Night", true); err != nil {
		t.Fatal(err)
	}
	m.Fire("Night")
	if fl.count("Night") != 1 || m.Created("Night") != 1 {
		t.Fatalf("fires = %d created = %d", fl.count("Night"), m.Created("Night"))
	}
}

func TestRemoveReleasesAndFreesLabel(t *testing.T) {
	t.Parallel()
	r, m, fl := newTestRegistry(t)
	if err := r.Add("Noon", "0 12 * * *"); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove("Noon"); err != nil {
		t.Fatal(err)
	}
	if m.Fire("Noon") != 0 || fl.count("Noon") != 0 {
		t.Fatalf("removed slot fired")
	}
	if m.Live() != 0 {
		t.Fatalf("live timers = %d, want 0", m.Live())
	}
	if err := r.Add("Noon", "0 13 * * *"); err != nil {
		t.Fatalf("re-add after remove: %v", err)
	}
	if err := r.Remove("nope"); !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("remove missing err = %v", err)
	}
}

func TestReplaceAll(t *testing.T) {
	t.Parallel()
	r, m, _ := newTestRegistry(t)
	_ = r.Add("a", "0 1 * * *")
	_ = r.Add("b", "0 2 * * *")

	err := r.ReplaceAll([]SlotSpec{
		{Label: "x", Schedule: "0 9 * * *", Enabled: true},
		{Label: "y", Schedule: "0 10 * * *", Enabled: false},
		{Label: "z", Schedule: "0 11 * * *", Enabled: true},
	})
	if err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	var labels []string
	for s := range r.List() {
		labels = append(labels, s.Label)
		if !s.Running {
			t.Fatalf("slot %q not running", s.Label)
		}
	}
	if !slices.Equal(labels, []string{"x", "z"}) {
		t.Fatalf("labels = %v, want [x z]", labels)
	}
	if m.Live() != 2 {
		t.Fatalf("live timers = %d, want 2", m.Live())
	}

	if err := r.ReplaceAll(nil); err != nil {
		t.Fatalf("ReplaceAll(nil): %v", err)
	}
	if got := collect(r); len(got) != 0 {
		t.Fatalf("after empty replace = %+v", got)
	}
	if m.Live() != 0 {
		t.Fatalf("live timers = %d, want 0", m.Live())
	}
}

func TestReplaceAllAtomicOnError(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	_ = r.Add("keep", "0 1 * * *")

	err := r.ReplaceAll([]SlotSpec{
		{Label: "ok", Schedule: "0 9 * * *", Enabled: true},
		{Label: "bad", Schedule: "nope", Enabled: true},
	})
	if !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("err = %v, want ErrInvalidSchedule", err)
	}
	err = r.ReplaceAll([]SlotSpec{
		{Label: "d", Schedule: "0 9 * * *", Enabled: true},
		{Label: "d", Schedule: "0 10 * * *"},
	})
	if !errors.Is(err, ErrDuplicateSlot) {
		t.Fatalf("err = %v, want ErrDuplicateSlot", err)
	}
	if _, ok := find(r, "keep"); !ok || r.Len() != 1 {
		t.Fatalf("registry modified by failed replace: %+v", collect(r))
	}
}

func TestListIsLazyAndRestartable(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	seq := r.List()
	_ = r.Add("first", "0 1 * * *")
	if n := len(slices.Collect(seq)); n != 1 {
		t.Fatalf("first pass = %d, want 1", n)
	}
	_ = r.Add("second", "0 2 * * *")
	got := slices.Collect(seq)
	if len(got) != 2 || got[0].Label != "first" || got[1].Label != "second" {
		t.Fatalf("second pass = %+v", got)
	}
	for range seq {
		break
	}
}

func TestTeardownIdempotent(t *testing.T) {
	t.Parallel()
	r, m, _ := newTestRegistry(t)
	_ = r.Add("a", "0 1 * * *")
	_ = r.Add("b", "0 2 * * *")
	_ = r.Toggle("b", false)

	r.Teardown()
	r.Teardown()
	if r.Len() != 0 || m.Live() != 0 {
		t.Fatalf("after teardown len=%d live=%d", r.Len(), m.Live())
	}
	if err := r.Add("a", "0 1 * * *"); err != nil {
		t.Fatalf("Add after teardown: %v", err)
	}
}

func TestNoonScenario(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	if err := r.Add("Noon", "0 12 * * *"); err != nil {
		t.Fatal(err)
	}
	s, ok := find(r, "Noon")
	if !ok || !s.Enabled || !s.Running {
		t.Fatalf("after add = %+v", s)
	}
	if err := r.Toggle("Noon", false); err != nil {
		t.Fatal(err)
	}
	if s, _ := find(r, "Noon"); s.Running {
		t.Fatalf("after toggle off running = true")
	}
	if err := r.Remove("Noon"); err != nil {
		t.Fatal(err)
	}
	if _, ok := find(r, "Noon"); ok {
		t.Fatalf("Noon still listed")
	}
	if err := r.Remove("Noon"); !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("second remove err = %v, want ErrSlotNotFound", err)
	}
}

func TestCronTimerLifecycle(t *testing.T) {
	t.Parallel()
	sched, err := Parse("@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	tm := CronTimers("x", sched, time.UTC, func() {})
	tm.Start()
	tm.Start()
	if !tm.Running() {
		t.Fatalf("not running after Start")
	}
	tm.Stop()
	if tm.Running() {
		t.Fatalf("running after Stop")
	}
	tm.Start()
	tm.Release()
	tm.Start()
	if tm.Running() {
		t.Fatalf("released timer restarted")
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"08:30", "30 8 * * *"},
		{" 16:05 ", "5 16 * * *"},
		{"0 12 * * *", "0 12 * * *"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
