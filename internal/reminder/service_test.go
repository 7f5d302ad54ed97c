package reminder

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"ankibot/internal/broadcast"
	"ankibot/internal/eventbus"
	"ankibot/internal/schedule"
	"ankibot/internal/storage"
	kit "ankibot/internal/transport"
)

type sink struct {
	mu   sync.Mutex
	sent map[string]int
}

func (s *sink) Send(_ context.Context, to kit.Recipient, _ kit.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = map[string]int{}
	}
	s.sent[to.ChatID]++
	return nil
}

func (s *sink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.sent {
		n += v
	}
	return n
}

type fixture struct {
	svc    *Service
	timers *schedule.Manual
	store  *storage.Memory
	out    *sink
	bus    eventbus.Bus
}

func newFixture(t *testing.T, persist bool) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	if _, err := store.AddCard(ctx, storage.Card{Front: "run", Back: "chạy"}); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := store.RegisterTarget(ctx, storage.Target{Channel: storage.ChannelTelegram, ChatID: strconv.Itoa(i)}); err != nil {
			t.Fatal(err)
		}
	}
	off := false
	if _, err := store.UpdateSettings(ctx, storage.ChannelTelegram, "3", storage.Settings{DailyReminder: &off}); err != nil {
		t.Fatal(err)
	}

	out := &sink{}
	engine := broadcast.New(out, store, broadcast.Config{BatchSize: 5},
		broadcast.WithSleep(func(context.Context, time.Duration) error { return nil }))
	timers := schedule.NewManual()
	bus := eventbus.New()
	opts := Options{Timers: timers.Factory(), Audit: store, Bus: bus}
	if persist {
		opts.Store = store
	}
	return &fixture{svc: New(store, engine, opts), timers: timers, store: store, out: out, bus: bus}
}

func labels(infos []schedule.SlotInfo) []string {
	out := make([]string, 0, len(infos))
	for _, i := range infos {
		out = append(out, i.Label)
	}
	return out
}

func TestInitPopulatesDefaults(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	if err := f.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := f.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	cfg, err := f.svc.Config()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"8:30 AM", "10:30 AM", "12:30 PM", "2:30 PM", "4:30 PM"}
	got := labels(cfg)
	if len(got) != len(want) {
		t.Fatalf("labels = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] || !cfg[i].Running {
			t.Fatalf("slot %d = %+v, want %q running", i, cfg[i], want[i])
		}
	}
	if f.timers.Created("8:30 AM") != 1 {
		t.Fatalf("second Init created extra timers")
	}
	if _, off := cfg[0].Next.Zone(); off != 7*3600 {
		t.Fatalf("next fire zone offset = %d, want UTC+7", off)
	}
}

func TestNotInitialized(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["Config"] = f.svc.Config()
	checks["UpdateConfig"] = f.svc.UpdateConfig(ctx, nil)
	checks["ToggleSlot"] = f.svc.ToggleSlot(ctx, "8:30 AM", false)
	checks["AddSlot"] = f.svc.AddSlot(ctx, "Noon", "0 12 * * *")
	checks["AddPausedSlot"] = f.svc.AddPausedSlot(ctx, "Noon", "0 12 * * *")
	checks["RemoveSlot"] = f.svc.RemoveSlot(ctx, "8:30 AM")
	_, checks["TriggerNow"] = f.svc.TriggerNow(ctx)
	_, checks["Broadcast"] = f.svc.Broadcast(ctx, Request{Text: "hi"})
	for name, err := range checks {
		if !errors.Is(err, ErrNotInitialized) {
			t.Fatalf("%s before Init err = %v, want ErrNotInitialized", name, err)
		}
	}

	_ = f.svc.Init(ctx)
	f.svc.Destroy()
	if _, err := f.svc.Config(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Config after Destroy err = %v", err)
	}
}

func TestDestroyTwice(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.svc.Destroy() // never initialised

	_ = f.svc.Init(context.Background())
	f.svc.Destroy()
	f.svc.Destroy()
	if f.timers.Live() != 0 {
		t.Fatalf("live timers after destroy = %d", f.timers.Live())
	}

	if err := f.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	cfg, _ := f.svc.Config()
	if len(cfg) != 5 {
		t.Fatalf("re-init slots = %d, want 5", len(cfg))
	}
}

func TestSlotFiresDailyBroadcast(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	events, unsub := f.bus.Subscribe(4)
	defer unsub()
	_ = f.svc.Init(context.Background())

	if n := f.timers.Fire("8:30 AM"); n != 1 {
		t.Fatalf("fired %d timers", n)
	}
	// Targets 1 and 2 opted into the daily reminder; 3 did not.
	if f.out.total() != 2 || f.out.sent["3"] != 0 {
		t.Fatalf("sent = %v", f.out.sent)
	}
	select {
	case e := <-events:
		rep, ok := e.Data.(RunReport)
		if e.Type != eventbus.TypeBroadcastFinished || !ok || rep.Result.Success != 2 {
			t.Fatalf("event = %+v", e)
		}
		if rep.Trigger != "scheduled:8:30 AM" {
			t.Fatalf("trigger = %q", rep.Trigger)
		}
	default:
		t.Fatalf("no broadcast.finished event")
	}
	if a := f.store.Audit(); len(a) != 1 || a[0].OK != 2 {
		t.Fatalf("audit = %+v", a)
	}
}

func TestTriggerNowAndAdhoc(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()
	_ = f.svc.Init(ctx)

	res, err := f.svc.TriggerNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 2 || res.Success != 2 || res.Failed != 0 {
		t.Fatalf("TriggerNow = %+v", res)
	}

	// Ad-hoc bypasses the daily opt-in.
	res, err = f.svc.Broadcast(ctx, Request{Text: "hello"})
	if err != nil || res.Total != 3 {
		t.Fatalf("Broadcast all = %+v, %v", res, err)
	}
	res, err = f.svc.Broadcast(ctx, Request{ChatIDs: []string{"3"}})
	if err != nil || res.Total != 1 || res.Success != 1 {
		t.Fatalf("Broadcast by id = %+v, %v", res, err)
	}
}

type failingTargets struct{}

func (failingTargets) ListTargets(context.Context, storage.TargetFilter) ([]storage.Target, error) {
	return nil, errors.New("db down")
}

func TestTriggerNowPropagatesSystemicFailure(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(2)
	defer unsub()
	engine := broadcast.New(&sink{}, nil, broadcast.Config{})
	svc := New(failingTargets{}, engine, Options{Timers: schedule.NewManual().Factory(), Bus: bus})
	_ = svc.Init(context.Background())

	if _, err := svc.TriggerNow(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if e := <-events; e.Type != eventbus.TypeBroadcastFailed {
		t.Fatalf("event type = %q", e.Type)
	}
}

func TestNoonScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()
	_ = f.svc.Init(ctx)

	find := func() (schedule.SlotInfo, bool) {
		cfg, _ := f.svc.Config()
		for _, s := range cfg {
			if s.Label == "Noon" {
				return s, true
			}
		}
		return schedule.SlotInfo{}, false
	}

	if err := f.svc.AddSlot(ctx, "Noon", "0 12 * * *"); err != nil {
		t.Fatal(err)
	}
	if s, ok := find(); !ok || !s.Enabled || !s.Running {
		t.Fatalf("after add = %+v", s)
	}
	if err := f.svc.ToggleSlot(ctx, "Noon", false); err != nil {
		t.Fatal(err)
	}
	if s, _ := find(); s.Running {
		t.Fatalf("running after toggle off")
	}
	if err := f.svc.RemoveSlot(ctx, "Noon"); err != nil {
		t.Fatal(err)
	}
	if _, ok := find(); ok {
		t.Fatalf("Noon still listed")
	}
	if err := f.svc.RemoveSlot(ctx, "Noon"); !errors.Is(err, schedule.ErrSlotNotFound) {
		t.Fatalf("second remove err = %v", err)
	}
	if err := f.svc.AddSlot(ctx, "8:30 AM", "0 9 * * *"); !errors.Is(err, schedule.ErrDuplicateSlot) {
		t.Fatalf("duplicate add err = %v", err)
	}
}

func TestUpdateConfigEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()
	_ = f.svc.Init(ctx)

	if err := f.svc.UpdateConfig(ctx, []schedule.SlotSpec{}); err != nil {
		t.Fatal(err)
	}
	cfg, _ := f.svc.Config()
	if len(cfg) != 0 || f.timers.Live() != 0 {
		t.Fatalf("after empty update: slots=%d live=%d", len(cfg), f.timers.Live())
	}
	err := f.svc.UpdateConfig(ctx, []schedule.SlotSpec{{Label: "x", Schedule: "bogus", Enabled: true}})
	if !errors.Is(err, schedule.ErrInvalidSchedule) {
		t.Fatalf("err = %v, want ErrInvalidSchedule", err)
	}
}

func TestPersistedSlotsSurviveRestart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	ctx := context.Background()
	_ = f.svc.Init(ctx)

	if err := f.svc.AddSlot(ctx, "Evening", "0 20 * * *"); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ToggleSlot(ctx, "8:30 AM", false); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.RemoveSlot(ctx, "4:30 PM"); err != nil {
		t.Fatal(err)
	}
	f.svc.Destroy()

	// A fresh service over the same store.
	engine := broadcast.New(f.out, f.store, broadcast.Config{})
	timers := schedule.NewManual()
	svc := New(f.store, engine, Options{Timers: timers.Factory(), Store: f.store})
	if err := svc.Init(ctx); err != nil {
		t.Fatal(err)
	}
	cfg, _ := svc.Config()
	got := labels(cfg)
	want := []string{"8:30 AM", "10:30 AM", "12:30 PM", "2:30 PM", "Evening"}
	if len(got) != len(want) {
		t.Fatalf("labels = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("labels = %v, want %v", got, want)
		}
	}
	if cfg[0].Enabled || cfg[0].Running {
		t.Fatalf("8:30 AM should come back disabled: %+v", cfg[0])
	}
	if timers.Fire("8:30 AM") != 0 {
		t.Fatalf("disabled slot fired after restart")
	}
}

type countingSlots struct {
	*storage.Memory
	mu    sync.Mutex
	saves int
}

func (c *countingSlots) SaveSlots(ctx context.Context, slots []storage.SlotRecord) error {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return c.Memory.SaveSlots(ctx, slots)
}

func TestAddPausedSlotStaysStopped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()
	slots := &countingSlots{Memory: f.store}
	engine := broadcast.New(f.out, f.store, broadcast.Config{})
	svc := New(f.store, engine, Options{Timers: f.timers.Factory(), Store: slots})
	if err := svc.Init(ctx); err != nil {
		t.Fatal(err)
	}

	if err := svc.AddPausedSlot(ctx, "Night", "0 22 * * *"); err != nil {
		t.Fatal(err)
	}
	if slots.saves != 1 {
		t.Fatalf("saves = %d, want 1", slots.saves)
	}
	if f.timers.Starts("Night") != 0 {
		t.Fatalf("paused slot timer started %d times", f.timers.Starts("Night"))
	}
	cfg, _ := svc.Config()
	last := cfg[len(cfg)-1]
	if last.Label != "Night" || last.Enabled || last.Running {
		t.Fatalf("last slot = %+v", last)
	}
	recs, ok, _ := f.store.LoadSlots(ctx)
	if !ok || recs[len(recs)-1] != (storage.SlotRecord{Label: "Night", Schedule: "0 22 * * *", Enabled: false}) {
		t.Fatalf("persisted = %+v", recs)
	}
}
