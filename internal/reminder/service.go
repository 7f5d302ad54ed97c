package reminder

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"ankibot/internal/broadcast"
	"ankibot/internal/eventbus"
	"ankibot/internal/schedule"
	"ankibot/internal/storage"
	kit "ankibot/internal/transport"
	logx "ankibot/pkg/logx"
)

var ErrNotInitialized = errors.New("reminder service not initialized")

// TargetSource lists chat users.
type TargetSource interface {
	ListTargets(ctx context.Context, f storage.TargetFilter) ([]storage.Target, error)
}

// SlotStore persists the slot list across restarts.
type SlotStore interface {
	LoadSlots(ctx context.Context) ([]storage.SlotRecord, bool, error)
	SaveSlots(ctx context.Context, slots []storage.SlotRecord) error
}

type AuditSink interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, targets []kit.Recipient, mode broadcast.Mode) broadcast.Result
}

type Options struct {
	Location *time.Location
	Timers   schedule.TimerFactory
	// Defaults seed the registry when no slots are persisted.
	// Nil means DefaultSlots().
	Defaults []schedule.SlotSpec
	// Store, when set, makes slot changes durable.
	Store SlotStore
	Audit AuditSink
	Bus   eventbus.Bus
	Log   logx.Logger
	// RunTimeout bounds one scheduled run. Default 30m.
	RunTimeout time.Duration
}

// Request is an ad-hoc broadcast.
type Request struct {
	// Text is sent verbatim; empty means a random card per recipient.
	Text string
	// ChatIDs restricts the run to these chats; empty means every target
	// with notifications enabled.
	ChatIDs []string
	Channel string
	Actor   string
}

// RunReport is published on the event bus after each run.
type RunReport struct {
	RunID   string           `json:"run_id"`
	Trigger string           `json:"trigger"`
	Result  broadcast.Result `json:"result"`
	Error   string           `json:"error,omitempty"`
}

// Service owns the slot registry and runs a broadcast when a slot fires.
type Service struct {
	targets TargetSource
	engine  Broadcaster
	opts    Options
	log     logx.Logger
	reg     *schedule.Registry

	mu      sync.Mutex
	inited  bool
	baseCtx context.Context

	// runMu serialises runs so coinciding slots do not double-send.
	runMu sync.Mutex
}

// DefaultSlots are the five daily reminders.
func DefaultSlots() []schedule.SlotSpec {
	return []schedule.SlotSpec{
		{Label: "8:30 AM", Schedule: "30 8 * * *", Enabled: true},
		{Label: "10:30 AM", Schedule: "30 10 * * *", Enabled: true},
		{Label: "12:30 PM", Schedule: "30 12 * * *", Enabled: true},
		{Label: "2:30 PM", Schedule: "30 14 * * *", Enabled: true},
		{Label: "4:30 PM", Schedule: "30 16 * * *", Enabled: true},
	}
}

// DefaultLocation is the fixed UTC+7 zone the default slots are meant for.
func DefaultLocation() *time.Location { return time.FixedZone("UTC+7", 7*3600) }

func New(targets TargetSource, engine Broadcaster, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = DefaultLocation()
	}
	if opts.Defaults == nil {
		opts.Defaults = DefaultSlots()
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 30 * time.Minute
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		targets: targets,
		engine:  engine,
		opts:    opts,
		log:     log.With(logx.String("comp", "reminder")),
		baseCtx: context.Background(),
	}
	s.reg = schedule.New(s.onFire, schedule.Options{
		Location: opts.Location,
		Timers:   opts.Timers,
		Log:      log,
	})
	return s
}

// Init populates the registry from storage or the defaults. It is a no-op
// when already initialised.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inited {
		return nil
	}
	// Scheduled runs outlive the caller's request but keep its values.
	s.baseCtx = context.WithoutCancel(ctx)

	specs, source := s.opts.Defaults, "defaults"
	if s.opts.Store != nil {
		recs, ok, err := s.opts.Store.LoadSlots(ctx)
		switch {
		case err != nil:
			s.log.Warn("load persisted slots failed; using defaults", logx.Err(err))
		case ok:
			specs, source = make([]schedule.SlotSpec, 0, len(recs)), "storage"
			for _, r := range recs {
				specs = append(specs, schedule.SlotSpec{Label: r.Label, Schedule: r.Schedule, Enabled: r.Enabled})
			}
		}
	}

	for _, sp := range specs {
		add := s.reg.Add
		if !sp.Enabled {
			add = s.reg.AddPaused
		}
		if err := add(sp.Label, sp.Schedule); err != nil {
			s.log.Warn("slot skipped", logx.String("label", sp.Label), logx.String("schedule", sp.Schedule), logx.Err(err))
		}
	}
	s.inited = true
	s.log.Info("reminder service initialized",
		logx.String("source", source),
		logx.Int("slots", s.reg.Len()),
		logx.String("tz", s.opts.Location.String()),
	)
	return nil
}

// Destroy releases every timer. It is safe to call repeatedly or before
// Init. Runs already in progress finish.
func (s *Service) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reg.Teardown()
	if s.inited {
		s.log.Info("reminder service destroyed")
	}
	s.inited = false
}

func (s *Service) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inited
}

func (s *Service) Location() *time.Location { return s.opts.Location }

// Config lists the slots with their running state.
func (s *Service) Config() ([]schedule.SlotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inited {
		return nil, ErrNotInitialized
	}
	return slices.Collect(s.reg.List()), nil
}

// UpdateConfig replaces the slot set declaratively.
func (s *Service) UpdateConfig(ctx context.Context, specs []schedule.SlotSpec) error {
	return s.mutate(ctx, "replace", func() error { return s.reg.ReplaceAll(specs) })
}

func (s *Service) ToggleSlot(ctx context.Context, label string, enabled bool) error {
	return s.mutate(ctx, "toggle", func() error { return s.reg.Toggle(label, enabled) })
}

func (s *Service) AddSlot(ctx context.Context, label, expr string) error {
	return s.mutate(ctx, "add", func() error { return s.reg.Add(label, expr) })
}

// AddPausedSlot adds a slot that stays stopped until toggled on.
func (s *Service) AddPausedSlot(ctx context.Context, label, expr string) error {
	return s.mutate(ctx, "add", func() error { return s.reg.AddPaused(label, expr) })
}

func (s *Service) RemoveSlot(ctx context.Context, label string) error {
	return s.mutate(ctx, "remove", func() error { return s.reg.Remove(label) })
}

func (s *Service) mutate(ctx context.Context, op string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inited {
		return ErrNotInitialized
	}
	if err := fn(); err != nil {
		return err
	}
	s.persistLocked(ctx)
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleChanged, Data: op})
	}
	return nil
}

func (s *Service) persistLocked(ctx context.Context) {
	if s.opts.Store == nil {
		return
	}
	recs := make([]storage.SlotRecord, 0, s.reg.Len())
	for info := range s.reg.List() {
		recs = append(recs, storage.SlotRecord{Label: info.Label, Schedule: info.Schedule, Enabled: info.Enabled})
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.opts.Store.SaveSlots(pctx, recs); err != nil {
		s.log.Warn("persist slots failed", logx.Err(err))
	}
}

// TriggerNow runs the daily broadcast immediately.
func (s *Service) TriggerNow(ctx context.Context) (broadcast.Result, error) {
	if !s.Initialized() {
		return broadcast.Result{}, ErrNotInitialized
	}
	return s.run(ctx, "manual", "", storage.TargetFilter{EnabledOnly: true, DailyOnly: true}, broadcast.RandomCard())
}

// Broadcast runs an ad-hoc broadcast. The daily-reminder opt-in is not
// required.
func (s *Service) Broadcast(ctx context.Context, req Request) (broadcast.Result, error) {
	if !s.Initialized() {
		return broadcast.Result{}, ErrNotInitialized
	}
	f := storage.TargetFilter{EnabledOnly: true, ChatIDs: req.ChatIDs, Channel: storage.Channel(req.Channel)}
	mode := broadcast.RandomCard()
	if strings.TrimSpace(req.Text) != "" {
		mode = broadcast.CustomText(req.Text)
	}
	return s.run(ctx, "adhoc", req.Actor, f, mode)
}

func (s *Service) onFire(label string) {
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(base, s.opts.RunTimeout)
	defer cancel()
	if _, err := s.run(ctx, "scheduled:"+label, "", storage.TargetFilter{EnabledOnly: true, DailyOnly: true}, broadcast.RandomCard()); err != nil {
		s.log.Error("scheduled broadcast abandoned", logx.String("slot", label), logx.Err(err))
	}
}

func (s *Service) run(ctx context.Context, trigger, actor string, f storage.TargetFilter, mode broadcast.Mode) (broadcast.Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	runID := eventbus.NewID()
	start := time.Now()
	log := s.log.With(logx.String("run", runID), logx.String("trigger", trigger))

	list, err := s.targets.ListTargets(ctx, f)
	if err != nil {
		err = fmt.Errorf("list targets: %w", err)
		s.report(ctx, runID, trigger, actor, broadcast.Result{}, err, start)
		return broadcast.Result{}, err
	}
	recipients := make([]kit.Recipient, 0, len(list))
	for _, t := range list {
		if t.ChatID == "" {
			continue
		}
		recipients = append(recipients, kit.Recipient{Channel: string(t.Channel), ChatID: t.ChatID})
	}
	log.Info("broadcast run started", logx.Int("targets", len(recipients)), logx.String("mode", mode.String()))

	res := s.engine.Broadcast(ctx, recipients, mode)
	s.report(ctx, runID, trigger, actor, res, nil, start)
	return res, nil
}

func (s *Service) report(ctx context.Context, runID, trigger, actor string, res broadcast.Result, runErr error, start time.Time) {
	rep := RunReport{RunID: runID, Trigger: trigger, Result: res}
	typ := eventbus.TypeBroadcastFinished
	if runErr != nil {
		rep.Error = runErr.Error()
		typ = eventbus.TypeBroadcastFailed
	}
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(eventbus.Event{ID: runID, Type: typ, Data: rep})
	}
	if s.opts.Audit == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.opts.Audit.AppendAudit(actx, storage.AuditEntry{
		RunID:  runID,
		Action: "broadcast." + trigger,
		Actor:  actor,
		Total:  res.Total,
		OK:     res.Success,
		Fail:   res.Failed,
		Error:  rep.Error,
		TookMS: time.Since(start).Milliseconds(),
	})
	if err != nil {
		s.log.Debug("audit append failed", logx.Err(err))
	}
}
