package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"ankibot/internal/storage"
	kit "ankibot/internal/transport"
	logx "ankibot/pkg/logx"
)

var ErrContentUnavailable = errors.New("no flashcard available")

// ContentPicker supplies one random card per recipient.
type ContentPicker interface {
	RandomCard(ctx context.Context) (c storage.Card, ok bool, err error)
}

// Mode selects what each recipient receives.
type Mode struct {
	text   string
	custom bool
}

// RandomCard sends every recipient its own randomly picked card.
func RandomCard() Mode { return Mode{} }

// CustomText sends the same text to everyone.
func CustomText(text string) Mode { return Mode{text: text, custom: true} }

func (m Mode) String() string {
	if m.custom {
		return "custom_text"
	}
	return "random_card"
}

type Config struct {
	BatchSize  int
	BatchDelay time.Duration
	// DispatchTimeout bounds a single send attempt.
	DispatchTimeout time.Duration
	// RetryMax is the number of extra attempts after a failed send.
	RetryMax  int
	RetryBase time.Duration
	// RatePerSec caps sends across all batches. 0 disables the limiter.
	RatePerSec int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 15 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	return c
}

func DefaultConfig() Config {
	return Config{BatchDelay: time.Second}.withDefaults()
}

// Result is the outcome of one run. It is only produced once every batch
// has settled.
type Result struct {
	Total    int           `json:"total"`
	Success  int           `json:"success_count"`
	Failed   int           `json:"failure_count"`
	Duration time.Duration `json:"duration_ns"`
}

// Engine fans a message out to recipients in fixed-size concurrent batches.
// It keeps no per-run state, so concurrent runs are independent.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	dispatch kit.Dispatcher
	picker   ContentPicker
	sleep    func(ctx context.Context, d time.Duration) error
	log      logx.Logger
}

type Option func(*Engine)

// WithSleep replaces the timer used for batch delays and retry backoff.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

func WithLogger(log logx.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func New(dispatch kit.Dispatcher, picker ContentPicker, cfg Config, opts ...Option) *Engine {
	e := &Engine{dispatch: dispatch, picker: picker, sleep: sleepCtx}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.With(logx.String("comp", "broadcast"))
	e.Apply(cfg)
	return e
}

// Apply swaps the tuning. Runs already in progress keep their snapshot.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = lim
	e.mu.Unlock()
}

func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Broadcast sends to every target and reports the counts. A failure for one
// recipient never stops the others. Cancelling ctx fails the remaining sends
// rather than aborting the run.
func (e *Engine) Broadcast(ctx context.Context, targets []kit.Recipient, mode Mode) Result {
	e.mu.Lock()
	cfg, lim := e.cfg, e.limiter
	e.mu.Unlock()

	start := time.Now()
	var ok, fail atomic.Int64
	batches := 0
	for i := 0; i < len(targets); i += cfg.BatchSize {
		if i > 0 && cfg.BatchDelay > 0 {
			_ = e.sleep(ctx, cfg.BatchDelay)
		}
		batch := targets[i:min(i+cfg.BatchSize, len(targets))]
		batches++

		var wg sync.WaitGroup
		for _, to := range batch {
			wg.Add(1)
			go func(to kit.Recipient) {
				defer wg.Done()
				if err := e.deliver(ctx, cfg, lim, to, mode); err != nil {
					fail.Add(1)
					e.log.Warn("broadcast send failed",
						logx.String("to", to.String()),
						logx.String("mode", mode.String()),
						logx.Err(err),
					)
					return
				}
				ok.Add(1)
			}(to)
		}
		wg.Wait()
	}

	res := Result{
		Total:    len(targets),
		Success:  int(ok.Load()),
		Failed:   int(fail.Load()),
		Duration: time.Since(start),
	}
	fields := []logx.Field{
		logx.String("mode", mode.String()),
		logx.Int("total", res.Total),
		logx.Int("success", res.Success),
		logx.Int("failed", res.Failed),
		logx.Int("batches", batches),
		logx.Duration("dur", res.Duration),
	}
	if res.Failed > 0 {
		e.log.Warn("broadcast finished with failures", fields...)
	} else {
		e.log.Info("broadcast finished", fields...)
	}
	return res
}

// SendCard picks a card and sends it to one recipient. It returns
// ErrContentUnavailable, without sending anything, when there are no cards.
func (e *Engine) SendCard(ctx context.Context, to kit.Recipient) error {
	e.mu.Lock()
	cfg, lim := e.cfg, e.limiter
	e.mu.Unlock()
	return e.deliver(ctx, cfg, lim, to, RandomCard())
}

func (e *Engine) deliver(ctx context.Context, cfg Config, lim *rate.Limiter, to kit.Recipient, mode Mode) error {
	msg := kit.Message{Text: mode.text}
	if !mode.custom {
		if e.picker == nil {
			return ErrContentUnavailable
		}
		card, ok, err := e.picker.RandomCard(ctx)
		if err != nil {
			return fmt.Errorf("pick card: %w", err)
		}
		if !ok {
			return ErrContentUnavailable
		}
		msg = CardMessage(card)
	}

	var last error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			delay := cfg.RetryBase * time.Duration(attempt)
			e.log.Debug("broadcast send retry scheduled",
				logx.String("to", to.String()),
				logx.Int("attempt", attempt+1),
				logx.Duration("delay", delay),
				logx.Err(last),
			)
			if err := e.sleep(ctx, delay); err != nil {
				return err
			}
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}
		actx, cancel := context.WithTimeout(ctx, cfg.DispatchTimeout)
		last = e.dispatch.Send(actx, to, msg)
		cancel()
		if last == nil {
			return nil
		}
		if ctx.Err() != nil {
			return last
		}
	}
	return last
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
