package config

import (
	"errors"
	"fmt"
	"strings"
)

// ApplyDefaults fills empty fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = DefaultTimezone
	}
	if cfg.Telegram.PollTimeout == "" {
		cfg.Telegram.PollTimeout = "10s"
	}
	if cfg.Messenger.GraphVersion == "" {
		cfg.Messenger.GraphVersion = "v17.0"
	}
	if cfg.Messenger.Timeout == "" {
		cfg.Messenger.Timeout = "10s"
	}
	b := &cfg.Broadcast
	if b.BatchSize <= 0 {
		b.BatchSize = 5
	}
	if b.BatchDelay == "" {
		b.BatchDelay = "1s"
	}
	if b.DispatchTimeout == "" {
		b.DispatchTimeout = "15s"
	}
	if b.RetryBase == "" {
		b.RetryBase = "500ms"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Path == "" && cfg.Storage.Driver == "sqlite" {
		cfg.Storage.Path = "./data/ankibot.db"
	}
	if cfg.Storage.BusyTimeout == "" {
		cfg.Storage.BusyTimeout = "5s"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.TokenTTL == "" {
		cfg.HTTP.TokenTTL = "24h"
	}
	if cfg.HTTP.AdminUsername == "" {
		cfg.HTTP.AdminUsername = "admin"
	}
}

// Validate reports every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required when telegram.enabled"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)

	if cfg.Messenger.Enabled && strings.TrimSpace(cfg.Messenger.PageAccessToken) == "" {
		add(errors.New("messenger.page_access_token is required when messenger.enabled"))
	}
	_, err = ParseDurationField("messenger.timeout", cfg.Messenger.Timeout)
	add(err)

	if _, err := LoadLocation(cfg.Scheduler.Timezone); err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
	}
	seen := make(map[string]struct{}, len(cfg.Scheduler.Slots))
	for i, s := range cfg.Scheduler.Slots {
		if strings.TrimSpace(s.Label) == "" {
			add(fmt.Errorf("scheduler.slots[%d]: label is required", i))
			continue
		}
		if _, dup := seen[s.Label]; dup {
			add(fmt.Errorf("scheduler.slots[%d]: duplicate label %q", i, s.Label))
		}
		seen[s.Label] = struct{}{}
		if strings.TrimSpace(s.Schedule) == "" {
			add(fmt.Errorf("scheduler.slots[%d]: schedule is required", i))
		}
	}

	b := cfg.Broadcast
	if b.BatchSize < 0 {
		add(errors.New("broadcast.batch_size must be >= 0"))
	}
	if b.RetryMax < 0 {
		add(errors.New("broadcast.retry_max must be >= 0"))
	}
	if b.RatePerSec < 0 {
		add(errors.New("broadcast.rate_per_sec must be >= 0"))
	}
	_, err = ParseDurationField("broadcast.batch_delay", b.BatchDelay)
	add(err)
	_, err = ParseDurationField("broadcast.dispatch_timeout", b.DispatchTimeout)
	add(err)
	_, err = ParseDurationField("broadcast.retry_base", b.RetryBase)
	add(err)

	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required for sqlite"))
		}
	case "memory", "":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	if cfg.HTTP.Enabled {
		if len(cfg.HTTP.JWTSecret) < 16 {
			add(errors.New("http.jwt_secret must be at least 16 bytes"))
		}
		if strings.TrimSpace(cfg.HTTP.AdminPasswordHash) == "" {
			add(errors.New("http.admin_password_hash is required when http.enabled"))
		}
	}
	_, err = ParseDurationField("http.token_ttl", cfg.HTTP.TokenTTL)
	add(err)

	return errors.Join(errs...)
}
