package app

import (
	"reflect"
	"strings"

	"ankibot/internal/broadcast"
	"ankibot/internal/config"
	"ankibot/internal/schedule"
	"ankibot/internal/storage"
	logx "ankibot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			// Alerts need somewhere to go.
			Enabled:    cfg.Logging.Alert.Enabled && cfg.Telegram.Enabled && cfg.Telegram.AdminChatID != 0,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	delay, err := config.ParseDurationField("broadcast.batch_delay", b.BatchDelay)
	if err != nil {
		return broadcast.Config{}, err
	}
	timeout, err := config.ParseDurationField("broadcast.dispatch_timeout", b.DispatchTimeout)
	if err != nil {
		return broadcast.Config{}, err
	}
	base, err := config.ParseDurationField("broadcast.retry_base", b.RetryBase)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		BatchSize:       b.BatchSize,
		BatchDelay:      delay,
		DispatchTimeout: timeout,
		RetryMax:        b.RetryMax,
		RetryBase:       base,
		RatePerSec:      b.RatePerSec,
	}, nil
}

// mapSlots returns nil when the config names no slots, which selects the
// built-in defaults.
func mapSlots(cfg *config.Config) []schedule.SlotSpec {
	if len(cfg.Scheduler.Slots) == 0 {
		return nil
	}
	out := make([]schedule.SlotSpec, 0, len(cfg.Scheduler.Slots))
	for _, s := range cfg.Scheduler.Slots {
		out = append(out, schedule.SlotSpec{Label: s.Label, Schedule: s.Schedule, Enabled: s.Enabled})
	}
	return out
}

// changedSections lists the top-level sections that differ. It never
// reports values, so secrets stay out of the logs.
func changedSections(oldCfg, newCfg *config.Config) []string {
	if oldCfg == nil {
		oldCfg = &config.Config{}
	}
	if newCfg == nil {
		newCfg = &config.Config{}
	}
	var out []string
	add := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	add("telegram", oldCfg.Telegram, newCfg.Telegram)
	add("messenger", oldCfg.Messenger, newCfg.Messenger)
	add("logging", oldCfg.Logging, newCfg.Logging)
	add("scheduler", oldCfg.Scheduler, newCfg.Scheduler)
	add("broadcast", oldCfg.Broadcast, newCfg.Broadcast)
	add("storage", oldCfg.Storage, newCfg.Storage)
	add("http", oldCfg.HTTP, newCfg.HTTP)
	return out
}

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{
	"telegram":  true,
	"messenger": true,
	"storage":   true,
	"http":      true,
}
