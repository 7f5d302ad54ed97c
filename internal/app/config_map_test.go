package app

import (
	"slices"
	"testing"
	"time"

	"ankibot/internal/config"
)

func decode(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("config.yaml", []byte(yaml))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return cfg
}

func TestMapBroadcastConfig(t *testing.T) {
	t.Parallel()
	cfg := decode(t, "broadcast:\n  batch_size: 10\n  retry_max: 2\n")
	got, err := mapBroadcastConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got.BatchSize != 10 || got.BatchDelay != time.Second || got.DispatchTimeout != 15*time.Second ||
		got.RetryMax != 2 || got.RetryBase != 500*time.Millisecond {
		t.Fatalf("mapped = %+v", got)
	}

	cfg.Broadcast.BatchDelay = "soon"
	if _, err := mapBroadcastConfig(cfg); err == nil {
		t.Fatalf("expected error for bad batch_delay")
	}
}

func TestMapSlots(t *testing.T) {
	t.Parallel()
	if got := mapSlots(decode(t, "{}")); got != nil {
		t.Fatalf("empty config slots = %v, want nil (defaults)", got)
	}
	cfg := decode(t, "scheduler:\n  slots:\n    - {label: Morning, schedule: \"07:00\", enabled: true}\n")
	got := mapSlots(cfg)
	if len(got) != 1 || got[0].Label != "Morning" || !got[0].Enabled {
		t.Fatalf("slots = %+v", got)
	}
}

func TestMapLogConfigAlertNeedsTarget(t *testing.T) {
	t.Parallel()
	cfg := decode(t, "logging:\n  alert: {enabled: true}\n")
	if mapLogConfig(cfg).Alert.Enabled {
		t.Fatalf("alerts enabled without an admin chat")
	}
	cfg.Telegram.Enabled = true
	cfg.Telegram.AdminChatID = 42
	if !mapLogConfig(cfg).Alert.Enabled {
		t.Fatalf("alerts disabled with an admin chat")
	}
}

func TestChangedSections(t *testing.T) {
	t.Parallel()
	a := decode(t, "{}")
	b := decode(t, "{}")
	if got := changedSections(a, b); len(got) != 0 {
		t.Fatalf("identical configs changed = %v", got)
	}
	b.Logging.Level = "debug"
	b.Storage.Path = "/tmp/other.db"
	got := changedSections(a, b)
	if !slices.Equal(got, []string{"logging", "storage"}) {
		t.Fatalf("changed = %v", got)
	}
	if !restartSections["storage"] || restartSections["logging"] {
		t.Fatalf("restart set = %v", restartSections)
	}
}
