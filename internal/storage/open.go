package storage

import (
	"context"
	"errors"
	"strings"

	logx "ankibot/pkg/logx"
)

// Store is the persistence API used by the reminder service, chat commands
// and the management API.
type Store interface {
	// ListTargets returns matching targets ordered by creation time.
	ListTargets(ctx context.Context, f TargetFilter) ([]Target, error)
	// RegisterTarget creates the target or refreshes its profile, and
	// (re)enables notifications either way.
	RegisterTarget(ctx context.Context, t Target) (Target, error)
	UpdateSettings(ctx context.Context, ch Channel, chatID string, s Settings) (Target, error)
	TargetStats(ctx context.Context) (TargetStats, error)

	// RandomCard picks one card uniformly; ok is false when there are none.
	RandomCard(ctx context.Context) (c Card, ok bool, err error)
	AddCard(ctx context.Context, c Card) (Card, error)

	// LoadSlots returns the persisted slot list; ok is false if nothing was
	// ever saved (an explicitly saved empty list is ok=true).
	LoadSlots(ctx context.Context) (slots []SlotRecord, ok bool, err error)
	SaveSlots(ctx context.Context, slots []SlotRecord) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
