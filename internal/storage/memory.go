package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"
)

// Memory is a Store backed by maps. It is used by tests and the "memory"
// driver.
type Memory struct {
	mu      sync.Mutex
	targets map[string]Target
	order   []string
	cards   []Card
	nextID  int64
	slots   []SlotRecord
	saved   bool
	audit   []AuditEntry
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{targets: map[string]Target{}}
}

func targetKey(ch Channel, chatID string) string { return string(ch) + ":" + chatID }

func (m *Memory) ListTargets(_ context.Context, f TargetFilter) ([]Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Target, 0, len(m.order))
	for _, k := range m.order {
		if t := m.targets[k]; f.match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) RegisterTarget(_ context.Context, t Target) (Target, error) {
	if !t.Channel.Valid() || strings.TrimSpace(t.ChatID) == "" {
		return Target{}, fmt.Errorf("register target: invalid identity %q/%q", t.Channel, t.ChatID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	k := targetKey(t.Channel, t.ChatID)
	cur, ok := m.targets[k]
	if !ok {
		cur = Target{Channel: t.Channel, ChatID: t.ChatID, DailyReminder: true, CreatedAt: now}
		m.order = append(m.order, k)
	}
	if t.Name != "" {
		cur.Name = t.Name
	}
	if t.Username != "" {
		cur.Username = t.Username
	}
	cur.NotificationsEnabled = true
	cur.UpdatedAt = now
	m.targets[k] = cur
	return cur, nil
}

func (m *Memory) UpdateSettings(_ context.Context, ch Channel, chatID string, s Settings) (Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := targetKey(ch, chatID)
	cur, ok := m.targets[k]
	if !ok {
		return Target{}, ErrNotFound
	}
	if s.NotificationsEnabled != nil {
		cur.NotificationsEnabled = *s.NotificationsEnabled
	}
	if s.DailyReminder != nil {
		cur.DailyReminder = *s.DailyReminder
	}
	cur.UpdatedAt = time.Now().UTC()
	m.targets[k] = cur
	return cur, nil
}

func (m *Memory) TargetStats(_ context.Context) (TargetStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := TargetStats{ByChannel: map[Channel]int{}}
	for _, t := range m.targets {
		st.Total++
		st.ByChannel[t.Channel]++
		if t.NotificationsEnabled {
			st.Enabled++
			if t.DailyReminder {
				st.DailyReminder++
			}
		}
	}
	return st, nil
}

func (m *Memory) RandomCard(_ context.Context) (Card, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cards) == 0 {
		return Card{}, false, nil
	}
	return m.cards[rand.IntN(len(m.cards))], true, nil
}

func (m *Memory) AddCard(_ context.Context, c Card) (Card, error) {
	if strings.TrimSpace(c.Front) == "" {
		return Card{}, errors.New("card front is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	m.cards = append(m.cards, c)
	return c, nil
}

func (m *Memory) LoadSlots(_ context.Context) ([]SlotRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.slots), m.saved, nil
}

func (m *Memory) SaveSlots(_ context.Context, slots []SlotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots = slices.Clone(slots)
	m.saved = true
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the appended entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.audit)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
