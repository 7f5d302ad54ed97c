package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (pure Go driver)
//   - "memory": process-local maps, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Channel string

const (
	ChannelTelegram  Channel = "telegram"
	ChannelMessenger Channel = "messenger"
)

func (c Channel) Valid() bool {
	return c == ChannelTelegram || c == ChannelMessenger
}

// Target is a chat user that may receive reminders. (Channel, ChatID) is the key.
type Target struct {
	Channel              Channel   `json:"channel"`
	ChatID               string    `json:"chat_id"`
	Name                 string    `json:"name,omitempty"`
	Username             string    `json:"username,omitempty"`
	NotificationsEnabled bool      `json:"notifications_enabled"`
	DailyReminder        bool      `json:"daily_reminder"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// TargetFilter narrows ListTargets. The zero value matches every target.
type TargetFilter struct {
	Channel Channel
	// EnabledOnly keeps targets with notifications enabled.
	EnabledOnly bool
	// DailyOnly keeps targets that opted into the scheduled reminder.
	DailyOnly bool
	// ChatIDs, when non-empty, restricts the result to these ids.
	ChatIDs []string
}

func (f TargetFilter) match(t Target) bool {
	if f.Channel != "" && t.Channel != f.Channel {
		return false
	}
	if f.EnabledOnly && !t.NotificationsEnabled {
		return false
	}
	if f.DailyOnly && !t.DailyReminder {
		return false
	}
	if len(f.ChatIDs) > 0 {
		for _, id := range f.ChatIDs {
			if id == t.ChatID {
				return true
			}
		}
		return false
	}
	return true
}

// Settings is a partial update; nil fields are left unchanged.
type Settings struct {
	NotificationsEnabled *bool `json:"notifications_enabled,omitempty"`
	DailyReminder        *bool `json:"daily_reminder,omitempty"`
}

type TargetStats struct {
	Total         int             `json:"total"`
	Enabled       int             `json:"enabled"`
	DailyReminder int             `json:"daily_reminder"`
	ByChannel     map[Channel]int `json:"by_channel"`
}

// Card is one flashcard as shown to chat users.
type Card struct {
	ID            int64  `json:"id" db:"id"`
	Deck          string `json:"deck" db:"deck"`
	Front         string `json:"front" db:"front"`
	Back          string `json:"back" db:"back"`
	Pronunciation string `json:"pronunciation,omitempty" db:"pronunciation"`
	Image         string `json:"image,omitempty" db:"image"`
}

// SlotRecord is a persisted reminder slot. Order is the slice order.
type SlotRecord struct {
	Label    string `db:"label"`
	Schedule string `db:"schedule"`
	Enabled  bool   `db:"enabled"`
}

// AuditEntry records one broadcast run or operator action.
type AuditEntry struct {
	At     time.Time
	RunID  string
	Action string
	Actor  string
	Total  int
	OK     int
	Fail   int
	Error  string
	TookMS int64
}
