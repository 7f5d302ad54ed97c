package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Messenger MessengerConfig `json:"messenger,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Storage   StorageConfig   `json:"storage"`
	HTTP      HTTPConfig      `json:"http"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// PollTimeout is the long-poll timeout (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// AdminChatID receives warn/error log lines when logging.alert is enabled.
	AdminChatID int64 `json:"admin_chat_id,omitempty"`
}

type MessengerConfig struct {
	Enabled         bool   `json:"enabled"`
	PageAccessToken string `json:"page_access_token,omitempty"`
	VerifyToken     string `json:"verify_token,omitempty"`
	// AppSecret enables X-Hub-Signature-256 checks on webhook posts.
	AppSecret string `json:"app_secret,omitempty"`
	// GraphVersion defaults to "v17.0".
	GraphVersion string `json:"graph_version,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the reminder time slots.
//
// If Slots is empty the five default daily slots are used. Slots persisted in
// storage take precedence over both.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA name or a fixed offset like "UTC+7". Default "UTC+7".
	Timezone string       `json:"timezone,omitempty"`
	Slots    []SlotConfig `json:"slots,omitempty"`
	// Persist writes slot changes to storage so they survive restarts.
	Persist bool `json:"persist,omitempty"`
}

type SlotConfig struct {
	Label    string `json:"label"`
	Schedule string `json:"schedule"`
	Enabled  bool   `json:"enabled"`
}

// BroadcastConfig tunes the fan-out throttle.
//
// Defaults: batch_size 5, batch_delay "1s", dispatch_timeout "15s",
// retry_max 0, retry_base "500ms", rate_per_sec 0 (off).
type BroadcastConfig struct {
	BatchSize       int    `json:"batch_size,omitempty"`
	BatchDelay      string `json:"batch_delay,omitempty"`
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Driver values: "sqlite" (default) or "memory".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":8080"
	// JWTSecret signs management bearer tokens. Do not log.
	JWTSecret string `json:"jwt_secret,omitempty"`
	TokenTTL  string `json:"token_ttl,omitempty"` // default "24h"

	AdminUsername     string `json:"admin_username,omitempty"`
	AdminPasswordHash string `json:"admin_password_hash,omitempty"` // bcrypt
}
