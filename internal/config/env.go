package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix for environment overrides, e.g. ANKIBOT_TELEGRAM_TOKEN.
const EnvPrefix = "ANKIBOT"

// envOverrides lists the settings that may come from the environment.
// Secrets normally live here rather than in the config file.
type envOverrides struct {
	TelegramToken        string `envconfig:"TELEGRAM_TOKEN"`
	MessengerPageToken   string `envconfig:"MESSENGER_PAGE_ACCESS_TOKEN"`
	MessengerVerifyToken string `envconfig:"MESSENGER_VERIFY_TOKEN"`
	MessengerAppSecret   string `envconfig:"MESSENGER_APP_SECRET"`
	JWTSecret            string `envconfig:"JWT_SECRET"`
	AdminPasswordHash    string `envconfig:"ADMIN_PASSWORD_HASH"`
	StoragePath          string `envconfig:"STORAGE_PATH"`
	HTTPAddr             string `envconfig:"HTTP_ADDR"`
	LogLevel             string `envconfig:"LOG_LEVEL"`
	Timezone             string `envconfig:"TIMEZONE"`
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays non-empty environment overrides onto cfg.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, env.TelegramToken)
	set(&cfg.Messenger.PageAccessToken, env.MessengerPageToken)
	set(&cfg.Messenger.VerifyToken, env.MessengerVerifyToken)
	set(&cfg.Messenger.AppSecret, env.MessengerAppSecret)
	set(&cfg.HTTP.JWTSecret, env.JWTSecret)
	set(&cfg.HTTP.AdminPasswordHash, env.AdminPasswordHash)
	set(&cfg.Storage.Path, env.StoragePath)
	set(&cfg.HTTP.Addr, env.HTTPAddr)
	set(&cfg.Logging.Level, env.LogLevel)
	set(&cfg.Scheduler.Timezone, env.Timezone)
	return nil
}
