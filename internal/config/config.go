package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	apperrors "github.com/mpalomar/dosewatch/internal/errors"
)

// Config holds all configuration for the dosewatch daemon
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Alarm    AlarmConfig    `mapstructure:"alarm"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Security SecurityConfig `mapstructure:"security"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Patient  PatientConfig  `mapstructure:"patient"`

	v *viper.Viper
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address      string `mapstructure:"address"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
	BadgerPath string `mapstructure:"badger_path"`
}

// SyncConfig holds background schedule sync settings
type SyncConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
	LookaheadHours  int `mapstructure:"lookahead_hours"`
}

// AlarmConfig holds alarm and dose projection settings
type AlarmConfig struct {
	GraceMinutes      int `mapstructure:"grace_minutes"`
	ActivityStartHour int `mapstructure:"activity_start_hour"`
	ActivityEndHour   int `mapstructure:"activity_end_hour"`
	QueueCapacity     int `mapstructure:"queue_capacity"`
}

// RemoteConfig holds the schedule service and confirmation ledger endpoints
type RemoteConfig struct {
	ScheduleBaseURL string `mapstructure:"schedule_base_url"`
	LedgerBaseURL   string `mapstructure:"ledger_base_url"`
	APIToken        string `mapstructure:"api_token"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
}

// SecurityConfig holds API security settings
type SecurityConfig struct {
	JWTSecret    string   `mapstructure:"jwt_secret"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// TelegramConfig holds the optional Telegram alert sink settings
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// PatientConfig identifies the patient this daemon serves
type PatientConfig struct {
	ID string `mapstructure:"id"`
}

// Load loads configuration from file, env, and defaults
func Load(configPath, dataDir string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if dataDir == "" {
		dataDir = getDefaultDataDir()
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// the data dir flag wins outright; the paths derived from it are
	// only defaults, so a config file or env can still point elsewhere
	v.Set("storage.data_dir", dataDir)
	v.SetDefault("storage.sqlite_path", filepath.Join(dataDir, "dosewatch.db"))
	v.SetDefault("storage.badger_path", filepath.Join(dataDir, "badger"))

	if configPath == "" {
		configPath = filepath.Join(dataDir, "dosewatch.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Environment variables (DOSEWATCH_SYNC_INTERVAL_MINUTES, etc.)
	v.SetEnvPrefix("DOSEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.v = v

	loadEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfigInvalid.Code, "invalid configuration")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	v.SetDefault("sync.interval_minutes", 15)
	v.SetDefault("sync.lookahead_hours", 48)

	v.SetDefault("alarm.grace_minutes", 30)
	v.SetDefault("alarm.activity_start_hour", 8)
	v.SetDefault("alarm.activity_end_hour", 22)
	v.SetDefault("alarm.queue_capacity", 8)

	v.SetDefault("remote.timeout_seconds", 15)

	v.SetDefault("security.allow_origins", []string{"*"})
}

func getDefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "dosewatch")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}

	return filepath.Join(home, ".local", "share", "dosewatch")
}

// loadEnvOverrides loads specific env vars that Viper does not pick up reliably
func loadEnvOverrides(cfg *Config) {
	getEnv := func(key, fallback string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		return fallback
	}

	cfg.Remote.ScheduleBaseURL = getEnv("DOSEWATCH_REMOTE_SCHEDULE_BASE_URL", cfg.Remote.ScheduleBaseURL)
	cfg.Remote.LedgerBaseURL = getEnv("DOSEWATCH_REMOTE_LEDGER_BASE_URL", cfg.Remote.LedgerBaseURL)
	cfg.Remote.APIToken = getEnv("DOSEWATCH_REMOTE_API_TOKEN", cfg.Remote.APIToken)

	cfg.Server.Address = getEnv("DOSEWATCH_SERVER_ADDRESS", cfg.Server.Address)
	if port := os.Getenv("DOSEWATCH_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	cfg.Storage.DataDir = getEnv("DOSEWATCH_STORAGE_DATA_DIR", cfg.Storage.DataDir)

	cfg.Security.JWTSecret = getEnv("DOSEWATCH_SECURITY_JWT_SECRET", cfg.Security.JWTSecret)

	cfg.Patient.ID = getEnv("DOSEWATCH_PATIENT_ID", cfg.Patient.ID)

	cfg.Telegram.BotToken = getEnv("DOSEWATCH_TELEGRAM_BOT_TOKEN", cfg.Telegram.BotToken)
	if chat := os.Getenv("DOSEWATCH_TELEGRAM_CHAT_ID"); chat != "" {
		if id, err := strconv.ParseInt(chat, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Sync.IntervalMinutes <= 0 {
		return fmt.Errorf("sync.interval_minutes must be positive")
	}
	if cfg.Sync.LookaheadHours <= 0 {
		return fmt.Errorf("sync.lookahead_hours must be positive")
	}

	if cfg.Alarm.GraceMinutes <= 0 {
		return fmt.Errorf("alarm.grace_minutes must be positive")
	}
	if cfg.Alarm.ActivityStartHour < 0 || cfg.Alarm.ActivityStartHour > 23 {
		return fmt.Errorf("alarm.activity_start_hour must be within 0-23")
	}
	if cfg.Alarm.ActivityEndHour <= cfg.Alarm.ActivityStartHour || cfg.Alarm.ActivityEndHour > 24 {
		return fmt.Errorf("alarm.activity_end_hour must be after activity_start_hour and at most 24")
	}
	if cfg.Alarm.QueueCapacity <= 0 {
		cfg.Alarm.QueueCapacity = 8
	}

	if cfg.Telegram.Enabled && cfg.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}

	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = generateRandomString(32)
	}

	return nil
}

func generateRandomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate secret: %v", err))
	}
	return hex.EncodeToString(b)
}

// Watch re-reads the config file on change and reports the new alarm and
// sync settings. Only those two sections are hot-reloadable; everything
// else requires a restart.
func (c *Config) Watch(onChange func(alarm AlarmConfig, sync SyncConfig)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}

	c.v.OnConfigChange(func(_ fsnotify.Event) {
		var next Config
		if err := c.v.Unmarshal(&next); err != nil {
			return
		}
		if err := validate(&next); err != nil {
			return
		}
		onChange(next.Alarm, next.Sync)
	})
	c.v.WatchConfig()
}
