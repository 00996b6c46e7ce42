package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so blocked_users can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = flexibleStrings(raw)
	return nil
}

func (f *FlexibleStringSlice) UnmarshalYAML(node *yaml.Node) error {
	var raw []interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*f = flexibleStrings(raw)
	return nil
}

func flexibleStrings(raw []interface{}) []string {
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	return result
}

// Int64s parses every entry as a numeric id, skipping entries that are not.
func (f FlexibleStringSlice) Int64s() []int64 {
	ids := make([]int64, 0, len(f))
	for _, s := range f {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

const (
	ModeHTTP      = "http"
	ModeWS        = "ws"
	ModeWSReverse = "ws_reverse"
)

type Config struct {
	OneBot   OneBotConfig   `json:"onebot" yaml:"onebot"`
	Core     CoreConfig     `json:"core" yaml:"core"`
	Schedule ScheduleConfig `json:"schedule" yaml:"schedule"`
	Bot      BotConfig      `json:"bot" yaml:"bot"`
	Plugins  PluginsConfig  `json:"plugins" yaml:"plugins"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Log      LogConfig      `json:"log" yaml:"log"`
	mu       sync.RWMutex
}

type OneBotConfig struct {
	Mode              string `json:"mode" yaml:"mode" env:"QBOT_ONEBOT_MODE"`
	Host              string `json:"host" yaml:"host" env:"QBOT_ONEBOT_HOST"`
	Port              int    `json:"port" yaml:"port" env:"QBOT_ONEBOT_PORT"`
	WSUrl             string `json:"ws_url" yaml:"ws_url" env:"QBOT_ONEBOT_WS_URL"`
	APIUrl            string `json:"api_url" yaml:"api_url" env:"QBOT_ONEBOT_API_URL"`
	AccessToken       string `json:"access_token" yaml:"access_token" env:"QBOT_ONEBOT_ACCESS_TOKEN"`
	ReconnectInterval int    `json:"reconnect_interval" yaml:"reconnect_interval" env:"QBOT_ONEBOT_RECONNECT_INTERVAL"`
	CallTimeout       int    `json:"call_timeout" yaml:"call_timeout" env:"QBOT_ONEBOT_CALL_TIMEOUT"`
}

type CoreConfig struct {
	QueueCapacity   int `json:"queue_capacity" yaml:"queue_capacity" env:"QBOT_CORE_QUEUE_CAPACITY"`
	Workers         int `json:"workers" yaml:"workers" env:"QBOT_CORE_WORKERS"`
	ShutdownTimeout int `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"QBOT_CORE_SHUTDOWN_TIMEOUT"`
}

type ScheduleConfig struct {
	SleepTime            string `json:"sleep_time" yaml:"sleep_time" env:"QBOT_SCHEDULE_SLEEP_TIME"`
	WakeTime             string `json:"wake_time" yaml:"wake_time" env:"QBOT_SCHEDULE_WAKE_TIME"`
	Tick                 int    `json:"tick" yaml:"tick" env:"QBOT_SCHEDULE_TICK"`
	HistoryCleanupTime   string `json:"history_cleanup_time" yaml:"history_cleanup_time" env:"QBOT_SCHEDULE_HISTORY_CLEANUP_TIME"`
	HistoryRetentionDays int    `json:"history_retention_days" yaml:"history_retention_days" env:"QBOT_SCHEDULE_HISTORY_RETENTION_DAYS"`
	LogCleanupTime       string `json:"log_cleanup_time" yaml:"log_cleanup_time" env:"QBOT_SCHEDULE_LOG_CLEANUP_TIME"`
	LogRetentionDays     int    `json:"log_retention_days" yaml:"log_retention_days" env:"QBOT_SCHEDULE_LOG_RETENTION_DAYS"`
}

type BotConfig struct {
	AdminIDs        FlexibleStringSlice `json:"admin_ids" yaml:"admin_ids" env:"QBOT_BOT_ADMIN_IDS"`
	BlockedUsers    FlexibleStringSlice `json:"blocked_users" yaml:"blocked_users" env:"QBOT_BOT_BLOCKED_USERS"`
	WakeCommand     string              `json:"wake_command" yaml:"wake_command" env:"QBOT_BOT_WAKE_COMMAND"`
	FailureNotice   string              `json:"failure_notice" yaml:"failure_notice" env:"QBOT_BOT_FAILURE_NOTICE"`
	MaxReplyLength  int                 `json:"max_reply_length" yaml:"max_reply_length" env:"QBOT_BOT_MAX_REPLY_LENGTH"`
	BlockedWordFile string              `json:"blocked_word_file" yaml:"blocked_word_file" env:"QBOT_BOT_BLOCKED_WORD_FILE"`
	SendRateCalls   int                 `json:"send_rate_calls" yaml:"send_rate_calls" env:"QBOT_BOT_SEND_RATE_CALLS"`
	SendRatePeriod  int                 `json:"send_rate_period" yaml:"send_rate_period" env:"QBOT_BOT_SEND_RATE_PERIOD"`
	SendRetries     int                 `json:"send_retries" yaml:"send_retries" env:"QBOT_BOT_SEND_RETRIES"`
}

type PluginsConfig struct {
	// Enabled lists plugin ids enabled at startup. Empty means every
	// registered plugin, unless the store remembers an explicit choice.
	Enabled FlexibleStringSlice `json:"enabled" yaml:"enabled" env:"QBOT_PLUGINS_ENABLED"`
}

type StorageConfig struct {
	Database string `json:"database" yaml:"database" env:"QBOT_STORAGE_DATABASE"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level" env:"QBOT_LOG_LEVEL"`
	File  string `json:"file" yaml:"file" env:"QBOT_LOG_FILE"`
}

func DefaultConfig() *Config {
	return &Config{
		OneBot: OneBotConfig{
			Mode:              ModeWSReverse,
			Host:              "127.0.0.1",
			Port:              8011,
			WSUrl:             "ws://127.0.0.1:3001",
			APIUrl:            "http://127.0.0.1:3000",
			AccessToken:       "",
			ReconnectInterval: 5,
			CallTimeout:       10,
		},
		Core: CoreConfig{
			QueueCapacity:   20,
			Workers:         10,
			ShutdownTimeout: 5,
		},
		Schedule: ScheduleConfig{
			SleepTime:            "",
			WakeTime:             "",
			Tick:                 5,
			HistoryCleanupTime:   "02:00",
			HistoryRetentionDays: 1,
			LogCleanupTime:       "03:00",
			LogRetentionDays:     14,
		},
		Bot: BotConfig{
			AdminIDs:        FlexibleStringSlice{},
			BlockedUsers:    FlexibleStringSlice{},
			WakeCommand:     "/restart",
			FailureNotice:   "阿巴阿巴，出错了。",
			MaxReplyLength:  1000,
			BlockedWordFile: "",
			SendRateCalls:   5,
			SendRatePeriod:  1,
			SendRetries:     3,
		},
		Plugins: PluginsConfig{
			Enabled: FlexibleStringSlice{},
		},
		Storage: StorageConfig{
			Database: "~/.qbot/qbot.db",
		},
		Log: LogConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadConfig reads path (JSON, or YAML for .yaml/.yml) over the defaults and
// applies QBOT_* environment overrides. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else {
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate reports the first setting that would make startup fail.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.OneBot.Mode {
	case ModeHTTP, ModeWS, ModeWSReverse:
	default:
		return fmt.Errorf("onebot.mode must be one of http, ws, ws_reverse, got %q", c.OneBot.Mode)
	}
	if c.OneBot.Mode != ModeWS && (c.OneBot.Port <= 0 || c.OneBot.Port > 65535) {
		return fmt.Errorf("onebot.port out of range: %d", c.OneBot.Port)
	}
	if c.OneBot.Mode == ModeWS && c.OneBot.WSUrl == "" {
		return fmt.Errorf("onebot.ws_url is required in ws mode")
	}
	if c.OneBot.Mode == ModeHTTP && c.OneBot.APIUrl == "" {
		return fmt.Errorf("onebot.api_url is required in http mode")
	}
	if c.Core.QueueCapacity <= 0 {
		return fmt.Errorf("core.queue_capacity must be positive")
	}
	if c.Core.Workers <= 0 {
		return fmt.Errorf("core.workers must be positive")
	}

	for name, value := range map[string]string{
		"schedule.sleep_time":           c.Schedule.SleepTime,
		"schedule.wake_time":            c.Schedule.WakeTime,
		"schedule.history_cleanup_time": c.Schedule.HistoryCleanupTime,
		"schedule.log_cleanup_time":     c.Schedule.LogCleanupTime,
	} {
		if value == "" {
			continue
		}
		if _, _, err := ParseClock(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if (c.Schedule.SleepTime == "") != (c.Schedule.WakeTime == "") {
		return fmt.Errorf("schedule.sleep_time and schedule.wake_time must be set together")
	}
	return nil
}

// ParseClock parses an "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

func (c *Config) CallTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.OneBot.CallTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.OneBot.CallTimeout) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Core.ShutdownTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Core.ShutdownTimeout) * time.Second
}

func (c *Config) TickInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Schedule.Tick <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Schedule.Tick) * time.Second
}

func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.OneBot.Host, c.OneBot.Port)
}

func (c *Config) DatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.Database)
}

func (c *Config) AdminIDs() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Bot.AdminIDs.Int64s()
}

func (c *Config) BlockedUsers() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Bot.BlockedUsers.Int64s()
}

func (c *Config) EnabledPlugins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.Plugins.Enabled) == 0 {
		return nil
	}
	out := make([]string, len(c.Plugins.Enabled))
	copy(out, c.Plugins.Enabled)
	return out
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
