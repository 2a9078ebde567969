package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Store drivers
const (
	StoreDriverFile  = "file"
	StoreDriverRedis = "redis"
	StoreDriverMySQL = "mysql"
)

// Config holds all configuration
type Config struct {
	HTTPAddr string
	Log      LogConfig
	Callback CallbackConfig
	Store    StoreConfig
	MySQL    MySQLConfig
	Redis    RedisConfig
	Fly      FlyConfig
	Watchdog WatchdogConfig
	GitHub   GitHubConfig
	Settings SettingsConfig
	API      APIConfig
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string
}

// CallbackConfig holds callback signing configuration
type CallbackConfig struct {
	Secret  string
	BaseURL string
}

// StoreConfig selects the execution store backend
type StoreConfig struct {
	Driver string
	Path   string
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// FlyConfig holds the worker machine shape
type FlyConfig struct {
	APIBaseURL string
	GraphQLURL string
	Image      string
	CPUKind    string
	CPUs       int
	MemoryMB   int
	Region     string
}

// WatchdogConfig holds watchdog configuration
type WatchdogConfig struct {
	Enabled           bool
	IntervalSec       int
	StaleMinutes      int
	PendingTTLMinutes int
}

// Interval returns the sweep interval
func (w WatchdogConfig) Interval() time.Duration {
	return time.Duration(w.IntervalSec) * time.Second
}

// StaleAfter returns the age after which a launched execution is reclaimed
func (w WatchdogConfig) StaleAfter() time.Duration {
	return time.Duration(w.StaleMinutes) * time.Minute
}

// PendingTTL returns the age after which a never launched execution is dropped
func (w WatchdogConfig) PendingTTL() time.Duration {
	return time.Duration(w.PendingTTLMinutes) * time.Minute
}

// GitHubConfig holds GitHub API and App configuration
type GitHubConfig struct {
	APIBaseURL     string
	WebhookSecret  string
	AppID          string
	PrivateKeyPath string
	BotMention     string
}

// AppConfigured reports whether installation tokens can be minted
func (g GitHubConfig) AppConfigured() bool {
	return g.AppID != "" && g.PrivateKeyPath != ""
}

// SettingsConfig locates the tenant settings file
type SettingsConfig struct {
	Path string
}

// APIConfig holds v1 API access control
type APIConfig struct {
	// Operators are the GitHub logins allowed to spend compute: dispatch
	// tasks and validate the stored Fly credentials
	Operators []string
}

// IsOperator reports whether login is an operator, ignoring case
func (a APIConfig) IsOperator(login string) bool {
	for _, op := range a.Operators {
		if strings.EqualFold(op, login) {
			return true
		}
	}
	return false
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// source resolves a key with priority ENV > INI > default
type source struct {
	file *ini.File
}

func (s source) str(envKey, section, key, defaultValue string) string {
	if value := os.Getenv(envKey); value != "" {
		return value
	}
	if s.file != nil {
		if value := s.file.Section(section).Key(key).String(); value != "" {
			return value
		}
	}
	return defaultValue
}

func (s source) num(envKey, section, key string, defaultValue int) int {
	if value := os.Getenv(envKey); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	if s.file != nil && s.file.Section(section).HasKey(key) {
		if value, err := s.file.Section(section).Key(key).Int(); err == nil {
			return value
		}
	}
	return defaultValue
}

func (s source) flag(envKey, section, key string, defaultValue bool) bool {
	if value := os.Getenv(envKey); value != "" {
		return value == "1" || strings.EqualFold(value, "true")
	}
	if s.file != nil && s.file.Section(section).HasKey(key) {
		if value, err := s.file.Section(section).Key(key).Bool(); err == nil {
			return value
		}
	}
	return defaultValue
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()
	return build(source{})
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}
	return build(source{file: cfgFile})
}

func build(src source) (*Config, error) {
	cfg := &Config{
		HTTPAddr: src.str("HTTP_ADDR", "http", "addr", ":8080"),
		Log: LogConfig{
			Level:  src.str("LOG_LEVEL", "log", "level", "info"),
			Format: src.str("LOG_FORMAT", "log", "format", "text"),
		},
		Callback: CallbackConfig{
			Secret:  src.str("PORTER_CALLBACK_SECRET", "callback", "secret", ""),
			BaseURL: strings.TrimRight(src.str("PORTER_CALLBACK_BASE_URL", "callback", "base_url", ""), "/"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(src.str("PORTER_STORE_DRIVER", "store", "driver", StoreDriverFile)),
			Path:   src.str("PORTER_STORE_PATH", "store", "path", "data/executions.json"),
		},
		MySQL: MySQLConfig{
			DSN: src.str("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Redis: RedisConfig{
			Enabled:  src.flag("REDIS_ENABLED", "redis", "enabled", false),
			Addr:     src.str("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: src.str("REDIS_PASS", "redis", "pass", ""),
			DB:       src.num("REDIS_DB", "redis", "db", 0),
		},
		Fly: FlyConfig{
			APIBaseURL: src.str("FLY_API_BASE_URL", "fly", "api_base_url", "https://api.machines.dev/v1"),
			GraphQLURL: src.str("FLY_GRAPHQL_URL", "fly", "graphql_url", "https://api.fly.io/graphql"),
			Image:      src.str("FLY_WORKER_IMAGE", "fly", "worker_image", "ghcr.io/porter-dev/porter-worker:latest"),
			CPUKind:    src.str("FLY_CPU_KIND", "fly", "cpu_kind", "shared"),
			CPUs:       src.num("FLY_CPUS", "fly", "cpus", 2),
			MemoryMB:   src.num("FLY_MEMORY_MB", "fly", "memory_mb", 2048),
			Region:     src.str("FLY_REGION", "fly", "region", ""),
		},
		Watchdog: WatchdogConfig{
			Enabled:           src.flag("WATCHDOG_ENABLED", "watchdog", "enabled", true),
			IntervalSec:       src.num("WATCHDOG_INTERVAL_SEC", "watchdog", "interval_sec", 60),
			StaleMinutes:      src.num("WATCHDOG_STALE_MINUTES", "watchdog", "stale_minutes", 17),
			PendingTTLMinutes: src.num("PENDING_TTL_MINUTES", "watchdog", "pending_ttl_minutes", 30),
		},
		GitHub: GitHubConfig{
			APIBaseURL:     src.str("GITHUB_API_BASE_URL", "github", "api_base_url", ""),
			WebhookSecret:  src.str("GITHUB_WEBHOOK_SECRET", "github", "webhook_secret", ""),
			AppID:          src.str("GITHUB_APP_ID", "github", "app_id", ""),
			PrivateKeyPath: src.str("GITHUB_APP_PRIVATE_KEY_PATH", "github", "private_key_path", ""),
			BotMention:     src.str("PORTER_BOT_MENTION", "github", "bot_mention", "@porter"),
		},
		Settings: SettingsConfig{
			Path: src.str("PORTER_SETTINGS_PATH", "settings", "path", "data/settings.yaml"),
		},
		API: APIConfig{
			Operators: splitList(src.str("PORTER_OPERATORS", "api", "operators", "")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.Callback.Secret == "" {
		return fmt.Errorf("PORTER_CALLBACK_SECRET is required")
	}

	switch c.Store.Driver {
	case StoreDriverFile:
		if c.Store.Path == "" {
			return fmt.Errorf("PORTER_STORE_PATH is required for the file store")
		}
	case StoreDriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis store")
		}
	case StoreDriverMySQL:
		if c.MySQL.DSN == "" {
			return fmt.Errorf("MYSQL_DSN is required for the mysql store")
		}
	default:
		return fmt.Errorf("unknown PORTER_STORE_DRIVER %q (want file, redis or mysql)", c.Store.Driver)
	}

	if c.Watchdog.IntervalSec <= 0 {
		return fmt.Errorf("WATCHDOG_INTERVAL_SEC must be positive")
	}
	if c.Watchdog.StaleMinutes <= 0 {
		return fmt.Errorf("WATCHDOG_STALE_MINUTES must be positive")
	}
	if c.Watchdog.PendingTTLMinutes <= 0 {
		return fmt.Errorf("PENDING_TTL_MINUTES must be positive")
	}
	return nil
}
