// Package config provides configuration management for the companion server.
// Defaults are overlaid by an optional YAML file, then by environment
// variables with the COMPANION_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the companion server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	LLM      LLMConfig      `yaml:"llm"`
	Imaging  ImagingConfig  `yaml:"imaging"`
	Turn     TurnConfig     `yaml:"turn"`
	Sessions SessionsConfig `yaml:"sessions"`
	Security SecurityConfig `yaml:"security"`
	Notify   NotifyConfig   `yaml:"notify"`
	Locale   LocaleConfig   `yaml:"locale"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8383
	Host            string        `yaml:"host"`             // default: 127.0.0.1
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // sqlite or postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // sqlite directory (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // required when Engine is postgres
}

// LLMConfig contains completion provider configuration.
type LLMConfig struct {
	Provider string        `yaml:"provider"` // openai or ollama (default: openai)
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"` // default: gpt-4o-mini
	Timeout  time.Duration `yaml:"timeout"`

	// LanguageModels maps a user language to the model used for it when the
	// conversation settings do not pick one.
	LanguageModels map[string]string `yaml:"language_models"`
}

// ImagingConfig contains image engine configuration.
type ImagingConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	CallbackURL string        `yaml:"callback_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

// TurnConfig tunes the turn pipeline.
type TurnConfig struct {
	MaxTokens          int `yaml:"max_tokens"`          // default: 600
	CompletionAttempts int `yaml:"completion_attempts"` // default: 2
	PricePerImage      int `yaml:"price_per_image"`     // default: 50
	MaxPendingTasks    int `yaml:"max_pending_tasks"`   // default: 5
	GoalWindow         int `yaml:"goal_window"`         // default: 10
}

// SessionsConfig selects the session store.
type SessionsConfig struct {
	RedisURL   string        `yaml:"redis_url"` // empty selects the in-process store
	TTL        time.Duration `yaml:"ttl"`       // default: 30m
	MaxEntries int           `yaml:"max_entries"`
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	SecurityMode   string   `yaml:"security_mode"` // development or production
	APIToken       string   `yaml:"api_token"`
	RateLimit      float64  `yaml:"rate_limit"` // requests per second per client
	RateBurst      int      `yaml:"rate_burst"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// NotifyConfig configures the render event watcher.
type NotifyConfig struct {
	EventDir string `yaml:"event_dir"` // empty disables the watcher
}

// LocaleConfig configures notice catalogs.
type LocaleConfig struct {
	Dir     string `yaml:"dir"` // optional directory of <lang>.yaml catalogs
	Default string `yaml:"default"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"` // text or json
	ReportCaller bool   `yaml:"report_caller"`
}

// LoadConfig builds the configuration. path names an optional YAML file;
// environment variables win over both the file and the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8383,
			Host:            "127.0.0.1",
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			Timeout:  60 * time.Second,
		},
		Imaging: ImagingConfig{
			BaseURL: "http://localhost:7860",
			Timeout: 30 * time.Second,
		},
		Turn: TurnConfig{
			MaxTokens:          600,
			CompletionAttempts: 2,
			PricePerImage:      50,
			MaxPendingTasks:    5,
			GoalWindow:         10,
		},
		Sessions: SessionsConfig{
			TTL:        30 * time.Minute,
			MaxEntries: 10000,
		},
		Security: SecurityConfig{
			SecurityMode: "development",
			RateLimit:    20,
			RateBurst:    40,
		},
		Locale: LocaleConfig{
			Default: "en",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt("COMPANION_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("COMPANION_HOST", cfg.Server.Host)
	cfg.Server.ShutdownTimeout = getEnvDuration("COMPANION_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Storage.Engine = getEnv("COMPANION_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DataPath = getEnv("COMPANION_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("COMPANION_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.LLM.Provider = getEnv("COMPANION_LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.BaseURL = getEnv("COMPANION_LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = getEnv("COMPANION_LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.Model = getEnv("COMPANION_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.Timeout = getEnvDuration("COMPANION_LLM_TIMEOUT", cfg.LLM.Timeout)

	cfg.Imaging.BaseURL = getEnv("COMPANION_IMAGING_URL", cfg.Imaging.BaseURL)
	cfg.Imaging.APIKey = getEnv("COMPANION_IMAGING_API_KEY", cfg.Imaging.APIKey)
	cfg.Imaging.CallbackURL = getEnv("COMPANION_IMAGING_CALLBACK_URL", cfg.Imaging.CallbackURL)
	cfg.Imaging.Timeout = getEnvDuration("COMPANION_IMAGING_TIMEOUT", cfg.Imaging.Timeout)

	cfg.Turn.MaxTokens = getEnvInt("COMPANION_MAX_TOKENS", cfg.Turn.MaxTokens)
	cfg.Turn.CompletionAttempts = getEnvInt("COMPANION_COMPLETION_ATTEMPTS", cfg.Turn.CompletionAttempts)
	cfg.Turn.PricePerImage = getEnvInt("COMPANION_PRICE_PER_IMAGE", cfg.Turn.PricePerImage)
	cfg.Turn.MaxPendingTasks = getEnvInt("COMPANION_MAX_PENDING_TASKS", cfg.Turn.MaxPendingTasks)
	cfg.Turn.GoalWindow = getEnvInt("COMPANION_GOAL_WINDOW", cfg.Turn.GoalWindow)

	cfg.Sessions.RedisURL = getEnv("COMPANION_REDIS_URL", cfg.Sessions.RedisURL)
	cfg.Sessions.TTL = getEnvDuration("COMPANION_SESSION_TTL", cfg.Sessions.TTL)

	cfg.Security.SecurityMode = getEnv("COMPANION_SECURITY_MODE", cfg.Security.SecurityMode)
	cfg.Security.APIToken = getEnv("COMPANION_API_TOKEN", cfg.Security.APIToken)
	if origins := getEnv("COMPANION_ALLOWED_ORIGINS", ""); origins != "" {
		cfg.Security.AllowedOrigins = strings.Split(origins, ",")
	}

	cfg.Notify.EventDir = getEnv("COMPANION_EVENT_DIR", cfg.Notify.EventDir)
	cfg.Locale.Dir = getEnv("COMPANION_LOCALE_DIR", cfg.Locale.Dir)
	cfg.Locale.Default = getEnv("COMPANION_DEFAULT_LANGUAGE", cfg.Locale.Default)
	cfg.Logging.Level = getEnv("COMPANION_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("COMPANION_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.ReportCaller = getEnvBool("COMPANION_LOG_CALLER", cfg.Logging.ReportCaller)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	switch c.Storage.Engine {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres storage requires COMPANION_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage engine %q", c.Storage.Engine))
	}
	switch c.LLM.Provider {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("unsupported LLM provider %q", c.LLM.Provider))
	}
	if c.Turn.MaxTokens <= 0 {
		errs = append(errs, errors.New("max tokens must be positive"))
	}
	if c.Turn.CompletionAttempts < 1 {
		errs = append(errs, errors.New("completion attempts must be at least 1"))
	}
	if c.Turn.PricePerImage < 0 {
		errs = append(errs, errors.New("price per image must not be negative"))
	}
	if c.Turn.GoalWindow < 1 {
		errs = append(errs, errors.New("goal window must be at least 1"))
	}
	if c.Sessions.TTL <= 0 {
		errs = append(errs, errors.New("session TTL must be positive"))
	}
	if c.Security.SecurityMode == "production" && c.Security.APIToken == "" {
		errs = append(errs, errors.New("production mode requires COMPANION_API_TOKEN"))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// ModelFor picks the completion model for a conversation: the explicit
// setting, then the per-language model, then the default.
func (c LLMConfig) ModelFor(settingsModel, language string) string {
	if settingsModel != "" {
		return settingsModel
	}
	if m, ok := c.LanguageModels[language]; ok && m != "" {
		return m
	}
	return c.Model
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
