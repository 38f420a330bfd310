package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the scraper.
type Config struct {
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Pool       PoolConfig       `yaml:"pool" json:"pool"`
	Lease      LeaseConfig      `yaml:"lease" json:"lease"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" json:"rate_limit"`
	Cooldown   CooldownConfig   `yaml:"cooldown" json:"cooldown"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler"`
	Limits     LimitsConfig     `yaml:"limits" json:"limits"`
	Pagination PaginationConfig `yaml:"pagination" json:"pagination"`
	API        APIConfig        `yaml:"api" json:"api"`
	Output     OutputConfig     `yaml:"output" json:"output"`
	Accounts   AccountsConfig   `yaml:"accounts" json:"accounts"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// StorageConfig locates the state database.
type StorageConfig struct {
	DBPath string `yaml:"db_path" json:"db_path"`
}

// PoolConfig bounds the worker pool and request splitting.
type PoolConfig struct {
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	NSplits     int `yaml:"n_splits" json:"n_splits"`
}

// LeaseConfig controls account checkout lifetimes.
type LeaseConfig struct {
	TTL       time.Duration `yaml:"ttl" json:"ttl"`
	Heartbeat time.Duration `yaml:"heartbeat" json:"heartbeat"` // 0 disables heartbeats
}

// RateLimitConfig paces requests per account.
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	MinDelay          time.Duration `yaml:"min_delay" json:"min_delay"`
}

// CooldownConfig sets unavailability windows per failure class.
type CooldownConfig struct {
	Default   time.Duration `yaml:"default" json:"default"`
	Transient time.Duration `yaml:"transient" json:"transient"`
	Auth      time.Duration `yaml:"auth" json:"auth"`
	Jitter    time.Duration `yaml:"jitter" json:"jitter"`
}

// SchedulerConfig controls retries and interval splitting.
type SchedulerConfig struct {
	RetryBase          time.Duration `yaml:"retry_base" json:"retry_base"`
	RetryMax           time.Duration `yaml:"retry_max" json:"retry_max"`
	MaxTaskAttempts    int           `yaml:"max_task_attempts" json:"max_task_attempts"`
	MaxFallbackAttempts int          `yaml:"max_fallback_attempts" json:"max_fallback_attempts"`
	MaxAccountSwitches int           `yaml:"max_account_switches" json:"max_account_switches"`
	MinInterval        time.Duration `yaml:"min_interval" json:"min_interval"`
	Strict             bool          `yaml:"strict" json:"strict"`
}

// LimitsConfig caps daily usage per account. 0 means unlimited.
type LimitsConfig struct {
	DailyRequests int `yaml:"daily_requests" json:"daily_requests"`
	DailyItems    int `yaml:"daily_items" json:"daily_items"`
}

// PaginationConfig bounds per-task page consumption.
type PaginationConfig struct {
	MaxEmptyPages   int `yaml:"max_empty_pages" json:"max_empty_pages"`
	MaxPagesPerTask int `yaml:"max_pages_per_task" json:"max_pages_per_task"` // 0 = unlimited
	PerProfileLimit int `yaml:"per_profile_limit" json:"per_profile_limit"`   // 0 = unlimited
}

// APIConfig configures the outbound GraphQL client.
type APIConfig struct {
	BaseURL     string        `yaml:"base_url" json:"base_url"`
	BearerToken string        `yaml:"bearer_token" json:"bearer_token"`
	UserAgent   string        `yaml:"user_agent" json:"user_agent"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	PageSize    int           `yaml:"page_size" json:"page_size"`
	Proxy       string        `yaml:"proxy" json:"proxy"`
}

// OutputConfig controls result persistence.
type OutputConfig struct {
	Dir    string `yaml:"dir" json:"dir"`
	Format string `yaml:"format" json:"format"` // csv or jsonl
}

// AccountsConfig locates credential sources for import.
type AccountsConfig struct {
	File        string `yaml:"file" json:"file"`
	EnvFile     string `yaml:"env_file" json:"env_file"`
	CookiesFile string `yaml:"cookies_file" json:"cookies_file"`
	Encrypted   bool   `yaml:"encrypted" json:"encrypted"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DBPath: "xscraper.db",
		},
		Pool: PoolConfig{
			Concurrency: 5,
			NSplits:     5,
		},
		Lease: LeaseConfig{
			TTL:       120 * time.Second,
			Heartbeat: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			MinDelay:          0,
		},
		Cooldown: CooldownConfig{
			Default:   15 * time.Minute,
			Transient: 2 * time.Minute,
			Auth:      30 * 24 * time.Hour,
			Jitter:    30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			RetryBase:           2 * time.Second,
			RetryMax:            60 * time.Second,
			MaxTaskAttempts:     3,
			MaxFallbackAttempts: 3,
			MaxAccountSwitches:  2,
			MinInterval:         time.Hour,
			Strict:              false,
		},
		Limits: LimitsConfig{
			DailyRequests: 0,
			DailyItems:    0,
		},
		Pagination: PaginationConfig{
			MaxEmptyPages:   1,
			MaxPagesPerTask: 0,
			PerProfileLimit: 0,
		},
		API: APIConfig{
			BaseURL:   "https://x.com/i/api/graphql",
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
			Timeout:   30 * time.Second,
			PageSize:  20,
		},
		Output: OutputConfig{
			Dir:    "outputs",
			Format: "csv",
		},
		Accounts: AccountsConfig{
			File: "accounts.txt",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("XSCRAPER_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("XSCRAPER_BEARER_TOKEN"); v != "" {
		c.API.BearerToken = v
	}
	if v := os.Getenv("XSCRAPER_USER_AGENT"); v != "" {
		c.API.UserAgent = v
	}
	if v := os.Getenv("XSCRAPER_PROXY"); v != "" {
		c.API.Proxy = v
	}
	if v := os.Getenv("XSCRAPER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pool.Concurrency = n
		}
	}
	if v := os.Getenv("XSCRAPER_REQUESTS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RateLimit.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("XSCRAPER_OUTPUT_DIR"); v != "" {
		c.Output.Dir = v
	}
	if v := os.Getenv("XSCRAPER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("XSCRAPER_STRICT"); v != "" {
		c.Scheduler.Strict = strings.ToLower(v) == "true"
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	locations := []string{
		".xscraper.yaml",
		".xscraper.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "xscraper", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".config", "xscraper", "config.yml"),
		filepath.Join(os.Getenv("HOME"), ".xscraper.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("storage db path is required"))
	}
	if c.Pool.Concurrency <= 0 {
		errs = append(errs, errors.New("pool concurrency must be positive"))
	}
	if c.Pool.NSplits <= 0 {
		errs = append(errs, errors.New("pool n_splits must be positive"))
	}
	if c.Lease.TTL <= 0 {
		errs = append(errs, errors.New("lease ttl must be positive"))
	}
	if c.Lease.Heartbeat < 0 {
		errs = append(errs, errors.New("lease heartbeat cannot be negative"))
	}
	if c.Lease.Heartbeat > 0 && c.Lease.Heartbeat >= c.Lease.TTL {
		errs = append(errs, errors.New("lease heartbeat must be shorter than the ttl"))
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("requests per minute must be positive"))
	}
	if c.RateLimit.MinDelay < 0 {
		errs = append(errs, errors.New("rate limit min delay cannot be negative"))
	}
	if c.Cooldown.Default <= 0 || c.Cooldown.Transient <= 0 || c.Cooldown.Auth <= 0 {
		errs = append(errs, errors.New("cooldown durations must be positive"))
	}
	if c.Cooldown.Jitter < 0 {
		errs = append(errs, errors.New("cooldown jitter cannot be negative"))
	}
	if c.Scheduler.RetryBase <= 0 {
		errs = append(errs, errors.New("scheduler retry base must be positive"))
	}
	if c.Scheduler.RetryMax < c.Scheduler.RetryBase {
		errs = append(errs, errors.New("scheduler retry max must be at least retry base"))
	}
	if c.Scheduler.MaxTaskAttempts <= 0 {
		errs = append(errs, errors.New("max task attempts must be positive"))
	}
	if c.Scheduler.MaxFallbackAttempts < 0 {
		errs = append(errs, errors.New("max fallback attempts cannot be negative"))
	}
	if c.Scheduler.MaxAccountSwitches < 0 {
		errs = append(errs, errors.New("max account switches cannot be negative"))
	}
	if c.Scheduler.MinInterval <= 0 {
		errs = append(errs, errors.New("scheduler min interval must be positive"))
	}
	if c.Pagination.MaxEmptyPages <= 0 {
		errs = append(errs, errors.New("max empty pages must be positive"))
	}
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api base url is required"))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("api timeout must be positive"))
	}
	if c.API.PageSize <= 0 {
		errs = append(errs, errors.New("api page size must be positive"))
	}
	if c.Output.Dir == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	switch strings.ToLower(c.Output.Format) {
	case "csv", "jsonl":
	default:
		errs = append(errs, errors.New("output format must be csv or jsonl"))
	}
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if db, ok := flags["db"].(string); ok && db != "" {
		c.Storage.DBPath = db
	}
	if concurrency, ok := flags["concurrency"].(int); ok && concurrency > 0 {
		c.Pool.Concurrency = concurrency
	}
	if splits, ok := flags["splits"].(int); ok && splits > 0 {
		c.Pool.NSplits = splits
	}
	if outputDir, ok := flags["output"].(string); ok && outputDir != "" {
		c.Output.Dir = outputDir
	}
	if format, ok := flags["format"].(string); ok && format != "" {
		c.Output.Format = format
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
	if strict, ok := flags["strict"].(bool); ok && strict {
		c.Scheduler.Strict = true
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".xscraper.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
