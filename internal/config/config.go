package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/piano-esp/internal/dsn"
	"github.com/eugenenazirov/piano-esp/internal/esp"
)

const (
	defaultPort           = "8080"
	defaultKeysFile       = "keys.json"
	defaultDatabaseURL    = "sqlite:///esp.db"
	defaultConcurrency    = 75
	defaultMaxRetries     = 3
	defaultLookbackDays   = 30
	defaultRateLimitRPS   = 25.0
	defaultRateLimitBurst = 50
	defaultLogLevel       = "info"
)

// Config aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > YAML config > Environment variables > Defaults
type Config struct {
	APIEndpoint    string
	Region         string
	KeysFile       string
	Accounts       []Account
	Concurrency    int
	RequestTimeout time.Duration
	MaxRetries     int
	OutboundRPS    float64
	OutboundBurst  int
	ActiveOnly     bool
	LookbackDays   int
	Database       Database
	LogLevel       string

	Port                 string
	ShutdownGracePeriod  time.Duration
	ReadHeaderTimeout    time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	EnableRequestLogging bool
	RateLimitRPS         float64
	RateLimitBurst       int
	// TrustProxyHeaders keys inbound clients by X-Forwarded-For.
	TrustProxyHeaders bool

	// single account fallback used when the keys file lists none
	apiKey string
	siteID int
}

// Database describes where collected data is stored. URL wins over the
// individual components.
type Database struct {
	URL      string            `yaml:"url"`
	Driver   string            `yaml:"driver"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Name     string            `yaml:"name"`
	Params   map[string]string `yaml:"params"`
}

// DSN returns the connection URL, assembling it from components when no URL is set.
func (d Database) DSN() (string, error) {
	if d.URL != "" {
		return d.URL, nil
	}
	return d.builder().Build()
}

// Redacted returns the connection URL without its password, for logs.
func (d Database) Redacted() string {
	if d.URL == "" {
		return d.builder().String()
	}
	parsed, err := url.Parse(d.URL)
	if err != nil {
		return "<invalid database URL>"
	}
	return parsed.Redacted()
}

func (d Database) builder() *dsn.Builder {
	b := dsn.New().Driver(d.Driver).Database(d.Name)
	if d.Host != "" {
		b.Host(d.Host)
	}
	if d.Port != 0 {
		b.Port(d.Port)
	}
	if d.Username != "" {
		b.Username(d.Username)
	}
	if d.Password != "" {
		b.Password(d.Password)
	}
	if len(d.Params) > 0 {
		params := make(map[string]any, len(d.Params))
		for k, v := range d.Params {
			params[k] = v
		}
		b.Params(params)
	}
	return b
}

// yamlConfig represents the YAML configuration file structure.
type yamlConfig struct {
	API struct {
		Endpoint       string        `yaml:"endpoint"`
		Region         string        `yaml:"region"`
		KeysFile       string        `yaml:"keys_file"`
		Accounts       []Account     `yaml:"accounts"`
		Concurrency    int           `yaml:"concurrency"`
		RequestTimeout string        `yaml:"request_timeout"`
		MaxRetries     *int          `yaml:"max_retries"`
		RateLimit      yamlRateLimit `yaml:"rate_limit"`
	} `yaml:"api"`
	Collect struct {
		ActiveOnly   *bool `yaml:"active_only"`
		LookbackDays int   `yaml:"lookback_days"`
	} `yaml:"collect"`
	Database Database `yaml:"database"`
	Server   struct {
		Port                 string        `yaml:"port"`
		ShutdownGracePeriod  string        `yaml:"shutdown_grace_period"`
		ReadHeaderTimeout    string        `yaml:"read_header_timeout"`
		WriteTimeout         string        `yaml:"write_timeout"`
		IdleTimeout          string        `yaml:"idle_timeout"`
		EnableRequestLogging *bool         `yaml:"enable_request_logging"`
		RateLimit            yamlRateLimit `yaml:"rate_limit"`
		TrustProxyHeaders    *bool         `yaml:"trust_proxy_headers"`
	} `yaml:"server"`
	LogLevel string `yaml:"log_level"`
}

// yamlRateLimit represents a rate limit section in YAML.
type yamlRateLimit struct {
	RPS   *float64 `yaml:"rps"`
	Burst *int     `yaml:"burst"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile     string
	EnvFile        string
	Endpoint       *string
	Region         *string
	KeysFile       *string
	DatabaseURL    *string
	Concurrency    *int
	ActiveOnly     *bool
	LookbackDays   *int
	Port           *string
	RateLimitRPS   *float64
	RateLimitBurst *int
	LogLevel       *string
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > YAML config > Environment variables > Defaults
func Load(overrides *CLIOverrides) (Config, error) {
	cfg := defaultConfig()

	if overrides != nil && overrides.EnvFile != "" {
		if err := godotenv.Load(overrides.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	if err := applyEnvConfig(&cfg); err != nil {
		return Config{}, err
	}

	var yamlAccounts []Account
	if overrides != nil && overrides.ConfigFile != "" {
		yamlCfg, err := loadFromFile(overrides.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("load YAML config: %w", err)
		}
		if err := applyYAMLConfig(&cfg, yamlCfg); err != nil {
			return Config{}, fmt.Errorf("apply YAML config: %w", err)
		}
		yamlAccounts = yamlCfg.API.Accounts
	}

	if overrides != nil {
		applyCLIOverrides(&cfg, overrides)
	}

	if err := resolveEndpoint(&cfg); err != nil {
		return Config{}, err
	}
	resolveAccounts(&cfg, yamlAccounts)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with default values.
func defaultConfig() Config {
	return Config{
		KeysFile:             defaultKeysFile,
		Concurrency:          defaultConcurrency,
		RequestTimeout:       30 * time.Second,
		MaxRetries:           defaultMaxRetries,
		ActiveOnly:           true,
		LookbackDays:         defaultLookbackDays,
		Database:             Database{URL: defaultDatabaseURL},
		LogLevel:             defaultLogLevel,
		Port:                 defaultPort,
		ShutdownGracePeriod:  10 * time.Second,
		ReadHeaderTimeout:    5 * time.Second,
		WriteTimeout:         5 * time.Minute,
		IdleTimeout:          60 * time.Second,
		EnableRequestLogging: true,
		RateLimitRPS:         defaultRateLimitRPS,
		RateLimitBurst:       defaultRateLimitBurst,
	}
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	return &yamlCfg, nil
}

// applyYAMLConfig applies YAML configuration to the Config struct.
func applyYAMLConfig(cfg *Config, yamlCfg *yamlConfig) error {
	api := yamlCfg.API
	if api.Endpoint != "" {
		cfg.APIEndpoint = api.Endpoint
	}
	if api.Region != "" {
		cfg.Region = api.Region
	}
	if api.KeysFile != "" {
		cfg.KeysFile = api.KeysFile
	}
	if api.Concurrency > 0 {
		cfg.Concurrency = api.Concurrency
	}
	if api.MaxRetries != nil {
		cfg.MaxRetries = *api.MaxRetries
	}
	if api.RateLimit.RPS != nil {
		cfg.OutboundRPS = *api.RateLimit.RPS
	}
	if api.RateLimit.Burst != nil {
		cfg.OutboundBurst = *api.RateLimit.Burst
	}

	if yamlCfg.Collect.ActiveOnly != nil {
		cfg.ActiveOnly = *yamlCfg.Collect.ActiveOnly
	}
	if yamlCfg.Collect.LookbackDays > 0 {
		cfg.LookbackDays = yamlCfg.Collect.LookbackDays
	}

	if db := yamlCfg.Database; db.URL != "" || db.Driver != "" {
		cfg.Database = db
	}

	server := yamlCfg.Server
	if server.Port != "" {
		cfg.Port = server.Port
	}
	if server.EnableRequestLogging != nil {
		cfg.EnableRequestLogging = *server.EnableRequestLogging
	}
	if server.RateLimit.RPS != nil {
		cfg.RateLimitRPS = *server.RateLimit.RPS
	}
	if server.RateLimit.Burst != nil {
		cfg.RateLimitBurst = *server.RateLimit.Burst
	}
	if server.TrustProxyHeaders != nil {
		cfg.TrustProxyHeaders = *server.TrustProxyHeaders
	}

	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"api.request_timeout", api.RequestTimeout, &cfg.RequestTimeout},
		{"server.shutdown_grace_period", server.ShutdownGracePeriod, &cfg.ShutdownGracePeriod},
		{"server.read_header_timeout", server.ReadHeaderTimeout, &cfg.ReadHeaderTimeout},
		{"server.write_timeout", server.WriteTimeout, &cfg.WriteTimeout},
		{"server.idle_timeout", server.IdleTimeout, &cfg.IdleTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return nil
}

// applyEnvConfig applies environment variable configuration.
func applyEnvConfig(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", key, v)
		}
		*dst = n
		return nil
	}
	setFloat := func(key string, dst *float64) error {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s must be a number, got %q", key, v)
		}
		*dst = f
		return nil
	}

	setString("API_ENDPOINT", &cfg.APIEndpoint)
	setString("ESP_REGION", &cfg.Region)
	setString("API_KEY", &cfg.apiKey)
	setString("KEYS_FILE", &cfg.KeysFile)
	setString("PORT", &cfg.Port)
	setString("LOG_LEVEL", &cfg.LogLevel)

	if v := strings.TrimSpace(os.Getenv("ESP_REQUEST_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ESP_REQUEST_TIMEOUT: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if v := strings.TrimSpace(os.Getenv("ESP_ACTIVE_ONLY")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ESP_ACTIVE_ONLY must be a boolean, got %q", v)
		}
		cfg.ActiveOnly = b
	}
	if v := strings.TrimSpace(os.Getenv("TRUST_PROXY_HEADERS")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TRUST_PROXY_HEADERS must be a boolean, got %q", v)
		}
		cfg.TrustProxyHeaders = b
	}

	for _, err := range []error{
		setInt("SITE_ID", &cfg.siteID),
		setInt("ESP_CONCURRENCY", &cfg.Concurrency),
		setInt("ESP_MAX_RETRIES", &cfg.MaxRetries),
		setInt("ESP_LOOKBACK_DAYS", &cfg.LookbackDays),
		setFloat("ESP_RATE_LIMIT_RPS", &cfg.OutboundRPS),
		setInt("ESP_RATE_LIMIT_BURST", &cfg.OutboundBurst),
		setFloat("RATE_LIMIT_RPS", &cfg.RateLimitRPS),
		setInt("RATE_LIMIT_BURST", &cfg.RateLimitBurst),
	} {
		if err != nil {
			return err
		}
	}

	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.Database = Database{URL: v}
	} else if driver := strings.TrimSpace(os.Getenv("DB_DRIVER")); driver != "" {
		db := Database{Driver: driver}
		setString("DB_HOST", &db.Host)
		setString("DB_USER", &db.Username)
		setString("DB_PASSWORD", &db.Password)
		setString("DB_NAME", &db.Name)
		if err := setInt("DB_PORT", &db.Port); err != nil {
			return err
		}
		cfg.Database = db
	}

	return nil
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) {
	if overrides.Endpoint != nil && *overrides.Endpoint != "" {
		cfg.APIEndpoint = *overrides.Endpoint
	}
	if overrides.Region != nil && *overrides.Region != "" {
		cfg.Region = *overrides.Region
	}
	if overrides.KeysFile != nil && *overrides.KeysFile != "" {
		cfg.KeysFile = *overrides.KeysFile
	}
	if overrides.DatabaseURL != nil && *overrides.DatabaseURL != "" {
		cfg.Database = Database{URL: *overrides.DatabaseURL}
	}
	if overrides.Concurrency != nil && *overrides.Concurrency > 0 {
		cfg.Concurrency = *overrides.Concurrency
	}
	if overrides.ActiveOnly != nil {
		cfg.ActiveOnly = *overrides.ActiveOnly
	}
	if overrides.LookbackDays != nil && *overrides.LookbackDays > 0 {
		cfg.LookbackDays = *overrides.LookbackDays
	}
	if overrides.Port != nil && *overrides.Port != "" {
		cfg.Port = *overrides.Port
	}
	if overrides.RateLimitRPS != nil && *overrides.RateLimitRPS >= 0 {
		cfg.RateLimitRPS = *overrides.RateLimitRPS
	}
	if overrides.RateLimitBurst != nil && *overrides.RateLimitBurst >= 0 {
		cfg.RateLimitBurst = *overrides.RateLimitBurst
	}
	if overrides.LogLevel != nil && *overrides.LogLevel != "" {
		cfg.LogLevel = *overrides.LogLevel
	}
}

// resolveEndpoint picks the explicit endpoint, then the region, then the default.
func resolveEndpoint(cfg *Config) error {
	if cfg.APIEndpoint == "" && cfg.Region != "" {
		endpoint, ok := esp.RegionEndpoint(cfg.Region)
		if !ok {
			return fmt.Errorf("unknown region %q, expected one of %s", cfg.Region, strings.Join(esp.RegionNames(), ", "))
		}
		cfg.APIEndpoint = endpoint
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = esp.DefaultEndpoint
	}

	endpoint, err := esp.ValidateURL(cfg.APIEndpoint)
	if err != nil {
		return fmt.Errorf("API endpoint: %w", err)
	}
	cfg.APIEndpoint = endpoint
	return nil
}

// resolveAccounts merges keys file and YAML accounts, falling back to
// API_KEY/SITE_ID when neither lists any.
func resolveAccounts(cfg *Config, yamlAccounts []Account) {
	accounts := LoadKeys(cfg.KeysFile)
	accounts = append(accounts, yamlAccounts...)
	if len(accounts) == 0 && cfg.apiKey != "" {
		accounts = []Account{{SiteID: cfg.siteID, APIKey: cfg.apiKey}}
	}
	cfg.Accounts = accounts
}

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	if cfg.Concurrency <= 0 {
		return fmt.Errorf("ESP_CONCURRENCY must be > 0")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("ESP_MAX_RETRIES must be >= 0")
	}
	if cfg.LookbackDays <= 0 {
		return fmt.Errorf("ESP_LOOKBACK_DAYS must be > 0")
	}
	if cfg.OutboundRPS < 0 || cfg.OutboundBurst < 0 {
		return fmt.Errorf("ESP rate limit must be >= 0")
	}
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be >= 0")
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if _, err := cfg.Database.DSN(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	seen := make(map[int]struct{}, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		if err := account.validate(); err != nil {
			return err
		}
		if _, dup := seen[account.SiteID]; dup {
			return fmt.Errorf("site %d is configured more than once", account.SiteID)
		}
		seen[account.SiteID] = struct{}{}
	}
	return nil
}
