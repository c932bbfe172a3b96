package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/spotproxy/internal/credentials"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8000"`

	// Optional rotating log file, tee'd with stdout.
	LogFile       string `envconfig:"LOG_FILE"`
	LogMaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"100"`
	LogMaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"3"`
	LogMaxAgeDays int    `envconfig:"LOG_MAX_AGE_DAYS" default:"28"`

	// Upstream
	APIBaseURL   string        `envconfig:"SPOTIFY_API_BASE_URL" default:"https://api.spotify.com/v1"`
	TokenURL     string        `envconfig:"SPOTIFY_TOKEN_URL"`
	WebPlayerURL string        `envconfig:"SPOTIFY_WEB_PLAYER_URL" default:"https://open.spotify.com"`
	HTTPTimeout  time.Duration `envconfig:"HTTP_TIMEOUT" default:"10s"`

	// Client credentials for the fallback strategy: "id:secret,id:secret"
	// and/or a YAML file with a list of {id, secret}.
	Clients     string `envconfig:"SPOTIFY_CLIENTS"`
	ClientsFile string `envconfig:"SPOTIFY_CLIENTS_FILE"`

	// Markets and paging
	DefaultMarket      string `envconfig:"DEFAULT_MARKET" default:"TW"`
	MarketPriority     string `envconfig:"MARKET_PRIORITY" default:"TW,HK,SG,MY,CN,US"`
	SearchDefaultLimit int    `envconfig:"SEARCH_DEFAULT_LIMIT" default:"20"`
	SearchMaxLimit     int    `envconfig:"SEARCH_MAX_LIMIT" default:"50"`

	// Tokens
	TokenPoolSize       int           `envconfig:"TOKEN_POOL_SIZE" default:"3"`
	TokenBackend        string        `envconfig:"TOKEN_BACKEND" default:"memory"`
	AcquireMaxRetries   int           `envconfig:"ACQUIRE_MAX_RETRIES" default:"3"`
	AcquireBaseDelay    time.Duration `envconfig:"ACQUIRE_BASE_DELAY" default:"1s"`
	AcquireMaxDelay     time.Duration `envconfig:"ACQUIRE_MAX_DELAY" default:"30s"`
	RetryOnTokenInvalid bool          `envconfig:"RETRY_ON_TOKEN_INVALID" default:"false"`

	// Cache
	CacheEnabled        bool          `envconfig:"CACHE_ENABLED" default:"true"`
	CacheBackend        string        `envconfig:"CACHE_BACKEND" default:"memory"`
	CacheFallback       string        `envconfig:"CACHE_FALLBACK" default:"memory"`
	CacheTTL            time.Duration `envconfig:"CACHE_TTL" default:"1h"`
	CacheDir            string        `envconfig:"CACHE_DIR" default:".cache"`
	CacheMemoryCapacity int           `envconfig:"CACHE_MEMORY_CAPACITY" default:"1024"`
	CacheOpTimeout      time.Duration `envconfig:"CACHE_OP_TIMEOUT" default:"5s"`

	// Storage
	SQLitePath        string        `envconfig:"SQLITE_PATH" default:"spotproxy.db"`
	DatabaseURL       string        `envconfig:"DATABASE_URL"`
	RetentionInterval time.Duration `envconfig:"RETENTION_INTERVAL" default:"10m"`

	// HTTP front
	CORSOrigins     string        `envconfig:"CORS_ORIGINS" default:"*"`
	RateLimitRPS    int           `envconfig:"RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst  int           `envconfig:"RATE_LIMIT_BURST" default:"40"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

var (
	cacheBackends = []string{"memory", "file", "sqlite", "postgres"}
	tokenBackends = []string{"memory", "sqlite"}
)

// IsDevelopment reports whether console logging should be used.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// ClientList merges SPOTIFY_CLIENTS and SPOTIFY_CLIENTS_FILE. Entries
// without both an id and a secret are skipped.
func (c *Config) ClientList() ([]credentials.Client, error) {
	var clients []credentials.Client
	for _, part := range splitList(c.Clients) {
		id, secret, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(id) == "" || strings.TrimSpace(secret) == "" {
			return nil, fmt.Errorf("invalid client %q, expected id:secret", part)
		}
		clients = append(clients, credentials.Client{
			ID:     strings.TrimSpace(id),
			Secret: strings.TrimSpace(secret),
		})
	}

	if c.ClientsFile != "" {
		data, err := os.ReadFile(c.ClientsFile)
		if err != nil {
			return nil, fmt.Errorf("reading clients file: %w", err)
		}
		var fromFile []credentials.Client
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return nil, fmt.Errorf("parsing clients file %s: %w", c.ClientsFile, err)
		}
		for _, cl := range fromFile {
			if cl.ID != "" && cl.Secret != "" {
				clients = append(clients, cl)
			}
		}
	}
	return clients, nil
}

// MarketPriorityList returns MARKET_PRIORITY upper-cased, in order.
func (c *Config) MarketPriorityList() []string {
	parts := splitList(c.MarketPriority)
	for i := range parts {
		parts[i] = strings.ToUpper(parts[i])
	}
	return parts
}

// CORSOriginList returns the configured CORS origins joined the way the
// fiber cors middleware expects.
func (c *Config) CORSOriginList() string {
	return strings.Join(splitList(c.CORSOrigins), ",")
}

// Validate checks enum values and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	if !oneOf(c.CacheBackend, cacheBackends) {
		errs = append(errs, fmt.Errorf("CACHE_BACKEND must be one of %v, got %q", cacheBackends, c.CacheBackend))
	}
	if c.CacheFallback != "memory" && c.CacheFallback != "none" {
		errs = append(errs, fmt.Errorf("CACHE_FALLBACK must be memory or none, got %q", c.CacheFallback))
	}
	if !oneOf(c.TokenBackend, tokenBackends) {
		errs = append(errs, fmt.Errorf("TOKEN_BACKEND must be one of %v, got %q", tokenBackends, c.TokenBackend))
	}
	if c.CacheBackend == "postgres" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required when CACHE_BACKEND=postgres"))
	}
	if c.TokenPoolSize < 1 {
		errs = append(errs, fmt.Errorf("TOKEN_POOL_SIZE must be >= 1, got %d", c.TokenPoolSize))
	}
	if c.AcquireMaxRetries < 1 {
		errs = append(errs, fmt.Errorf("ACQUIRE_MAX_RETRIES must be >= 1, got %d", c.AcquireMaxRetries))
	}
	if c.SearchDefaultLimit < 1 || c.SearchMaxLimit < c.SearchDefaultLimit {
		errs = append(errs, fmt.Errorf("search limits must satisfy 1 <= default (%d) <= max (%d)", c.SearchDefaultLimit, c.SearchMaxLimit))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL))
	}
	if c.HTTPTimeout < 5*time.Second || c.HTTPTimeout > 15*time.Second {
		errs = append(errs, fmt.Errorf("HTTP_TIMEOUT must be between 5s and 15s, got %s", c.HTTPTimeout))
	}
	if _, err := c.ClientList(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// UsesSQLite reports whether any component needs the embedded store.
func (c *Config) UsesSQLite() bool {
	return c.CacheBackend == "sqlite" || c.TokenBackend == "sqlite"
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (c *Config) applyDefaults() {
	if c.TokenURL == "" {
		c.TokenURL = spotifyauth.TokenURL
	}
	c.DefaultMarket = strings.ToUpper(c.DefaultMarket)
}

// loadDotEnv reads .env when present. Real environment variables win.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading .env: %w", err)
}

// Load reads configuration from .env and environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		if prefix == "" {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}
