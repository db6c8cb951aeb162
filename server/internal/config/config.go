package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultGRPCPort     = 50051
	DefaultHTTPPort     = 8080
	DefaultUpstreamURL  = "https://oss.open-digger.cn"
	DefaultFetchTimeout = 30 * time.Second
	DefaultSeriesTTL    = 24 * time.Hour
	DefaultSummaryTTL   = 300 * time.Second
	DefaultSummaryTail  = 12
	DefaultSyncInterval = 24 * time.Hour
)

// Rate-limited route names. Each maps to one entry of RateLimitConfig.Routes.
const (
	RouteData            = "data"
	RouteSummary         = "summary"
	RouteRank            = "rank"
	RouteProjects        = "projects"
	RouteContributorRisk = "contributor_risk"
	RouteBatchRisk       = "batch_risk"
	RouteGRPC            = "grpc"
)

// Config is the root of config.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Cache     CacheConfig     `yaml:"cache"`
	Summary   SummaryConfig   `yaml:"summary"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Sync      SyncConfig      `yaml:"sync"`
	Projects  []Project       `yaml:"projects"`
}

// ServerConfig holds listener, logging and authentication settings.
type ServerConfig struct {
	// GRPCPort serves the grpc.health.v1 service (default 50051, 0 disables).
	GRPCPort int `yaml:"grpc_port"`

	// HTTPPort serves the REST API, /metrics and the WebSocket stream (default 8080).
	HTTPPort int `yaml:"http_port"`

	// LogLevel is one of: debug | info | warn | error (default info).
	LogLevel string `yaml:"log_level"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig controls API-key identity resolution.
type AuthConfig struct {
	// Mode is one of: apikey | optional | none (default optional).
	// apikey rejects calls without a valid key; optional admits anonymous
	// calls but rejects a wrong key; none ignores keys entirely.
	Mode string `yaml:"mode"`

	// Header is the HTTP header and gRPC metadata key carrying the key.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`

	Keys []APIKey `yaml:"keys"`
}

// APIKey names one caller. The secret itself lives in the environment.
type APIKey struct {
	Name   string `yaml:"name"`
	KeyEnv string `yaml:"key_env"`
}

// Key returns the secret resolved from the environment.
func (k APIKey) Key() string {
	if k.KeyEnv == "" {
		return ""
	}
	return os.Getenv(k.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// KeyMap resolves every configured key and returns secret -> caller name.
// Keys whose environment variable is unset are skipped.
func (a AuthConfig) KeyMap() map[string]string {
	out := make(map[string]string, len(a.Keys))
	for _, k := range a.Keys {
		if secret := k.Key(); secret != "" {
			out[secret] = k.Name
		}
	}
	return out
}

// UpstreamConfig describes the OpenDigger endpoint.
type UpstreamConfig struct {
	BaseURL            string        `yaml:"base_url"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	UserAgent          string        `yaml:"user_agent"`
}

// CacheConfig controls the metric series cache and its backend.
type CacheConfig struct {
	// TTL is how long a series is served before it is refreshed (default 24h).
	TTL time.Duration `yaml:"ttl"`

	// Backend is one of: memory | postgres (default memory).
	Backend string `yaml:"backend"`

	// Retention evicts in-memory series not refreshed within this period.
	// Zero keeps series until deleted.
	Retention time.Duration `yaml:"retention"`

	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig configures the durable series backend.
type PostgresConfig struct {
	// DSNEnv names the environment variable holding the connection string.
	DSNEnv       string `yaml:"dsn_env"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// DSN returns the connection string resolved from the environment.
func (p PostgresConfig) DSN() string {
	if p.DSNEnv == "" {
		return ""
	}
	return os.Getenv(p.DSNEnv)
}

// SummaryConfig controls the project summary and its cache.
type SummaryConfig struct {
	TTL time.Duration `yaml:"ttl"`

	// MetricA is the size/influence metric (default openrank); its spread
	// drives stability. MetricB is the activity metric (default activity).
	MetricA string `yaml:"metric_a"`
	MetricB string `yaml:"metric_b"`

	// Tail is how many trailing months are aggregated (default 12).
	Tail int `yaml:"tail"`

	Weights Weights `yaml:"weights"`
}

// Weights of the health score components. They must sum to 1.
type Weights struct {
	A         float64 `yaml:"a"`
	B         float64 `yaml:"b"`
	Stability float64 `yaml:"stability"`
}

// RateLimitConfig holds per-route policy chains.
type RateLimitConfig struct {
	// KeyBy is one of: address | identity (default address). identity
	// counts authenticated callers by name and anonymous callers by address.
	KeyBy string `yaml:"key_by"`

	// Routes maps a route name to its ordered policy chain. Routes absent
	// from the file keep their defaults; an empty list disables limiting.
	Routes map[string][]PolicyConfig `yaml:"routes"`
}

// PolicyConfig is one quota rule.
type PolicyConfig struct {
	Name        string        `yaml:"name"`
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// SyncConfig controls the scheduled upstream sweep.
type SyncConfig struct {
	// Enabled runs the sweep inside the server every Interval.
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`

	// Metrics fetched per project. The summary metrics are always included.
	Metrics []string `yaml:"metrics"`

	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	Concurrency int           `yaml:"concurrency"`

	// LockFile guards against overlapping sweeps across processes.
	LockFile string `yaml:"lock_file"`

	// PruneInvalid deletes cached series of projects found invalid.
	PruneInvalid bool `yaml:"prune_invalid"`
}

// Project is one tracked repository.
type Project struct {
	Platform string `yaml:"platform"`
	Org      string `yaml:"org"`
	Repo     string `yaml:"repo"`
	Category string `yaml:"category"`
}

// Key returns "platform/org/repo".
func (p Project) Key() string {
	return p.Platform + "/" + p.Org + "/" + p.Repo
}

// Load reads and parses the config file at path. Missing fields are filled
// with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	for i := range cfg.Projects {
		if cfg.Projects[i].Platform == "" {
			cfg.Projects[i].Platform = "github"
		}
		if cfg.Projects[i].Category == "" {
			cfg.Projects[i].Category = "unknown"
		}
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	perMinute := func(n int) []PolicyConfig {
		return []PolicyConfig{{MaxRequests: n, Window: time.Minute}}
	}
	return &Config{
		Server: ServerConfig{
			GRPCPort: DefaultGRPCPort,
			HTTPPort: DefaultHTTPPort,
			LogLevel: "info",
			Auth:     AuthConfig{Mode: "optional"},
		},
		Upstream: UpstreamConfig{
			BaseURL:   DefaultUpstreamURL,
			Timeout:   DefaultFetchTimeout,
			UserAgent: "ospulse",
		},
		Cache: CacheConfig{
			TTL:     DefaultSeriesTTL,
			Backend: "memory",
			Postgres: PostgresConfig{
				DSNEnv:       "OSPULSE_DATABASE_URL",
				MaxOpenConns: 10,
			},
		},
		Summary: SummaryConfig{
			TTL:     DefaultSummaryTTL,
			MetricA: "openrank",
			MetricB: "activity",
			Tail:    DefaultSummaryTail,
			Weights: Weights{A: 0.5, B: 0.3, Stability: 0.2},
		},
		RateLimit: RateLimitConfig{
			KeyBy: "address",
			Routes: map[string][]PolicyConfig{
				RouteData:            perMinute(120),
				RouteSummary:         perMinute(30),
				RouteRank:            perMinute(30),
				RouteProjects:        perMinute(60),
				RouteContributorRisk: perMinute(30),
				RouteBatchRisk:       perMinute(10),
				RouteGRPC:            perMinute(600),
			},
		},
		Sync: SyncConfig{
			Interval:    DefaultSyncInterval,
			Metrics:     []string{"openrank", "activity", "bus_factor"},
			MaxAttempts: 3,
			Backoff:     2 * time.Second,
			Concurrency: 4,
			LockFile:    filepath.Join(os.TempDir(), "ospulse-sync.lock"),
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.GRPCPort < 0 || cfg.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [0, 65535]", cfg.Server.GRPCPort)
	}
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	switch cfg.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level %q unknown: want debug|info|warn|error", cfg.Server.LogLevel)
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "optional", "none":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|optional|none", cfg.Server.Auth.Mode)
	}
	for i, k := range cfg.Server.Auth.Keys {
		if k.Name == "" || k.KeyEnv == "" {
			return fmt.Errorf("server.auth.keys[%d]: name and key_env are required", i)
		}
	}

	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if cfg.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}

	if cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if cfg.Cache.Retention < 0 {
		return fmt.Errorf("cache.retention must not be negative")
	}
	switch cfg.Cache.Backend {
	case "memory":
	case "postgres":
		if cfg.Cache.Postgres.DSNEnv == "" {
			return fmt.Errorf("cache.postgres.dsn_env is required for the postgres backend")
		}
	default:
		return fmt.Errorf("cache.backend %q unknown: want memory|postgres", cfg.Cache.Backend)
	}

	if cfg.Summary.TTL <= 0 {
		return fmt.Errorf("summary.ttl must be positive")
	}
	if cfg.Summary.MetricA == "" || cfg.Summary.MetricB == "" {
		return fmt.Errorf("summary.metric_a and summary.metric_b are required")
	}
	if cfg.Summary.Tail <= 0 {
		return fmt.Errorf("summary.tail must be positive")
	}
	w := cfg.Summary.Weights
	if w.A < 0 || w.B < 0 || w.Stability < 0 {
		return fmt.Errorf("summary.weights must not be negative")
	}
	if sum := w.A + w.B + w.Stability; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("summary.weights must sum to 1, got %g", sum)
	}

	switch cfg.RateLimit.KeyBy {
	case "address", "identity":
	default:
		return fmt.Errorf("ratelimit.key_by %q unknown: want address|identity", cfg.RateLimit.KeyBy)
	}
	for route, chain := range cfg.RateLimit.Routes {
		for i, p := range chain {
			if p.MaxRequests < 0 {
				return fmt.Errorf("ratelimit.routes.%s[%d].max_requests must not be negative", route, i)
			}
			if p.Window <= 0 {
				return fmt.Errorf("ratelimit.routes.%s[%d].window must be positive", route, i)
			}
		}
	}

	if cfg.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if cfg.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if cfg.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be positive")
	}
	if cfg.Sync.LockFile == "" {
		return fmt.Errorf("sync.lock_file is required")
	}

	seen := make(map[string]bool, len(cfg.Projects))
	for i, p := range cfg.Projects {
		if p.Org == "" || p.Repo == "" {
			return fmt.Errorf("projects[%d]: org and repo are required", i)
		}
		if seen[p.Key()] {
			return fmt.Errorf("projects[%d]: duplicate project %q", i, p.Key())
		}
		seen[p.Key()] = true
	}
	return nil
}

// SyncMetrics returns the configured sync metrics with the summary metrics
// prepended when missing.
func (c *Config) SyncMetrics() []string {
	out := make([]string, 0, len(c.Sync.Metrics)+2)
	seen := make(map[string]bool)
	for _, m := range append([]string{c.Summary.MetricA, c.Summary.MetricB}, c.Sync.Metrics...) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}
