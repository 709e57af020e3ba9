package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	validLogLevels    = []string{"debug", "info", "warn", "error"}
	validBackends     = []string{"memory", "redis"}
	validRedisModes   = []string{"standalone", "sentinel"}
	validTraceModes   = []string{"off", "errors", "sampled", "detailed"}
	defaultStateValue = []string{"MERGED"}
)

// Environment variables that override file values when set.
const (
	EnvRedisAddr     = "BITBUCKET_STATS_REDIS_ADDR"
	EnvRedisPassword = "BITBUCKET_STATS_REDIS_PASSWORD"
	EnvListenAddr    = "BITBUCKET_STATS_LISTEN_ADDR"
	EnvAPIBaseURL    = "BITBUCKET_STATS_API_BASE_URL"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig
	Bitbucket     BitbucketConfig
	Retry         RetryConfig
	IdentityCache IdentityCacheConfig
	Stats         StatsConfig
	Telemetry     TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr      string
	LogLevel        string
	ShutdownTimeout time.Duration
}

// BitbucketConfig configures Bitbucket API interactions.
type BitbucketConfig struct {
	APIBaseURL     string
	WebBaseURL     string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	// MaxPages caps cursor chains. Zero means unbounded.
	MaxPages      int
	SearchPageLen int
	DetailPageLen int
	// UnhealthyFailureThreshold is the count of consecutive transient failures that marks
	// the upstream unhealthy.
	UnhealthyFailureThreshold int
}

// RetryConfig configures upstream retries.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
}

// IdentityCacheConfig configures the identity cache and its optional Redis tier.
type IdentityCacheConfig struct {
	MaxEntries         int
	TTL                time.Duration
	Backend            string
	RedisMode          string
	RedisAddr          string
	RedisMasterSet     string
	RedisSentinelAddrs []string
	RedisPassword      string
	RedisDB            int
	RedisNamespace     string
}

// StatsConfig holds request defaults.
type StatsConfig struct {
	DefaultMaxConcurrency int
	DefaultStates         []string
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// LoadDotEnv loads KEY=VALUE pairs from paths into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if _, err := os.Stat(trimmed); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(trimmed); err != nil {
			return fmt.Errorf("load env file %s: %w", trimmed, err)
		}
	}
	return nil
}

// Load reads configuration from YAML and validates the result.
func Load(reader io.Reader) (*Config, error) {
	return LoadWithEnv(reader, nil)
}

// LoadWithEnv reads configuration from YAML, applies environment overrides through lookup,
// and validates the result. A nil lookup disables overrides.
func LoadWithEnv(reader io.Reader, lookup func(string) (string, bool)) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyEnvOverrides(cfg, lookup)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		errs = append(errs, "server.listen_addr is required")
	}
	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}
	if c.Server.ShutdownTimeout < 0 {
		errs = append(errs, "server.shutdown_timeout must be >= 0")
	}

	if !isHTTPURL(c.Bitbucket.APIBaseURL) {
		errs = append(errs, "bitbucket.api_base_url must be an http(s) URL")
	}
	if !isHTTPURL(c.Bitbucket.WebBaseURL) {
		errs = append(errs, "bitbucket.web_base_url must be an http(s) URL")
	}
	if c.Bitbucket.ConnectTimeout < 0 {
		errs = append(errs, "bitbucket.connect_timeout must be >= 0")
	}
	if c.Bitbucket.RequestTimeout < 0 {
		errs = append(errs, "bitbucket.request_timeout must be >= 0")
	}
	if c.Bitbucket.MaxPages < 0 {
		errs = append(errs, "bitbucket.max_pages must be >= 0")
	}
	if c.Bitbucket.SearchPageLen < 1 || c.Bitbucket.SearchPageLen > 100 {
		errs = append(errs, "bitbucket.search_page_len must be between 1 and 100")
	}
	if c.Bitbucket.DetailPageLen < 1 || c.Bitbucket.DetailPageLen > 100 {
		errs = append(errs, "bitbucket.detail_page_len must be between 1 and 100")
	}
	if c.Bitbucket.UnhealthyFailureThreshold < 1 {
		errs = append(errs, "bitbucket.unhealthy_failure_threshold must be > 0")
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, "retry.max_retries must be >= 0")
	}
	if c.Retry.InitialBackoff < 0 {
		errs = append(errs, "retry.initial_backoff must be >= 0")
	}
	if c.Retry.MaxBackoff < 0 {
		errs = append(errs, "retry.max_backoff must be >= 0")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, "retry.jitter must be between 0 and 1")
	}

	if c.IdentityCache.MaxEntries < 1 {
		errs = append(errs, "identity_cache.max_entries must be > 0")
	}
	if c.IdentityCache.TTL <= 0 {
		errs = append(errs, "identity_cache.ttl must be > 0")
	}
	if !slices.Contains(validBackends, c.IdentityCache.Backend) {
		errs = append(errs, "identity_cache.backend must be memory or redis")
	}
	if c.IdentityCache.Backend == "redis" {
		if !slices.Contains(validRedisModes, c.IdentityCache.RedisMode) {
			errs = append(errs, "identity_cache.redis_mode must be standalone or sentinel")
		}
		if c.IdentityCache.RedisMode == "standalone" && strings.TrimSpace(c.IdentityCache.RedisAddr) == "" {
			errs = append(errs, "identity_cache.redis_addr is required when identity_cache.backend=redis")
		}
		if c.IdentityCache.RedisMode == "sentinel" && len(c.IdentityCache.RedisSentinelAddrs) == 0 {
			errs = append(errs, "identity_cache.redis_sentinel_addrs is required when identity_cache.redis_mode=sentinel")
		}
		if c.IdentityCache.RedisMode == "sentinel" && strings.TrimSpace(c.IdentityCache.RedisMasterSet) == "" {
			errs = append(errs, "identity_cache.redis_master_set is required when identity_cache.redis_mode=sentinel")
		}
	}

	if c.Stats.DefaultMaxConcurrency < 1 {
		errs = append(errs, "stats.default_max_concurrency must be > 0")
	}
	for _, state := range c.Stats.DefaultStates {
		if strings.TrimSpace(state) == "" {
			errs = append(errs, "stats.default_states must not contain blank values")
			break
		}
	}

	if !slices.Contains(validTraceModes, c.Telemetry.OTELTraceMode) {
		errs = append(errs, "telemetry.otel_trace_mode must be one of off|errors|sampled|detailed")
	}
	if c.Telemetry.OTELTraceSampleRatio < 0 || c.Telemetry.OTELTraceSampleRatio > 1 {
		errs = append(errs, "telemetry.otel_trace_sample_ratio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Bitbucket.APIBaseURL == "" {
		cfg.Bitbucket.APIBaseURL = "https://api.bitbucket.org/2.0"
	}
	if cfg.Bitbucket.WebBaseURL == "" {
		cfg.Bitbucket.WebBaseURL = "https://bitbucket.org"
	}
	if cfg.Bitbucket.ConnectTimeout == 0 {
		cfg.Bitbucket.ConnectTimeout = 5 * time.Second
	}
	if cfg.Bitbucket.RequestTimeout == 0 {
		cfg.Bitbucket.RequestTimeout = 30 * time.Second
	}
	if cfg.Bitbucket.SearchPageLen == 0 {
		cfg.Bitbucket.SearchPageLen = 50
	}
	if cfg.Bitbucket.DetailPageLen == 0 {
		cfg.Bitbucket.DetailPageLen = 100
	}
	if cfg.Bitbucket.UnhealthyFailureThreshold == 0 {
		cfg.Bitbucket.UnhealthyFailureThreshold = 5
	}

	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = time.Second
	}

	if cfg.IdentityCache.MaxEntries == 0 {
		cfg.IdentityCache.MaxEntries = 1000
	}
	if cfg.IdentityCache.TTL == 0 {
		cfg.IdentityCache.TTL = 30 * time.Minute
	}
	if cfg.IdentityCache.Backend == "" {
		cfg.IdentityCache.Backend = "memory"
	}
	if cfg.IdentityCache.RedisMode == "" {
		cfg.IdentityCache.RedisMode = "standalone"
	}
	if cfg.IdentityCache.RedisNamespace == "" {
		cfg.IdentityCache.RedisNamespace = "bitbucket-stats"
	}

	if cfg.Stats.DefaultMaxConcurrency == 0 {
		cfg.Stats.DefaultMaxConcurrency = 8
	}
	if len(cfg.Stats.DefaultStates) == 0 {
		cfg.Stats.DefaultStates = slices.Clone(defaultStateValue)
	}

	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "off"
	}
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	override := func(key string, target *string) {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			*target = strings.TrimSpace(value)
		}
	}
	override(EnvListenAddr, &cfg.Server.ListenAddr)
	override(EnvAPIBaseURL, &cfg.Bitbucket.APIBaseURL)
	override(EnvRedisAddr, &cfg.IdentityCache.RedisAddr)
	override(EnvRedisPassword, &cfg.IdentityCache.RedisPassword)
}

func isHTTPURL(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	return strings.HasPrefix(trimmed, "https://") || strings.HasPrefix(trimmed, "http://")
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server        rawServer        `yaml:"server"`
	Bitbucket     rawBitbucket     `yaml:"bitbucket"`
	Retry         rawRetry         `yaml:"retry"`
	IdentityCache rawIdentityCache `yaml:"identity_cache"`
	Stats         rawStats         `yaml:"stats"`
	Telemetry     rawTelemetry     `yaml:"telemetry"`
}

type rawServer struct {
	ListenAddr      string   `yaml:"listen_addr"`
	LogLevel        string   `yaml:"log_level"`
	ShutdownTimeout duration `yaml:"shutdown_timeout"`
}

type rawBitbucket struct {
	APIBaseURL                string   `yaml:"api_base_url"`
	WebBaseURL                string   `yaml:"web_base_url"`
	ConnectTimeout            duration `yaml:"connect_timeout"`
	RequestTimeout            duration `yaml:"request_timeout"`
	MaxPages                  int      `yaml:"max_pages"`
	SearchPageLen             int      `yaml:"search_page_len"`
	DetailPageLen             int      `yaml:"detail_page_len"`
	UnhealthyFailureThreshold int      `yaml:"unhealthy_failure_threshold"`
}

// Zero is a meaningful value for max_retries and jitter, so both are pointers.
type rawRetry struct {
	MaxRetries     *int     `yaml:"max_retries"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
	Jitter         *float64 `yaml:"jitter"`
}

type rawIdentityCache struct {
	MaxEntries         int      `yaml:"max_entries"`
	TTL                duration `yaml:"ttl"`
	Backend            string   `yaml:"backend"`
	RedisMode          string   `yaml:"redis_mode"`
	RedisAddr          string   `yaml:"redis_addr"`
	RedisMasterSet     string   `yaml:"redis_master_set"`
	RedisSentinelAddrs []string `yaml:"redis_sentinel_addrs"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	RedisNamespace     string   `yaml:"redis_namespace"`
}

type rawStats struct {
	DefaultMaxConcurrency int      `yaml:"default_max_concurrency"`
	DefaultStates         []string `yaml:"default_states"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:      strings.TrimSpace(r.Server.ListenAddr),
			LogLevel:        strings.ToLower(strings.TrimSpace(r.Server.LogLevel)),
			ShutdownTimeout: r.Server.ShutdownTimeout.Duration,
		},
		Bitbucket: BitbucketConfig{
			APIBaseURL:                strings.TrimSpace(r.Bitbucket.APIBaseURL),
			WebBaseURL:                strings.TrimSpace(r.Bitbucket.WebBaseURL),
			ConnectTimeout:            r.Bitbucket.ConnectTimeout.Duration,
			RequestTimeout:            r.Bitbucket.RequestTimeout.Duration,
			MaxPages:                  r.Bitbucket.MaxPages,
			SearchPageLen:             r.Bitbucket.SearchPageLen,
			DetailPageLen:             r.Bitbucket.DetailPageLen,
			UnhealthyFailureThreshold: r.Bitbucket.UnhealthyFailureThreshold,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
			Jitter:         0.2,
		},
		IdentityCache: IdentityCacheConfig{
			MaxEntries:         r.IdentityCache.MaxEntries,
			TTL:                r.IdentityCache.TTL.Duration,
			Backend:            strings.ToLower(strings.TrimSpace(r.IdentityCache.Backend)),
			RedisMode:          strings.ToLower(strings.TrimSpace(r.IdentityCache.RedisMode)),
			RedisAddr:          strings.TrimSpace(r.IdentityCache.RedisAddr),
			RedisMasterSet:     strings.TrimSpace(r.IdentityCache.RedisMasterSet),
			RedisSentinelAddrs: r.IdentityCache.RedisSentinelAddrs,
			RedisPassword:      r.IdentityCache.RedisPassword,
			RedisDB:            r.IdentityCache.RedisDB,
			RedisNamespace:     strings.TrimSpace(r.IdentityCache.RedisNamespace),
		},
		Stats: StatsConfig{
			DefaultMaxConcurrency: r.Stats.DefaultMaxConcurrency,
			DefaultStates:         make([]string, 0, len(r.Stats.DefaultStates)),
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        strings.ToLower(strings.TrimSpace(r.Telemetry.OTELTraceMode)),
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}

	if r.Retry.MaxRetries != nil {
		cfg.Retry.MaxRetries = *r.Retry.MaxRetries
	}
	if r.Retry.Jitter != nil {
		cfg.Retry.Jitter = *r.Retry.Jitter
	}
	for _, state := range r.Stats.DefaultStates {
		cfg.Stats.DefaultStates = append(cfg.Stats.DefaultStates, strings.ToUpper(strings.TrimSpace(state)))
	}

	return cfg
}
