package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

type Config struct {
	// Version is stamped by the binary, not read from the environment.
	Version string

	ListenAddr string
	LogLevel   string

	// Store.
	DBDriver string // sqlite | postgres
	DBDSN    string

	// Response cache. An empty RedisURL keeps the cache in process memory.
	RedisURL           string
	CacheMaxEntries    int
	CacheSweepSchedule string

	// Routing.
	PolicyRefreshInterval   time.Duration
	PolicyFetchTimeout      time.Duration
	DispatchTimeout         time.Duration
	UsageTimeout            time.Duration
	AllowUnboundedOverrides bool
	ProbeSchedule           string

	// Security & hardening.
	JWTSecret      string   // empty = every caller is anonymous
	JWTIssuer      string
	AdminToken     string   // required for /admin/v1 access in production
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per caller
	RateLimitBurst int      // burst capacity per caller

	// Tracing.
	OTelEnabled     bool
	OTelEndpoint    string
	OTelSampleRatio float64

	// Temporal workflow engine.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	// Providers. A provider is registered when its API key is set.
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	GoogleAPIKey     string
	GoogleBaseURL    string
}

// LoadConfig reads TASKHUB_* variables. A .env file in the working
// directory is loaded first; variables already set in the environment win.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr: getEnv("TASKHUB_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("TASKHUB_LOG_LEVEL", "info"),

		DBDriver: strings.ToLower(getEnv("TASKHUB_DB_DRIVER", "sqlite")),
		DBDSN:    getEnv("TASKHUB_DB_DSN", "file:/data/taskhub.sqlite"),

		RedisURL:           getEnv("TASKHUB_REDIS_URL", ""),
		CacheMaxEntries:    getEnvInt("TASKHUB_CACHE_MAX_ENTRIES", 10000),
		CacheSweepSchedule: getEnv("TASKHUB_CACHE_SWEEP_SCHEDULE", "@every 1m"),

		PolicyRefreshInterval:   getEnvDuration("TASKHUB_POLICY_REFRESH_INTERVAL", 5*time.Minute),
		PolicyFetchTimeout:      getEnvDuration("TASKHUB_POLICY_FETCH_TIMEOUT", 3*time.Second),
		DispatchTimeout:         getEnvDuration("TASKHUB_DISPATCH_TIMEOUT", 30*time.Second),
		UsageTimeout:            getEnvDuration("TASKHUB_USAGE_TIMEOUT", 5*time.Second),
		AllowUnboundedOverrides: getEnvBool("TASKHUB_ALLOW_UNBOUNDED_OVERRIDES", false),
		ProbeSchedule:           getEnv("TASKHUB_PROBE_SCHEDULE", "@every 30s"),

		JWTSecret:      getEnv("TASKHUB_JWT_SECRET", ""),
		JWTIssuer:      getEnv("TASKHUB_JWT_ISSUER", "taskhub"),
		AdminToken:     getEnv("TASKHUB_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("TASKHUB_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("TASKHUB_RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("TASKHUB_RATE_LIMIT_BURST", 40),

		OTelEnabled:     getEnvBool("TASKHUB_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("TASKHUB_OTEL_ENDPOINT", "localhost:4318"),
		OTelSampleRatio: getEnvFloat("TASKHUB_OTEL_SAMPLE_RATIO", 1.0),

		TemporalEnabled:   getEnvBool("TASKHUB_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("TASKHUB_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("TASKHUB_TEMPORAL_NAMESPACE", "taskhub"),
		TemporalTaskQueue: getEnv("TASKHUB_TEMPORAL_TASK_QUEUE", "taskhub-usage"),

		OpenAIAPIKey:     getEnv("TASKHUB_OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getEnv("TASKHUB_OPENAI_BASE_URL", ""),
		AnthropicAPIKey:  getEnv("TASKHUB_ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL: getEnv("TASKHUB_ANTHROPIC_BASE_URL", ""),
		GoogleAPIKey:     getEnv("TASKHUB_GOOGLE_API_KEY", ""),
		GoogleBaseURL:    getEnv("TASKHUB_GOOGLE_BASE_URL", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("TASKHUB_DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("TASKHUB_DB_DSN must be set")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("TASKHUB_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("TASKHUB_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("TASKHUB_CACHE_MAX_ENTRIES must be > 0, got %d", c.CacheMaxEntries)
	}
	for name, d := range map[string]time.Duration{
		"TASKHUB_POLICY_REFRESH_INTERVAL": c.PolicyRefreshInterval,
		"TASKHUB_POLICY_FETCH_TIMEOUT":    c.PolicyFetchTimeout,
		"TASKHUB_DISPATCH_TIMEOUT":        c.DispatchTimeout,
		"TASKHUB_USAGE_TIMEOUT":           c.UsageTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", name, d)
		}
	}
	for name, spec := range map[string]string{
		"TASKHUB_CACHE_SWEEP_SCHEDULE": c.CacheSweepSchedule,
		"TASKHUB_PROBE_SCHEDULE":       c.ProbeSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: invalid schedule %q: %w", name, spec, err)
		}
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("TASKHUB_JWT_SECRET must be at least 32 bytes")
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("TASKHUB_OTEL_SAMPLE_RATIO must be in [0,1], got %f", c.OTelSampleRatio)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
