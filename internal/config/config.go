package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/retry"
)

type Config struct {
	ListenAddr   string
	APIBaseURL   string
	MaxBodyBytes int64

	DefaultConflict      provider.ConflictPolicy
	AddonMethodProviders provider.AddonSet
	QuotaWalkConcurrency int

	Dispatcher string // "local" or "redis"
	Redis      RedisConfig
	Tasks      TaskConfig

	Auth    AuthConfig
	Signing SigningConfig
	OSFURL  string

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryEnableJitter bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type TaskConfig struct {
	Queue     string        // list the worker consumes
	Timeout   time.Duration // how long a caller waits on an out-of-band result
	ResultTTL time.Duration // expiry of unread results
}

type AuthConfig struct {
	Method      string                         // "static" or "remote"
	URL         string                         // remote only
	Credentials map[string]provider.Descriptor // static only, keyed by provider name
}

type SigningConfig struct {
	Secret    string
	Algorithm string
}

const defaultAddonProviders = "s3compatinstitutions,dropboxbusiness,onedrivebusiness,nextcloudinstitutions,googledriveinstitutions"

// Load reads config from environment variables, applies defaults and validates.
func Load() (Config, error) {
	get := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return def
	}

	parseInt := func(key string, def int) int {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
		return def
	}

	parseDur := func(key string, def time.Duration) time.Duration {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
		return def
	}

	parseFloat := func(key string, def float64) float64 {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				return f
			}
		}
		return def
	}

	parseBool := func(key string, def bool) bool {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "y", "on":
				return true
			case "0", "false", "no", "n", "off":
				return false
			}
		}
		return def
	}

	conflict, err := provider.ParseConflict(get("DEFAULT_CONFLICT", ""), provider.ConflictReplace)
	if err != nil {
		return Config{}, fmt.Errorf("DEFAULT_CONFLICT: %w", err)
	}

	creds, err := parseCredentials(get("PROVIDER_CREDENTIALS", ""))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:   get("LISTEN_ADDR", ":7777"),
		APIBaseURL:   strings.TrimRight(get("API_BASE_URL", "http://localhost:7777"), "/"),
		MaxBodyBytes: int64(parseInt("MAX_BODY_BYTES", 1<<20)),

		DefaultConflict:      conflict,
		AddonMethodProviders: provider.ParseAddonSet(get("ADDON_METHOD_PROVIDERS", defaultAddonProviders)),
		QuotaWalkConcurrency: parseInt("QUOTA_WALK_CONCURRENCY", 4),

		Dispatcher: strings.ToLower(strings.TrimSpace(get("DISPATCHER", "local"))),
		Redis: RedisConfig{
			Addr:     get("REDIS_ADDR", "localhost:6379"),
			Password: get("REDIS_PASSWORD", ""),
			DB:       parseInt("REDIS_DB", 0),
		},
		Tasks: TaskConfig{
			Queue:     get("TASK_QUEUE", "storagegw:transfers"),
			Timeout:   parseDur("TASK_TIMEOUT", 30*time.Minute),
			ResultTTL: parseDur("TASK_RESULT_TTL", time.Hour),
		},

		Auth: AuthConfig{
			Method:      strings.ToLower(strings.TrimSpace(get("AUTH_METHOD", "static"))),
			URL:         strings.TrimSpace(get("AUTH_URL", "")),
			Credentials: creds,
		},
		Signing: SigningConfig{
			Secret:    get("HMAC_SECRET", ""),
			Algorithm: get("HMAC_ALGORITHM", "sha256"),
		},
		OSFURL: strings.TrimRight(get("OSF_URL", "http://localhost:5000"), "/"),

		RetryMaxAttempts:  parseInt("RETRY_MAX_ATTEMPTS", retry.Default.MaxAttempts),
		RetryInitialDelay: parseDur("RETRY_INITIAL_DELAY", retry.Default.InitialDelay),
		RetryMaxDelay:     parseDur("RETRY_MAX_DELAY", retry.Default.MaxDelay),
		RetryMultiplier:   parseFloat("RETRY_MULTIPLIER", retry.Default.Multiplier),
		RetryEnableJitter: parseBool("RETRY_JITTER", retry.Default.Jitter),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parseCredentials reads PROVIDER_CREDENTIALS: a JSON object keyed by
// provider name whose values are descriptors without the name.
func parseCredentials(raw string) (map[string]provider.Descriptor, error) {
	out := map[string]provider.Descriptor{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("PROVIDER_CREDENTIALS: %w", err)
	}
	for name, d := range out {
		d.Name = name
		out[name] = d
	}
	return out, nil
}

func (c *Config) validate() error {
	switch c.Dispatcher {
	case "local":
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("redis dispatcher: REDIS_ADDR is required")
		}
	default:
		return errors.New("unsupported dispatcher: " + c.Dispatcher)
	}

	switch c.Auth.Method {
	case "static":
	case "remote":
		if c.Auth.URL == "" {
			return errors.New("auth method remote requires AUTH_URL")
		}
		if c.Signing.Secret == "" {
			return errors.New("auth method remote requires HMAC_SECRET")
		}
	default:
		return errors.New("unsupported auth method: " + c.Auth.Method)
	}

	if c.MaxBodyBytes <= 0 {
		return errors.New("MAX_BODY_BYTES must be positive")
	}
	if c.QuotaWalkConcurrency <= 0 {
		c.QuotaWalkConcurrency = 1
	}
	return nil
}

// RetryOptions converts retry-related config values to retry.Options.
func (c Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
		Jitter:       c.RetryEnableJitter,
	}
}
