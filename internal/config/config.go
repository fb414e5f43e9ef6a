package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// CacheDirName is the subdirectory of Root that holds every cached artifact.
const CacheDirName = "__phim"

const (
	DefaultFallbackMaxWidth = 1920
	DefaultKeyLength        = 20
	DefaultFetchTimeout     = 30 * time.Second
)

type Config struct {
	Root             string
	ReuseCache       bool
	StripRemoteQuery bool
	Debug            bool
	Transform        Transform
	FetchTimeout     time.Duration
	Workers          int
	FallbackMaxWidth int
	KeyLength        int

	Port            int
	LogLevel        string
	AllowedOrigin   string
	AdminToken      string
	MaxBodySize     int64
	VipsMaxCacheMB  int
	VipsConcurrency int
}

// Load reads the configuration from the environment. The transform comes
// from PHIM_TRANSFORM_FILE when set, otherwise DefaultTransform is used.
func Load() (*Config, error) {
	cfg := &Config{
		Root:             getEnv("PHIM_ROOT", "/"),
		ReuseCache:       getEnvBool("PHIM_REUSE_CACHE", false),
		StripRemoteQuery: getEnvBool("PHIM_STRIP_REMOTE_QUERY", false),
		Debug:            getEnvBool("PHIM_DEBUG", false),
		Transform:        DefaultTransform(),
		FetchTimeout:     getEnvDuration("PHIM_FETCH_TIMEOUT", DefaultFetchTimeout),
		Workers:          getEnvInt("PHIM_WORKERS", runtime.GOMAXPROCS(0)),
		FallbackMaxWidth: getEnvInt("PHIM_FALLBACK_MAX_WIDTH", DefaultFallbackMaxWidth),
		KeyLength:        getEnvInt("PHIM_KEY_LENGTH", DefaultKeyLength),
		Port:             getEnvInt("PORT", 8080),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		AllowedOrigin:    getEnv("ALLOWED_ORIGIN", ""),
		AdminToken:       getEnv("ADMIN_TOKEN", ""),
		MaxBodySize:      getEnvInt64("MAX_BODY_SIZE", 32<<20),
		VipsMaxCacheMB:   getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency:  getEnvInt("VIPS_CONCURRENCY", 1),
	}

	if path := getEnv("PHIM_TRANSFORM_FILE", ""); path != "" {
		transform, err := LoadTransform(path)
		if err != nil {
			return nil, err
		}
		cfg.Transform = transform
	}

	return cfg, nil
}

// Default returns a configuration with every field at its default value.
func Default() *Config {
	return &Config{
		Root:             "/",
		Transform:        DefaultTransform(),
		FetchTimeout:     DefaultFetchTimeout,
		Workers:          runtime.GOMAXPROCS(0),
		FallbackMaxWidth: DefaultFallbackMaxWidth,
		KeyLength:        DefaultKeyLength,
		Port:             8080,
		LogLevel:         "info",
		MaxBodySize:      32 << 20,
		VipsMaxCacheMB:   256,
		VipsConcurrency:  1,
	}
}

// Validate checks the configuration before a pipeline is built from it.
func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.New("config: root must not be empty")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.FallbackMaxWidth <= 0 {
		return fmt.Errorf("config: fallback max width must be positive, got %d", c.FallbackMaxWidth)
	}
	if c.KeyLength <= 0 || c.KeyLength > 32 {
		return fmt.Errorf("config: key length must be between 1 and 32, got %d", c.KeyLength)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("config: fetch timeout must be positive, got %s", c.FetchTimeout)
	}
	return c.Transform.Validate()
}

// IsAdminPublic reports whether destructive endpoints are unauthenticated.
func (c *Config) IsAdminPublic() bool {
	return strings.TrimSpace(c.AdminToken) == ""
}

// LogLevelName returns the effective log level, honouring Debug.
func (c *Config) LogLevelName() string {
	if c.Debug {
		return "debug"
	}
	return c.LogLevel
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
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
