// Package busconfig loads process-level bus defaults from a YAML file
// and/or environment variables, for callers that want a configured
// bus.Config instead of assembling one by hand.
//
// Grounded directly on the teacher's pkg/config/config.go (envdecode +
// godotenv + yaml.v3, CONFIG_FILE env override, New()-then-overlay
// shape), scoped down to the configuration keys §6 enumerates: bus
// {name, debug, cache}, cache {defaultTtl, maxSize, strategy}, request
// {timeout, retries, priority, cache, cancellation}, requestMany
// {minResponses, maxResponses}.
package busconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cohortlabs/meshbus/bus"
	"github.com/cohortlabs/meshbus/cache"
	"github.com/cohortlabs/meshbus/internal/runtime"
	"github.com/cohortlabs/meshbus/request"
)

// CacheConfig mirrors cache.Config, in seconds-for-duration/string-for-
// strategy form so it round-trips through YAML and envdecode cleanly.
type CacheConfig struct {
	DefaultTTLSeconds int    `yaml:"defaultTtl" env:"MESHBUS_CACHE_DEFAULT_TTL"`
	MaxSize           int    `yaml:"maxSize" env:"MESHBUS_CACHE_MAX_SIZE"`
	Strategy          string `yaml:"strategy" env:"MESHBUS_CACHE_STRATEGY"`
}

// RequestConfig mirrors the per-call request.Options defaults a process
// wants to apply unless a caller overrides them explicitly.
type RequestConfig struct {
	TimeoutSeconds int    `yaml:"timeout" env:"MESHBUS_REQUEST_TIMEOUT"`
	Retries        int    `yaml:"retries" env:"MESHBUS_REQUEST_RETRIES"`
	Priority       string `yaml:"priority" env:"MESHBUS_REQUEST_PRIORITY"`
	Cache          bool   `yaml:"cache" env:"MESHBUS_REQUEST_CACHE"`
	Cancellation   bool   `yaml:"cancellation" env:"MESHBUS_REQUEST_CANCELLATION"`
}

// RequestManyConfig mirrors the requestMany collection-window defaults.
type RequestManyConfig struct {
	MinResponses int `yaml:"minResponses" env:"MESHBUS_REQUEST_MANY_MIN_RESPONSES"`
	MaxResponses int `yaml:"maxResponses" env:"MESHBUS_REQUEST_MANY_MAX_RESPONSES"`
}

// Config is the top-level bus configuration document.
type Config struct {
	Name        string            `yaml:"name" env:"MESHBUS_NAME"`
	Debug       bool              `yaml:"debug" env:"MESHBUS_DEBUG"`
	Cache       CacheConfig       `yaml:"cache"`
	Request     RequestConfig     `yaml:"request"`
	RequestMany RequestManyConfig `yaml:"requestMany"`
}

// New returns a Config populated with the same defaults the bus and
// cache packages apply on their own.
func New() *Config {
	return &Config{
		Name: "default",
		Cache: CacheConfig{
			DefaultTTLSeconds: int(cache.DefaultTTL / time.Second),
			MaxSize:           cache.DefaultMaxSize,
			Strategy:          string(cache.DefaultStrategyValue),
		},
		Request: RequestConfig{
			TimeoutSeconds: int(request.DefaultTimeout / time.Second),
			Retries:        request.DefaultRetries,
			Priority:       string(request.PriorityNormal),
		},
		RequestMany: RequestManyConfig{
			MinResponses: 1,
		},
	}
}

// Load loads configuration from file (if present, per CONFIG_FILE or the
// conventional configs/meshbus.yaml path) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/meshbus.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	cfg.normalize()
	return cfg, nil
}

// normalize layers a handful of config-then-env-then-fallback
// resolutions on top of the YAML/envdecode overlay, for the fields most
// often left unset in a bare config file: the bus name, the cache max
// size, and debug mode, which MESHBUS_DEBUG (when set) forces on or off
// regardless of what the file says.
func (c *Config) normalize() {
	c.Name = runtime.ResolveString(c.Name, "MESHBUS_NAME", "default")
	c.Debug = runtime.ResolveBool(c.Debug, "MESHBUS_DEBUG")
	c.Cache.MaxSize = runtime.ResolveInt(c.Cache.MaxSize, "MESHBUS_CACHE_MAX_SIZE", cache.DefaultMaxSize)
}

// LoadFile reads configuration from a YAML file without the envdecode
// overlay; normalize still applies the MESHBUS_NAME, MESHBUS_DEBUG, and
// MESHBUS_CACHE_MAX_SIZE resolutions.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// BusConfig converts the loaded document into a bus.Config ready to pass
// to bus.New via bus.WithConfig.
func (c *Config) BusConfig() bus.Config {
	return bus.Config{
		Debug: c.Debug,
		Cache: cache.Config{
			DefaultTTL: time.Duration(c.Cache.DefaultTTLSeconds) * time.Second,
			MaxSize:    c.Cache.MaxSize,
			Strategy:   cache.Strategy(c.Cache.Strategy),
		},
	}
}

// RequestOptions converts the loaded document into a request.Options
// baseline a caller can further override per call.
func (c *Config) RequestOptions() request.Options {
	opts := request.DefaultOptions()
	if c.Request.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(c.Request.TimeoutSeconds) * time.Second
	}
	opts.Retries = c.Request.Retries
	if c.Request.Priority != "" {
		opts.Priority = request.Priority(c.Request.Priority)
	}
	if c.RequestMany.MinResponses > 0 {
		opts.MinResponses = c.RequestMany.MinResponses
	}
	if c.RequestMany.MaxResponses > 0 {
		opts.MaxResponses = c.RequestMany.MaxResponses
	}
	if c.Request.Cache {
		opts.Cache = &request.CacheOptions{
			Strategy: c.Cache.Strategy,
			TTL:      time.Duration(c.Cache.DefaultTTLSeconds) * time.Second,
		}
	}
	return opts
}
