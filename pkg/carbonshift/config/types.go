package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrServiceNotConfigured is returned when no carbon intensity service URL is set
var ErrServiceNotConfigured = errors.New("carbon intensity service URL is not configured")

// Cache backends
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
	CacheBackendNone   = "none"
)

// Config holds all configuration for the carbon-shift simulator
type Config struct {
	Measurements  MeasurementAPIConfig `yaml:"measurements"`
	Carbon        CarbonServiceConfig  `yaml:"carbon"`
	Client        ClientConfig         `yaml:"client"`
	Cache         CacheConfig          `yaml:"cache"`
	Simulation    SimulationConfig     `yaml:"simulation"`
	Prometheus    PrometheusConfig     `yaml:"prometheus"`
	Archive       ArchiveConfig        `yaml:"archive"`
	Observability ObservabilityConfig  `yaml:"observability"`
}

// MeasurementAPIConfig points at the API serving runs and their measurements
type MeasurementAPIConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// CarbonServiceConfig points at the carbon intensity service
type CarbonServiceConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// ClientConfig holds the HTTP behaviour shared by all API clients
type ClientConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"maxRetries"`
	RetryDelay time.Duration `yaml:"retryDelay"`
	RateLimit  int           `yaml:"rateLimit"` // requests per second
}

// CacheConfig configures the carbon intensity history cache
type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	MaxAge        time.Duration `yaml:"maxAge"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
}

// SimulationConfig holds simulation defaults
type SimulationConfig struct {
	// HistoryHalfWindow is how far around the run start the provider history is fetched
	HistoryHalfWindow time.Duration `yaml:"historyHalfWindow"`
	DefaultMetric     string        `yaml:"defaultMetric"`
}

// PrometheusConfig configures Prometheus as an alternative energy source
type PrometheusConfig struct {
	URL         string        `yaml:"url"`
	EnergyQuery string        `yaml:"energyQuery"`
	Step        time.Duration `yaml:"step"`
	DetailLabel string        `yaml:"detailLabel"`
	Unit        string        `yaml:"unit"`
}

// ArchiveConfig configures the SQLite archive of simulation reports
type ArchiveConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retentionDays"`
}

// ObservabilityConfig holds metrics export settings
type ObservabilityConfig struct {
	MetricsTextfile string `yaml:"metricsTextfile"`
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if c.Carbon.URL == "" {
		return ErrServiceNotConfigured
	}

	if c.Client.Timeout <= 0 {
		return fmt.Errorf("client timeout must be positive")
	}
	if c.Client.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.Client.RateLimit <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}

	switch c.Cache.Backend {
	case CacheBackendMemory, CacheBackendNone:
	case CacheBackendRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("redis cache backend requires a redis address")
		}
		if c.Cache.RedisDB < 0 {
			return fmt.Errorf("redis database number must be >= 0")
		}
	default:
		return fmt.Errorf("unsupported cache backend: %s", c.Cache.Backend)
	}

	if c.Simulation.HistoryHalfWindow <= 0 {
		return fmt.Errorf("history half window must be positive")
	}

	if c.Archive.RetentionDays < 0 {
		return fmt.Errorf("archive retention cannot be negative")
	}

	return nil
}
