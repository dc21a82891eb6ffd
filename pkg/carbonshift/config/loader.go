package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := defaultsFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logLoaded(cfg)
	return cfg, nil
}

// LoadFile loads a YAML configuration file on top of the environment defaults
func LoadFile(path string) (*Config, error) {
	cfg := defaultsFromEnv()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logLoaded(cfg)
	return cfg, nil
}

func defaultsFromEnv() *Config {
	return &Config{
		Measurements: MeasurementAPIConfig{
			URL:   getEnvOrDefault("MEASUREMENT_API_URL", "http://localhost:8000"),
			Token: os.Getenv("MEASUREMENT_API_TOKEN"),
		},
		Carbon: CarbonServiceConfig{
			URL:   os.Getenv("CARBON_SERVICE_URL"),
			Token: os.Getenv("CARBON_SERVICE_TOKEN"),
		},
		Client: ClientConfig{
			Timeout:    getDurationOrDefault("API_TIMEOUT", 10*time.Second),
			MaxRetries: getIntOrDefault("API_MAX_RETRIES", 3),
			RetryDelay: getDurationOrDefault("API_RETRY_DELAY", 1*time.Second),
			RateLimit:  getIntOrDefault("API_RATE_LIMIT", 10),
		},
		Cache: CacheConfig{
			Backend:       getEnvOrDefault("CACHE_BACKEND", CacheBackendMemory),
			TTL:           getDurationOrDefault("CACHE_TTL", 15*time.Minute),
			MaxAge:        getDurationOrDefault("MAX_CACHE_AGE", 6*time.Hour),
			RedisAddr:     os.Getenv("REDIS_ADDR"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       getIntOrDefault("REDIS_DB", 0),
		},
		Simulation: SimulationConfig{
			HistoryHalfWindow: getDurationOrDefault("HISTORY_HALF_WINDOW", 24*time.Hour),
			DefaultMetric:     getEnvOrDefault("DEFAULT_METRIC", "psu_energy_ac_mcp_machine"),
		},
		Prometheus: PrometheusConfig{
			URL:         os.Getenv("PROMETHEUS_URL"),
			EnergyQuery: os.Getenv("PROMETHEUS_ENERGY_QUERY"),
			Step:        getDurationOrDefault("PROMETHEUS_STEP", time.Minute),
			DetailLabel: getEnvOrDefault("PROMETHEUS_DETAIL_LABEL", "instance"),
			Unit:        getEnvOrDefault("PROMETHEUS_ENERGY_UNIT", "J"),
		},
		Archive: ArchiveConfig{
			Path:          os.Getenv("ARCHIVE_PATH"),
			RetentionDays: getIntOrDefault("ARCHIVE_RETENTION_DAYS", 90),
		},
		Observability: ObservabilityConfig{
			MetricsTextfile: os.Getenv("METRICS_TEXTFILE"),
		},
	}
}

func logLoaded(cfg *Config) {
	klog.V(2).InfoS("Loaded configuration",
		"measurementURL", cfg.Measurements.URL,
		"carbonServiceURL", cfg.Carbon.URL,
		"cacheBackend", cfg.Cache.Backend,
		"historyHalfWindow", cfg.Simulation.HistoryHalfWindow,
		"archiveEnabled", cfg.Archive.Path != "",
		"prometheusEnabled", cfg.Prometheus.URL != "")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.Atoi(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid integer value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := time.ParseDuration(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid duration value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}
