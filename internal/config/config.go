// Package config loads scheduler configuration from the environment (and
// optionally a YAML file), coercing invalid values back to defaults with a
// warning instead of rejecting them outright.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the full set of scheduler tunables, plus the ambient wiring
// (Redis/Kafka/SageMaker addresses, timeouts) needed to run its
// collaborators.
type Config struct {
	// scheduling behavior
	SchedulerThrottlingEnabled    bool    `yaml:"scheduler_throttling_enabled"`
	CapacityTargetPercentage      float64 `yaml:"capacity_target_percentage"`
	DefaultInstanceConcurrency    int     `yaml:"default_instance_concurrency"`
	DefaultHTTPEndpointConcurrency int    `yaml:"default_http_endpoint_concurrency"`
	TileWorkersPerInstance        int     `yaml:"tile_workers_per_instance"`
	MetadataCacheTTLSeconds       int     `yaml:"metadata_cache_ttl_seconds"`

	// ambient / collaborator wiring
	LogLevel   string `yaml:"log_level"`
	AdminAddr  string `yaml:"admin_addr"`
	MetricsOn  bool   `yaml:"metrics_enabled"`

	RedisAddr string `yaml:"redis_addr"`

	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaTopic    string   `yaml:"kafka_topic"`
	KafkaGroupID  string   `yaml:"kafka_group_id"`
	KafkaDLQTopic string   `yaml:"kafka_dlq_topic"`

	SageMakerRegion string `yaml:"sagemaker_region"`

	FetchLimit   int           `yaml:"fetch_limit"`
	TickInterval time.Duration `yaml:"tick_interval"`

	MetadataTimeout  time.Duration `yaml:"metadata_timeout"`
	ImageReadTimeout time.Duration `yaml:"image_read_timeout"`
	StoreOpTimeout   time.Duration `yaml:"store_op_timeout"`
	TickTimeout      time.Duration `yaml:"tick_timeout"`

	DefaultRegionSize  int `yaml:"default_region_size"`
	DefaultTileSize    int `yaml:"default_tile_size"`
	DefaultTileOverlap int `yaml:"default_tile_overlap"`

	JobRecordTTL time.Duration `yaml:"job_record_ttl"`

	// extended behavior beyond the original upstream contract
	LegacyNullRegionCount     bool `yaml:"legacy_null_region_count"`
	ReadinessFailureThreshold int  `yaml:"readiness_failure_threshold"`
	H3LocalityResolution      int  `yaml:"h3_locality_resolution"`
}

// Defaults returns the scheduler's default configuration.
func Defaults() Config {
	return Config{
		SchedulerThrottlingEnabled:     true,
		CapacityTargetPercentage:       1.0,
		DefaultInstanceConcurrency:     2,
		DefaultHTTPEndpointConcurrency: 10,
		TileWorkersPerInstance:         4,
		MetadataCacheTTLSeconds:        300,

		LogLevel:  "info",
		AdminAddr: ":8090",
		MetricsOn: true,

		RedisAddr: "localhost:6379",

		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "osml-image-requests",
		KafkaGroupID:  "scheduler-core",
		KafkaDLQTopic: "osml-image-requests-dlq",

		SageMakerRegion: "us-east-1",

		FetchLimit:   10,
		TickInterval: time.Second,

		MetadataTimeout:  5 * time.Second,
		ImageReadTimeout: 30 * time.Second,
		StoreOpTimeout:   2 * time.Second,
		TickTimeout:      60 * time.Second,

		DefaultRegionSize:  10240,
		DefaultTileSize:    1024,
		DefaultTileOverlap: 50,

		JobRecordTTL: 7 * 24 * time.Hour,

		LegacyNullRegionCount:     false,
		ReadinessFailureThreshold: 5,
		H3LocalityResolution:      4,
	}
}

// FromEnv loads configuration starting from Defaults, overlaying an
// optional YAML file named by SCHEDULER_CONFIG_FILE, then environment
// variables, and finally coercing any invalid values back to defaults with
// a warning log rather than rejecting the process outright.
func FromEnv(log *zerolog.Logger) Config {
	cfg := Defaults()

	if path := os.Getenv("SCHEDULER_CONFIG_FILE"); path != "" {
		if b, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil && log != nil {
				log.Warn().Err(err).Str("path", path).Msg("ignoring malformed config file")
			}
		} else if log != nil {
			log.Warn().Err(err).Str("path", path).Msg("config file not readable, using defaults/env only")
		}
	}

	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.AdminAddr = getenv("ADMIN_ADDR", cfg.AdminAddr)
	cfg.MetricsOn = getbool("METRICS_ENABLED", cfg.MetricsOn)

	cfg.RedisAddr = getenv("REDIS_ADDR", cfg.RedisAddr)

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = strings.Split(v, ",")
	}
	cfg.KafkaTopic = getenv("KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.KafkaGroupID = getenv("KAFKA_GROUP_ID", cfg.KafkaGroupID)
	cfg.KafkaDLQTopic = getenv("KAFKA_DLQ_TOPIC", cfg.KafkaDLQTopic)

	cfg.SageMakerRegion = getenv("SAGEMAKER_REGION", cfg.SageMakerRegion)

	cfg.SchedulerThrottlingEnabled = getbool("SCHEDULER_THROTTLING_ENABLED", cfg.SchedulerThrottlingEnabled)
	cfg.FetchLimit = getint("FETCH_LIMIT", cfg.FetchLimit)
	cfg.TickInterval = getduration("TICK_INTERVAL", cfg.TickInterval)
	cfg.MetadataTimeout = getduration("METADATA_TIMEOUT", cfg.MetadataTimeout)
	cfg.ImageReadTimeout = getduration("IMAGE_READ_TIMEOUT", cfg.ImageReadTimeout)
	cfg.StoreOpTimeout = getduration("STORE_OP_TIMEOUT", cfg.StoreOpTimeout)
	cfg.TickTimeout = getduration("TICK_TIMEOUT", cfg.TickTimeout)
	cfg.DefaultRegionSize = getint("DEFAULT_REGION_SIZE", cfg.DefaultRegionSize)
	cfg.DefaultTileSize = getint("DEFAULT_TILE_SIZE", cfg.DefaultTileSize)
	cfg.DefaultTileOverlap = getint("DEFAULT_TILE_OVERLAP", cfg.DefaultTileOverlap)
	cfg.JobRecordTTL = getduration("JOB_RECORD_TTL", cfg.JobRecordTTL)
	cfg.LegacyNullRegionCount = getbool("LEGACY_NULL_REGION_COUNT", cfg.LegacyNullRegionCount)
	cfg.ReadinessFailureThreshold = getint("READINESS_FAILURE_THRESHOLD", cfg.ReadinessFailureThreshold)
	cfg.H3LocalityResolution = getint("H3_LOCALITY_RESOLUTION", cfg.H3LocalityResolution)

	if v := os.Getenv("CAPACITY_TARGET_PERCENTAGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.CapacityTargetPercentage = f
		} else {
			warn(log, "capacity_target_percentage", v, "1.0")
			cfg.CapacityTargetPercentage = 1.0
		}
	}
	if v := os.Getenv("DEFAULT_INSTANCE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			cfg.DefaultInstanceConcurrency = n
		} else {
			warn(log, "default_instance_concurrency", v, "2")
			cfg.DefaultInstanceConcurrency = 2
		}
	}
	if v := os.Getenv("DEFAULT_HTTP_ENDPOINT_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			cfg.DefaultHTTPEndpointConcurrency = n
		} else {
			warn(log, "default_http_endpoint_concurrency", v, "10")
			cfg.DefaultHTTPEndpointConcurrency = 10
		}
	}
	if v := os.Getenv("TILE_WORKERS_PER_INSTANCE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			cfg.TileWorkersPerInstance = n
		} else {
			warn(log, "tile_workers_per_instance", v, "4")
			cfg.TileWorkersPerInstance = 4
		}
	}
	if v := os.Getenv("METADATA_CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MetadataCacheTTLSeconds = n
		} else {
			warn(log, "metadata_cache_ttl_seconds", v, "300")
			cfg.MetadataCacheTTLSeconds = 300
		}
	}

	return cfg.coerced(log)
}

// coerced re-validates fields that may also have arrived via the YAML
// overlay (not just env vars), applying the same defaulting rule.
func (cfg Config) coerced(log *zerolog.Logger) Config {
	if cfg.CapacityTargetPercentage <= 0 {
		warn(log, "capacity_target_percentage", "<=0", "1.0")
		cfg.CapacityTargetPercentage = 1.0
	}
	if cfg.DefaultInstanceConcurrency < 1 {
		warn(log, "default_instance_concurrency", "<1", "2")
		cfg.DefaultInstanceConcurrency = 2
	}
	if cfg.DefaultHTTPEndpointConcurrency < 1 {
		warn(log, "default_http_endpoint_concurrency", "<1", "10")
		cfg.DefaultHTTPEndpointConcurrency = 10
	}
	if cfg.TileWorkersPerInstance < 1 {
		warn(log, "tile_workers_per_instance", "<1", "4")
		cfg.TileWorkersPerInstance = 4
	}
	if cfg.MetadataCacheTTLSeconds <= 0 {
		warn(log, "metadata_cache_ttl_seconds", "<=0", "300")
		cfg.MetadataCacheTTLSeconds = 300
	}
	return cfg
}

func warn(log *zerolog.Logger, field, got, usedDefault string) {
	if log == nil {
		return
	}
	log.Warn().Str("field", field).Str("value", got).Str("default", usedDefault).
		Msg("invalid configuration value, using default")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
