package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/fx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Engine      EngineConfig      `yaml:"engine"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Notify      NotifyConfig      `yaml:"notify"`
	Definitions DefinitionsConfig `yaml:"definitions"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type GRPCConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig selects Postgres storage. An empty DSN keeps everything in memory.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

// RedisConfig enables the definition cache and the event listener when Addr is set.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	CacheTTL      string `yaml:"cache_ttl"`
	EventsChannel string `yaml:"events_channel"`
}

type SchedulerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Interval    string `yaml:"interval"`
	BatchSize   int    `yaml:"batch_size"`
	Concurrency int    `yaml:"concurrency"`
}

type EngineConfig struct {
	MaxStepsPerCall      int    `yaml:"max_steps_per_call"`
	HTTPTimeout          string `yaml:"http_timeout"`
	ConflictRetries      int    `yaml:"conflict_retries"`
	BroadcastConcurrency int    `yaml:"broadcast_concurrency"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	SinkURL    string `yaml:"sink_url"`
	SinkAPIKey string `yaml:"sink_api_key"`
	SinkSource string `yaml:"sink_source"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

type NotifyConfig struct {
	AuditURL string `yaml:"audit_url"`
	EventURL string `yaml:"event_url"`
	Timeout  string `yaml:"timeout"`
}

type DefinitionsConfig struct {
	SeedFiles []string `yaml:"seed_files"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8100,
		},
		GRPC: GRPCConfig{
			Host: "0.0.0.0",
			Port: 9114,
		},
		Database: DatabaseConfig{
			MaxConns: 10,
			Migrate:  true,
		},
		Redis: RedisConfig{
			CacheTTL:      "10m",
			EventsChannel: "flowengine.events",
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			Interval:    "5s",
			BatchSize:   50,
			Concurrency: 4,
		},
		Engine: EngineConfig{
			MaxStepsPerCall:      1000,
			HTTPTimeout:          "30s",
			ConflictRetries:      5,
			BroadcastConcurrency: 8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "otel-collector:4317",
			ServiceName: "flowengine",
		},
		Notify: NotifyConfig{
			Timeout: "5s",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	envString("APP_SERVER_HOST", &cfg.Server.Host)
	envInt("APP_SERVER_PORT", &cfg.Server.Port)
	envString("APP_GRPC_HOST", &cfg.GRPC.Host)
	envInt("APP_GRPC_PORT", &cfg.GRPC.Port)
	envString("APP_DATABASE_DSN", &cfg.Database.DSN)
	envBool("APP_DATABASE_MIGRATE", &cfg.Database.Migrate)
	envString("APP_REDIS_ADDR", &cfg.Redis.Addr)
	envString("APP_REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("APP_REDIS_DB", &cfg.Redis.DB)
	envString("APP_REDIS_EVENTS_CHANNEL", &cfg.Redis.EventsChannel)
	envBool("APP_SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)
	envString("APP_SCHEDULER_INTERVAL", &cfg.Scheduler.Interval)
	envInt("APP_ENGINE_MAX_STEPS_PER_CALL", &cfg.Engine.MaxStepsPerCall)
	envString("APP_LOG_LEVEL", &cfg.Logging.Level)
	envString("APP_LOG_FORMAT", &cfg.Logging.Format)
	envString("APP_LOG_SINK_URL", &cfg.Logging.SinkURL)
	envString("APP_LOG_SINK_API_KEY", &cfg.Logging.SinkAPIKey)
	envBool("APP_TELEMETRY_ENABLED", &cfg.Telemetry.Enabled)
	envString("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	envString("APP_NOTIFY_AUDIT_URL", &cfg.Notify.AuditURL)
	envString("APP_NOTIFY_EVENT_URL", &cfg.Notify.EventURL)
	if v := strings.TrimSpace(os.Getenv("APP_DEFINITIONS_SEED_FILES")); v != "" {
		cfg.Definitions.SeedFiles = splitList(v)
	}

	return cfg, nil
}

func Module(path string) fx.Option {
	return fx.Provide(func() (Config, error) {
		return Load(path)
	})
}

// Duration parses raw, falling back when it is empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func envBool(key string, dst *bool) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
