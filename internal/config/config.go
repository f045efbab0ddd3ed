// Package config loads dropletd runtime configuration from the environment,
// with an optional YAML overlay for operational tuning knobs.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the dropletd service.
type Config struct {
	Addr           string   `env:"ADDR,default=:8080"`
	DBDSN          string   `env:"DB_DSN,required"`
	ProviderToken  string   `env:"PROVIDER_TOKEN,required"`
	AnalysisURL    string   `env:"ANALYSIS_URL,required"`
	AuthIntrospect string   `env:"AUTH_INTROSPECT_URL,required"`
	NATSURL        string   `env:"NATS_URL"`
	PublicBaseURL  string   `env:"PUBLIC_BASE_URL,required"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:5173"`

	DefaultTTL        time.Duration `env:"DROPLET_DEFAULT_TTL,default=30m"`
	ReapInterval      time.Duration `env:"REAP_INTERVAL,default=30s"`
	HeartbeatInterval time.Duration `env:"SSE_HEARTBEAT_INTERVAL,default=15s"`
	MaxLogLines       int           `env:"MAX_LOG_LINES,default=10000"`
	IngestRateLimit   int           `env:"INGEST_RATE_LIMIT,default=120"`
}

// overlay mirrors the tunables an operator may set in a config file. File
// values win over environment defaults but not over explicit env vars, so
// the overlay is applied only where the env left the zero/default in place.
type overlay struct {
	DefaultTTL        time.Duration `yaml:"default_ttl"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxLogLines       int           `yaml:"max_log_lines"`
	IngestRateLimit   int           `yaml:"ingest_rate_limit"`
}

// Load returns a Config populated from environment variables, then merged
// with the YAML overlay at path (if path is non-empty and the file exists).
func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config overlay: %w", err)
	}

	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Config{}, fmt.Errorf("parse config overlay: %w", err)
	}

	if o.DefaultTTL > 0 && os.Getenv("DROPLET_DEFAULT_TTL") == "" {
		cfg.DefaultTTL = o.DefaultTTL
	}
	if o.ReapInterval > 0 && os.Getenv("REAP_INTERVAL") == "" {
		cfg.ReapInterval = o.ReapInterval
	}
	if o.HeartbeatInterval > 0 && os.Getenv("SSE_HEARTBEAT_INTERVAL") == "" {
		cfg.HeartbeatInterval = o.HeartbeatInterval
	}
	if o.MaxLogLines > 0 && os.Getenv("MAX_LOG_LINES") == "" {
		cfg.MaxLogLines = o.MaxLogLines
	}
	if o.IngestRateLimit > 0 && os.Getenv("INGEST_RATE_LIMIT") == "" {
		cfg.IngestRateLimit = o.IngestRateLimit
	}

	return cfg, nil
}
