// Package api exposes dropletd's HTTP surface: droplet CRUD, job log
// ingest/streaming, job token resolution, the bootstrap script download,
// and the reaper trigger.
package api

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"dropletd/internal/analysis"
	"dropletd/internal/bootstrap"
	"dropletd/internal/logbuf"
	"dropletd/internal/provider"
	"dropletd/internal/reaper"
	"dropletd/internal/store"
	"dropletd/pkg/bus"
)

const (
	defaultHeartbeat  = 15 * time.Second
	defaultDropletTTL = 30 * time.Minute
	defaultAuthTTL    = 5 * time.Minute
)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// PublicBaseURL is the dropletd base URL reachable from droplets; it is
	// baked into generated bootstrap scripts.
	PublicBaseURL string
	// AuthIntrospectURL is the auth provider endpoint that exchanges a
	// bearer token for a principal id.
	AuthIntrospectURL string
	AllowedOrigins    []string
	// HeartbeatInterval paces SSE keep-alive comments. It must stay well
	// under the idle timeout of any proxy in front of the service.
	HeartbeatInterval time.Duration
	// DropletTTL is the initial lifetime assigned at creation.
	DropletTTL time.Duration
	// IngestRateLimit caps unauthenticated ingest calls per minute per IP.
	IngestRateLimit int
}

// API wires dependencies and configuration for the HTTP handlers.
type API struct {
	store     *store.Store
	registry  *logbuf.Registry
	provider  *provider.Client
	analysis  *analysis.Client
	generator *bootstrap.Generator
	reaper    *reaper.Reaper
	bus       *bus.Bus
	auth      *authCache
	log       zerolog.Logger
	config    Config
	metrics   *metrics
}

// Deps bundles the collaborators the API needs.
type Deps struct {
	Store     *store.Store
	Registry  *logbuf.Registry
	Provider  *provider.Client
	Analysis  *analysis.Client
	Generator *bootstrap.Generator
	Reaper    *reaper.Reaper
	Bus       *bus.Bus
	Log       zerolog.Logger
	Prom      prometheus.Registerer
}

// New initialises the API layer with defaults applied to the configuration.
func New(deps Deps, cfg Config) (*API, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("log registry is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("provider client is required")
	}
	if deps.Generator == nil {
		return nil, errors.New("bootstrap generator is required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, errors.New("public base URL is required")
	}
	if cfg.AuthIntrospectURL == "" {
		return nil, errors.New("auth introspect URL is required")
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.DropletTTL <= 0 {
		cfg.DropletTTL = defaultDropletTTL
	}
	if cfg.IngestRateLimit <= 0 {
		cfg.IngestRateLimit = 120
	}

	return &API{
		store:     deps.Store,
		registry:  deps.Registry,
		provider:  deps.Provider,
		analysis:  deps.Analysis,
		generator: deps.Generator,
		reaper:    deps.Reaper,
		bus:       deps.Bus,
		auth:      newAuthCache(cfg.AuthIntrospectURL, defaultAuthTTL),
		log:       deps.Log,
		config:    cfg,
		metrics:   newMetrics(deps.Prom),
	}, nil
}
