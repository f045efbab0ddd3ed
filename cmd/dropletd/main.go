package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"dropletd/internal/analysis"
	"dropletd/internal/api"
	"dropletd/internal/bootstrap"
	"dropletd/internal/config"
	"dropletd/internal/db"
	"dropletd/internal/logbuf"
	"dropletd/internal/provider"
	"dropletd/internal/reaper"
	"dropletd/internal/store"
	"dropletd/pkg/bus"
	"dropletd/pkg/telemetry"
)

const serviceName = "dropletd"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dropletd",
		Short:         "Natural-language droplet provisioning service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newReapCommand())
	cmd.AddCommand(newMigrateCommand())
	return cmd
}

func loadConfig(ctx context.Context, overlayPath string) (config.Config, error) {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	return config.Load(ctx, overlayPath)
}

func newServeCommand() *cobra.Command {
	var overlayPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background expiration reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(ctx, overlayPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			shutdown, middleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("shutdown telemetry")
				}
			}()

			if err := db.Migrate(ctx, cfg.DBDSN); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}

			orm, err := db.Connect(ctx, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer func() {
				if err := db.Close(orm); err != nil {
					log.Error().Err(err).Msg("close database")
				}
			}()

			pool, err := db.OpenPool(ctx, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("open pgx pool: %w", err)
			}
			defer pool.Close()

			var eventBus *bus.Bus
			if cfg.NATSURL != "" {
				eventBus, err = bus.New(cfg.NATSURL)
				if err != nil {
					return fmt.Errorf("connect nats: %w", err)
				}
				defer eventBus.Close()
			}

			generator, err := bootstrap.New()
			if err != nil {
				return fmt.Errorf("init bootstrap generator: %w", err)
			}

			st := store.New(orm, pool)
			registry := logbuf.NewRegistry(cfg.MaxLogLines)
			prov := provider.New(cfg.ProviderToken)
			reap := reaper.New(st, prov, registry, eventBus, log.Logger, prometheus.DefaultRegisterer)

			app, err := api.New(api.Deps{
				Store:     st,
				Registry:  registry,
				Provider:  prov,
				Analysis:  analysis.New(cfg.AnalysisURL),
				Generator: generator,
				Reaper:    reap,
				Bus:       eventBus,
				Log:       log.Logger,
				Prom:      prometheus.DefaultRegisterer,
			}, api.Config{
				PublicBaseURL:     cfg.PublicBaseURL,
				AuthIntrospectURL: cfg.AuthIntrospect,
				AllowedOrigins:    cfg.AllowedOrigins,
				HeartbeatInterval: cfg.HeartbeatInterval,
				DropletTTL:        cfg.DefaultTTL,
				IngestRateLimit:   cfg.IngestRateLimit,
			})
			if err != nil {
				return fmt.Errorf("init api: %w", err)
			}

			routes, err := app.Routes()
			if err != nil {
				return fmt.Errorf("build routes: %w", err)
			}

			go reap.Start(ctx, cfg.ReapInterval)

			srv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           middleware(routes),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				log.Info().Str("addr", cfg.Addr).Msg("starting dropletd")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("http server")
				}
			}()

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&overlayPath, "config", "", "Optional YAML overlay for tuning knobs")
	return cmd
}

func newReapCommand() *cobra.Command {
	var overlayPath string

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Run one expiration reaper pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx, overlayPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			orm, err := db.Connect(ctx, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer func() {
				_ = db.Close(orm)
			}()

			pool, err := db.OpenPool(ctx, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("open pgx pool: %w", err)
			}
			defer pool.Close()

			st := store.New(orm, pool)
			prov := provider.New(cfg.ProviderToken)
			reap := reaper.New(st, prov, nil, nil, log.Logger, nil)

			report, err := reap.Run(ctx)
			if err != nil {
				return err
			}

			log.Info().
				Int("expired", report.Expired).
				Int("archived", report.Archived).
				Int("errors", len(report.Errors)).
				Msg("reaper pass complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&overlayPath, "config", "", "Optional YAML overlay for tuning knobs")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context(), "")
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return db.Migrate(cmd.Context(), cfg.DBDSN)
		},
	}
}
