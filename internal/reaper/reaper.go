// Package reaper reclaims droplets whose lifetime has elapsed: provider
// delete, soft-delete in the store, log buffer release, lifecycle event.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"dropletd/internal/logbuf"
	"dropletd/internal/models"
	"dropletd/internal/provider"
	"dropletd/internal/store"
	"dropletd/pkg/bus"
)

// DropletDeleter is the provider surface the reaper needs.
type DropletDeleter interface {
	Delete(ctx context.Context, id int64) error
}

// ItemError records one droplet that could not be reclaimed this run.
type ItemError struct {
	DropletID int64  `json:"droplet_id"`
	Name      string `json:"name"`
	Error     string `json:"error"`
}

// Report summarises one reaper run.
type Report struct {
	Expired  int         `json:"expired"`
	Archived int         `json:"archived"`
	Errors   []ItemError `json:"errors,omitempty"`
}

// Reaper scans for expired droplets and reclaims them one at a time. A
// failure on one droplet never aborts the rest of the batch; the droplet is
// retried on the next run.
type Reaper struct {
	store    *store.Store
	provider DropletDeleter
	registry *logbuf.Registry
	bus      *bus.Bus
	log      zerolog.Logger

	archivedTotal prometheus.Counter
	errorsTotal   prometheus.Counter
}

// New builds a Reaper. registry and b may be nil; metrics are registered on
// reg when it is non-nil.
func New(s *store.Store, p DropletDeleter, registry *logbuf.Registry, b *bus.Bus, log zerolog.Logger, reg prometheus.Registerer) *Reaper {
	r := &Reaper{
		store:    s,
		provider: p,
		registry: registry,
		bus:      b,
		log:      log,
		archivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropletd_reaper_archived_total",
			Help: "Droplets archived by the expiration reaper.",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropletd_reaper_errors_total",
			Help: "Per-droplet failures during reaper runs.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.archivedTotal, r.errorsTotal)
	}
	return r
}

// Run performs one reaper pass at time now(). The provider's "already gone"
// answer counts as a successful delete, which keeps repeated runs over the
// same droplet idempotent: a crash between provider delete and the store
// update is repaired by the next pass.
func (r *Reaper) Run(ctx context.Context) (Report, error) {
	now := time.Now().UTC()

	expired, err := r.store.ListExpired(ctx, now)
	if err != nil {
		return Report{}, fmt.Errorf("list expired droplets: %w", err)
	}

	report := Report{Expired: len(expired)}

	for _, d := range expired {
		if err := r.reapOne(ctx, d, now); err != nil {
			r.errorsTotal.Inc()
			report.Errors = append(report.Errors, ItemError{
				DropletID: d.DropletID,
				Name:      d.Name,
				Error:     err.Error(),
			})
			r.log.Error().Err(err).Int64("droplet_id", d.DropletID).Msg("reap droplet")
			continue
		}
		r.archivedTotal.Inc()
		report.Archived++
		r.log.Info().Int64("droplet_id", d.DropletID).Str("name", d.Name).Msg("droplet archived")
	}

	return report, nil
}

func (r *Reaper) reapOne(ctx context.Context, d models.Droplet, now time.Time) error {
	if err := r.provider.Delete(ctx, d.DropletID); err != nil && !errors.Is(err, provider.ErrNotFound) {
		return fmt.Errorf("provider delete: %w", err)
	}

	if err := r.store.Archive(ctx, d.DropletID, now); err != nil {
		return fmt.Errorf("archive record: %w", err)
	}

	if r.registry != nil {
		r.registry.Drop(d.DropletID)
	}

	if err := r.bus.PublishEvent(ctx, bus.SubjectDropletArchived, bus.DropletEvent{
		DropletID: d.DropletID,
		Name:      d.Name,
		OwnerID:   d.OwnerID,
		Status:    models.StatusArchived,
		At:        now,
	}); err != nil {
		r.log.Warn().Err(err).Int64("droplet_id", d.DropletID).Msg("publish archived event")
	}

	return nil
}

// Start runs the reaper on the given interval until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				r.log.Error().Err(err).Msg("reaper run")
			}
		}
	}
}
