package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"dropletd/internal/analysis"
	"dropletd/internal/bootstrap"
	"dropletd/internal/models"
	"dropletd/internal/provider"
	"dropletd/internal/store"
	"dropletd/pkg/bus"
)

const providerAuthHelp = "the provider rejected the configured API token; regenerate it in the provider console and update PROVIDER_TOKEN"

// handleCreateDroplet turns a natural-language request into a provisioned
// droplet: the analysis service derives the plan, the provider creates the
// droplet with the generated cloud-init document, and the record is
// persisted with its expiration deadline.
func (a *API) handleCreateDroplet(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())

	var req struct {
		Message string `json:"message"`
		Project string `json:"project,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}

	plan, diag, err := a.analysis.Analyze(r.Context(), req.Message, owner, req.Project)
	if errors.Is(err, analysis.ErrMissingParameters) {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "missing parameters",
			"diagnostic": diag,
		})
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	// A plan without workloads still gets containers: ask the analysis
	// service what the described task should run.
	if len(plan.Workloads) == 0 {
		workloads, gpu, err := a.analysis.SuggestWorkloads(r.Context(), req.Message)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		plan.Workloads = workloads
		plan.GPU = plan.GPU || gpu
	}

	userData, err := a.generator.CloudInit(bootstrap.Params{
		BackendURL: a.config.PublicBaseURL,
		JobToken:   plan.Name,
		Workloads:  plan.Workloads,
		GPU:        plan.GPU,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	created, err := a.provider.Create(r.Context(), provider.CreateRequest{
		Name:     plan.Name,
		Region:   plan.Region,
		Size:     plan.Size,
		Image:    plan.Image,
		UserData: userData,
	})
	if err != nil {
		a.metrics.providerError.Inc()
		if errors.Is(err, provider.ErrAuth) {
			respondErrorHelp(w, http.StatusInternalServerError, err, providerAuthHelp)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	now := time.Now().UTC()
	expires := now.Add(a.config.DropletTTL)
	d := &models.Droplet{
		DropletID:   created.ID,
		Name:        created.Name,
		OwnerID:     owner,
		Status:      created.Status,
		Region:      created.Region,
		Size:        created.Size,
		Image:       created.Image,
		IPv4:        created.IPv4,
		MonthlyCost: created.MonthlyCost,
		UserInput:   req.Message,
		Workloads:   plan.Workloads,
		GPU:         plan.GPU,
		ExpiresAt:   &expires,
	}
	if d.Status == "" {
		d.Status = models.StatusNew
	}

	if err := a.store.Create(r.Context(), d); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if err := a.bus.PublishEvent(r.Context(), bus.SubjectDropletCreated, bus.DropletEvent{
		DropletID: d.DropletID,
		Name:      d.Name,
		OwnerID:   d.OwnerID,
		Status:    d.Status,
		At:        now,
	}); err != nil {
		a.log.Warn().Err(err).Int64("droplet_id", d.DropletID).Msg("publish created event")
	}

	respondJSON(w, http.StatusCreated, map[string]any{"droplet": dropletView(d)})
}

func (a *API) handleListDroplets(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())

	droplets, err := a.store.ListByOwner(r.Context(), owner)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	views := make([]map[string]any, 0, len(droplets))
	for i := range droplets {
		views = append(views, dropletView(&droplets[i]))
	}
	respondJSON(w, http.StatusOK, map[string]any{"droplets": views})
}

// handleGetDroplet serves the stored record, refreshed with the provider's
// live status. A provider failure degrades to the stored view; the read must
// not depend on the provider being up.
func (a *API) handleGetDroplet(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	token := chi.URLParam(r, "token")

	d, err := a.store.ResolveJob(r.Context(), token, owner)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if !d.IsDeleted {
		live, err := a.provider.Get(r.Context(), d.DropletID)
		switch {
		case err == nil:
			if live.Status != "" && live.Status != d.Status {
				if err := a.store.UpdateStatus(r.Context(), d.DropletID, live.Status); err != nil {
					respondError(w, http.StatusInternalServerError, err)
					return
				}
				d.Status = live.Status
			}
		case errors.Is(err, provider.ErrNotFound):
			// Gone at the provider; the reaper or delete path owns the
			// archive transition, so the stored view stands.
		default:
			a.metrics.providerError.Inc()
			a.log.Warn().Err(err).Int64("droplet_id", d.DropletID).Msg("refresh droplet status")
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{"droplet": dropletView(d)})
}

// handleDeleteDroplet destroys the droplet immediately instead of waiting
// for expiry. The provider's "already gone" answer counts as success.
func (a *API) handleDeleteDroplet(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	token := chi.URLParam(r, "token")

	d, err := a.store.ResolveJob(r.Context(), token, owner)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if d.IsDeleted {
		respondError(w, http.StatusConflict, store.ErrDeleted)
		return
	}

	if err := a.provider.Delete(r.Context(), d.DropletID); err != nil && !errors.Is(err, provider.ErrNotFound) {
		a.metrics.providerError.Inc()
		if errors.Is(err, provider.ErrAuth) {
			respondErrorHelp(w, http.StatusInternalServerError, err, providerAuthHelp)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	now := time.Now().UTC()
	if err := a.store.Archive(r.Context(), d.DropletID, now); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	a.registry.Drop(d.DropletID)

	if err := a.bus.PublishEvent(r.Context(), bus.SubjectDropletArchived, bus.DropletEvent{
		DropletID: d.DropletID,
		Name:      d.Name,
		OwnerID:   d.OwnerID,
		Status:    models.StatusArchived,
		At:        now,
	}); err != nil {
		a.log.Warn().Err(err).Int64("droplet_id", d.DropletID).Msg("publish archived event")
	}

	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleExtendDroplet pushes the expiration deadline forward by the fixed
// increment. Extending an archived droplet fails explicitly.
func (a *API) handleExtendDroplet(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	token := chi.URLParam(r, "token")

	d, err := a.store.ResolveJob(r.Context(), token, owner)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	updated, err := a.store.Extend(r.Context(), d.DropletID, time.Now().UTC())
	if errors.Is(err, store.ErrDeleted) {
		respondError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if err := a.bus.PublishEvent(r.Context(), bus.SubjectDropletExtended, bus.DropletEvent{
		DropletID: updated.DropletID,
		Name:      updated.Name,
		OwnerID:   updated.OwnerID,
		Status:    updated.Status,
		At:        time.Now().UTC(),
	}); err != nil {
		a.log.Warn().Err(err).Int64("droplet_id", updated.DropletID).Msg("publish extended event")
	}

	respondJSON(w, http.StatusOK, map[string]any{"droplet": dropletView(updated)})
}

// handleDropletMetrics proxies the provider's monitoring data for one
// droplet.
func (a *API) handleDropletMetrics(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	token := chi.URLParam(r, "token")

	d, err := a.store.ResolveJob(r.Context(), token, owner)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = "cpu"
	}
	end := time.Now().UTC()
	start := end.Add(-1 * time.Hour)

	raw, err := a.provider.Metrics(r.Context(), d.DropletID, kind, start, end)
	if err != nil {
		a.metrics.providerError.Inc()
		if errors.Is(err, provider.ErrAuth) {
			respondErrorHelp(w, http.StatusInternalServerError, err, providerAuthHelp)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

// handleReaperRun triggers one reaper pass. Kept for external schedulers
// that drive expiry on their own cadence.
func (a *API) handleReaperRun(w http.ResponseWriter, r *http.Request) {
	if a.reaper == nil {
		respondError(w, http.StatusFailedDependency, errors.New("reaper not configured"))
		return
	}

	report, err := a.reaper.Run(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func dropletView(d *models.Droplet) map[string]any {
	return map[string]any{
		"dropletId":   d.DropletID,
		"name":        d.Name,
		"status":      d.Status,
		"region":      d.Region,
		"size":        d.Size,
		"image":       d.Image,
		"ipv4":        d.IPv4,
		"monthlyCost": d.MonthlyCost,
		"gpu":         d.GPU,
		"workloads":   d.Workloads,
		"expiresAt":   d.ExpiresAt,
		"isDeleted":   d.IsDeleted,
		"deletedAt":   d.DeletedAt,
		"createdAt":   d.CreatedAt,
		"userInput":   d.UserInput,
	}
}
