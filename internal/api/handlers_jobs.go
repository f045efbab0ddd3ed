package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"dropletd/internal/bootstrap"
	"dropletd/internal/store"
)

const maxLogLineBytes = 64 * 1024

// handleIngestLog accepts one log line from a running droplet. The droplet
// has no credential, so the endpoint is deliberately unauthenticated and
// treats every input as low-trust: a malformed or oversized body degrades to
// an empty line, and empty lines are a silent success.
func (a *API) handleIngestLog(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	d, err := a.store.ResolveJob(r.Context(), token, "")
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	var req struct {
		Line string `json:"line"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxLogLineBytes)
	if err := decodeJSON(r, &req); err != nil {
		req.Line = ""
	}

	if req.Line != "" {
		a.registry.Append(d.DropletID, req.Line)
		a.metrics.ingestedLines.Inc()
	}

	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleResolveJob lets a booting droplet discover its numeric job id from
// its own name.
func (a *API) handleResolveJob(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		respondError(w, http.StatusBadRequest, errors.New("name query parameter is required"))
		return
	}

	d, err := a.store.ResolveJob(r.Context(), name, "")
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"jobId": d.DropletID})
}

// handleJobConfig returns the runtime configuration the runner script reads
// at boot.
func (a *API) handleJobConfig(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	d, err := a.store.ResolveJob(r.Context(), token, "")
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	workloads := make([]map[string]any, 0, len(d.Workloads))
	for _, wl := range d.Workloads {
		workloads = append(workloads, map[string]any{
			"image":   wl.Image,
			"command": wl.Command,
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"jobId": d.DropletID,
		"runtime": map[string]any{
			"docker": map[string]any{
				"gpu":       d.GPU,
				"workloads": workloads,
			},
		},
		"bootstrap": map[string]any{
			"scripts": []string{
				fmt.Sprintf("%s/v1/jobs/%d/script", a.config.PublicBaseURL, d.DropletID),
			},
		},
	})
}

// handleJobScript serves the rendered bootstrap runner as a downloadable
// shell script.
func (a *API) handleJobScript(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	d, err := a.store.ResolveJob(r.Context(), token, "")
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	script, err := a.generator.RunnerScript(bootstrap.Params{
		BackendURL: a.config.PublicBaseURL,
		JobToken:   d.Name,
		Workloads:  d.Workloads,
		GPU:        d.GPU,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-sh")
	_, _ = w.Write([]byte(script))
}
