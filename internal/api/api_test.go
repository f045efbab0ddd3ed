package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dropletd/internal/analysis"
	"dropletd/internal/bootstrap"
	"dropletd/internal/logbuf"
	"dropletd/internal/models"
	"dropletd/internal/provider"
	"dropletd/internal/reaper"
	"dropletd/internal/store"
)

// fakeCloud stands in for the provider API: create assigns sequential ids,
// delete records calls, unknown droplets get a 404. statuses feeds the GET
// endpoint so status-refresh paths can be exercised.
type fakeCloud struct {
	mu       sync.Mutex
	nextID   int64
	deleted  []int64
	missing  map[int64]bool
	statuses map[int64]string
}

func (f *fakeCloud) setStatus(id int64, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[int64]string)
	}
	f.statuses[id] = status
}

func (f *fakeCloud) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /droplets", func(w http.ResponseWriter, r *http.Request) {
		var req provider.CreateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		f.nextID++
		id := f.nextID
		f.mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"droplet": map[string]any{
				"id":     id,
				"name":   req.Name,
				"status": "new",
				"region": map[string]any{"slug": req.Region},
				"size":   map[string]any{"price_monthly": 6.0},
			},
		})
	})
	mux.HandleFunc("GET /droplets/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)

		f.mu.Lock()
		status, ok := f.statuses[id]
		missing := f.missing[id]
		f.mu.Unlock()
		if missing || !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"droplet": map[string]any{
				"id":     id,
				"status": status,
			},
		})
	})
	mux.HandleFunc("GET /monitoring/metrics/droplet/{kind}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"kind":    r.PathValue("kind"),
			"host_id": r.URL.Query().Get("host_id"),
			"data":    []any{},
		})
	})
	mux.HandleFunc("DELETE /droplets/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.missing[id] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.deleted = append(f.deleted, id)
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

type testEnv struct {
	api      *API
	handler  http.Handler
	store    *store.Store
	registry *logbuf.Registry
	cloud    *fakeCloud
}

// tokens accepted by the fake auth provider.
var authTokens = map[string]string{
	"tok-u1": "u1",
	"tok-u2": "u2",
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	orm, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := orm.AutoMigrate(&models.Droplet{}); err != nil {
		t.Fatal(err)
	}
	st := store.New(orm, nil)

	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		user, ok := authTokens[req.Token]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"active": true, "user_id": user})
	}))
	t.Cleanup(authSrv.Close)

	cloud := &fakeCloud{}
	cloudSrv := httptest.NewServer(cloud.handler())
	t.Cleanup(cloudSrv.Close)

	analysisSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/analyze":
			var req struct {
				Message string `json:"message"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Message == "vague request" {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"diagnostic": map[string]any{
						"missing":     []string{"region"},
						"suggestions": map[string]string{"region": "nyc3"},
					},
				})
				return
			}
			if req.Message == "plain box" {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"plan": map[string]any{
						"name":   "auto-plain",
						"region": "nyc3",
						"size":   "s-1vcpu-1gb",
						"image":  "ubuntu-24-04-x64",
					},
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"plan": map[string]any{
					"name":   "auto-alpha",
					"region": "nyc3",
					"size":   "s-1vcpu-1gb",
					"image":  "ubuntu-24-04-x64",
					"workloads": []map[string]any{
						{"image": "nginx:latest", "command": "nginx -g 'daemon off;'"},
					},
				},
			})
		case "/suggest":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"workloads": []map[string]any{
					{"image": "redis:7", "command": "redis-server"},
				},
				"gpu": true,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(analysisSrv.Close)

	registry := logbuf.NewRegistry(0)
	prov := provider.New("test-token", provider.WithBaseURL(cloudSrv.URL))
	generator, err := bootstrap.New()
	if err != nil {
		t.Fatal(err)
	}
	reap := reaper.New(st, prov, registry, nil, zerolog.Nop(), nil)

	app, err := New(Deps{
		Store:     st,
		Registry:  registry,
		Provider:  prov,
		Analysis:  analysis.New(analysisSrv.URL),
		Generator: generator,
		Reaper:    reap,
		Log:       zerolog.Nop(),
	}, Config{
		PublicBaseURL:     "https://dropletd.example.com",
		AuthIntrospectURL: authSrv.URL,
		HeartbeatInterval: 25 * time.Millisecond,
		DropletTTL:        30 * time.Minute,
		IngestRateLimit:   10000,
	})
	if err != nil {
		t.Fatal(err)
	}

	routes, err := app.Routes()
	if err != nil {
		t.Fatal(err)
	}

	return &testEnv{api: app, handler: routes, store: st, registry: registry, cloud: cloud}
}

func (e *testEnv) seed(t *testing.T, d models.Droplet) {
	t.Helper()
	if err := e.store.Create(context.Background(), &d); err != nil {
		t.Fatal(err)
	}
}
