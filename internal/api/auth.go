package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

type ctxKey int

const ownerKey ctxKey = iota

// ownerFromContext returns the authenticated principal id set by
// requireAuth.
func ownerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}

type authEntry struct {
	owner   string
	expires time.Time
}

// authCache validates bearer tokens against the auth provider's introspection
// endpoint and caches the result so hot paths (the SSE stream reconnecting,
// dashboard polling) do not hammer the provider.
type authCache struct {
	introspectURL string
	ttl           time.Duration
	http          *http.Client

	mu      sync.Mutex
	entries map[string]authEntry
}

func newAuthCache(introspectURL string, ttl time.Duration) *authCache {
	return &authCache{
		introspectURL: introspectURL,
		ttl:           ttl,
		http:          &http.Client{Timeout: 10 * time.Second},
		entries:       make(map[string]authEntry),
	}
}

var errUnauthorized = errors.New("missing or invalid bearer token")

func (a *authCache) resolve(ctx context.Context, token string) (string, error) {
	now := time.Now()

	a.mu.Lock()
	for key, entry := range a.entries {
		if now.After(entry.expires) {
			delete(a.entries, key)
		}
	}
	if entry, ok := a.entries[token]; ok {
		a.mu.Unlock()
		return entry.owner, nil
	}
	a.mu.Unlock()

	body := strings.NewReader(fmt.Sprintf(`{"token":%q}`, token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.introspectURL, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth introspection: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth introspection: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Active bool   `json:"active"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("auth introspection: decode: %w", err)
	}
	if !payload.Active || payload.UserID == "" {
		return "", errUnauthorized
	}

	a.mu.Lock()
	a.entries[token] = authEntry{owner: payload.UserID, expires: now.Add(a.ttl)}
	a.mu.Unlock()

	return payload.UserID, nil
}

// requireAuth authenticates the bearer token and stores the principal id in
// the request context. SSE clients cannot set headers, so a token query
// parameter is accepted as a fallback for the streaming endpoint.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			respondError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}

		owner, err := a.auth.resolve(r.Context(), token)
		if errors.Is(err, errUnauthorized) {
			respondError(w, http.StatusUnauthorized, err)
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey, owner)))
	})
}
