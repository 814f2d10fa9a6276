package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"baas-service/service/rate_limiter"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

type failingLimiter struct{}

func (failingLimiter) CheckRateLimit(context.Context, []rate_limiter.RateLimitRule) (*rate_limiter.RateLimitResult, error) {
	return nil, errors.New("redis: connection refused")
}

func newScopedRouter(limiter rate_limiter.Limiter, cfg rate_limiter.Config) *chi.Mux {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := chi.NewRouter()
	r.Route("/tenants/{tenant}/projects/{project}", func(r chi.Router) {
		r.Use(Scope)
		r.Use(RateLimit(limiter, cfg, nil, logger))
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	cfg := rate_limiter.Config{Window: time.Minute, ProjectRequests: 2}
	router := newScopedRouter(rate_limiter.NewLocalRateLimiter(), cfg)

	w := get(router, "/tenants/acme/projects/crm/ping")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))

	get(router, "/tenants/acme/projects/crm/ping")
	w = get(router, "/tenants/acme/projects/crm/ping")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "超过项目限流限制")

	// 其他项目独立计数
	w = get(router, "/tenants/acme/projects/erp/ping")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRateLimit_FailOpen(t *testing.T) {
	cfg := rate_limiter.Config{ProjectRequests: 1}
	router := newScopedRouter(failingLimiter{}, cfg)

	w := get(router, "/tenants/acme/projects/crm/ping")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestScope_RejectsInvalidIDs(t *testing.T) {
	router := newScopedRouter(rate_limiter.NewLocalRateLimiter(), rate_limiter.Config{})

	w := get(router, "/tenants/ac%20me/projects/crm/ping")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(router, "/tenants/acme/projects/crm/ping")
	assert.Equal(t, http.StatusNoContent, w.Code)
}
