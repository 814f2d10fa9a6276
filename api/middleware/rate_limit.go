package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"baas-service/service/monitoring"
	"baas-service/service/rate_limiter"

	"github.com/go-chi/render"
)

// RateLimit 按请求作用域限流，需挂在 Scope 之后。
// 限流器不可用时放行请求。
func RateLimit(limiter rate_limiter.Limiter, cfg rate_limiter.Config, metrics *monitoring.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope, ok := GetScopeFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.CheckRateLimit(r.Context(), cfg.Rules(scope.TenantID, scope.ProjectID))
			if err != nil {
				logger.Warn("限流检查失败，放行请求", "tenant", scope.TenantID, "project", scope.ProjectID, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			if result.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))
			}
			if !result.Allowed {
				metrics.Throttled(result.RateLimitType)
				retryAfter := result.ResetAt - time.Now().Unix()
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				render.Status(r, http.StatusTooManyRequests)
				render.JSON(w, r, errorBody{Status: http.StatusTooManyRequests, Msg: result.Message})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
