package api

import (
	"net/http"
	"time"

	"github.com/dataguard/dataguard/internal/config"
	"github.com/dataguard/dataguard/internal/engine"
	"github.com/dataguard/dataguard/internal/repository"
	"github.com/dataguard/dataguard/internal/telemetry"
	"github.com/gin-gonic/gin"
)

// RouterDeps holds dependencies for router initialization.
type RouterDeps struct {
	Orchestrator *engine.Orchestrator
	AuditRepo    repository.AuditRepository // nil disables audit persistence
	Telemetry    *telemetry.Provider        // nil disables tracing/metrics
	// StopRateLimiter is set by NewRouter. Call it during graceful shutdown to
	// stop the rate limiter's background cleanup goroutine.
	StopRateLimiter func()
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg *config.Config, deps *RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	// Safe default: do not trust any proxy headers (X-Forwarded-For, etc.)
	// Production should configure trusted proxy CIDRs explicitly.
	r.SetTrustedProxies(nil)
	r.Use(gin.Recovery())
	r.Use(securityHeadersMiddleware())
	r.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20) // 1MB
		c.Next()
	})
	r.Use(corsMiddleware(cfg.Server.CORSOrigins))
	r.Use(requestLoggingMiddleware())

	if deps.Telemetry != nil {
		if httpMetrics, err := telemetry.NewHTTPMetrics(deps.Telemetry.Meter()); err == nil {
			r.Use(httpMetrics.Middleware(deps.Telemetry.Tracer()))
		}
	}

	h := NewHandlers(deps.Orchestrator, deps.AuditRepo, deps.Telemetry)

	// Health endpoints: unauthenticated, rate-limit exempt.
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)

	auth := apiKeyMiddleware(cfg.Auth.ParseAPIKeys())

	// Middleware order: Auth → Rate Limiting so that:
	// 1. Unauthenticated requests are rejected before consuming rate limit budget.
	// 2. Rate limits key on the API key rather than IP.
	v1 := r.Group("/v1")
	v1.Use(auth)
	if cfg.Auth.RateLimitRPM > 0 {
		rl := newRateLimiter(cfg.Auth.RateLimitRPM, time.Minute)
		deps.StopRateLimiter = rl.Stop
		v1.Use(rateLimitMiddleware(rl))
	}
	{
		guardian := v1.Group("/guardian")
		{
			guardian.POST("/evaluate", h.Evaluate)
			guardian.POST("/evaluate-batch", h.EvaluateBatch)
			guardian.POST("/report-outcome", h.ReportOutcome)
			guardian.POST("/approve/:decision_id", requireAdmin(), h.ApproveDecision)
		}

		policies := v1.Group("/policies")
		{
			policies.GET("/active", h.GetActivePolicy)
			policies.PUT("/active", requireAdmin(), h.UpdateActivePolicy)
		}

		v1.POST("/audit/query", h.QueryAudit)
		v1.GET("/stats/summary", h.StatsSummary)
	}

	dashboard := r.Group("/dashboard")
	dashboard.Use(auth)
	{
		dashboard.GET("", h.DashboardHome)
		dashboard.GET("/approvals", h.DashboardApprovals)
		dashboard.POST("/approvals/:decision_id/resolve", requireAdmin(), h.DashboardResolve)
	}

	return r
}
