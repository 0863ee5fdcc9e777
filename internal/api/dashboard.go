package api

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/dataguard/dataguard/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

//go:embed templates/*.html
var templateFS embed.FS

var dashboardTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// DashboardHome renders the 24h overview with recent decisions.
func (h *Handlers) DashboardHome(c *gin.Context) {
	if h.audit == nil {
		c.String(http.StatusServiceUnavailable, "audit storage not configured")
		return
	}

	summary, err := h.audit.StatsSummary(c.Request.Context(), 24)
	if err != nil {
		log.Error().Err(err).Msg("Dashboard stats failed")
		c.String(http.StatusInternalServerError, "stats unavailable")
		return
	}

	recent, err := h.audit.Query(c.Request.Context(), &models.AuditQuery{Limit: 50})
	if err != nil {
		log.Error().Err(err).Msg("Dashboard query failed")
		c.String(http.StatusInternalServerError, "audit unavailable")
		return
	}

	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplates.ExecuteTemplate(c.Writer, "dashboard.html", gin.H{
		"Stats":     summary,
		"Decisions": recent,
	}); err != nil {
		log.Error().Err(err).Msg("Dashboard render failed")
	}
}

// DashboardApprovals lists decisions awaiting human review.
func (h *Handlers) DashboardApprovals(c *gin.Context) {
	if h.audit == nil {
		c.String(http.StatusServiceUnavailable, "audit storage not configured")
		return
	}

	rows, err := h.audit.Query(c.Request.Context(), &models.AuditQuery{
		Verdict: string(models.VerdictRequireApproval),
		Limit:   200,
	})
	if err != nil {
		log.Error().Err(err).Msg("Approvals query failed")
		c.String(http.StatusInternalServerError, "audit unavailable")
		return
	}

	pending := make([]models.AuditLogEntry, 0, len(rows))
	for _, row := range rows {
		if row.ApprovedBy == nil {
			pending = append(pending, row)
		}
	}

	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplates.ExecuteTemplate(c.Writer, "approvals.html", gin.H{
		"Pending": pending,
	}); err != nil {
		log.Error().Err(err).Msg("Approvals render failed")
	}
}

// DashboardResolve handles the approve/reject form post.
func (h *Handlers) DashboardResolve(c *gin.Context) {
	decisionID := c.Param("decision_id")
	approved := c.PostForm("approved") == "true"
	reviewer := c.PostForm("reviewer")
	if reviewer == "" {
		reviewer = "dashboard"
	}

	decision := h.orch.ResolveApproval(decisionID, approved, reviewer)
	if decision == nil {
		c.String(http.StatusNotFound, "decision not found or not pending")
		return
	}

	if h.tel != nil {
		h.tel.RecordApprovalResolved(c.Request.Context())
	}
	if h.audit != nil {
		if err := h.audit.RecordApproval(c.Request.Context(), decisionID, reviewer); err != nil {
			log.Error().Err(err).Str("decision_id", decisionID).Msg("Failed to record approval")
		}
	}

	c.Redirect(http.StatusSeeOther, "/dashboard/approvals")
}
