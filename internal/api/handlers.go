package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dataguard/dataguard/internal/engine"
	"github.com/dataguard/dataguard/internal/models"
	"github.com/dataguard/dataguard/internal/policy"
	"github.com/dataguard/dataguard/internal/repository"
	"github.com/dataguard/dataguard/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handlers carries the wired dependencies for all HTTP endpoints.
type Handlers struct {
	orch  *engine.Orchestrator
	audit repository.AuditRepository
	tel   *telemetry.Provider
}

// NewHandlers creates the handler set. audit and tel may be nil.
func NewHandlers(orch *engine.Orchestrator, audit repository.AuditRepository, tel *telemetry.Provider) *Handlers {
	return &Handlers{orch: orch, audit: audit, tel: tel}
}

// Health is the liveness endpoint.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "dataguard",
		"timestamp": time.Now().UTC(),
	})
}

// Ready is the readiness endpoint.
func (h *Handlers) Ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ready",
		"audit_persistence": h.audit != nil,
	})
}

// Evaluate runs the decision pipeline for one proposal.
func (h *Handlers) Evaluate(c *gin.Context) {
	var req models.EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	decision, ok := h.evaluateOne(c, &req)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, decision)
}

// EvaluateBatch evaluates multiple proposals, responding in request order.
func (h *Handlers) EvaluateBatch(c *gin.Context) {
	var reqs []models.EvaluateRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	decisions := make([]*models.GuardianDecision, 0, len(reqs))
	for i := range reqs {
		decision, ok := h.evaluateOne(c, &reqs[i])
		if !ok {
			return
		}
		decisions = append(decisions, decision)
	}
	c.JSON(http.StatusOK, decisions)
}

// evaluateOne runs one evaluation, persisting audit and recording metrics.
// On failure it writes the error response and returns ok=false.
func (h *Handlers) evaluateOne(c *gin.Context, req *models.EvaluateRequest) (*models.GuardianDecision, bool) {
	// Non-default tenant on the API key overrides the caller-supplied tenant.
	if info := keyInfo(c); info != nil && info.TenantID != "default" {
		req.Context.TenantID = info.TenantID
	}

	start := time.Now()
	decision, err := h.orch.Evaluate(c.Request.Context(), &req.Proposal, &req.Context)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrUnknownRewriteRule):
			log.Error().Err(err).Msg("Policy references unknown rewrite rule")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evaluation cancelled"})
		default:
			log.Error().Err(err).Msg("Evaluation failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "evaluation failed"})
		}
		return nil, false
	}

	if h.tel != nil {
		h.tel.RecordDecision(c.Request.Context(), telemetry.DecisionMetrics{
			Verdict:     string(decision.Verdict),
			Category:    string(req.Proposal.ToolCategory),
			RuleMatched: decision.MatchedRuleID != "",
			RiskScore:   decision.RiskScore.FinalScore,
			Duration:    time.Since(start),
		})
	}

	// Audit failures must never block the decision response.
	if h.audit != nil {
		if err := h.audit.LogDecision(c.Request.Context(), decision, &req.Proposal, &req.Context); err != nil {
			log.Error().Err(err).Str("decision_id", decision.DecisionID).Msg("Failed to persist audit log")
		}
	}

	return decision, true
}

// ReportOutcome records the result of an executed tool call.
func (h *Handlers) ReportOutcome(c *gin.Context) {
	var outcome models.ToolResponse
	if err := c.ShouldBindJSON(&outcome); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	if h.audit != nil {
		if err := h.audit.RecordOutcome(c.Request.Context(), &outcome); err != nil {
			log.Error().Err(err).Str("proposal_id", outcome.ProposalID).Msg("Failed to record outcome")
		}
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "recorded", "proposal_id": outcome.ProposalID})
}

// ApproveDecision resolves a pending approval.
func (h *Handlers) ApproveDecision(c *gin.Context) {
	decisionID := c.Param("decision_id")

	approved, err := strconv.ParseBool(c.DefaultQuery("approved", ""))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "approved must be true or false"})
		return
	}
	reviewer := c.DefaultQuery("reviewer", "unknown")

	decision := h.orch.ResolveApproval(decisionID, approved, reviewer)
	if decision == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "decision not found or not pending approval"})
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

	c.JSON(http.StatusOK, decision)
}

// GetActivePolicy returns the currently active policy document.
func (h *Handlers) GetActivePolicy(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.ActivePolicy())
}

// UpdateActivePolicy validates and hot-swaps the active policy.
func (h *Handlers) UpdateActivePolicy(c *gin.Context) {
	var spec models.PolicySpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if spec.Version == 0 {
		spec.Version = 1
	}
	if spec.RiskThresholds == (models.RiskThresholds{}) {
		spec.RiskThresholds = models.DefaultThresholds()
	}
	if err := policy.Validate(&spec, h.orch.Catalogue()); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	h.orch.UpdatePolicy(&spec)
	c.JSON(http.StatusOK, &spec)
}

// QueryAudit returns audit entries matching the posted filters.
func (h *Handlers) QueryAudit(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit storage not configured"})
		return
	}

	var query models.AuditQuery
	if err := c.ShouldBindJSON(&query); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	entries, err := h.audit.Query(c.Request.Context(), &query)
	if err != nil {
		log.Error().Err(err).Msg("Audit query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit query failed"})
		return
	}
	if entries == nil {
		entries = []models.AuditLogEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// StatsSummary returns aggregate decision stats for the trailing window.
func (h *Handlers) StatsSummary(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit storage not configured"})
		return
	}

	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours < 1 || hours > 720 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "hours must be between 1 and 720"})
		return
	}

	summary, err := h.audit.StatsSummary(c.Request.Context(), hours)
	if err != nil {
		log.Error().Err(err).Msg("Stats aggregation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats aggregation failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
