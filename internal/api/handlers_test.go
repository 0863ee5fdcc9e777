package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/dataguard/dataguard/internal/config"
	"github.com/dataguard/dataguard/internal/engine"
	"github.com/dataguard/dataguard/internal/models"
	"github.com/dataguard/dataguard/internal/policy"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memAuditRepo is an in-memory repository.AuditRepository for handler tests.
type memAuditRepo struct {
	mu        sync.Mutex
	decisions []models.GuardianDecision
	tenants   []string
	outcomes  []models.ToolResponse
	approvals []string
}

func (m *memAuditRepo) LogDecision(_ context.Context, d *models.GuardianDecision, _ *models.ToolCallProposal, c *models.ToolCallContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, *d)
	m.tenants = append(m.tenants, c.TenantID)
	return nil
}

func (m *memAuditRepo) RecordOutcome(_ context.Context, o *models.ToolResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, *o)
	return nil
}

func (m *memAuditRepo) RecordApproval(_ context.Context, decisionID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals = append(m.approvals, decisionID)
	return nil
}

func (m *memAuditRepo) Query(_ context.Context, _ *models.AuditQuery) ([]models.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]models.AuditLogEntry, len(m.decisions))
	for i, d := range m.decisions {
		entries[i] = models.AuditLogEntry{
			DecisionID:     d.DecisionID,
			ProposalID:     d.ProposalID,
			Verdict:        string(d.Verdict),
			RiskScoreFinal: d.RiskScore.FinalScore,
			RequiresHuman:  d.RequiresHuman,
		}
	}
	return entries, nil
}

func (m *memAuditRepo) GetByDecisionID(_ context.Context, _ string) (*models.AuditLogEntry, error) {
	return nil, nil
}

func (m *memAuditRepo) StatsSummary(_ context.Context, hours int) (*models.StatsSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &models.StatsSummary{
		Hours:          hours,
		TotalDecisions: int64(len(m.decisions)),
		ByVerdict:      map[string]int{},
	}, nil
}

type testServer struct {
	router *gin.Engine
	repo   *memAuditRepo
	orch   *engine.Orchestrator
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
		cfg.Server.CORSOrigins = []string{"*"}
	}

	repo := &memAuditRepo{}
	orch := engine.NewOrchestrator(policy.Default(), engine.NewHeuristicScorer(), engine.NewCatalogue())
	deps := &RouterDeps{Orchestrator: orch, AuditRepo: repo}
	router := NewRouter(cfg, deps)
	if deps.StopRateLimiter != nil {
		t.Cleanup(deps.StopRateLimiter)
	}
	return &testServer{router: router, repo: repo, orch: orch}
}

func (s *testServer) do(method, path, apiKey string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func evaluateBody(toolName string, args map[string]any, category string) map[string]any {
	return map[string]any{
		"proposal": map[string]any{
			"tool_name":     toolName,
			"tool_args":     args,
			"tool_category": category,
		},
		"context": map[string]any{
			"agent_id": "test-agent",
		},
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEvaluateEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/v1/guardian/evaluate", "", evaluateBody("bash", map[string]any{"command": "rm -rf /var/data"}, "unknown"))
	require.Equal(t, http.StatusOK, w.Code)

	var decision models.GuardianDecision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.Equal(t, models.VerdictDeny, decision.Verdict)
	assert.Equal(t, 100, decision.RiskScore.FinalScore)
	assert.Equal(t, "deny-rm-rf", decision.MatchedRuleID)

	// The decision was written through to audit.
	require.Len(t, s.repo.decisions, 1)
	assert.Equal(t, decision.DecisionID, s.repo.decisions[0].DecisionID)
}

func TestEvaluateRejectsInvalidBody(t *testing.T) {
	s := newTestServer(t, nil)

	// Missing required proposal fields.
	w := s.do(http.MethodPost, "/v1/guardian/evaluate", "", map[string]any{
		"proposal": map[string]any{"tool_args": map[string]any{}},
		"context":  map[string]any{"agent_id": "a"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestEvaluateBatchPreservesOrder(t *testing.T) {
	s := newTestServer(t, nil)

	body := []map[string]any{
		evaluateBody("bash", map[string]any{"command": "rm -rf /"}, "unknown"),
		evaluateBody("bash", map[string]any{"command": "echo hi"}, "unknown"),
		evaluateBody("bash", map[string]any{"command": "sudo ls"}, "unknown"),
	}
	w := s.do(http.MethodPost, "/v1/guardian/evaluate-batch", "", body)
	require.Equal(t, http.StatusOK, w.Code)

	var decisions []models.GuardianDecision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decisions))
	require.Len(t, decisions, 3)
	assert.Equal(t, models.VerdictDeny, decisions[0].Verdict)
	assert.Equal(t, models.VerdictAllow, decisions[1].Verdict)
	assert.Equal(t, models.VerdictRewrite, decisions[2].Verdict)
}

func TestReportOutcome(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/v1/guardian/report-outcome", "", map[string]any{
		"proposal_id": "p-123",
		"tool_name":   "bash",
		"success":     true,
	})
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, s.repo.outcomes, 1)
	assert.Equal(t, "p-123", s.repo.outcomes[0].ProposalID)
}

func TestApprovalFlow(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/v1/guardian/evaluate", "", evaluateBody("stripe_charge", map[string]any{"amount": 1000}, "payment"))
	require.Equal(t, http.StatusOK, w.Code)
	var decision models.GuardianDecision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	require.True(t, decision.RequiresHuman)

	w = s.do(http.MethodPost, fmt.Sprintf("/v1/guardian/approve/%s?approved=true&reviewer=admin", decision.DecisionID), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resolved models.GuardianDecision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resolved))
	assert.Equal(t, models.VerdictAllow, resolved.Verdict)
	assert.Contains(t, resolved.Reason, "admin")

	// Second resolution: gone.
	w = s.do(http.MethodPost, fmt.Sprintf("/v1/guardian/approve/%s?approved=true&reviewer=admin", decision.DecisionID), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApproveRequiresBool(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(http.MethodPost, "/v1/guardian/approve/some-id", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestPolicyEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/v1/policies/active", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var active models.PolicySpec
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	assert.Equal(t, "default-guardrails", active.PolicyID)

	// Replace with a lockdown policy; later evaluations must use it.
	newPolicy := map[string]any{
		"policy_id": "lockdown",
		"version":   2,
		"rules": []map[string]any{
			{
				"rule_id": "deny-everything-bash",
				"match":   map[string]any{"tool_name": map[string]any{"eq": "bash"}},
				"action":  "deny",
				"reason":  "locked down",
			},
		},
	}
	w = s.do(http.MethodPut, "/v1/policies/active", "", newPolicy)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/v1/guardian/evaluate", "", evaluateBody("bash", map[string]any{"command": "echo hi"}, "unknown"))
	require.Equal(t, http.StatusOK, w.Code)
	var decision models.GuardianDecision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.Equal(t, models.VerdictDeny, decision.Verdict)
	assert.Equal(t, "deny-everything-bash", decision.MatchedRuleID)
}

func TestPolicyPutRejectsInvalid(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPut, "/v1/policies/active", "", map[string]any{
		"policy_id": "bad",
		"rules": []map[string]any{
			{
				"rule_id":         "r1",
				"match":           map[string]any{"tool_name": map[string]any{"eq": "bash"}},
				"action":          "rewrite",
				"rewrite_rule_id": "not-a-real-transform",
			},
		},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAuditQueryEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	s.do(http.MethodPost, "/v1/guardian/evaluate", "", evaluateBody("bash", map[string]any{"command": "echo hi"}, "unknown"))

	w := s.do(http.MethodPost, "/v1/audit/query", "", map[string]any{"limit": 10})
	require.Equal(t, http.StatusOK, w.Code)
	var entries []models.AuditLogEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Len(t, entries, 1)
}

func TestAuditUnavailableWithoutRepo(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.CORSOrigins = []string{"*"}
	orch := engine.NewOrchestrator(policy.Default(), engine.NewHeuristicScorer(), engine.NewCatalogue())
	router := NewRouter(cfg, &RouterDeps{Orchestrator: orch})

	req := httptest.NewRequest(http.MethodPost, "/v1/audit/query", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatsSummaryEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/v1/stats/summary?hours=48", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary models.StatsSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 48, summary.Hours)

	w = s.do(http.MethodGet, "/v1/stats/summary?hours=9999", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAuthRequiredWhenKeysConfigured(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.CORSOrigins = []string{"*"}
	cfg.Auth.APIKeys = "admin-key,agent-key:acme:agent"
	s := newTestServer(t, cfg)

	// No key.
	w := s.do(http.MethodPost, "/v1/guardian/evaluate", "", evaluateBody("bash", map[string]any{"command": "echo hi"}, "unknown"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Wrong key.
	w = s.do(http.MethodPost, "/v1/guardian/evaluate", "bogus", evaluateBody("bash", map[string]any{"command": "echo hi"}, "unknown"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid agent key.
	w = s.do(http.MethodPost, "/v1/guardian/evaluate", "agent-key", evaluateBody("bash", map[string]any{"command": "echo hi"}, "unknown"))
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays open.
	w = s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAgentRoleCannotMutate(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.CORSOrigins = []string{"*"}
	cfg.Auth.APIKeys = "admin-key,agent-key:acme:agent"
	s := newTestServer(t, cfg)

	w := s.do(http.MethodPut, "/v1/policies/active", "agent-key", map[string]any{"policy_id": "x", "rules": []any{}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, "/v1/guardian/approve/some-id?approved=true", "agent-key", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Admin passes role checks (404 because nothing is pending).
	w = s.do(http.MethodPost, "/v1/guardian/approve/some-id?approved=true", "admin-key", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestKeyTenantOverridesContext(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.CORSOrigins = []string{"*"}
	cfg.Auth.APIKeys = "agent-key:acme:agent"
	s := newTestServer(t, cfg)

	body := evaluateBody("bash", map[string]any{"command": "echo hi"}, "unknown")
	body["context"].(map[string]any)["tenant_id"] = "caller-supplied"

	w := s.do(http.MethodPost, "/v1/guardian/evaluate", "agent-key", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, s.repo.tenants, 1)
	assert.Equal(t, "acme", s.repo.tenants[0])
}

func TestRateLimiting(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.CORSOrigins = []string{"*"}
	cfg.Auth.RateLimitRPM = 2
	s := newTestServer(t, cfg)

	body := evaluateBody("bash", map[string]any{"command": "echo hi"}, "unknown")
	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/guardian/evaluate", "k", body).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/guardian/evaluate", "k", body).Code)

	w := s.do(http.MethodPost, "/v1/guardian/evaluate", "k", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// A different key has its own budget; health is exempt.
	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/guardian/evaluate", "other", body).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", "k", nil).Code)
}
