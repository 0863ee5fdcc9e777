// Package models defines the core data structures for DataGuard.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Tool Call Models
// -----------------------------------------------------------------------------

// ToolCategory is a coarse classification of tools for policy matching.
type ToolCategory string

const (
	CategoryFileSystem    ToolCategory = "file_system"
	CategoryDatabase      ToolCategory = "database"
	CategoryHTTPRequest   ToolCategory = "http_request"
	CategoryCodeExecution ToolCategory = "code_execution"
	CategoryMessageSend   ToolCategory = "message_send"
	CategoryPayment       ToolCategory = "payment"
	CategoryAuth          ToolCategory = "auth"
	CategoryUnknown       ToolCategory = "unknown"
)

// ToolCallProposal is the tool call an agent wants to execute, submitted for
// evaluation before anything runs.
type ToolCallProposal struct {
	ProposalID      string         `json:"proposal_id"`
	ToolName        string         `json:"tool_name" binding:"required,min=1,max=256"`
	ToolArgs        map[string]any `json:"tool_args"`
	ToolCategory    ToolCategory   `json:"tool_category"`
	IntendedOutcome string         `json:"intended_outcome" binding:"max=1024"`
}

// Normalize fills defaults and canonicalizes the proposal in place. Tool names
// are matched case-insensitively throughout the engine.
func (p *ToolCallProposal) Normalize() {
	if p.ProposalID == "" {
		p.ProposalID = uuid.NewString()
	}
	p.ToolName = strings.ToLower(strings.TrimSpace(p.ToolName))
	if p.ToolArgs == nil {
		p.ToolArgs = map[string]any{}
	}
	if p.ToolCategory == "" {
		p.ToolCategory = CategoryUnknown
	}
}

// ToolCallContext carries the ambient context around a proposal.
type ToolCallContext struct {
	AgentID             string    `json:"agent_id" binding:"required"`
	SessionID           string    `json:"session_id"`
	TenantID            string    `json:"tenant_id"`
	UserID              string    `json:"user_id,omitempty"`
	ConversationSummary string    `json:"conversation_summary" binding:"max=4096"`
	PriorDecisions      []string  `json:"prior_decisions,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// Normalize fills context defaults in place.
func (c *ToolCallContext) Normalize() {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.TenantID == "" {
		c.TenantID = "default"
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
}

// ToolResponse reports the outcome of an executed tool call back for audit.
type ToolResponse struct {
	ProposalID          string         `json:"proposal_id" binding:"required"`
	ToolName            string         `json:"tool_name"`
	Success             bool           `json:"success"`
	ResponseData        map[string]any `json:"response_data,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	ExecutionDurationMs *int64         `json:"execution_duration_ms,omitempty"`
}

// EvaluateRequest is the body of POST /v1/guardian/evaluate.
type EvaluateRequest struct {
	Proposal ToolCallProposal `json:"proposal" binding:"required"`
	Context  ToolCallContext  `json:"context" binding:"required"`
	PolicyID string           `json:"policy_id,omitempty"`
}

// -----------------------------------------------------------------------------
// Policy Models
// -----------------------------------------------------------------------------

// PolicyAction is the verdict a matched rule dictates.
type PolicyAction string

const (
	ActionAllow           PolicyAction = "allow"
	ActionDeny            PolicyAction = "deny"
	ActionRequireApproval PolicyAction = "require_approval"
	ActionRewrite         PolicyAction = "rewrite"
)

// StringMatch matches a string value with exactly one of eq / in / not_in.
type StringMatch struct {
	Eq    *string  `json:"eq,omitempty"`
	In    []string `json:"in,omitempty"`
	NotIn []string `json:"not_in,omitempty"`
}

// ArgsContains matches a regex against the key-sorted JSON serialization of
// the proposal's tool_args.
type ArgsContains struct {
	Pattern string `json:"pattern"`
}

// FieldCheck applies a typed condition to a single tool_args field.
// Conditions: length_gt, length_lt (lists); eq, gt, lt (scalars);
// contains, matches (strings); domain_in, domain_not_in (URL strings).
type FieldCheck struct {
	Field     string `json:"field"`
	Condition string `json:"condition"`
	Value     any    `json:"value"`
}

// MatchCondition is the set of clauses in a rule. All present clauses must
// match (AND). A condition with no clauses never matches.
type MatchCondition struct {
	ToolName           *StringMatch  `json:"tool_name,omitempty"`
	ToolCategory       *StringMatch  `json:"tool_category,omitempty"`
	ToolArgsContains   *ArgsContains `json:"tool_args_contains,omitempty"`
	ToolArgsFieldCheck *FieldCheck   `json:"tool_args_field_check,omitempty"`
}

// PolicyRule is one deterministic rule. Rules are ordered; the evaluator
// returns the first match.
type PolicyRule struct {
	RuleID        string         `json:"rule_id" validate:"required"`
	Description   string         `json:"description,omitempty"`
	Match         MatchCondition `json:"match"`
	Action        PolicyAction   `json:"action" validate:"required,oneof=allow deny require_approval rewrite"`
	Reason        string         `json:"reason,omitempty"`
	RewriteRuleID string         `json:"rewrite_rule_id,omitempty" validate:"required_if=Action rewrite"`
}

// RiskThresholds maps risk scores to verdict bands.
type RiskThresholds struct {
	AllowMax          int `json:"allow_max" validate:"min=0,max=100"`
	RewriteConfirmMin int `json:"rewrite_confirm_min" validate:"min=0,max=100"`
	RewriteConfirmMax int `json:"rewrite_confirm_max" validate:"min=0,max=100"`
	BlockApprovalMin  int `json:"block_approval_min" validate:"min=0,max=100"`
}

// DefaultThresholds returns the standard 30/31/60/61 banding.
func DefaultThresholds() RiskThresholds {
	return RiskThresholds{
		AllowMax:          30,
		RewriteConfirmMin: 31,
		RewriteConfirmMax: 60,
		BlockApprovalMin:  61,
	}
}

// PolicySpec is a complete policy document. Rules are evaluated top-to-bottom;
// first match wins.
type PolicySpec struct {
	PolicyID       string         `json:"policy_id" validate:"required"`
	Version        int            `json:"version" validate:"min=1"`
	Description    string         `json:"description,omitempty"`
	CreatedAt      time.Time      `json:"created_at,omitempty"`
	Scope          []string       `json:"scope,omitempty"`
	ParentPolicyID string         `json:"parent_policy_id,omitempty"`
	Rules          []PolicyRule   `json:"rules" validate:"dive"`
	RiskThresholds RiskThresholds `json:"risk_thresholds"`
}

// -----------------------------------------------------------------------------
// Decision Models
// -----------------------------------------------------------------------------

// Verdict is the Guardian's answer for a proposal.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictDeny            Verdict = "deny"
	VerdictRewrite         Verdict = "rewrite"
	VerdictRequireApproval Verdict = "require_approval"
)

// RiskScore is the composite score from deterministic and LLM evaluation.
// Exactly one of DeterministicScore / LLMScore is set per decision.
type RiskScore struct {
	DeterministicScore *int   `json:"deterministic_score"`
	LLMScore           *int   `json:"llm_score"`
	FinalScore         int    `json:"final_score"`
	Explanation        string `json:"explanation,omitempty"`
}

// RewrittenCall is the safe alternative when the verdict is rewrite.
type RewrittenCall struct {
	OriginalToolName  string         `json:"original_tool_name"`
	OriginalToolArgs  map[string]any `json:"original_tool_args"`
	RewrittenToolName string         `json:"rewritten_tool_name"`
	RewrittenToolArgs map[string]any `json:"rewritten_tool_args"`
	RewriteRuleID     string         `json:"rewrite_rule_id"`
	Description       string         `json:"description,omitempty"`
}

// GuardianDecision is the output for a single proposal.
type GuardianDecision struct {
	DecisionID    string         `json:"decision_id"`
	ProposalID    string         `json:"proposal_id"`
	Verdict       Verdict        `json:"verdict"`
	RiskScore     RiskScore      `json:"risk_score"`
	MatchedRuleID string         `json:"matched_rule_id,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	RewrittenCall *RewrittenCall `json:"rewritten_call,omitempty"`
	RequiresHuman bool           `json:"requires_human"`
	Timestamp     time.Time      `json:"timestamp"`
}

// RewriteResult is the output of applying a single rewrite rule.
type RewriteResult struct {
	RuleID            string         `json:"rule_id"`
	OriginalToolName  string         `json:"original_tool_name"`
	OriginalToolArgs  map[string]any `json:"original_tool_args"`
	RewrittenToolName string         `json:"rewritten_tool_name"`
	RewrittenToolArgs map[string]any `json:"rewritten_tool_args"`
	Description       string         `json:"description,omitempty"`
}

// RiskAssessment is the risk scorer's output, fed to the threshold mapper.
type RiskAssessment struct {
	FinalScore  int      `json:"final_score"`
	Explanation string   `json:"explanation"`
	Flags       []string `json:"flags"`
}

// -----------------------------------------------------------------------------
// Audit Models
// -----------------------------------------------------------------------------

// AuditLogEntry is a read-only view of an audit log row.
type AuditLogEntry struct {
	ID             int64     `json:"id"`
	DecisionID     string    `json:"decision_id"`
	ProposalID     string    `json:"proposal_id"`
	AgentID        string    `json:"agent_id"`
	SessionID      string    `json:"session_id"`
	TenantID       string    `json:"tenant_id"`
	UserID         *string   `json:"user_id"`
	ToolName       string    `json:"tool_name"`
	ToolCategory   string    `json:"tool_category"`
	Verdict        string    `json:"verdict"`
	RiskScoreFinal int       `json:"risk_score_final"`
	MatchedRuleID  *string   `json:"matched_rule_id"`
	Reason         string    `json:"reason"`
	RequiresHuman  bool      `json:"requires_human"`
	ApprovedBy     *string   `json:"approved_by"`
	OutcomeSuccess *bool     `json:"outcome_success"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuditQuery filters audit log queries.
type AuditQuery struct {
	TenantID  string     `json:"tenant_id,omitempty"`
	AgentID   string     `json:"agent_id,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Verdict   string     `json:"verdict,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
	Limit     int        `json:"limit,omitempty" binding:"max=500"`
	Offset    int        `json:"offset,omitempty" binding:"min=0"`
}

// StatsSummary aggregates decision activity over a time window.
type StatsSummary struct {
	Hours            int            `json:"hours"`
	TotalDecisions   int64          `json:"total_decisions"`
	ByVerdict        map[string]int `json:"by_verdict"`
	PendingApprovals int64          `json:"pending_approvals"`
	AvgRiskScore     float64        `json:"avg_risk_score"`
}

// -----------------------------------------------------------------------------
// Auth Models
// -----------------------------------------------------------------------------

// Role is the access level an API key grants.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agent"
)

// APIKeyInfo is a parsed API key with tenant and role metadata.
type APIKeyInfo struct {
	Key      string `json:"-"`
	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
}
