package dataguard

import "time"

// Verdict is the Guardian's answer for a proposal.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictDeny            Verdict = "deny"
	VerdictRewrite         Verdict = "rewrite"
	VerdictRequireApproval Verdict = "require_approval"
)

// Proposal describes the tool call an agent wants to make.
type Proposal struct {
	ProposalID      string         `json:"proposal_id,omitempty"`
	ToolName        string         `json:"tool_name"`
	ToolArgs        map[string]any `json:"tool_args"`
	ToolCategory    string         `json:"tool_category,omitempty"`
	IntendedOutcome string         `json:"intended_outcome,omitempty"`
}

// Context carries the ambient call context.
type Context struct {
	AgentID             string   `json:"agent_id"`
	SessionID           string   `json:"session_id,omitempty"`
	TenantID            string   `json:"tenant_id,omitempty"`
	UserID              string   `json:"user_id,omitempty"`
	ConversationSummary string   `json:"conversation_summary,omitempty"`
	PriorDecisions      []string `json:"prior_decisions,omitempty"`
}

// EvaluateRequest is the body of POST /v1/guardian/evaluate.
type EvaluateRequest struct {
	Proposal Proposal `json:"proposal"`
	Context  Context  `json:"context"`
	PolicyID string   `json:"policy_id,omitempty"`
}

// RiskScore is the composite risk score attached to a decision.
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

// Decision is the Guardian's verdict for one proposal.
type Decision struct {
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

// Outcome reports a tool call's execution result for audit.
type Outcome struct {
	ProposalID          string         `json:"proposal_id"`
	ToolName            string         `json:"tool_name,omitempty"`
	Success             bool           `json:"success"`
	ResponseData        map[string]any `json:"response_data,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	ExecutionDurationMs *int64         `json:"execution_duration_ms,omitempty"`
}
