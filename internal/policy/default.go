// Package policy provides the built-in default policy, the JSON document
// loader, and the file watcher that feeds hot reloads.
package policy

import (
	"time"

	"github.com/dataguard/dataguard/internal/models"
)

// trustedDomains is the default HTTP allowlist. Anything else needs a human.
var trustedDomains = []any{
	"api.github.com",
	"github.com",
	"api.openai.com",
	"api.anthropic.com",
	"localhost",
	"127.0.0.1",
}

// Default returns the built-in guardrail policy. The shipped
// policies/default_policy.json mirrors this document; the in-code copy keeps
// the server usable with no files on disk.
func Default() *models.PolicySpec {
	return &models.PolicySpec{
		PolicyID:    "default-guardrails",
		Version:     1,
		Description: "Baseline guardrails for agent tool calls",
		CreatedAt:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Scope:       []string{"tool_call", "message_send"},
		Rules: []models.PolicyRule{
			{
				RuleID: "deny-rm-rf",
				Match: models.MatchCondition{
					ToolName:         &models.StringMatch{In: []string{"bash", "shell"}},
					ToolArgsContains: &models.ArgsContains{Pattern: `(?i)\brm\s+-[a-zA-Z]*f`},
				},
				Action: models.ActionDeny,
				Reason: "Forced recursive deletion is not permitted.",
			},
			{
				RuleID: "deny-drop-table",
				Match: models.MatchCondition{
					ToolName:         &models.StringMatch{In: []string{"database", "sql"}},
					ToolArgsContains: &models.ArgsContains{Pattern: `(?i)\bdrop\s+(table|database)\b`},
				},
				Action: models.ActionDeny,
				Reason: "Dropping tables or databases is not permitted.",
			},
			{
				RuleID: "deny-secret-in-url",
				Match: models.MatchCondition{
					ToolName:         &models.StringMatch{In: []string{"http_request", "http_fetch", "curl"}},
					ToolArgsContains: &models.ArgsContains{Pattern: `(?i)(api[_-]?key|token|secret|password)=`},
				},
				Action: models.ActionDeny,
				Reason: "Credentials must not be sent as URL parameters.",
			},
			{
				RuleID: "require-approval-payment",
				Match: models.MatchCondition{
					ToolCategory: &models.StringMatch{In: []string{"payment"}},
				},
				Action: models.ActionRequireApproval,
				Reason: "Payment operations require human approval.",
			},
			{
				RuleID: "require-approval-mass-email",
				Match: models.MatchCondition{
					ToolName: &models.StringMatch{In: []string{"send_email", "message_send", "email"}},
					ToolArgsFieldCheck: &models.FieldCheck{
						Field:     "recipients",
						Condition: "length_gt",
						Value:     5,
					},
				},
				Action: models.ActionRequireApproval,
				Reason: "Bulk messaging requires human approval.",
			},
			{
				RuleID: "require-approval-unknown-domain",
				Match: models.MatchCondition{
					ToolName: &models.StringMatch{In: []string{"http_request", "http_fetch", "curl"}},
					ToolArgsFieldCheck: &models.FieldCheck{
						Field:     "url",
						Condition: "domain_not_in",
						Value:     trustedDomains,
					},
				},
				Action: models.ActionRequireApproval,
				Reason: "Requests to unlisted domains require human approval.",
			},
			{
				RuleID: "rewrite-force-flags",
				Match: models.MatchCondition{
					ToolName:         &models.StringMatch{In: []string{"bash", "shell"}},
					ToolArgsContains: &models.ArgsContains{Pattern: `\s--force\b`},
				},
				Action:        models.ActionRewrite,
				Reason:        "Force flags are stripped before execution.",
				RewriteRuleID: "strip-force-flags",
			},
			{
				RuleID: "rewrite-sudo",
				Match: models.MatchCondition{
					ToolName:         &models.StringMatch{In: []string{"bash", "shell"}},
					ToolArgsContains: &models.ArgsContains{Pattern: `\bsudo\s`},
				},
				Action:        models.ActionRewrite,
				Reason:        "Privilege escalation is neutralized.",
				RewriteRuleID: "neutralize-sudo",
			},
			{
				RuleID: "rewrite-http-url",
				Match: models.MatchCondition{
					ToolName: &models.StringMatch{In: []string{"http_request", "http_fetch", "curl"}},
					ToolArgsFieldCheck: &models.FieldCheck{
						Field:     "url",
						Condition: "matches",
						Value:     `^http://`,
					},
				},
				Action:        models.ActionRewrite,
				Reason:        "Plain HTTP is upgraded to HTTPS.",
				RewriteRuleID: "enforce-https",
			},
		},
		RiskThresholds: models.DefaultThresholds(),
	}
}
