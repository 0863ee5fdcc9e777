package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dataguard/dataguard/internal/models"
)

// ErrUnknownRewriteRule is returned by Catalogue.Apply when a policy
// references a rewrite id that was never registered. It indicates
// misconfiguration, not a runtime condition.
var ErrUnknownRewriteRule = errors.New("unknown rewrite rule")

// RewriteRule is a named, pure transformation from (tool_name, args) to a
// safer equivalent. Transforms never mutate their inputs.
type RewriteRule struct {
	ID          string
	Description string
	AppliesTo   func(toolName string, args map[string]any) bool
	Transform   func(toolName string, args map[string]any) (string, map[string]any)
}

// Catalogue holds rewrite rules in registration order. FindApplicable uses
// that order as the tie-break, so the canonical ordering below is load-bearing.
// Populated once at startup; safe for unsynchronized concurrent reads after.
type Catalogue struct {
	rules []*RewriteRule
	byID  map[string]*RewriteRule
}

// NewCatalogue builds the canonical catalogue of 11 rewrite rules.
func NewCatalogue() *Catalogue {
	c := &Catalogue{byID: make(map[string]*RewriteRule)}
	for _, r := range defaultRewriteRules() {
		c.Register(r)
	}
	return c
}

// Register appends a rule. Later registrations with a duplicate id replace the
// lookup entry but keep the original position for FindApplicable.
func (c *Catalogue) Register(r *RewriteRule) {
	if _, exists := c.byID[r.ID]; !exists {
		c.rules = append(c.rules, r)
	}
	c.byID[r.ID] = r
}

// Apply runs the named rule's transform unconditionally; pairing a rule with a
// sensible tool call is the caller's responsibility.
func (c *Catalogue) Apply(ruleID, toolName string, args map[string]any) (*models.RewriteResult, error) {
	rule, ok := c.byID[ruleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRewriteRule, ruleID)
	}
	newName, newArgs := rule.Transform(toolName, args)
	return &models.RewriteResult{
		RuleID:            ruleID,
		OriginalToolName:  toolName,
		OriginalToolArgs:  args,
		RewrittenToolName: newName,
		RewrittenToolArgs: newArgs,
		Description:       rule.Description,
	}, nil
}

// FindApplicable returns the first rule, in registration order, whose
// applicability predicate accepts the call, or nil.
func (c *Catalogue) FindApplicable(toolName string, args map[string]any) *RewriteRule {
	for _, r := range c.rules {
		if r.AppliesTo(toolName, args) {
			return r
		}
	}
	return nil
}

// Has reports whether a rule id is registered. The policy loader uses this to
// reject documents referencing unknown rewrite ids.
func (c *Catalogue) Has(ruleID string) bool {
	_, ok := c.byID[ruleID]
	return ok
}

// RuleIDs returns the registered ids in catalogue order.
func (c *Catalogue) RuleIDs() []string {
	ids := make([]string, len(c.rules))
	for i, r := range c.rules {
		ids[i] = r.ID
	}
	return ids
}

// -----------------------------------------------------------------------------
// Canonical rules
// -----------------------------------------------------------------------------

var (
	forceFlagRe     = regexp.MustCompile(`\s--force\b|\s-f\b`)
	forceLongRe     = regexp.MustCompile(`\s--force\b`)
	forceShortRe    = regexp.MustCompile(`\s-f\b`)
	writeCommandsRe = regexp.MustCompile(`\b(mv|cp|rm|mkdir|touch|chmod|chown|git\s+push|git\s+reset)\b`)
	gitWriteRe      = regexp.MustCompile(`\bgit\s+(push|reset)\b`)
	gitWriteSubRe   = regexp.MustCompile(`(git\s+(?:push|reset))`)
	wildcardRmRe    = regexp.MustCompile(`\brm\s+.*\*`)
	rmTokenRe       = regexp.MustCompile(`\brm\b`)
	bareDeleteRe    = regexp.MustCompile(`(?i)delete\s+from\s+\S+\s*$`)
	selectRe        = regexp.MustCompile(`(?i)\bSELECT\b`)
	limitRe         = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)
	sudoRe          = regexp.MustCompile(`\bsudo\s`)
	sudoStripRe     = regexp.MustCompile(`\bsudo\s+`)

	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*\S+`),
		regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[=:]\s*\S+`),
		regexp.MustCompile(`(?i)(secret|token|bearer)\s*[=:]\s*\S+`),
		regexp.MustCompile(`(?i)(authorization)\s*[=:]\s*\S+`),
		regexp.MustCompile(`\b(sk-[a-zA-Z0-9]{20,})\b`),
		regexp.MustCompile(`\b(ghp_[a-zA-Z0-9]{36,})\b`),
		regexp.MustCompile(`\b(xoxb-[a-zA-Z0-9\-]+)\b`),
	}
)

const (
	maxHTTPTimeoutMs = 30000
	defaultRowLimit  = 1000
	maxRecipients    = 5
)

func defaultRewriteRules() []*RewriteRule {
	return []*RewriteRule{
		{
			ID:          "strip-force-flags",
			Description: "Remove --force / -f from shell commands",
			AppliesTo: func(tool string, args map[string]any) bool {
				if !toolIn(tool, "bash", "shell", "code_execution") {
					return false
				}
				return forceFlagRe.MatchString(stringArg(args, "command"))
			},
			Transform: func(tool string, args map[string]any) (string, map[string]any) {
				cmd := stringArg(args, "command")
				cmd = forceLongRe.ReplaceAllString(cmd, " ")
				cmd = forceShortRe.ReplaceAllString(cmd, " ")
				return tool, withArg(args, "command", strings.TrimSpace(cmd))
			},
		},
		{
			ID:          "sandbox-code-exec",
			Description: "Inject sandbox/read-only flags into code execution",
			AppliesTo: func(tool string, args map[string]any) bool {
				return toolIn(tool, "code_execution", "exec", "run_code")
			},
			Transform: func(tool string, args map[string]any) (string, map[string]any) {
				out := cloneArgs(args)
				out["sandbox"] = true
				out["read_only"] = true
				return tool, out
			},
		},
		{
			ID:          "truncate-recipients",
			Description: "Cap email recipients at 5",
			AppliesTo: func(tool string, args map[string]any) bool {
				if !toolIn(tool, "send_email", "message_send", "email") {
					return false
				}
				return len(listArg(args, "recipients")) > maxRecipients
			},
			Transform: func(tool string, args map[string]any) (string, map[string]any) {
				recipients := listArg(args, "recipients")
				kept := recipients
				if len(kept) > maxRecipients {
					kept = kept[:maxRecipients]
				}
				out := cloneArgs(args)
				out["recipients"] = kept
				out["_guardian_note"] = fmt.Sprintf("Truncated from %d to %d recipients.", len(recipients), maxRecipients)
				return tool, out
			},
		},
		{
			ID:          "redact-secrets",
			Description: "Replace secret values with [REDACTED]",
			AppliesTo: func(tool string, args map[string]any) bool {
				serialized := serializeArgs(args)
				for _, p := range secretPatterns {
					if p.MatchString(serialized) {
						return true
					}
				}
				return false
			},
			Transform: func(tool string, args map[string]any) (string, map[string]any) {
				return tool, mapStrings(args, redactSecrets)
			},
		},
		{
			ID:          "downgrade-write-to-dryrun",
			Description: "Add --dry-run or preview mode to write operations",
			AppliesTo: func(tool string, args map[string]any) bool {
				if !toolIn(tool, "bash", "shell", "file_system") {
					return false
				}
				return writeCommandsRe.MatchString(stringArg(args, "command"))
			},
			Transform: func(tool string, args map[string]any) (string, map[string]any) {
				cmd := stringArg(args, "command")
				if gitWriteRe.MatchString(cmd) {
					cmd = gitWriteSubRe.ReplaceAllString(cmd, "$1 --dry-run")
				} else {
					cmd = fmt.Sprintf("echo '[DRY RUN] Would execute:' && echo '%s'", cmd)
				}
				return tool, withArg(args, "command", cmd)
			},
		},
		{
			ID:          "replace-wildcard-delete",
			Description: "Convert wildcard deletes to preview/limited operations",
			AppliesTo: func(tool string, args map[string]any) bool {
				if toolIn(tool, "bash", "shell") {
					return wildcardRmRe.MatchString(stringArg(args, "command"))
				}
				if toolIn(tool, "database", "sql") {
					return bareDeleteRe.MatchString(strings.TrimSpace(stringArg(args, "query")))
				}
				return false
			},
			Transform: func(tool string, args map[string]any) (string, map[string]any) {
				if toolIn(tool, "bash", "shell") {
					cmd := rmTokenRe.ReplaceAllString(stringArg(args, "command"), "ls")
					out := withArg(args, "command", cmd)
					out["_guardian_note"] = "Wildcard delete converted to ls preview."
					return tool, out
				}
				if toolIn(tool, "database", "sql") {
					query := strings.TrimSuffix(strings.TrimRight(stringArg(args, "query"), " \t\n"), ";")
					return tool, withArg(args, "query", query+" LIMIT 1;")
				}
				return tool, cloneArgs(args)
			},
		},
		{
			ID:          "cap-http-timeout",
			Description: "Enforce max 30s timeout on HTTP requests",
			AppliesTo: func(tool string, args map[string]any) bool {
				if !toolIn(tool, "http_request", "http_fetch", "curl") {
					return false
				}
				timeout, ok := numberArg(args, "timeout")
				return !ok || timeout > maxHTTPTimeoutMs
			},
			Transform: func(tool string, args map[string]any) (string, map[string]any) {
				return tool, withArg(args, "timeout", maxHTTPTimeoutMs)
			},
		},
		{
			ID:          "enforce-https",
			Description: "Upgrade http:// to https://",
			AppliesTo: func(tool string, args map[string]any) bool {
				if !toolIn(tool, "http_request", "http_fetch", "curl") {
					return false
				}
				url := stringArg(args, "url")
				return strings.HasPrefix(url, "http://") &&
					!strings.Contains(url, "localhost") &&
					!strings.Contains(url, "127.0.0.1")
			},
			Transform: func(tool string, args map[string]any) (string, map[string]any) {
				url := stringArg(args, "url")
				return tool, withArg(args, "url", "https://"+strings.TrimPrefix(url, "http://"))
			},
		},
		{
			ID:          "limit-query-rows",
			Description: "Add LIMIT 1000 to unbounded SELECT queries",
			AppliesTo: func(tool string, args map[string]any) bool {
				if !toolIn(tool, "database", "sql", "query") {
					return false
				}
				query := stringArg(args, "query")
				return selectRe.MatchString(query) && !limitRe.MatchString(query)
			},
			Transform: func(tool string, args map[string]any) (string, map[string]any) {
				query := strings.TrimSuffix(strings.TrimRight(stringArg(args, "query"), " \t\n"), ";")
				return tool, withArg(args, "query", fmt.Sprintf("%s LIMIT %d;", query, defaultRowLimit))
			},
		},
		{
			ID:          "neutralize-sudo",
			Description: "Strip sudo prefix from commands",
			AppliesTo: func(tool string, args map[string]any) bool {
				if !toolIn(tool, "bash", "shell", "code_execution") {
					return false
				}
				return sudoRe.MatchString(stringArg(args, "command"))
			},
			Transform: func(tool string, args map[string]any) (string, map[string]any) {
				cmd := sudoStripRe.ReplaceAllString(stringArg(args, "command"), "")
				return tool, withArg(args, "command", cmd)
			},
		},
		{
			ID:          "redact-pii",
			Description: "Auto-redact PII (SSNs, emails, phones, etc.) in tool arguments",
			AppliesTo: func(tool string, args map[string]any) bool {
				return ScanForPII(serializeArgs(args)).Found
			},
			Transform: func(tool string, args map[string]any) (string, map[string]any) {
				return tool, mapStrings(args, func(s string) string {
					redacted, _ := RedactPII(s)
					return redacted
				})
			},
		},
	}
}

func redactSecrets(s string) string {
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// -----------------------------------------------------------------------------
// Arg helpers
// -----------------------------------------------------------------------------

func toolIn(tool string, names ...string) bool {
	for _, n := range names {
		if tool == n {
			return true
		}
	}
	return false
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func numberArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// listArg normalizes a list-valued arg. JSON decoding yields []any; []string
// shows up when proposals are built in-process.
func listArg(args map[string]any, key string) []any {
	switch v := args[key].(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func withArg(args map[string]any, key string, value any) map[string]any {
	out := cloneArgs(args)
	out[key] = value
	return out
}

// mapStrings walks a value tree and applies fn to every string, returning a
// new tree. Non-container, non-string values pass through unchanged.
func mapStrings(args map[string]any, fn func(string) string) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = mapStringValue(v, fn)
	}
	return out
}

func mapStringValue(v any, fn func(string) string) any {
	switch val := v.(type) {
	case string:
		return fn(val)
	case map[string]any:
		return mapStrings(val, fn)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = mapStringValue(item, fn)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = fn(item)
		}
		return out
	default:
		return v
	}
}
