package engine

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/dataguard/dataguard/internal/models"
)

// PolicyMatchResult is returned when a rule matches a proposal.
type PolicyMatchResult struct {
	RuleID        string
	Action        models.PolicyAction
	Reason        string
	RewriteRuleID string
}

// Evaluator is the stateless first-match rule matcher. It walks a policy's
// rules top-to-bottom and returns the first match, or nil.
type Evaluator struct{}

// NewEvaluator returns a policy evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Match evaluates the proposal against the policy's ordered rules.
func (e *Evaluator) Match(proposal *models.ToolCallProposal, policy *models.PolicySpec) *PolicyMatchResult {
	for i := range policy.Rules {
		rule := &policy.Rules[i]
		if e.ruleMatches(proposal, &rule.Match) {
			return &PolicyMatchResult{
				RuleID:        rule.RuleID,
				Action:        rule.Action,
				Reason:        rule.Reason,
				RewriteRuleID: rule.RewriteRuleID,
			}
		}
	}
	return nil
}

// ruleMatches applies AND logic over the present clauses. A condition with no
// clauses never matches.
func (e *Evaluator) ruleMatches(proposal *models.ToolCallProposal, cond *models.MatchCondition) bool {
	present := false

	if cond.ToolName != nil {
		present = true
		if !matchString(proposal.ToolName, cond.ToolName) {
			return false
		}
	}
	if cond.ToolCategory != nil {
		present = true
		if !matchString(string(proposal.ToolCategory), cond.ToolCategory) {
			return false
		}
	}
	if cond.ToolArgsContains != nil {
		present = true
		if !matchArgsContains(proposal.ToolArgs, cond.ToolArgsContains) {
			return false
		}
	}
	if cond.ToolArgsFieldCheck != nil {
		present = true
		if !matchFieldCheck(proposal.ToolArgs, cond.ToolArgsFieldCheck) {
			return false
		}
	}

	return present
}

func matchString(value string, cond *models.StringMatch) bool {
	switch {
	case len(cond.In) > 0:
		for _, v := range cond.In {
			if value == v {
				return true
			}
		}
		return false
	case cond.Eq != nil:
		return value == *cond.Eq
	case len(cond.NotIn) > 0:
		for _, v := range cond.NotIn {
			if value == v {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func matchArgsContains(args map[string]any, cond *models.ArgsContains) bool {
	if cond.Pattern == "" {
		return false
	}
	re, err := regexp.Compile(cond.Pattern)
	if err != nil {
		return false
	}
	return re.MatchString(serializeArgs(args))
}

// matchFieldCheck applies a typed condition to one args field. A missing
// field, or a field of the wrong type for the condition, is "clause false".
func matchFieldCheck(args map[string]any, cond *models.FieldCheck) bool {
	fieldVal, ok := args[cond.Field]
	if !ok || fieldVal == nil {
		return false
	}

	switch cond.Condition {
	case "length_gt":
		if list := asList(fieldVal); list != nil {
			if want, ok := asNumber(cond.Value); ok {
				return float64(len(list)) > want
			}
		}
		return false

	case "length_lt":
		if list := asList(fieldVal); list != nil {
			if want, ok := asNumber(cond.Value); ok {
				return float64(len(list)) < want
			}
		}
		return false

	case "eq":
		return looseEqual(fieldVal, cond.Value)

	case "gt":
		have, haveOK := asNumber(fieldVal)
		want, wantOK := asNumber(cond.Value)
		return haveOK && wantOK && have > want

	case "lt":
		have, haveOK := asNumber(fieldVal)
		want, wantOK := asNumber(cond.Value)
		return haveOK && wantOK && have < want

	case "contains":
		s, ok := fieldVal.(string)
		sub, subOK := cond.Value.(string)
		return ok && subOK && strings.Contains(s, sub)

	case "matches":
		s, ok := fieldVal.(string)
		pattern, patternOK := cond.Value.(string)
		if !ok || !patternOK {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)

	case "domain_in":
		s, ok := fieldVal.(string)
		if !ok {
			return false
		}
		host, parsed := hostOf(s)
		// Malformed URLs are never in an allowlist.
		return parsed && stringIn(host, asStringList(cond.Value))

	case "domain_not_in":
		s, ok := fieldVal.(string)
		if !ok {
			return false
		}
		host, parsed := hostOf(s)
		if !parsed {
			return true
		}
		return !stringIn(host, asStringList(cond.Value))
	}

	return false
}

func hostOf(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	return u.Hostname(), true
}

func asList(v any) []any {
	switch val := v.(type) {
	case []any:
		return val
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

func asNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	default:
		return 0, false
	}
}

func asStringList(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func stringIn(s string, list []string) bool {
	for _, item := range list {
		if s == item {
			return true
		}
	}
	return false
}

// looseEqual compares scalars across JSON's number erasure: 5 and 5.0 are the
// same value after a decode round-trip.
func looseEqual(a, b any) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
		return false
	}
	return a == b
}
