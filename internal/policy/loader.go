package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dataguard/dataguard/internal/models"
	"github.com/go-playground/validator/v10"
)

// ErrPolicyInvalid wraps every validation failure raised by Load and Validate.
var ErrPolicyInvalid = errors.New("invalid policy")

var validate = validator.New()

// RewriteRegistry is the slice of the rewrite catalogue the loader needs:
// enough to reject documents referencing unregistered rewrite ids.
type RewriteRegistry interface {
	Has(ruleID string) bool
}

// Load reads and validates a policy document from disk.
func Load(path string, registry RewriteRegistry) (*models.PolicySpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return Parse(data, registry)
}

// Parse validates a raw JSON policy document.
func Parse(data []byte, registry RewriteRegistry) (*models.PolicySpec, error) {
	var spec models.PolicySpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyInvalid, err)
	}
	if spec.Version == 0 {
		spec.Version = 1
	}
	if spec.RiskThresholds == (models.RiskThresholds{}) {
		spec.RiskThresholds = models.DefaultThresholds()
	}
	if err := Validate(&spec, registry); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate enforces the structural invariants a policy document must hold:
// version ≥ 1, non-empty ordered rule ids, rewrite actions carrying a
// registered rewrite_rule_id, and thresholds inside [0,100].
func Validate(spec *models.PolicySpec, registry RewriteRegistry) error {
	if err := validate.Struct(spec); err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyInvalid, err)
	}

	seen := make(map[string]bool, len(spec.Rules))
	for i := range spec.Rules {
		rule := &spec.Rules[i]
		if seen[rule.RuleID] {
			return fmt.Errorf("%w: duplicate rule_id %q", ErrPolicyInvalid, rule.RuleID)
		}
		seen[rule.RuleID] = true

		if rule.Action == models.ActionRewrite {
			if rule.RewriteRuleID == "" {
				return fmt.Errorf("%w: rule %q has action=rewrite without rewrite_rule_id", ErrPolicyInvalid, rule.RuleID)
			}
			if registry != nil && !registry.Has(rule.RewriteRuleID) {
				return fmt.Errorf("%w: rule %q references unknown rewrite rule %q", ErrPolicyInvalid, rule.RuleID, rule.RewriteRuleID)
			}
		}
	}

	t := spec.RiskThresholds
	if t.AllowMax > t.RewriteConfirmMax || t.RewriteConfirmMin > t.RewriteConfirmMax {
		return fmt.Errorf("%w: risk thresholds out of order", ErrPolicyInvalid)
	}

	return nil
}
