package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dataguard/dataguard/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// actionScore maps deterministic policy actions to risk scores.
var actionScore = map[models.PolicyAction]int{
	models.ActionDeny:            100,
	models.ActionRequireApproval: 80,
	models.ActionRewrite:         50,
	models.ActionAllow:           0,
}

var actionVerdict = map[models.PolicyAction]models.Verdict{
	models.ActionDeny:            models.VerdictDeny,
	models.ActionRequireApproval: models.VerdictRequireApproval,
	models.ActionRewrite:         models.VerdictRewrite,
	models.ActionAllow:           models.VerdictAllow,
}

// Orchestrator runs the decision pipeline: deterministic policy evaluation
// first, risk scoring and threshold mapping on a miss. It owns the active
// policy (hot-swappable) and the in-memory pending-approval store.
//
// Safe for concurrent use. The policy is swapped wholesale through an atomic
// pointer, so an evaluation sees either the old or the new document, never a
// mix.
type Orchestrator struct {
	policy    atomic.Pointer[models.PolicySpec]
	scorer    RiskScorer
	evaluator *Evaluator
	catalogue *Catalogue

	mu      sync.Mutex
	pending map[string]*models.GuardianDecision
}

// NewOrchestrator builds an orchestrator around an initial policy, a risk
// scorer, and the rewrite catalogue.
func NewOrchestrator(policy *models.PolicySpec, scorer RiskScorer, catalogue *Catalogue) *Orchestrator {
	o := &Orchestrator{
		scorer:    scorer,
		evaluator: NewEvaluator(),
		catalogue: catalogue,
		pending:   make(map[string]*models.GuardianDecision),
	}
	o.policy.Store(policy)
	return o
}

// UpdatePolicy atomically replaces the active policy. Pending approvals are
// unaffected; subsequent evaluations use the new document exclusively.
func (o *Orchestrator) UpdatePolicy(policy *models.PolicySpec) {
	o.policy.Store(policy)
	log.Info().
		Str("policy_id", policy.PolicyID).
		Int("version", policy.Version).
		Int("rules", len(policy.Rules)).
		Msg("Active policy replaced")
}

// ActivePolicy returns the currently active policy document.
func (o *Orchestrator) ActivePolicy() *models.PolicySpec {
	return o.policy.Load()
}

// Catalogue returns the rewrite catalogue the orchestrator dispatches to.
func (o *Orchestrator) Catalogue() *Catalogue {
	return o.catalogue
}

// PendingCount reports the number of unresolved approvals.
func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Evaluate runs the full pipeline for one proposal and returns the decision.
// Cancellation before the scorer returns aborts without producing a decision
// or touching the pending store.
func (o *Orchestrator) Evaluate(ctx context.Context, proposal *models.ToolCallProposal, callCtx *models.ToolCallContext) (*models.GuardianDecision, error) {
	proposal.Normalize()
	if callCtx != nil {
		callCtx.Normalize()
	}

	policy := o.policy.Load()

	var decision *models.GuardianDecision
	if match := o.evaluator.Match(proposal, policy); match != nil {
		d, err := o.buildDeterministicDecision(proposal, match)
		if err != nil {
			return nil, err
		}
		decision = d
	} else {
		assessment, err := o.scorer.Score(ctx, proposal, callCtx)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		decision = o.buildThresholdDecision(proposal, assessment, policy.RiskThresholds)
	}

	if decision.RequiresHuman {
		o.mu.Lock()
		o.pending[decision.DecisionID] = decision
		o.mu.Unlock()
	}

	return decision, nil
}

// ResolveApproval removes a pending decision and returns its resolution:
// allow when approved, deny otherwise. Returns nil if the id is unknown or
// already resolved.
func (o *Orchestrator) ResolveApproval(decisionID string, approved bool, reviewer string) *models.GuardianDecision {
	o.mu.Lock()
	decision, ok := o.pending[decisionID]
	if ok {
		delete(o.pending, decisionID)
	}
	o.mu.Unlock()

	if !ok {
		return nil
	}

	verdict := models.VerdictDeny
	reason := fmt.Sprintf("Rejected by %s. Original: %s", reviewer, decision.Reason)
	if approved {
		verdict = models.VerdictAllow
		reason = fmt.Sprintf("Approved by %s. Original: %s", reviewer, decision.Reason)
	}

	return &models.GuardianDecision{
		DecisionID:    decision.DecisionID,
		ProposalID:    decision.ProposalID,
		Verdict:       verdict,
		RiskScore:     decision.RiskScore,
		MatchedRuleID: decision.MatchedRuleID,
		Reason:        reason,
		RequiresHuman: false,
		Timestamp:     time.Now().UTC(),
	}
}

func (o *Orchestrator) buildDeterministicDecision(proposal *models.ToolCallProposal, match *PolicyMatchResult) (*models.GuardianDecision, error) {
	score := actionScore[match.Action]

	var rewritten *models.RewrittenCall
	if match.Action == models.ActionRewrite && match.RewriteRuleID != "" {
		rw, err := o.catalogue.Apply(match.RewriteRuleID, proposal.ToolName, proposal.ToolArgs)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", match.RuleID, err)
		}
		rewritten = rewrittenCall(rw)
	}

	return &models.GuardianDecision{
		DecisionID: uuid.NewString(),
		ProposalID: proposal.ProposalID,
		Verdict:    actionVerdict[match.Action],
		RiskScore: models.RiskScore{
			DeterministicScore: &score,
			LLMScore:           nil,
			FinalScore:         score,
			Explanation:        fmt.Sprintf("Matched rule: %s", match.RuleID),
		},
		MatchedRuleID: match.RuleID,
		Reason:        match.Reason,
		RewrittenCall: rewritten,
		RequiresHuman: match.Action == models.ActionRequireApproval,
		Timestamp:     time.Now().UTC(),
	}, nil
}

func (o *Orchestrator) buildThresholdDecision(proposal *models.ToolCallProposal, assessment *models.RiskAssessment, thresholds models.RiskThresholds) *models.GuardianDecision {
	score := assessment.FinalScore

	var verdict models.Verdict
	var rewritten *models.RewrittenCall
	requiresHuman := false

	switch {
	case score <= thresholds.AllowMax:
		verdict = models.VerdictAllow

	case score <= thresholds.RewriteConfirmMax:
		if rule := o.catalogue.FindApplicable(proposal.ToolName, proposal.ToolArgs); rule != nil {
			newName, newArgs := rule.Transform(proposal.ToolName, proposal.ToolArgs)
			verdict = models.VerdictRewrite
			rewritten = &models.RewrittenCall{
				OriginalToolName:  proposal.ToolName,
				OriginalToolArgs:  proposal.ToolArgs,
				RewrittenToolName: newName,
				RewrittenToolArgs: newArgs,
				RewriteRuleID:     rule.ID,
				Description:       rule.Description,
			}
		} else {
			verdict = models.VerdictRequireApproval
			requiresHuman = true
		}

	default:
		verdict = models.VerdictRequireApproval
		requiresHuman = true
	}

	return &models.GuardianDecision{
		DecisionID: uuid.NewString(),
		ProposalID: proposal.ProposalID,
		Verdict:    verdict,
		RiskScore: models.RiskScore{
			DeterministicScore: nil,
			LLMScore:           &score,
			FinalScore:         score,
			Explanation:        assessment.Explanation,
		},
		Reason:        assessment.Explanation,
		RewrittenCall: rewritten,
		RequiresHuman: requiresHuman,
		Timestamp:     time.Now().UTC(),
	}
}

func rewrittenCall(rw *models.RewriteResult) *models.RewrittenCall {
	return &models.RewrittenCall{
		OriginalToolName:  rw.OriginalToolName,
		OriginalToolArgs:  rw.OriginalToolArgs,
		RewrittenToolName: rw.RewrittenToolName,
		RewrittenToolArgs: rw.RewrittenToolArgs,
		RewriteRuleID:     rw.RuleID,
		Description:       rw.Description,
	}
}
