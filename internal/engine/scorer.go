package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/dataguard/dataguard/internal/models"
)

// Risk flags emitted by the scorers.
const (
	FlagPIIDetected        = "pii_detected"
	FlagInjectionSuspected = "prompt_injection_suspected"
	FlagHighImpactCategory = "high_impact_category"
)

// RiskScorer produces a risk assessment for a proposal that matched no policy
// rule. Implementations must absorb their own backend failures; the only
// error a scorer may return is the caller's cancellation.
type RiskScorer interface {
	Score(ctx context.Context, proposal *models.ToolCallProposal, callCtx *models.ToolCallContext) (*models.RiskAssessment, error)
}

// HeuristicScorer is the built-in deterministic scorer. It scans every text
// surface of the call with the pattern detectors and accumulates a score.
type HeuristicScorer struct{}

// NewHeuristicScorer returns the deterministic detector-backed scorer.
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{}
}

// Score never returns an error; the signature satisfies RiskScorer.
func (s *HeuristicScorer) Score(_ context.Context, proposal *models.ToolCallProposal, callCtx *models.ToolCallContext) (*models.RiskAssessment, error) {
	score, flags := heuristicScore(proposal, callCtx)

	if score == 0 {
		return &models.RiskAssessment{
			FinalScore:  10,
			Explanation: "No risk indicators detected by heuristics.",
			Flags:       []string{},
		}, nil
	}

	var explanations []string
	if stringIn(FlagPIIDetected, flags) {
		explanations = append(explanations, "Possible PII found in tool arguments.")
	}
	if stringIn(FlagInjectionSuspected, flags) {
		explanations = append(explanations, "Potential prompt injection pattern detected.")
	}
	if stringIn(FlagHighImpactCategory, flags) {
		explanations = append(explanations, fmt.Sprintf("Tool category '%s' is high-impact.", proposal.ToolCategory))
	}

	return &models.RiskAssessment{
		FinalScore:  score,
		Explanation: strings.Join(explanations, " "),
		Flags:       flags,
	}, nil
}

// heuristicScore runs the detectors over the combined text fields and returns
// (score, flags). PII contributes 25 plus 5 per PII type beyond the first;
// injection contributes 65; payment/auth categories 15. Capped at 100.
func heuristicScore(proposal *models.ToolCallProposal, callCtx *models.ToolCallContext) (int, []string) {
	summary := ""
	if callCtx != nil {
		summary = callCtx.ConversationSummary
	}
	text := CollectTextFields(proposal.ToolArgs, summary, proposal.IntendedOutcome)

	score := 0
	var flags []string

	if pii := ScanForPII(text); pii.Found {
		score += 25 + 5*(len(pii.PatternIDs)-1)
		flags = append(flags, FlagPIIDetected)
	}

	if inj := ScanForInjection(text); inj.Found {
		score += 65
		flags = append(flags, FlagInjectionSuspected)
	}

	if proposal.ToolCategory == models.CategoryPayment || proposal.ToolCategory == models.CategoryAuth {
		score += 15
		flags = append(flags, FlagHighImpactCategory)
	}

	if score > 100 {
		score = 100
	}
	return score, flags
}
