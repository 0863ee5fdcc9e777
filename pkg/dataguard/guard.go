package dataguard

import (
	"context"
	"fmt"
	"time"
)

// ToolFunc is the function signature Wrap guards: a tool invocation taking a
// name and argument map.
type ToolFunc func(ctx context.Context, toolName string, args map[string]any) (any, error)

// BlockedError is returned when the Guardian refuses a wrapped call. The
// decision carries the verdict, reason, and (for pending approvals) the
// decision id to resolve later.
type BlockedError struct {
	Decision *Decision
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("dataguard: call blocked (verdict=%s): %s", e.Decision.Verdict, e.Decision.Reason)
}

// Wrap returns a ToolFunc that evaluates policy before calling fn.
//
// allow            → fn runs with the original arguments.
// rewrite          → fn runs with the rewritten tool name and arguments.
// deny / require_approval → fn is not called; a *BlockedError is returned.
func (c *Client) Wrap(fn ToolFunc, opts ...WrapOption) ToolFunc {
	cfg := wrapConfig{agentID: "sdk-agent"}
	for _, o := range opts {
		o(&cfg)
	}

	return func(ctx context.Context, toolName string, args map[string]any) (any, error) {
		decision, err := c.Evaluate(ctx, EvaluateRequest{
			Proposal: Proposal{
				ToolName:        toolName,
				ToolArgs:        args,
				ToolCategory:    cfg.category,
				IntendedOutcome: cfg.intendedOutcome,
			},
			Context: Context{
				AgentID:   cfg.agentID,
				SessionID: cfg.sessionID,
				TenantID:  cfg.tenantID,
			},
		})
		if err != nil {
			return nil, err
		}

		runName, runArgs := toolName, args
		switch decision.Verdict {
		case VerdictAllow:
			// run as proposed
		case VerdictRewrite:
			if decision.RewrittenCall != nil {
				runName = decision.RewrittenCall.RewrittenToolName
				runArgs = decision.RewrittenCall.RewrittenToolArgs
			}
		default:
			return nil, &BlockedError{Decision: decision}
		}

		start := time.Now()
		result, runErr := fn(ctx, runName, runArgs)

		if cfg.reportOutcome {
			durationMs := time.Since(start).Milliseconds()
			outcome := Outcome{
				ProposalID:          decision.ProposalID,
				ToolName:            runName,
				Success:             runErr == nil,
				ExecutionDurationMs: &durationMs,
			}
			if runErr != nil {
				outcome.ErrorMessage = runErr.Error()
			}
			// Outcome reporting is best-effort; the tool result wins.
			_ = c.ReportOutcome(ctx, outcome)
		}

		return result, runErr
	}
}
