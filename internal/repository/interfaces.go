// Package repository defines data access interfaces for DataGuard.
package repository

import (
	"context"

	"github.com/dataguard/dataguard/internal/models"
)

// AuditRepository persists Guardian decisions and their lifecycle updates.
// Implementations must tolerate being called concurrently. Not-found lookups
// return (nil, nil).
type AuditRepository interface {
	// LogDecision writes one audit row per evaluation.
	LogDecision(ctx context.Context, decision *models.GuardianDecision, proposal *models.ToolCallProposal, callCtx *models.ToolCallContext) error

	// RecordOutcome updates the row keyed by the outcome's proposal_id.
	RecordOutcome(ctx context.Context, outcome *models.ToolResponse) error

	// RecordApproval stamps approved_by/approved_at on a pending row.
	RecordApproval(ctx context.Context, decisionID, reviewer string) error

	// Query returns entries matching the filters, newest first.
	Query(ctx context.Context, q *models.AuditQuery) ([]models.AuditLogEntry, error)

	// GetByDecisionID returns a single entry, or nil when absent.
	GetByDecisionID(ctx context.Context, decisionID string) (*models.AuditLogEntry, error)

	// StatsSummary aggregates decision activity over the trailing window.
	StatsSummary(ctx context.Context, hours int) (*models.StatsSummary, error)
}
