package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dataguard/dataguard/internal/models"
	"github.com/jackc/pgx/v5"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS guardian_audit_log (
	id                       BIGSERIAL PRIMARY KEY,
	decision_id              VARCHAR(36) UNIQUE NOT NULL,
	proposal_id              VARCHAR(36) NOT NULL,
	agent_id                 VARCHAR(256) NOT NULL,
	session_id               VARCHAR(36) NOT NULL,
	tenant_id                VARCHAR(256) NOT NULL DEFAULT 'default',
	user_id                  VARCHAR(256),
	tool_name                VARCHAR(256) NOT NULL,
	tool_category            VARCHAR(64) NOT NULL,
	tool_args_hash           VARCHAR(64) NOT NULL,
	tool_args_snapshot       JSONB NOT NULL,
	intended_outcome         TEXT NOT NULL DEFAULT '',
	verdict                  VARCHAR(32) NOT NULL,
	risk_score_final         INTEGER NOT NULL,
	risk_score_deterministic INTEGER,
	risk_score_llm           INTEGER,
	matched_rule_id          VARCHAR(128),
	reason                   TEXT NOT NULL DEFAULT '',
	rewrite_rule_id          VARCHAR(128),
	rewritten_args_snapshot  JSONB,
	requires_human           BOOLEAN NOT NULL DEFAULT FALSE,
	approved_by              VARCHAR(256),
	approved_at              TIMESTAMPTZ,
	outcome_success          BOOLEAN,
	outcome_error            TEXT,
	execution_duration_ms    BIGINT,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_audit_proposal ON guardian_audit_log (proposal_id);
CREATE INDEX IF NOT EXISTS idx_audit_agent ON guardian_audit_log (agent_id);
CREATE INDEX IF NOT EXISTS idx_audit_session ON guardian_audit_log (session_id);
CREATE INDEX IF NOT EXISTS idx_audit_tenant ON guardian_audit_log (tenant_id);
CREATE INDEX IF NOT EXISTS idx_audit_verdict ON guardian_audit_log (verdict);
CREATE INDEX IF NOT EXISTS idx_audit_created ON guardian_audit_log (created_at);
`

// AuditRepository implements repository.AuditRepository for PostgreSQL.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// EnsureSchema creates the audit table and its indexes if missing.
func (r *AuditRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Pool.Exec(ctx, auditSchema); err != nil {
		return fmt.Errorf("creating audit schema: %w", err)
	}
	return nil
}

// LogDecision persists a Guardian decision to the audit log.
func (r *AuditRepository) LogDecision(ctx context.Context, decision *models.GuardianDecision, proposal *models.ToolCallProposal, callCtx *models.ToolCallContext) error {
	argsJSON, err := json.Marshal(proposal.ToolArgs)
	if err != nil {
		return fmt.Errorf("serializing tool args: %w", err)
	}
	sum := sha256.Sum256(argsJSON)
	argsHash := hex.EncodeToString(sum[:])

	var rewriteRuleID *string
	var rewrittenSnapshot []byte
	if decision.RewrittenCall != nil {
		rewriteRuleID = &decision.RewrittenCall.RewriteRuleID
		rewrittenSnapshot, err = json.Marshal(decision.RewrittenCall.RewrittenToolArgs)
		if err != nil {
			return fmt.Errorf("serializing rewritten args: %w", err)
		}
	}

	var userID *string
	if callCtx.UserID != "" {
		userID = &callCtx.UserID
	}
	var matchedRuleID *string
	if decision.MatchedRuleID != "" {
		matchedRuleID = &decision.MatchedRuleID
	}

	query := `
		INSERT INTO guardian_audit_log (
			decision_id, proposal_id, agent_id, session_id, tenant_id, user_id,
			tool_name, tool_category, tool_args_hash, tool_args_snapshot, intended_outcome,
			verdict, risk_score_final, risk_score_deterministic, risk_score_llm,
			matched_rule_id, reason, rewrite_rule_id, rewritten_args_snapshot,
			requires_human, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`

	_, err = r.db.Pool.Exec(ctx, query,
		decision.DecisionID, proposal.ProposalID, callCtx.AgentID, callCtx.SessionID,
		callCtx.TenantID, userID,
		proposal.ToolName, string(proposal.ToolCategory), argsHash, argsJSON, proposal.IntendedOutcome,
		string(decision.Verdict), decision.RiskScore.FinalScore,
		decision.RiskScore.DeterministicScore, decision.RiskScore.LLMScore,
		matchedRuleID, decision.Reason, rewriteRuleID, rewrittenSnapshot,
		decision.RequiresHuman, decision.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting audit row: %w", err)
	}
	return nil
}

// RecordOutcome updates the audit row keyed by the outcome's proposal id.
func (r *AuditRepository) RecordOutcome(ctx context.Context, outcome *models.ToolResponse) error {
	query := `
		UPDATE guardian_audit_log
		SET outcome_success = $2, outcome_error = NULLIF($3, ''), execution_duration_ms = $4
		WHERE proposal_id = $1`

	_, err := r.db.Pool.Exec(ctx, query,
		outcome.ProposalID, outcome.Success, outcome.ErrorMessage, outcome.ExecutionDurationMs,
	)
	if err != nil {
		return fmt.Errorf("recording outcome: %w", err)
	}
	return nil
}

// RecordApproval stamps the approval fields on a decision's row.
func (r *AuditRepository) RecordApproval(ctx context.Context, decisionID, reviewer string) error {
	query := `
		UPDATE guardian_audit_log
		SET approved_by = $2, approved_at = $3
		WHERE decision_id = $1`

	_, err := r.db.Pool.Exec(ctx, query, decisionID, reviewer, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording approval: %w", err)
	}
	return nil
}

const auditColumns = `
	id, decision_id, proposal_id, agent_id, session_id, tenant_id, user_id,
	tool_name, tool_category, verdict, risk_score_final, matched_rule_id,
	reason, requires_human, approved_by, outcome_success, created_at`

// Query returns audit entries matching the filters, newest first.
func (r *AuditRepository) Query(ctx context.Context, q *models.AuditQuery) ([]models.AuditLogEntry, error) {
	var conds []string
	var args []any

	addCond := func(column string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if q.TenantID != "" {
		addCond("tenant_id", q.TenantID)
	}
	if q.AgentID != "" {
		addCond("agent_id", q.AgentID)
	}
	if q.SessionID != "" {
		addCond("session_id", q.SessionID)
	}
	if q.Verdict != "" {
		addCond("verdict", q.Verdict)
	}
	if q.ToolName != "" {
		addCond("tool_name", q.ToolName)
	}
	if q.Since != nil {
		args = append(args, *q.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if q.Until != nil {
		args = append(args, *q.Until)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	query := "SELECT" + auditColumns + " FROM guardian_audit_log"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditLogEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// GetByDecisionID returns one audit entry, or nil when absent.
func (r *AuditRepository) GetByDecisionID(ctx context.Context, decisionID string) (*models.AuditLogEntry, error) {
	query := "SELECT" + auditColumns + " FROM guardian_audit_log WHERE decision_id = $1"

	rows, err := r.db.Pool.Query(ctx, query, decisionID)
	if err != nil {
		return nil, fmt.Errorf("getting audit entry %s: %w", decisionID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanEntry(rows)
}

// StatsSummary aggregates decision activity over the trailing window.
func (r *AuditRepository) StatsSummary(ctx context.Context, hours int) (*models.StatsSummary, error) {
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	summary := &models.StatsSummary{
		Hours:     hours,
		ByVerdict: map[string]int{},
	}

	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(AVG(risk_score_final), 0)::float8
		 FROM guardian_audit_log WHERE created_at >= $1`, since,
	).Scan(&summary.TotalDecisions, &summary.AvgRiskScore)
	if err != nil {
		return nil, fmt.Errorf("aggregating totals: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx,
		`SELECT verdict, COUNT(*)
		 FROM guardian_audit_log WHERE created_at >= $1 GROUP BY verdict`, since)
	if err != nil {
		return nil, fmt.Errorf("aggregating verdicts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var verdict string
		var count int
		if err := rows.Scan(&verdict, &count); err != nil {
			return nil, fmt.Errorf("scanning verdict counts: %w", err)
		}
		summary.ByVerdict[verdict] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM guardian_audit_log
		 WHERE requires_human = TRUE AND approved_by IS NULL`,
	).Scan(&summary.PendingApprovals)
	if err != nil {
		return nil, fmt.Errorf("counting pending approvals: %w", err)
	}

	return summary, nil
}

func scanEntry(rows pgx.Rows) (*models.AuditLogEntry, error) {
	var e models.AuditLogEntry
	if err := rows.Scan(
		&e.ID, &e.DecisionID, &e.ProposalID, &e.AgentID, &e.SessionID, &e.TenantID,
		&e.UserID, &e.ToolName, &e.ToolCategory, &e.Verdict, &e.RiskScoreFinal,
		&e.MatchedRuleID, &e.Reason, &e.RequiresHuman, &e.ApprovedBy,
		&e.OutcomeSuccess, &e.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning audit entry: %w", err)
	}
	return &e, nil
}
