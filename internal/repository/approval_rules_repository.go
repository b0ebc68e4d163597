package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-po-engine/internal/database"
	"github.com/pesio-ai/be-po-engine/internal/errors"
)

// ApprovalRuleRepository handles the approval_matrix table. The engine only
// reads rules; bracket selection happens in the routing service so it stays
// a pure, testable function.
type ApprovalRuleRepository struct {
	db *database.DB
}

// NewApprovalRuleRepository creates a new ApprovalRuleRepository.
func NewApprovalRuleRepository(db *database.DB) *ApprovalRuleRepository {
	return &ApprovalRuleRepository{db: db}
}

// GetByID retrieves a rule by primary key.
func (r *ApprovalRuleRepository) GetByID(ctx context.Context, id string) (*ApprovalRule, error) {
	query := `
		SELECT id, rule_name, max_amount, required_approvers,
		       auto_approve, is_active, expires_at, created_at, updated_at
		FROM approval_matrix
		WHERE id = $1
	`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_rule", id)
	}
	return rule, err
}

// ListActive returns active, non-expired rules ordered by max_amount
// ascending, which is the order bracket selection expects.
func (r *ApprovalRuleRepository) ListActive(ctx context.Context) ([]*ApprovalRule, error) {
	query := `
		SELECT id, rule_name, max_amount, required_approvers,
		       auto_approve, is_active, expires_at, created_at, updated_at
		FROM approval_matrix
		WHERE is_active = TRUE
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY max_amount ASC, rule_name ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	rules := make([]*ApprovalRule, 0)
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

type ruleScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRuleRepository) scanRule(row ruleScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	var approversJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.RuleName,
		&rule.MaxAmount,
		&approversJSON,
		&rule.AutoApprove,
		&rule.IsActive,
		&rule.ExpiresAt,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(approversJSON, &rule.RequiredApprovers); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal required approvers")
	}
	return rule, nil
}
