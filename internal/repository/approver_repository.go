package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-po-engine/internal/database"
	"github.com/pesio-ai/be-po-engine/internal/errors"
)

// ApproverRepository reads the approvers table.
type ApproverRepository struct {
	db *database.DB
}

// NewApproverRepository creates a new ApproverRepository.
func NewApproverRepository(db *database.DB) *ApproverRepository {
	return &ApproverRepository{db: db}
}

// GetByRole retrieves one approver by role name.
func (r *ApproverRepository) GetByRole(ctx context.Context, role string) (*Approver, error) {
	query := `
		SELECT role, name, email, is_active
		FROM approvers
		WHERE role = $1
	`

	a := &Approver{}
	err := r.db.QueryRow(ctx, query, role).Scan(&a.Role, &a.Name, &a.Email, &a.IsActive)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approver", role)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approver")
	}
	return a, nil
}

// ListActive returns all active approvers keyed by role.
func (r *ApproverRepository) ListActive(ctx context.Context) (map[string]*Approver, error) {
	query := `
		SELECT role, name, email, is_active
		FROM approvers
		WHERE is_active = TRUE
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvers")
	}
	defer rows.Close()

	approvers := make(map[string]*Approver)
	for rows.Next() {
		a := &Approver{}
		if err := rows.Scan(&a.Role, &a.Name, &a.Email, &a.IsActive); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approver")
		}
		approvers[a.Role] = a
	}
	return approvers, rows.Err()
}
