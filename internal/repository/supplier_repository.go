package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-po-engine/internal/database"
	"github.com/pesio-ai/be-po-engine/internal/errors"
)

// SupplierRepository reads the suppliers table. The engine never mutates
// suppliers; the bulk-import collaborator owns writes.
type SupplierRepository struct {
	db *database.DB
}

// NewSupplierRepository creates a new SupplierRepository.
func NewSupplierRepository(db *database.DB) *SupplierRepository {
	return &SupplierRepository{db: db}
}

// GetByID retrieves a supplier by primary key.
func (r *SupplierRepository) GetByID(ctx context.Context, id string) (*Supplier, error) {
	query := `
		SELECT id, name, status, rating, risk_score, max_order_value,
		       categories, contact_email, created_at, updated_at
		FROM suppliers
		WHERE id = $1
	`

	s, err := r.scanSupplier(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("supplier", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get supplier")
	}
	return s, nil
}

// ListApproved returns approved suppliers, optionally filtered by category.
func (r *SupplierRepository) ListApproved(ctx context.Context, category *string) ([]*Supplier, error) {
	query := `
		SELECT id, name, status, rating, risk_score, max_order_value,
		       categories, contact_email, created_at, updated_at
		FROM suppliers
		WHERE status = 'approved'
	`
	var args []any
	if category != nil {
		query += ` AND categories @> to_jsonb(ARRAY[$1::text])`
		args = append(args, *category)
	}
	query += " ORDER BY name ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list suppliers")
	}
	defer rows.Close()

	suppliers := make([]*Supplier, 0)
	for rows.Next() {
		s, err := r.scanSupplier(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan supplier")
		}
		suppliers = append(suppliers, s)
	}
	return suppliers, rows.Err()
}

type supplierScanner interface {
	Scan(dest ...any) error
}

func (r *SupplierRepository) scanSupplier(row supplierScanner) (*Supplier, error) {
	s := &Supplier{}
	var categoriesJSON []byte

	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Status,
		&s.Rating,
		&s.RiskScore,
		&s.MaxOrderValue,
		&categoriesJSON,
		&s.ContactEmail,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(categoriesJSON) > 0 {
		if err := json.Unmarshal(categoriesJSON, &s.Categories); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal supplier categories")
		}
	}
	return s, nil
}
