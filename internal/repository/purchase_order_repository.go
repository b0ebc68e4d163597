package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-po-engine/internal/database"
	"github.com/pesio-ai/be-po-engine/internal/errors"
)

// PurchaseOrderRepository handles purchase_orders, po_lines and
// po_approver_actions. Status changes are conditional on the expected
// current status so concurrent writers cannot both win a transition.
type PurchaseOrderRepository struct {
	db *database.DB
}

// NewPurchaseOrderRepository creates a new PurchaseOrderRepository.
func NewPurchaseOrderRepository(db *database.DB) *PurchaseOrderRepository {
	return &PurchaseOrderRepository{db: db}
}

// Create inserts a purchase order with its lines in one transaction.
func (r *PurchaseOrderRepository) Create(ctx context.Context, po *PurchaseOrder) error {
	routingJSON, err := marshalRouting(po.Routing)
	if err != nil {
		return err
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO purchase_orders
			    (id, po_number, department_id, fiscal_year, supplier_id, amount,
			     description, status, routing, reservation_id, requested_by, decision_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			po.ID,
			po.PONumber,
			po.DepartmentID,
			po.FiscalYear,
			po.SupplierID,
			po.Amount,
			po.Description,
			po.Status,
			routingJSON,
			po.ReservationID,
			po.RequestedBy,
			po.DecisionReason,
		).Scan(&po.CreatedAt, &po.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create purchase order")
		}

		lineQuery := `
			INSERT INTO po_lines (po_id, line_number, description, quantity, unit_price, line_amount)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`
		for _, line := range po.Lines {
			line.POID = po.ID
			err := tx.QueryRow(ctx, lineQuery,
				line.POID, line.LineNumber, line.Description,
				line.Quantity, line.UnitPrice, line.LineAmount,
			).Scan(&line.ID)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create PO line")
			}
		}
		return nil
	})
}

// GetByID retrieves a purchase order with its lines and action log.
func (r *PurchaseOrderRepository) GetByID(ctx context.Context, id string) (*PurchaseOrder, error) {
	query := `
		SELECT id, po_number, department_id, fiscal_year, supplier_id, amount,
		       description, status, routing, reservation_id, requested_by,
		       decision_reason, created_at, updated_at
		FROM purchase_orders
		WHERE id = $1
	`

	po := &PurchaseOrder{}
	var routingJSON []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&po.ID, &po.PONumber, &po.DepartmentID, &po.FiscalYear,
		&po.SupplierID, &po.Amount, &po.Description, &po.Status,
		&routingJSON, &po.ReservationID, &po.RequestedBy,
		&po.DecisionReason, &po.CreatedAt, &po.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("purchase_order", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get purchase order")
	}

	if po.Routing, err = unmarshalRouting(routingJSON); err != nil {
		return nil, err
	}
	if po.Lines, err = r.getLines(ctx, id); err != nil {
		return nil, err
	}
	if po.Actions, err = r.GetActions(ctx, id); err != nil {
		return nil, err
	}
	return po, nil
}

// List retrieves purchase orders filtered by status and department.
func (r *PurchaseOrderRepository) List(ctx context.Context, status *POStatus, departmentID *string, limit, offset int) ([]*PurchaseOrder, error) {
	query := `
		SELECT id, po_number, department_id, fiscal_year, supplier_id, amount,
		       description, status, routing, reservation_id, requested_by,
		       decision_reason, created_at, updated_at
		FROM purchase_orders
		WHERE TRUE
	`

	args := []any{}
	argCount := 1
	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, *status)
		argCount++
	}
	if departmentID != nil {
		query += fmt.Sprintf(" AND department_id = $%d", argCount)
		args = append(args, *departmentID)
		argCount++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argCount, argCount+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list purchase orders")
	}
	defer rows.Close()

	orders := make([]*PurchaseOrder, 0)
	for rows.Next() {
		po := &PurchaseOrder{}
		var routingJSON []byte
		err := rows.Scan(
			&po.ID, &po.PONumber, &po.DepartmentID, &po.FiscalYear,
			&po.SupplierID, &po.Amount, &po.Description, &po.Status,
			&routingJSON, &po.ReservationID, &po.RequestedBy,
			&po.DecisionReason, &po.CreatedAt, &po.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan purchase order")
		}
		if po.Routing, err = unmarshalRouting(routingJSON); err != nil {
			return nil, err
		}
		orders = append(orders, po)
	}
	return orders, rows.Err()
}

// UpdateStatus moves a PO from one status to another. The update is
// conditional on the current status: when another writer got there first the
// method returns INVALID_TRANSITION and the row is untouched.
func (r *PurchaseOrderRepository) UpdateStatus(ctx context.Context, id string, from, to POStatus, reason *string) error {
	query := `
		UPDATE purchase_orders
		SET status = $3,
		    decision_reason = COALESCE($4, decision_reason),
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, from, to, reason).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("purchase order %s is not in %s", id, from))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update PO status")
	}
	return nil
}

// SetReservation links the PO to its budget reservation.
func (r *PurchaseOrderRepository) SetReservation(ctx context.Context, id, reservationID string) error {
	query := `
		UPDATE purchase_orders
		SET reservation_id = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query, id, reservationID).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("purchase_order", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to set reservation")
	}
	return nil
}

// AppendAction records an approver's decision. A repeated decision by the
// same role is a no-op (the first action stands); inserted reports whether
// this call created the row.
func (r *PurchaseOrderRepository) AppendAction(ctx context.Context, action *ApproverAction) (inserted bool, err error) {
	query := `
		INSERT INTO po_approver_actions (po_id, role, decision, acted_by, note)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (po_id, role) DO NOTHING
		RETURNING id, acted_at
	`

	err = r.db.QueryRow(ctx, query,
		action.POID, action.Role, action.Decision, action.ActedBy, action.Note,
	).Scan(&action.ID, &action.ActedAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to append approver action")
	}
	return true, nil
}

// GetActions returns the ordered approver action log for a PO.
func (r *PurchaseOrderRepository) GetActions(ctx context.Context, poID string) ([]*ApproverAction, error) {
	query := `
		SELECT id, po_id, role, decision, acted_by, note, acted_at
		FROM po_approver_actions
		WHERE po_id = $1
		ORDER BY acted_at ASC
	`

	rows, err := r.db.Query(ctx, query, poID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approver actions")
	}
	defer rows.Close()

	actions := make([]*ApproverAction, 0)
	for rows.Next() {
		a := &ApproverAction{}
		if err := rows.Scan(&a.ID, &a.POID, &a.Role, &a.Decision, &a.ActedBy, &a.Note, &a.ActedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approver action")
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (r *PurchaseOrderRepository) getLines(ctx context.Context, poID string) ([]*POLine, error) {
	query := `
		SELECT id, po_id, line_number, description, quantity, unit_price, line_amount
		FROM po_lines
		WHERE po_id = $1
		ORDER BY line_number
	`

	rows, err := r.db.Query(ctx, query, poID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get PO lines")
	}
	defer rows.Close()

	lines := make([]*POLine, 0)
	for rows.Next() {
		l := &POLine{}
		if err := rows.Scan(&l.ID, &l.POID, &l.LineNumber, &l.Description, &l.Quantity, &l.UnitPrice, &l.LineAmount); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan PO line")
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func marshalRouting(routing *RoutingDecision) ([]byte, error) {
	if routing == nil {
		return nil, nil
	}
	data, err := json.Marshal(routing)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal routing decision")
	}
	return data, nil
}

func unmarshalRouting(data []byte) (*RoutingDecision, error) {
	if len(data) == 0 {
		return nil, nil
	}
	routing := &RoutingDecision{}
	if err := json.Unmarshal(data, routing); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal routing decision")
	}
	return routing, nil
}
