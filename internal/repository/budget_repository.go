package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-po-engine/internal/database"
	"github.com/pesio-ai/be-po-engine/internal/errors"
)

// BudgetRepository owns all mutation of the budgets and budget_reservations
// tables. Every mutating method runs as a single transaction that locks the
// department's budget row first, so reservations against one department are
// serialized while different departments proceed independently.
type BudgetRepository struct {
	db *database.DB
}

// NewBudgetRepository creates a new BudgetRepository.
func NewBudgetRepository(db *database.DB) *BudgetRepository {
	return &BudgetRepository{db: db}
}

// Get retrieves a department's budget for a fiscal year.
func (r *BudgetRepository) Get(ctx context.Context, departmentID string, fiscalYear int) (*Budget, error) {
	query := `
		SELECT department_id, fiscal_year, name, allocated, spent, reserved,
		       created_at, updated_at
		FROM budgets
		WHERE department_id = $1 AND fiscal_year = $2
	`

	b := &Budget{}
	err := r.db.QueryRow(ctx, query, departmentID, fiscalYear).Scan(
		&b.DepartmentID, &b.FiscalYear, &b.Name,
		&b.Allocated, &b.Spent, &b.Reserved,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("budget", fmt.Sprintf("%s/%d", departmentID, fiscalYear))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get budget")
	}
	return b, nil
}

// Reserve atomically checks availability and creates an active reservation.
// Returns INSUFFICIENT_BUDGET when allocated - spent - reserved < amount;
// the budget row is untouched in that case.
func (r *BudgetRepository) Reserve(ctx context.Context, departmentID string, fiscalYear int, amount int64, poID string) (*BudgetReservation, error) {
	res := &BudgetReservation{
		POID:         poID,
		DepartmentID: departmentID,
		FiscalYear:   fiscalYear,
		Amount:       amount,
		Status:       ReservationActive,
	}

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var allocated, spent, reserved int64
		lockQuery := `
			SELECT allocated, spent, reserved
			FROM budgets
			WHERE department_id = $1 AND fiscal_year = $2
			FOR UPDATE
		`
		err := tx.QueryRow(ctx, lockQuery, departmentID, fiscalYear).Scan(&allocated, &spent, &reserved)
		if err == pgx.ErrNoRows {
			return errors.NotFound("budget", fmt.Sprintf("%s/%d", departmentID, fiscalYear))
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock budget row")
		}

		available := allocated - spent - reserved
		if available < 0 {
			// The ledger invariant does not hold; abort rather than build on it.
			return errors.New(errors.ErrCodeInternal,
				fmt.Sprintf("budget %s/%d violates spent+reserved<=allocated", departmentID, fiscalYear))
		}
		if amount > available {
			return errors.New(errors.ErrCodeInsufficientBudget,
				fmt.Sprintf("requested %d, available %d for department %s", amount, available, departmentID))
		}

		updateQuery := `
			UPDATE budgets
			SET reserved = reserved + $3, updated_at = NOW()
			WHERE department_id = $1 AND fiscal_year = $2
		`
		if _, err := tx.Exec(ctx, updateQuery, departmentID, fiscalYear, amount); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to increment reserved")
		}

		insertQuery := `
			INSERT INTO budget_reservations
			    (po_id, department_id, fiscal_year, amount, status)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at, updated_at
		`
		return tx.QueryRow(ctx, insertQuery,
			res.POID, res.DepartmentID, res.FiscalYear, res.Amount, res.Status,
		).Scan(&res.ID, &res.CreatedAt, &res.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Release moves an active reservation to released and gives the amount back
// to the department's available budget. ALREADY_TERMINAL when the reservation
// is already released or consumed; balances are left unchanged.
func (r *BudgetRepository) Release(ctx context.Context, reservationID string) (*BudgetReservation, error) {
	return r.settle(ctx, reservationID, ReservationReleased)
}

// Consume moves an active reservation to consumed: the amount shifts from
// reserved to spent, recognizing the spend. ALREADY_TERMINAL when the
// reservation is already released or consumed.
func (r *BudgetRepository) Consume(ctx context.Context, reservationID string) (*BudgetReservation, error) {
	return r.settle(ctx, reservationID, ReservationConsumed)
}

// GetReservation retrieves a reservation by primary key.
func (r *BudgetRepository) GetReservation(ctx context.Context, id string) (*BudgetReservation, error) {
	query := `
		SELECT id, po_id, department_id, fiscal_year, amount, status,
		       created_at, updated_at
		FROM budget_reservations
		WHERE id = $1
	`

	res := &BudgetReservation{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&res.ID, &res.POID, &res.DepartmentID, &res.FiscalYear,
		&res.Amount, &res.Status, &res.CreatedAt, &res.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("budget_reservation", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get reservation")
	}
	return res, nil
}

// Summary returns the department's balances with utilization, for the
// budget summary endpoint.
func (r *BudgetRepository) Summary(ctx context.Context, departmentID string, fiscalYear int) (*BudgetSummary, error) {
	b, err := r.Get(ctx, departmentID, fiscalYear)
	if err != nil {
		return nil, err
	}

	var utilization float64
	if b.Allocated > 0 {
		utilization = float64(b.Spent) / float64(b.Allocated) * 100
	}

	return &BudgetSummary{
		DepartmentID:       b.DepartmentID,
		FiscalYear:         b.FiscalYear,
		Name:               b.Name,
		Allocated:          b.Allocated,
		Spent:              b.Spent,
		Reserved:           b.Reserved,
		Available:          b.Available(),
		UtilizationPercent: utilization,
	}, nil
}

// settle finalizes an active reservation as released or consumed. The
// reservation row is locked first, then the budget row, in one transaction.
func (r *BudgetRepository) settle(ctx context.Context, reservationID string, target ReservationStatus) (*BudgetReservation, error) {
	res := &BudgetReservation{ID: reservationID, Status: target}

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var status ReservationStatus
		lockQuery := `
			SELECT po_id, department_id, fiscal_year, amount, status, created_at
			FROM budget_reservations
			WHERE id = $1
			FOR UPDATE
		`
		err := tx.QueryRow(ctx, lockQuery, reservationID).Scan(
			&res.POID, &res.DepartmentID, &res.FiscalYear, &res.Amount, &status, &res.CreatedAt,
		)
		if err == pgx.ErrNoRows {
			return errors.NotFound("budget_reservation", reservationID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock reservation")
		}

		if status.Terminal() {
			res.Status = status
			return errors.New(errors.ErrCodeAlreadyTerminal,
				fmt.Sprintf("reservation %s is already %s", reservationID, status))
		}

		var budgetUpdate string
		if target == ReservationConsumed {
			budgetUpdate = `
				UPDATE budgets
				SET reserved = reserved - $3, spent = spent + $3, updated_at = NOW()
				WHERE department_id = $1 AND fiscal_year = $2
			`
		} else {
			budgetUpdate = `
				UPDATE budgets
				SET reserved = reserved - $3, updated_at = NOW()
				WHERE department_id = $1 AND fiscal_year = $2
			`
		}
		tag, err := tx.Exec(ctx, budgetUpdate, res.DepartmentID, res.FiscalYear, res.Amount)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update budget balances")
		}
		if tag.RowsAffected() == 0 {
			return errors.NotFound("budget", fmt.Sprintf("%s/%d", res.DepartmentID, res.FiscalYear))
		}

		statusUpdate := `
			UPDATE budget_reservations
			SET status = $2, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at
		`
		return tx.QueryRow(ctx, statusUpdate, reservationID, target).Scan(&res.UpdatedAt)
	})
	if err != nil {
		// The settled-state copy is still useful to AlreadyTerminal callers.
		if errors.Is(err, errors.ErrCodeAlreadyTerminal) {
			return res, err
		}
		return nil, err
	}
	return res, nil
}
