package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-po-engine/internal/errors"
	"github.com/pesio-ai/be-po-engine/internal/metrics"
	"github.com/pesio-ai/be-po-engine/internal/repository"
)

// BudgetStore is the reservation manager's view of the budget ledger. Each
// method is one atomic unit against the department's budget row; the store
// guarantees per-department serialization.
type BudgetStore interface {
	Get(ctx context.Context, departmentID string, fiscalYear int) (*repository.Budget, error)
	Reserve(ctx context.Context, departmentID string, fiscalYear int, amount int64, poID string) (*repository.BudgetReservation, error)
	Release(ctx context.Context, reservationID string) (*repository.BudgetReservation, error)
	Consume(ctx context.Context, reservationID string) (*repository.BudgetReservation, error)
	GetReservation(ctx context.Context, reservationID string) (*repository.BudgetReservation, error)
	Summary(ctx context.Context, departmentID string, fiscalYear int) (*repository.BudgetSummary, error)
}

// ReservationService is the only budget-mutating path in the engine. It wraps
// the ledger store with logging and metrics; all atomicity lives in the store.
type ReservationService struct {
	budgets BudgetStore
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewReservationService creates a new ReservationService.
func NewReservationService(budgets BudgetStore, log zerolog.Logger, m *metrics.Metrics) *ReservationService {
	return &ReservationService{budgets: budgets, log: log, metrics: m}
}

// Reserve places a hold of amount against the department's budget for poID.
// INSUFFICIENT_BUDGET is an expected outcome, not a fault: the caller decides
// whether to park the PO or retry.
func (s *ReservationService) Reserve(ctx context.Context, departmentID string, fiscalYear int, amount int64, poID string) (*repository.BudgetReservation, error) {
	res, err := s.budgets.Reserve(ctx, departmentID, fiscalYear, amount, poID)
	if err != nil {
		if errors.Is(err, errors.ErrCodeInsufficientBudget) {
			s.metrics.Reservations.WithLabelValues("insufficient_budget").Inc()
			s.log.Info().
				Str("po_id", poID).
				Str("department_id", departmentID).
				Int64("amount", amount).
				Msg("Reservation refused: insufficient budget")
		}
		return nil, err
	}

	s.metrics.Reservations.WithLabelValues("reserved").Inc()
	s.log.Info().
		Str("po_id", poID).
		Str("reservation_id", res.ID).
		Str("department_id", departmentID).
		Int64("amount", amount).
		Msg("Budget reserved")
	return res, nil
}

// Release gives a reservation's amount back to the department. Calling it on
// an already-terminal reservation returns ALREADY_TERMINAL with balances
// untouched; callers treat that as success.
func (s *ReservationService) Release(ctx context.Context, reservationID string) (*repository.BudgetReservation, error) {
	res, err := s.budgets.Release(ctx, reservationID)
	if err != nil {
		if errors.Is(err, errors.ErrCodeAlreadyTerminal) {
			s.metrics.Reservations.WithLabelValues("already_terminal").Inc()
			return res, err
		}
		return nil, err
	}

	s.metrics.Reservations.WithLabelValues("released").Inc()
	s.log.Info().
		Str("reservation_id", reservationID).
		Str("po_id", res.POID).
		Int64("amount", res.Amount).
		Msg("Reservation released")
	return res, nil
}

// Consume converts a reservation into recognized spend: reserved decreases,
// spent increases by the same amount. ALREADY_TERMINAL semantics match
// Release.
func (s *ReservationService) Consume(ctx context.Context, reservationID string) (*repository.BudgetReservation, error) {
	res, err := s.budgets.Consume(ctx, reservationID)
	if err != nil {
		if errors.Is(err, errors.ErrCodeAlreadyTerminal) {
			s.metrics.Reservations.WithLabelValues("already_terminal").Inc()
			return res, err
		}
		return nil, err
	}

	s.metrics.Reservations.WithLabelValues("consumed").Inc()
	s.log.Info().
		Str("reservation_id", reservationID).
		Str("po_id", res.POID).
		Int64("amount", res.Amount).
		Msg("Reservation consumed")
	return res, nil
}

// Summary returns the department's balances for the budget endpoint.
func (s *ReservationService) Summary(ctx context.Context, departmentID string, fiscalYear int) (*repository.BudgetSummary, error) {
	return s.budgets.Summary(ctx, departmentID, fiscalYear)
}
