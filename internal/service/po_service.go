package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-po-engine/internal/errors"
	"github.com/pesio-ai/be-po-engine/internal/metrics"
	"github.com/pesio-ai/be-po-engine/internal/repository"
)

// POStore persists purchase orders and their approver action log.
type POStore interface {
	Create(ctx context.Context, po *repository.PurchaseOrder) error
	GetByID(ctx context.Context, id string) (*repository.PurchaseOrder, error)
	List(ctx context.Context, status *repository.POStatus, departmentID *string, limit, offset int) ([]*repository.PurchaseOrder, error)
	UpdateStatus(ctx context.Context, id string, from, to repository.POStatus, reason *string) error
	SetReservation(ctx context.Context, id, reservationID string) error
	AppendAction(ctx context.Context, action *repository.ApproverAction) (bool, error)
	GetActions(ctx context.Context, poID string) ([]*repository.ApproverAction, error)
}

// EventPublisher fans PO lifecycle events out to the notification bus.
// Implementations must be non-fatal: delivery failures are logged, never
// returned.
type EventPublisher interface {
	PublishPOEvent(ctx context.Context, eventType string, po *repository.PurchaseOrder, payload map[string]interface{})
}

// RetryPolicy bounds pending-budget reservation retries.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
}

// SubmitPORequest is a candidate purchase order.
type SubmitPORequest struct {
	DepartmentID string          `json:"department_id"`
	SupplierID   string          `json:"supplier_id"`
	Amount       int64           `json:"amount"`
	Description  *string         `json:"description,omitempty"`
	RequestedBy  string          `json:"requested_by"`
	Lines        []*SubmitPOLine `json:"lines"`
}

// SubmitPOLine is one line item on a submission.
type SubmitPOLine struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   int64   `json:"unit_price"`
}

// ApproverActionRequest is an external approver's verdict on a PO.
type ApproverActionRequest struct {
	POID     string                      `json:"po_id"`
	Role     string                      `json:"role"`
	Decision repository.ApproverDecision `json:"decision"`
	ActedBy  string                      `json:"acted_by"`
	Note     *string                     `json:"note,omitempty"`
}

// POService is the approval orchestrator: it owns the purchase-order state
// machine and sequences router, reservation manager and approver actions.
// All budget mutation is delegated to the reservation service.
type POService struct {
	pos          POStore
	router       *RoutingService
	reservations *ReservationService
	payments     *PaymentService
	suppliers    SupplierStore
	approvers    ApproverStore
	publisher    EventPublisher
	retryPolicy  RetryPolicy
	log          zerolog.Logger
	metrics      *metrics.Metrics

	// Per-PO sequencing point: approver actions and cancellation on the same
	// PO are serialized here so a rejection and a concurrent final approval
	// cannot both win. POs never contend with each other.
	locks sync.Map
}

// NewPOService creates a new POService.
func NewPOService(
	pos POStore,
	router *RoutingService,
	reservations *ReservationService,
	payments *PaymentService,
	suppliers SupplierStore,
	approvers ApproverStore,
	publisher EventPublisher,
	retryPolicy RetryPolicy,
	log zerolog.Logger,
	m *metrics.Metrics,
) *POService {
	return &POService{
		pos:          pos,
		router:       router,
		reservations: reservations,
		payments:     payments,
		suppliers:    suppliers,
		approvers:    approvers,
		publisher:    publisher,
		retryPolicy:  retryPolicy,
		log:          log,
		metrics:      m,
	}
}

// ── Submission ────────────────────────────────────────────────────────────────

// Submit validates a candidate PO, routes it and reserves budget. The
// returned PO carries its post-submission status: blocked, pending_budget,
// awaiting_approval, or consumed (auto-approved orders complete in one pass).
func (s *POService) Submit(ctx context.Context, req *SubmitPORequest) (*repository.PurchaseOrder, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	// Routing happens before any row exists, so a missing supplier surfaces
	// as a plain NotFound with nothing to clean up.
	decision, err := s.router.Route(ctx, req.SupplierID, req.Amount)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	po := &repository.PurchaseOrder{
		ID:           uuid.NewString(),
		PONumber:     "PO-" + now.Format("20060102150405"),
		DepartmentID: req.DepartmentID,
		FiscalYear:   now.Year(),
		SupplierID:   req.SupplierID,
		Amount:       req.Amount,
		Description:  req.Description,
		Status:       repository.POStatusRouted,
		Routing:      decision,
		RequestedBy:  req.RequestedBy,
	}
	for i, line := range req.Lines {
		po.Lines = append(po.Lines, &repository.POLine{
			LineNumber:  i + 1,
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			LineAmount:  int64(line.Quantity * float64(line.UnitPrice)),
		})
	}

	if err := s.pos.Create(ctx, po); err != nil {
		return nil, err
	}
	s.publish(ctx, "po_submitted", po, map[string]interface{}{
		"outcome": string(decision.Outcome),
	})

	if decision.Outcome == repository.OutcomeBlocked {
		if err := s.transition(ctx, po, repository.POStatusBlocked, &decision.Reason); err != nil {
			return nil, err
		}
		s.publish(ctx, "po_blocked", po, map[string]interface{}{"reason": decision.Reason})
		return po, nil
	}

	return po, s.reserveAndAdvance(ctx, po)
}

// reserveAndAdvance attempts the budget reservation for a routed or
// pending_budget PO and drives it to its next resting state.
func (s *POService) reserveAndAdvance(ctx context.Context, po *repository.PurchaseOrder) error {
	res, err := s.reservations.Reserve(ctx, po.DepartmentID, po.FiscalYear, po.Amount, po.ID)
	if err != nil {
		if errors.Is(err, errors.ErrCodeInsufficientBudget) {
			if po.Status != repository.POStatusPendingBudget {
				reason := err.Error()
				if terr := s.transition(ctx, po, repository.POStatusPendingBudget, &reason); terr != nil {
					return terr
				}
				s.publish(ctx, "budget_insufficient", po, map[string]interface{}{"amount": po.Amount})
			}
			return nil
		}
		return err
	}

	if err := s.pos.SetReservation(ctx, po.ID, res.ID); err != nil {
		return err
	}
	po.ReservationID = &res.ID

	if err := s.transition(ctx, po, repository.POStatusReserved, nil); err != nil {
		return err
	}

	if po.Routing != nil && po.Routing.Outcome == repository.OutcomeAutoApproved {
		if err := s.transition(ctx, po, repository.POStatusApproved, nil); err != nil {
			return err
		}
		s.publish(ctx, "po_auto_approved", po, nil)
		return s.consume(ctx, po)
	}

	if err := s.transition(ctx, po, repository.POStatusAwaitingApproval, nil); err != nil {
		return err
	}
	s.publish(ctx, "approval_requested", po, map[string]interface{}{
		"required_roles": po.Routing.RequiredRoles,
		"escalated":      po.Routing.Escalated,
	})
	return nil
}

// ── Approver actions ─────────────────────────────────────────────────────────

// ApplyApproverAction records one approver's verdict. Duplicate actions by a
// role that already acted are idempotent no-ops; the first rejection is
// final; the PO completes once every required role has approved.
func (s *POService) ApplyApproverAction(ctx context.Context, req *ApproverActionRequest) (*repository.PurchaseOrder, error) {
	if req.Decision != repository.DecisionApprove && req.Decision != repository.DecisionReject {
		return nil, errors.InvalidInput("decision", "must be approve or reject")
	}

	unlock := s.lockPO(req.POID)
	defer unlock()

	po, err := s.pos.GetByID(ctx, req.POID)
	if err != nil {
		return nil, err
	}
	if po.Status != repository.POStatusAwaitingApproval {
		return nil, errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("purchase order %s does not accept approver actions in %s", po.ID, po.Status))
	}

	if po.Routing == nil || !containsRole(po.Routing.RequiredRoles, req.Role) {
		return nil, errors.InvalidInput("role",
			fmt.Sprintf("role %s is not required for purchase order %s", req.Role, po.ID))
	}
	approver, err := s.approvers.GetByRole(ctx, req.Role)
	if err != nil {
		return nil, err
	}
	if !approver.IsActive {
		return nil, errors.InvalidInput("role", fmt.Sprintf("approver role %s is inactive", req.Role))
	}

	action := &repository.ApproverAction{
		POID:     po.ID,
		Role:     req.Role,
		Decision: req.Decision,
		ActedBy:  req.ActedBy,
		Note:     req.Note,
	}
	inserted, err := s.pos.AppendAction(ctx, action)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// The role already acted; the first action stands.
		s.log.Debug().
			Str("po_id", po.ID).
			Str("role", req.Role).
			Msg("Duplicate approver action ignored")
		return po, nil
	}

	if req.Decision == repository.DecisionReject {
		if err := s.transition(ctx, po, repository.POStatusRejected, req.Note); err != nil {
			return nil, err
		}
		s.publish(ctx, "po_rejected", po, map[string]interface{}{"role": req.Role})
		return po, s.releaseAfterTerminalDecision(ctx, po)
	}

	actions, err := s.pos.GetActions(ctx, po.ID)
	if err != nil {
		return nil, err
	}
	if !allRolesApproved(po.Routing.RequiredRoles, actions) {
		s.log.Info().
			Str("po_id", po.ID).
			Str("role", req.Role).
			Msg("Approval recorded; more approvals outstanding")
		return po, nil
	}

	if err := s.transition(ctx, po, repository.POStatusApproved, nil); err != nil {
		return nil, err
	}
	s.publish(ctx, "po_approved", po, nil)
	return po, s.consume(ctx, po)
}

// Cancel withdraws a PO from awaiting_approval or pending_budget, releasing
// any reservation it holds.
func (s *POService) Cancel(ctx context.Context, poID, cancelledBy string) (*repository.PurchaseOrder, error) {
	unlock := s.lockPO(poID)
	defer unlock()

	po, err := s.pos.GetByID(ctx, poID)
	if err != nil {
		return nil, err
	}
	if po.Status != repository.POStatusAwaitingApproval && po.Status != repository.POStatusPendingBudget {
		return nil, errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("purchase order %s cannot be cancelled from %s", po.ID, po.Status))
	}

	if po.ReservationID != nil {
		if _, err := s.reservations.Release(ctx, *po.ReservationID); err != nil &&
			!errors.Is(err, errors.ErrCodeAlreadyTerminal) {
			return nil, err
		}
	}

	reason := fmt.Sprintf("cancelled by %s", cancelledBy)
	if err := s.transition(ctx, po, repository.POStatusReleased, &reason); err != nil {
		return nil, err
	}
	s.publish(ctx, "po_cancelled", po, map[string]interface{}{"cancelled_by": cancelledBy})
	return po, nil
}

// RetryReservation re-attempts the budget reservation for a pending_budget
// PO with bounded backoff. The PO stays in pending_budget when funds are
// still insufficient; retrying again later is the caller's call.
func (s *POService) RetryReservation(ctx context.Context, poID string) (*repository.PurchaseOrder, error) {
	unlock := s.lockPO(poID)
	defer unlock()

	po, err := s.pos.GetByID(ctx, poID)
	if err != nil {
		return nil, err
	}
	if po.Status != repository.POStatusPendingBudget {
		return nil, errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("purchase order %s is not pending budget", po.ID))
	}

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(s.retryPolicy.Attempts),
		retry.Delay(s.retryPolicy.Delay),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errors.ErrCodeInsufficientBudget)
		}),
		retry.LastErrorOnly(true),
	)

	var res *repository.BudgetReservation
	err = r.Do(func() error {
		var rerr error
		res, rerr = s.reservations.Reserve(ctx, po.DepartmentID, po.FiscalYear, po.Amount, po.ID)
		return rerr
	})
	if err != nil {
		if errors.Is(err, errors.ErrCodeInsufficientBudget) {
			s.log.Info().Str("po_id", po.ID).Msg("Reservation retry exhausted; PO remains pending budget")
			return po, nil
		}
		return nil, err
	}

	if err := s.pos.SetReservation(ctx, po.ID, res.ID); err != nil {
		return nil, err
	}
	po.ReservationID = &res.ID

	if err := s.transition(ctx, po, repository.POStatusReserved, nil); err != nil {
		return nil, err
	}

	if po.Routing != nil && po.Routing.Outcome == repository.OutcomeAutoApproved {
		if err := s.transition(ctx, po, repository.POStatusApproved, nil); err != nil {
			return nil, err
		}
		s.publish(ctx, "po_auto_approved", po, nil)
		return po, s.consume(ctx, po)
	}

	if err := s.transition(ctx, po, repository.POStatusAwaitingApproval, nil); err != nil {
		return nil, err
	}
	s.publish(ctx, "approval_requested", po, map[string]interface{}{
		"required_roles": po.Routing.RequiredRoles,
	})
	return po, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// Get returns a PO with its lines and action log.
func (s *POService) Get(ctx context.Context, poID string) (*repository.PurchaseOrder, error) {
	return s.pos.GetByID(ctx, poID)
}

// List returns POs filtered by status and department.
func (s *POService) List(ctx context.Context, status *repository.POStatus, departmentID *string, limit, offset int) ([]*repository.PurchaseOrder, error) {
	return s.pos.List(ctx, status, departmentID, limit, offset)
}

// PaymentPlan computes the payment plan for a PO from its supplier's current
// standing.
func (s *POService) PaymentPlan(ctx context.Context, poID string) (*PaymentPlan, error) {
	po, err := s.pos.GetByID(ctx, poID)
	if err != nil {
		return nil, err
	}
	supplier, err := s.suppliers.GetByID(ctx, po.SupplierID)
	if err != nil {
		return nil, err
	}
	return s.payments.PlanFor(supplier, po.Amount), nil
}

// ── Internal helpers ─────────────────────────────────────────────────────────

// consume finalizes an approved PO: the reservation becomes spend and the PO
// reaches its consumed terminal state, with the payment plan attached to the
// event.
func (s *POService) consume(ctx context.Context, po *repository.PurchaseOrder) error {
	if po.ReservationID == nil {
		return errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("approved purchase order %s has no reservation", po.ID))
	}
	if _, err := s.reservations.Consume(ctx, *po.ReservationID); err != nil &&
		!errors.Is(err, errors.ErrCodeAlreadyTerminal) {
		return err
	}
	if err := s.transition(ctx, po, repository.POStatusConsumed, nil); err != nil {
		return err
	}

	payload := map[string]interface{}{}
	if supplier, err := s.suppliers.GetByID(ctx, po.SupplierID); err == nil {
		payload["payment_plan"] = s.payments.PlanFor(supplier, po.Amount)
	}
	s.publish(ctx, "po_consumed", po, payload)
	return nil
}

// releaseAfterTerminalDecision moves a rejected PO to released, returning its
// budget hold.
func (s *POService) releaseAfterTerminalDecision(ctx context.Context, po *repository.PurchaseOrder) error {
	if po.ReservationID != nil {
		if _, err := s.reservations.Release(ctx, *po.ReservationID); err != nil &&
			!errors.Is(err, errors.ErrCodeAlreadyTerminal) {
			return err
		}
	}
	return s.transition(ctx, po, repository.POStatusReleased, nil)
}

// transition applies one state-machine step, both in the store (conditional
// on the current status) and on the in-memory copy.
func (s *POService) transition(ctx context.Context, po *repository.PurchaseOrder, to repository.POStatus, reason *string) error {
	if !po.Status.CanTransitionTo(to) {
		return errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("illegal transition %s -> %s for purchase order %s", po.Status, to, po.ID))
	}
	if err := s.pos.UpdateStatus(ctx, po.ID, po.Status, to, reason); err != nil {
		return err
	}
	s.log.Info().
		Str("po_id", po.ID).
		Str("from", string(po.Status)).
		Str("to", string(to)).
		Msg("Purchase order transitioned")
	po.Status = to
	if reason != nil {
		po.DecisionReason = reason
	}
	s.metrics.POTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

// publish sends a lifecycle event; failures never interrupt the orchestrator.
func (s *POService) publish(ctx context.Context, eventType string, po *repository.PurchaseOrder, payload map[string]interface{}) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishPOEvent(ctx, eventType, po, payload)
}

func (s *POService) lockPO(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func validateSubmit(req *SubmitPORequest) error {
	if req.SupplierID == "" {
		return errors.InvalidInput("supplier_id", "is required")
	}
	if req.DepartmentID == "" {
		return errors.InvalidInput("department_id", "is required")
	}
	if req.RequestedBy == "" {
		return errors.InvalidInput("requested_by", "is required")
	}
	if req.Amount <= 0 {
		return errors.InvalidInput("amount", "must be a positive number of cents")
	}
	if len(req.Lines) == 0 {
		return errors.InvalidInput("lines", "must be a non-empty list")
	}
	return nil
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// allRolesApproved reports whether every required role has an affirmative
// action on record.
func allRolesApproved(required []string, actions []*repository.ApproverAction) bool {
	approved := make(map[string]bool, len(actions))
	for _, a := range actions {
		if a.Decision == repository.DecisionApprove {
			approved[a.Role] = true
		}
	}
	for _, role := range required {
		if !approved[role] {
			return false
		}
	}
	return true
}
