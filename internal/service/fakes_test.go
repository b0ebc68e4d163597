package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-po-engine/internal/errors"
	"github.com/pesio-ai/be-po-engine/internal/metrics"
	"github.com/pesio-ai/be-po-engine/internal/repository"
)

// In-memory store fakes. Each fake mirrors the atomicity contract of its
// postgres counterpart so the services can be exercised concurrently.

// ── Suppliers ────────────────────────────────────────────────────────────────

type fakeSuppliers struct {
	mu        sync.Mutex
	suppliers map[string]*repository.Supplier
}

func newFakeSuppliers(suppliers ...*repository.Supplier) *fakeSuppliers {
	f := &fakeSuppliers{suppliers: make(map[string]*repository.Supplier)}
	for _, s := range suppliers {
		f.suppliers[s.ID] = s
	}
	return f
}

func (f *fakeSuppliers) GetByID(_ context.Context, id string) (*repository.Supplier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.suppliers[id]
	if !ok {
		return nil, errors.NotFound("supplier", id)
	}
	return s, nil
}

func (f *fakeSuppliers) ListApproved(_ context.Context, category *string) ([]*repository.Supplier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.Supplier
	for _, s := range f.suppliers {
		if s.Status != repository.SupplierApproved {
			continue
		}
		if category != nil && !containsRole(s.Categories, *category) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// ── Approval rules ───────────────────────────────────────────────────────────

type fakeRules struct {
	rules []*repository.ApprovalRule
}

func (f *fakeRules) ListActive(_ context.Context) ([]*repository.ApprovalRule, error) {
	now := time.Now()
	var out []*repository.ApprovalRule
	for _, r := range f.rules {
		if r.IsActive && !r.Expired(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ── Approvers ────────────────────────────────────────────────────────────────

type fakeApprovers struct {
	approvers map[string]*repository.Approver
}

func newFakeApprovers(approvers ...*repository.Approver) *fakeApprovers {
	f := &fakeApprovers{approvers: make(map[string]*repository.Approver)}
	for _, a := range approvers {
		f.approvers[a.Role] = a
	}
	return f
}

func (f *fakeApprovers) GetByRole(_ context.Context, role string) (*repository.Approver, error) {
	a, ok := f.approvers[role]
	if !ok {
		return nil, errors.NotFound("approver", role)
	}
	return a, nil
}

func (f *fakeApprovers) ListActive(_ context.Context) (map[string]*repository.Approver, error) {
	out := make(map[string]*repository.Approver)
	for role, a := range f.approvers {
		if a.IsActive {
			out[role] = a
		}
	}
	return out, nil
}

// ── Budget ledger ────────────────────────────────────────────────────────────

type fakeBudgets struct {
	mu           sync.Mutex
	budgets      map[string]*repository.Budget
	reservations map[string]*repository.BudgetReservation
}

func newFakeBudgets(budgets ...*repository.Budget) *fakeBudgets {
	f := &fakeBudgets{
		budgets:      make(map[string]*repository.Budget),
		reservations: make(map[string]*repository.BudgetReservation),
	}
	for _, b := range budgets {
		f.budgets[budgetKey(b.DepartmentID, b.FiscalYear)] = b
	}
	return f
}

func budgetKey(departmentID string, fiscalYear int) string {
	return fmt.Sprintf("%s/%d", departmentID, fiscalYear)
}

func (f *fakeBudgets) Get(_ context.Context, departmentID string, fiscalYear int) (*repository.Budget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.budgets[budgetKey(departmentID, fiscalYear)]
	if !ok {
		return nil, errors.NotFound("budget", budgetKey(departmentID, fiscalYear))
	}
	copied := *b
	return &copied, nil
}

func (f *fakeBudgets) Reserve(_ context.Context, departmentID string, fiscalYear int, amount int64, poID string) (*repository.BudgetReservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.budgets[budgetKey(departmentID, fiscalYear)]
	if !ok {
		return nil, errors.NotFound("budget", budgetKey(departmentID, fiscalYear))
	}
	if amount > b.Available() {
		return nil, errors.New(errors.ErrCodeInsufficientBudget,
			fmt.Sprintf("insufficient budget: requested %d, available %d", amount, b.Available()))
	}

	b.Reserved += amount
	res := &repository.BudgetReservation{
		ID:           uuid.NewString(),
		POID:         poID,
		DepartmentID: departmentID,
		FiscalYear:   fiscalYear,
		Amount:       amount,
		Status:       repository.ReservationActive,
		CreatedAt:    time.Now(),
	}
	f.reservations[res.ID] = res
	copied := *res
	return &copied, nil
}

func (f *fakeBudgets) Release(ctx context.Context, reservationID string) (*repository.BudgetReservation, error) {
	return f.settle(ctx, reservationID, repository.ReservationReleased)
}

func (f *fakeBudgets) Consume(ctx context.Context, reservationID string) (*repository.BudgetReservation, error) {
	return f.settle(ctx, reservationID, repository.ReservationConsumed)
}

func (f *fakeBudgets) settle(_ context.Context, reservationID string, target repository.ReservationStatus) (*repository.BudgetReservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	res, ok := f.reservations[reservationID]
	if !ok {
		return nil, errors.NotFound("reservation", reservationID)
	}
	if res.Status.Terminal() {
		copied := *res
		return &copied, errors.New(errors.ErrCodeAlreadyTerminal,
			fmt.Sprintf("reservation %s is already %s", reservationID, res.Status))
	}

	b := f.budgets[budgetKey(res.DepartmentID, res.FiscalYear)]
	b.Reserved -= res.Amount
	if target == repository.ReservationConsumed {
		b.Spent += res.Amount
	}
	res.Status = target
	copied := *res
	return &copied, nil
}

func (f *fakeBudgets) GetReservation(_ context.Context, reservationID string) (*repository.BudgetReservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.reservations[reservationID]
	if !ok {
		return nil, errors.NotFound("reservation", reservationID)
	}
	copied := *res
	return &copied, nil
}

func (f *fakeBudgets) Summary(_ context.Context, departmentID string, fiscalYear int) (*repository.BudgetSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.budgets[budgetKey(departmentID, fiscalYear)]
	if !ok {
		return nil, errors.NotFound("budget", budgetKey(departmentID, fiscalYear))
	}
	var utilization float64
	if b.Allocated > 0 {
		utilization = float64(b.Spent) / float64(b.Allocated) * 100
	}
	return &repository.BudgetSummary{
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

// ── Purchase orders ──────────────────────────────────────────────────────────

type fakePOStore struct {
	mu      sync.Mutex
	pos     map[string]*repository.PurchaseOrder
	actions map[string][]*repository.ApproverAction
}

func newFakePOStore() *fakePOStore {
	return &fakePOStore{
		pos:     make(map[string]*repository.PurchaseOrder),
		actions: make(map[string][]*repository.ApproverAction),
	}
}

func (f *fakePOStore) Create(_ context.Context, po *repository.PurchaseOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *po
	f.pos[po.ID] = &copied
	return nil
}

func (f *fakePOStore) GetByID(_ context.Context, id string) (*repository.PurchaseOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	po, ok := f.pos[id]
	if !ok {
		return nil, errors.NotFound("purchase order", id)
	}
	copied := *po
	copied.Actions = append([]*repository.ApproverAction(nil), f.actions[id]...)
	return &copied, nil
}

func (f *fakePOStore) List(_ context.Context, status *repository.POStatus, departmentID *string, limit, offset int) ([]*repository.PurchaseOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.PurchaseOrder
	for _, po := range f.pos {
		if status != nil && po.Status != *status {
			continue
		}
		if departmentID != nil && po.DepartmentID != *departmentID {
			continue
		}
		copied := *po
		out = append(out, &copied)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakePOStore) UpdateStatus(_ context.Context, id string, from, to repository.POStatus, reason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	po, ok := f.pos[id]
	if !ok {
		return errors.NotFound("purchase order", id)
	}
	if po.Status != from {
		return errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("purchase order %s is %s, not %s", id, po.Status, from))
	}
	po.Status = to
	if reason != nil {
		po.DecisionReason = reason
	}
	return nil
}

func (f *fakePOStore) SetReservation(_ context.Context, id, reservationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	po, ok := f.pos[id]
	if !ok {
		return errors.NotFound("purchase order", id)
	}
	po.ReservationID = &reservationID
	return nil
}

func (f *fakePOStore) AppendAction(_ context.Context, action *repository.ApproverAction) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.actions[action.POID] {
		if existing.Role == action.Role {
			return false, nil
		}
	}
	copied := *action
	copied.ID = uuid.NewString()
	copied.ActedAt = time.Now()
	f.actions[action.POID] = append(f.actions[action.POID], &copied)
	return true, nil
}

func (f *fakePOStore) GetActions(_ context.Context, poID string) ([]*repository.ApproverAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*repository.ApproverAction(nil), f.actions[poID]...), nil
}

// ── Event capture ────────────────────────────────────────────────────────────

type capturedEvent struct {
	eventType string
	poID      string
	payload   map[string]interface{}
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *capturingPublisher) PublishPOEvent(_ context.Context, eventType string, po *repository.PurchaseOrder, payload map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{eventType: eventType, poID: po.ID, payload: payload})
}

func (p *capturingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.eventType
	}
	return out
}

// ── Wiring helper ────────────────────────────────────────────────────────────

type testEngine struct {
	pos       *POService
	routing   *RoutingService
	budgets   *fakeBudgets
	poStore   *fakePOStore
	publisher *capturingPublisher
}

func newTestEngine(suppliers *fakeSuppliers, rules *fakeRules, approvers *fakeApprovers, budgets *fakeBudgets) *testEngine {
	log := zerolog.Nop()
	m := metrics.New(nil)
	poStore := newFakePOStore()
	publisher := &capturingPublisher{}

	routing := NewRoutingService(rules, suppliers, approvers, "director", log, m)
	reservations := NewReservationService(budgets, log, m)
	payments := NewPaymentService()
	pos := NewPOService(
		poStore, routing, reservations, payments,
		suppliers, approvers, publisher,
		RetryPolicy{Attempts: 2, Delay: time.Millisecond},
		log, m,
	)

	return &testEngine{pos: pos, routing: routing, budgets: budgets, poStore: poStore, publisher: publisher}
}
