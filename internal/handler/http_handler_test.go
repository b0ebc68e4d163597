package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-po-engine/internal/errors"
	"github.com/pesio-ai/be-po-engine/internal/metrics"
	"github.com/pesio-ai/be-po-engine/internal/repository"
	"github.com/pesio-ai/be-po-engine/internal/service"
)

// Minimal in-memory stores backing the full service stack for endpoint tests.

type memStores struct {
	mu           sync.Mutex
	suppliers    map[string]*repository.Supplier
	rules        []*repository.ApprovalRule
	approvers    map[string]*repository.Approver
	budget       *repository.Budget
	reservations map[string]*repository.BudgetReservation
	pos          map[string]*repository.PurchaseOrder
	actions      map[string][]*repository.ApproverAction
}

func newMemStores() *memStores {
	return &memStores{
		suppliers: map[string]*repository.Supplier{
			"sup-1": {
				ID: "sup-1", Name: "Acme", Status: repository.SupplierApproved,
				Rating: 4.0, RiskScore: repository.RiskLow,
				MaxOrderValue: 10_000_000, Categories: []string{"hardware"},
			},
		},
		rules: []*repository.ApprovalRule{
			{ID: "r1", RuleName: "small", MaxAmount: 100_000, RequiredApprovers: []string{"manager"}, AutoApprove: true, IsActive: true},
			{ID: "r2", RuleName: "medium", MaxAmount: 1_000_000, RequiredApprovers: []string{"manager"}, IsActive: true},
		},
		approvers: map[string]*repository.Approver{
			"manager":  {Role: "manager", Name: "M", IsActive: true},
			"director": {Role: "director", Name: "D", IsActive: true},
		},
		budget: &repository.Budget{
			DepartmentID: "eng", FiscalYear: time.Now().Year(),
			Name: "Engineering", Allocated: 10_000_000,
		},
		reservations: make(map[string]*repository.BudgetReservation),
		pos:          make(map[string]*repository.PurchaseOrder),
		actions:      make(map[string][]*repository.ApproverAction),
	}
}

func (m *memStores) GetByID(_ context.Context, id string) (*repository.Supplier, error) {
	s, ok := m.suppliers[id]
	if !ok {
		return nil, errors.NotFound("supplier", id)
	}
	return s, nil
}

func (m *memStores) ListApproved(_ context.Context, _ *string) ([]*repository.Supplier, error) {
	var out []*repository.Supplier
	for _, s := range m.suppliers {
		if s.Status == repository.SupplierApproved {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStores) ListActive(_ context.Context) ([]*repository.ApprovalRule, error) {
	return m.rules, nil
}

type memApprovers struct{ m *memStores }

func (a memApprovers) GetByRole(_ context.Context, role string) (*repository.Approver, error) {
	ap, ok := a.m.approvers[role]
	if !ok {
		return nil, errors.NotFound("approver", role)
	}
	return ap, nil
}

func (a memApprovers) ListActive(_ context.Context) (map[string]*repository.Approver, error) {
	out := make(map[string]*repository.Approver)
	for role, ap := range a.m.approvers {
		if ap.IsActive {
			out[role] = ap
		}
	}
	return out, nil
}

type memBudgets struct{ m *memStores }

func (b memBudgets) Get(_ context.Context, departmentID string, fiscalYear int) (*repository.Budget, error) {
	if departmentID != b.m.budget.DepartmentID || fiscalYear != b.m.budget.FiscalYear {
		return nil, errors.NotFound("budget", departmentID)
	}
	return b.m.budget, nil
}

func (b memBudgets) Reserve(_ context.Context, departmentID string, fiscalYear int, amount int64, poID string) (*repository.BudgetReservation, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	if departmentID != b.m.budget.DepartmentID || fiscalYear != b.m.budget.FiscalYear {
		return nil, errors.NotFound("budget", departmentID)
	}
	if amount > b.m.budget.Available() {
		return nil, errors.New(errors.ErrCodeInsufficientBudget, "insufficient budget")
	}
	b.m.budget.Reserved += amount
	res := &repository.BudgetReservation{
		ID: uuid.NewString(), POID: poID, DepartmentID: departmentID,
		FiscalYear: fiscalYear, Amount: amount, Status: repository.ReservationActive,
	}
	b.m.reservations[res.ID] = res
	return res, nil
}

func (b memBudgets) Release(_ context.Context, id string) (*repository.BudgetReservation, error) {
	return b.settle(id, repository.ReservationReleased)
}

func (b memBudgets) Consume(_ context.Context, id string) (*repository.BudgetReservation, error) {
	return b.settle(id, repository.ReservationConsumed)
}

func (b memBudgets) settle(id string, target repository.ReservationStatus) (*repository.BudgetReservation, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	res, ok := b.m.reservations[id]
	if !ok {
		return nil, errors.NotFound("reservation", id)
	}
	if res.Status.Terminal() {
		return res, errors.New(errors.ErrCodeAlreadyTerminal, "reservation settled")
	}
	b.m.budget.Reserved -= res.Amount
	if target == repository.ReservationConsumed {
		b.m.budget.Spent += res.Amount
	}
	res.Status = target
	return res, nil
}

func (b memBudgets) GetReservation(_ context.Context, id string) (*repository.BudgetReservation, error) {
	res, ok := b.m.reservations[id]
	if !ok {
		return nil, errors.NotFound("reservation", id)
	}
	return res, nil
}

func (b memBudgets) Summary(_ context.Context, departmentID string, fiscalYear int) (*repository.BudgetSummary, error) {
	if departmentID != b.m.budget.DepartmentID || fiscalYear != b.m.budget.FiscalYear {
		return nil, errors.NotFound("budget", departmentID)
	}
	bu := b.m.budget
	var utilization float64
	if bu.Allocated > 0 {
		utilization = float64(bu.Spent) / float64(bu.Allocated) * 100
	}
	return &repository.BudgetSummary{
		DepartmentID: bu.DepartmentID, FiscalYear: bu.FiscalYear, Name: bu.Name,
		Allocated: bu.Allocated, Spent: bu.Spent, Reserved: bu.Reserved,
		Available: bu.Available(), UtilizationPercent: utilization,
	}, nil
}

type memPOs struct{ m *memStores }

func (p memPOs) Create(_ context.Context, po *repository.PurchaseOrder) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	copied := *po
	p.m.pos[po.ID] = &copied
	return nil
}

func (p memPOs) GetByID(_ context.Context, id string) (*repository.PurchaseOrder, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	po, ok := p.m.pos[id]
	if !ok {
		return nil, errors.NotFound("purchase order", id)
	}
	copied := *po
	return &copied, nil
}

func (p memPOs) List(_ context.Context, status *repository.POStatus, departmentID *string, limit, offset int) ([]*repository.PurchaseOrder, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	var out []*repository.PurchaseOrder
	for _, po := range p.m.pos {
		if status != nil && po.Status != *status {
			continue
		}
		if departmentID != nil && po.DepartmentID != *departmentID {
			continue
		}
		copied := *po
		out = append(out, &copied)
	}
	return out, nil
}

func (p memPOs) UpdateStatus(_ context.Context, id string, from, to repository.POStatus, reason *string) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	po, ok := p.m.pos[id]
	if !ok {
		return errors.NotFound("purchase order", id)
	}
	if po.Status != from {
		return errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("purchase order %s is %s, not %s", id, po.Status, from))
	}
	po.Status = to
	return nil
}

func (p memPOs) SetReservation(_ context.Context, id, reservationID string) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	po, ok := p.m.pos[id]
	if !ok {
		return errors.NotFound("purchase order", id)
	}
	po.ReservationID = &reservationID
	return nil
}

func (p memPOs) AppendAction(_ context.Context, action *repository.ApproverAction) (bool, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	for _, existing := range p.m.actions[action.POID] {
		if existing.Role == action.Role {
			return false, nil
		}
	}
	copied := *action
	p.m.actions[action.POID] = append(p.m.actions[action.POID], &copied)
	return true, nil
}

func (p memPOs) GetActions(_ context.Context, poID string) ([]*repository.ApproverAction, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return append([]*repository.ApproverAction(nil), p.m.actions[poID]...), nil
}

type dropPublisher struct{}

func (dropPublisher) PublishPOEvent(context.Context, string, *repository.PurchaseOrder, map[string]interface{}) {
}

func newTestServer(t *testing.T) (*chi.Mux, *memStores) {
	t.Helper()
	m := newMemStores()
	log := zerolog.Nop()
	reg := metrics.New(nil)

	routing := service.NewRoutingService(m, m, memApprovers{m}, "director", log, reg)
	reservations := service.NewReservationService(memBudgets{m}, log, reg)
	pos := service.NewPOService(
		memPOs{m}, routing, reservations, service.NewPaymentService(),
		m, memApprovers{m}, dropPublisher{},
		service.RetryPolicy{Attempts: 1, Delay: time.Millisecond},
		log, reg,
	)

	h := NewHTTPHandler(pos, routing, reservations, log)
	r := chi.NewRouter()
	h.Register(r)
	return r, m
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func submitBody(amount int64) map[string]interface{} {
	return map[string]interface{}{
		"department_id": "eng",
		"supplier_id":   "sup-1",
		"amount":        amount,
		"requested_by":  "alice",
		"lines": []map[string]interface{}{
			{"description": "widgets", "quantity": 1, "unit_price": amount},
		},
	}
}

func TestSubmitEndpoint(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/purchase-orders", submitBody(500_000))
	require.Equal(t, http.StatusCreated, w.Code)

	var po repository.PurchaseOrder
	require.NoError(t, json.NewDecoder(w.Body).Decode(&po))
	assert.Equal(t, repository.POStatusAwaitingApproval, po.Status)
	assert.NotEmpty(t, po.ID)
	assert.Contains(t, po.PONumber, "PO-")
}

func TestSubmitEndpointValidation(t *testing.T) {
	r, _ := newTestServer(t)

	body := submitBody(500_000)
	body["amount"] = -1
	w := doJSON(t, r, http.MethodPost, "/api/v1/purchase-orders", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetEndpointNotFound(t *testing.T) {
	r, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/purchase-orders/nope", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, string(errors.ErrCodeNotFound), body["code"])
}

func TestActionEndpointConflict(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/purchase-orders", submitBody(50_000))
	require.Equal(t, http.StatusCreated, w.Code)
	var po repository.PurchaseOrder
	require.NoError(t, json.NewDecoder(w.Body).Decode(&po))
	require.Equal(t, repository.POStatusConsumed, po.Status)

	// Acting on a consumed PO maps to 409.
	w = doJSON(t, r, http.MethodPost, "/api/v1/purchase-orders/"+po.ID+"/action", map[string]interface{}{
		"role": "manager", "decision": "approve", "acted_by": "bob",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBudgetSummaryEndpoint(t *testing.T) {
	r, m := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/v1/budgets/summary?department_id=eng&fiscal_year=%d", m.budget.FiscalYear), nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var summary repository.BudgetSummary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&summary))
	assert.Equal(t, "eng", summary.DepartmentID)
	assert.Equal(t, int64(10_000_000), summary.Allocated)
}

func TestBudgetSummaryEndpointValidation(t *testing.T) {
	r, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/budgets/summary?fiscal_year=2026", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSuppliersEndpoint(t *testing.T) {
	r, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/suppliers", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Suppliers []json.RawMessage `json:"suppliers"`
		Count     int               `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
}
