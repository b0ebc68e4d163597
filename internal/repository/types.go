package repository

import "time"

// ── Supplier registry ────────────────────────────────────────────────────────

// SupplierStatus is the vetting state of a supplier.
type SupplierStatus string

const (
	SupplierApproved  SupplierStatus = "approved"
	SupplierPending   SupplierStatus = "pending"
	SupplierSuspended SupplierStatus = "suspended"
)

// RiskScore is the supplier risk classification consumed by routing.
type RiskScore string

const (
	RiskLow    RiskScore = "low"
	RiskMedium RiskScore = "medium"
	RiskHigh   RiskScore = "high"
)

// Supplier is a vendor eligible (or not) to receive purchase orders.
type Supplier struct {
	ID            string
	Name          string
	Status        SupplierStatus
	Rating        float64 // 0..5
	RiskScore     RiskScore
	MaxOrderValue int64 // cents
	Categories    []string
	ContactEmail  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ── Budget ledger ────────────────────────────────────────────────────────────

// Budget is a department's allocation for one fiscal year. Amounts are cents.
// Invariant: Spent + Reserved <= Allocated.
type Budget struct {
	DepartmentID string
	FiscalYear   int
	Name         string
	Allocated    int64
	Spent        int64
	Reserved     int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Available returns allocated - spent - reserved.
func (b *Budget) Available() int64 {
	return b.Allocated - b.Spent - b.Reserved
}

// BudgetSummary is the read model for the budget summary endpoint.
type BudgetSummary struct {
	DepartmentID       string  `json:"department_id"`
	FiscalYear         int     `json:"fiscal_year"`
	Name               string  `json:"name"`
	Allocated          int64   `json:"allocated"`
	Spent              int64   `json:"spent"`
	Reserved           int64   `json:"reserved"`
	Available          int64   `json:"available"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// ── Approval policy ──────────────────────────────────────────────────────────

// ApprovalRule is one amount bracket in the approval matrix. A rule applies to
// amounts up to and including MaxAmount.
type ApprovalRule struct {
	ID                string
	RuleName          string
	MaxAmount         int64 // cents, upper bound of the bracket
	RequiredApprovers []string
	AutoApprove       bool
	IsActive          bool
	ExpiresAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Expired reports whether the rule has lapsed at the given instant.
func (r *ApprovalRule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Approver is a named approval role. Inactive approvers cannot satisfy a
// routing requirement.
type Approver struct {
	Role     string
	Name     string
	Email    string
	IsActive bool
}

// ── Budget reservations ──────────────────────────────────────────────────────

// ReservationStatus is the lifecycle state of a budget reservation.
// released and consumed are terminal.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationReleased ReservationStatus = "released"
	ReservationConsumed ReservationStatus = "consumed"
)

// Terminal reports whether the reservation admits no further transitions.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationReleased || s == ReservationConsumed
}

// BudgetReservation ties a PO to a hold on a department's budget.
type BudgetReservation struct {
	ID           string
	POID         string
	DepartmentID string
	FiscalYear   int
	Amount       int64
	Status       ReservationStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ── Purchase orders ──────────────────────────────────────────────────────────

// POStatus is the purchase-order lifecycle state.
type POStatus string

const (
	POStatusDraft            POStatus = "draft"
	POStatusRouted           POStatus = "routed"
	POStatusBlocked          POStatus = "blocked"
	POStatusPendingBudget    POStatus = "pending_budget"
	POStatusReserved         POStatus = "reserved"
	POStatusAwaitingApproval POStatus = "awaiting_approval"
	POStatusApproved         POStatus = "approved"
	POStatusRejected         POStatus = "rejected"
	POStatusConsumed         POStatus = "consumed"
	POStatusReleased         POStatus = "released"
)

// poTransitions is the complete transition table. Statuses absent from a
// row's set are illegal targets.
var poTransitions = map[POStatus][]POStatus{
	POStatusDraft:            {POStatusRouted},
	POStatusRouted:           {POStatusBlocked, POStatusReserved, POStatusPendingBudget},
	POStatusPendingBudget:    {POStatusReserved, POStatusReleased},
	POStatusReserved:         {POStatusApproved, POStatusAwaitingApproval},
	POStatusAwaitingApproval: {POStatusApproved, POStatusRejected, POStatusReleased},
	POStatusApproved:         {POStatusConsumed},
	POStatusRejected:         {POStatusReleased},
	// blocked, consumed, released: terminal
}

// CanTransitionTo reports whether s -> next is a legal transition.
func (s POStatus) CanTransitionTo(next POStatus) bool {
	for _, t := range poTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s POStatus) Terminal() bool {
	return len(poTransitions[s]) == 0
}

// RoutingOutcome is the router's verdict for a PO.
type RoutingOutcome string

const (
	OutcomeAutoApproved     RoutingOutcome = "auto_approved"
	OutcomeRequiresApproval RoutingOutcome = "requires_approval"
	OutcomeBlocked          RoutingOutcome = "blocked"
)

// RoutingDecision is the router's output, persisted on the PO as a snapshot
// of the policy evaluation at submission time.
type RoutingDecision struct {
	Outcome       RoutingOutcome `json:"outcome"`
	RequiredRoles []string       `json:"required_roles,omitempty"`
	RuleID        *string        `json:"rule_id,omitempty"`
	RuleName      *string        `json:"rule_name,omitempty"`
	Escalated     bool           `json:"escalated,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// ApproverDecision is a single approver's verdict on a PO.
type ApproverDecision string

const (
	DecisionApprove ApproverDecision = "approve"
	DecisionReject  ApproverDecision = "reject"
)

// ApproverAction is one recorded approver decision. At most one action per
// (po, role) is kept; repeats are idempotent no-ops.
type ApproverAction struct {
	ID       string
	POID     string
	Role     string
	Decision ApproverDecision
	ActedBy  string
	Note     *string
	ActedAt  time.Time
}

// POLine is one line item on a purchase order.
type POLine struct {
	ID          string
	POID        string
	LineNumber  int
	Description string
	Quantity    float64
	UnitPrice   int64
	LineAmount  int64
}

// PurchaseOrder is the unit of spend driven through the approval lifecycle.
type PurchaseOrder struct {
	ID             string
	PONumber       string
	DepartmentID   string
	FiscalYear     int
	SupplierID     string
	Amount         int64
	Description    *string
	Status         POStatus
	Routing        *RoutingDecision
	ReservationID  *string
	RequestedBy    string
	DecisionReason *string
	Lines          []*POLine
	Actions        []*ApproverAction
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
