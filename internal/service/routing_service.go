package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-po-engine/internal/metrics"
	"github.com/pesio-ai/be-po-engine/internal/repository"
)

// RuleStore provides the active approval-matrix rules.
type RuleStore interface {
	ListActive(ctx context.Context) ([]*repository.ApprovalRule, error)
}

// SupplierStore resolves suppliers for routing and payment planning.
type SupplierStore interface {
	GetByID(ctx context.Context, id string) (*repository.Supplier, error)
	ListApproved(ctx context.Context, category *string) ([]*repository.Supplier, error)
}

// ApproverStore resolves the currently active approver roles.
type ApproverStore interface {
	GetByRole(ctx context.Context, role string) (*repository.Approver, error)
	ListActive(ctx context.Context) (map[string]*repository.Approver, error)
}

// RoutingService is the approval router: it evaluates a candidate PO against
// the approval matrix and the supplier registry and produces a routing
// decision. It never mutates state, and it re-reads policy and supplier data
// on every call so bulk imports landing between submissions are picked up.
type RoutingService struct {
	rules        RuleStore
	suppliers    SupplierStore
	approvers    ApproverStore
	fallbackRole string
	log          zerolog.Logger
	metrics      *metrics.Metrics
}

// NewRoutingService creates a new RoutingService. fallbackRole receives
// escalated POs (amounts above every bracket, or requirements with no active
// approvers left).
func NewRoutingService(
	rules RuleStore,
	suppliers SupplierStore,
	approvers ApproverStore,
	fallbackRole string,
	log zerolog.Logger,
	m *metrics.Metrics,
) *RoutingService {
	return &RoutingService{
		rules:        rules,
		suppliers:    suppliers,
		approvers:    approvers,
		fallbackRole: fallbackRole,
		log:          log,
		metrics:      m,
	}
}

// Route evaluates supplier and policy state for a candidate PO.
func (s *RoutingService) Route(ctx context.Context, supplierID string, amount int64) (*repository.RoutingDecision, error) {
	supplier, err := s.suppliers.GetByID(ctx, supplierID)
	if err != nil {
		return nil, err
	}

	// Hard blocks come before any bracket lookup.
	if supplier.Status == repository.SupplierSuspended {
		return s.decided(&repository.RoutingDecision{
			Outcome: repository.OutcomeBlocked,
			Reason:  fmt.Sprintf("supplier %s is suspended", supplierID),
		}), nil
	}
	if amount > supplier.MaxOrderValue {
		return s.decided(&repository.RoutingDecision{
			Outcome: repository.OutcomeBlocked,
			Reason: fmt.Sprintf("amount %d exceeds supplier max order value %d",
				amount, supplier.MaxOrderValue),
		}), nil
	}

	rules, err := s.rules.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	rule, ok := selectBracket(rules, amount)
	if !ok {
		// Amount above every configured bracket: manual escalation, never a
		// silent failure.
		return s.decided(&repository.RoutingDecision{
			Outcome:       repository.OutcomeRequiresApproval,
			RequiredRoles: []string{s.fallbackRole},
			Escalated:     true,
			Reason:        "amount exceeds every configured approval bracket",
		}), nil
	}

	if rule.AutoApprove && supplier.Status == repository.SupplierApproved && supplier.RiskScore != repository.RiskHigh {
		return s.decided(&repository.RoutingDecision{
			Outcome:  repository.OutcomeAutoApproved,
			RuleID:   &rule.ID,
			RuleName: &rule.RuleName,
		}), nil
	}

	decision := &repository.RoutingDecision{
		Outcome:  repository.OutcomeRequiresApproval,
		RuleID:   &rule.ID,
		RuleName: &rule.RuleName,
	}
	if rule.AutoApprove && supplier.RiskScore == repository.RiskHigh {
		decision.Reason = "high supplier risk overrides auto-approve"
	}

	active, err := s.approvers.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	roles := activeRequiredRoles(rule.RequiredApprovers, active)
	if len(roles) == 0 {
		roles = []string{s.fallbackRole}
		decision.Escalated = true
		if decision.Reason == "" {
			decision.Reason = "no active approver satisfies the matched rule"
		}
	}
	decision.RequiredRoles = roles

	return s.decided(decision), nil
}

// ListApprovedSuppliers exposes the supplier registry read used by the
// suppliers endpoint.
func (s *RoutingService) ListApprovedSuppliers(ctx context.Context, category *string) ([]*repository.Supplier, error) {
	return s.suppliers.ListApproved(ctx, category)
}

func (s *RoutingService) decided(d *repository.RoutingDecision) *repository.RoutingDecision {
	s.metrics.RoutingDecisions.WithLabelValues(string(d.Outcome)).Inc()
	s.log.Debug().
		Str("outcome", string(d.Outcome)).
		Strs("required_roles", d.RequiredRoles).
		Bool("escalated", d.Escalated).
		Msg("Routing decision")
	return d
}

// selectBracket picks the tightest bracket covering amount: the rule with the
// smallest max_amount >= amount. Ties on equal max_amount prefer the rule with
// the larger required-approver set. Returns false when the amount exceeds
// every bracket.
func selectBracket(rules []*repository.ApprovalRule, amount int64) (*repository.ApprovalRule, bool) {
	if len(rules) == 0 {
		return nil, false
	}

	sorted := make([]*repository.ApprovalRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MaxAmount < sorted[j].MaxAmount
	})

	idx := sort.Search(len(sorted), func(i int) bool {
		return sorted[i].MaxAmount >= amount
	})
	if idx == len(sorted) {
		return nil, false
	}

	best := sorted[idx]
	for _, rule := range sorted[idx+1:] {
		if rule.MaxAmount != best.MaxAmount {
			break
		}
		if len(rule.RequiredApprovers) > len(best.RequiredApprovers) {
			best = rule
		}
	}
	return best, true
}

// activeRequiredRoles deduplicates the rule's role list, preserving order,
// and drops roles without an active approver.
func activeRequiredRoles(required []string, active map[string]*repository.Approver) []string {
	seen := make(map[string]bool, len(required))
	roles := make([]string, 0, len(required))
	for _, role := range required {
		if seen[role] {
			continue
		}
		seen[role] = true
		if _, ok := active[role]; ok {
			roles = append(roles, role)
		}
	}
	return roles
}
