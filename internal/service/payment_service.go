package service

import (
	"math"

	"github.com/pesio-ai/be-po-engine/internal/repository"
)

// PaymentPlan is the payment structure proposed for a consumed PO: how much
// is paid upfront and when the balance falls due.
type PaymentPlan struct {
	SupplierID     string  `json:"supplier_id"`
	Score          float64 `json:"score"`      // 0..100 supplier confidence
	RiskBand       string  `json:"risk_band"`  // LOW | MEDIUM | HIGH | VERY_HIGH
	UpfrontPercent float64 `json:"upfront_percent"`
	UpfrontAmount  int64   `json:"upfront_amount"`
	BalanceAmount  int64   `json:"balance_amount"`
	Milestone      string  `json:"milestone"`
}

// PaymentService derives payment terms from supplier standing.
//
// Upfront policy by confidence score:
//
//	LOW       (80–100) -> 100%
//	MEDIUM    (60–79)  -> 70–85% (linear)
//	HIGH      (40–59)  -> 40–60% (linear)
//	VERY_HIGH (<40)    -> 0–30%  (linear)
type PaymentService struct{}

// NewPaymentService creates a new PaymentService.
func NewPaymentService() *PaymentService {
	return &PaymentService{}
}

// PlanFor computes the payment plan for an order of amount cents placed with
// supplier.
func (s *PaymentService) PlanFor(supplier *repository.Supplier, amount int64) *PaymentPlan {
	score := supplierScore(supplier)
	band := riskBand(score)
	pct := upfrontPercent(score)

	upfront := int64(math.Round(float64(amount) * pct / 100))

	return &PaymentPlan{
		SupplierID:     supplier.ID,
		Score:          math.Round(score*100) / 100,
		RiskBand:       band,
		UpfrontPercent: math.Round(pct*100) / 100,
		UpfrontAmount:  upfront,
		BalanceAmount:  amount - upfront,
		Milestone:      milestoneForBand(band),
	}
}

// supplierScore maps the registry's coarse risk class and 0..5 rating to a
// 0..100 confidence score. The rating shifts the class baseline by up to
// ±10 points.
func supplierScore(supplier *repository.Supplier) float64 {
	var base float64
	switch supplier.RiskScore {
	case repository.RiskLow:
		base = 90
	case repository.RiskMedium:
		base = 70
	default:
		base = 50
	}
	return clamp(base+(supplier.Rating-2.5)*4, 0, 100)
}

func riskBand(score float64) string {
	switch {
	case score >= 80:
		return "LOW"
	case score >= 60:
		return "MEDIUM"
	case score >= 40:
		return "HIGH"
	default:
		return "VERY_HIGH"
	}
}

func upfrontPercent(score float64) float64 {
	s := clamp(score, 0, 100)
	switch {
	case s >= 80:
		return 100
	case s >= 60:
		return lerp(s, 60, 79, 70, 85)
	case s >= 40:
		return lerp(s, 40, 59, 40, 60)
	default:
		return lerp(s, 0, 39, 0, 30)
	}
}

func milestoneForBand(band string) string {
	switch band {
	case "LOW":
		return "full_upfront"
	case "MEDIUM":
		return "balance_on_delivery_confirmation"
	case "HIGH":
		return "balance_after_quality_verification"
	default:
		return "balance_after_full_delivery_and_quality_check"
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func lerp(v, x0, x1, y0, y1 float64) float64 {
	if x1 == x0 {
		return y0
	}
	t := (v - x0) / (x1 - x0)
	return y0 + t*(y1-y0)
}
