package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-po-engine/internal/repository"
)

func supplierWith(risk repository.RiskScore, rating float64) *repository.Supplier {
	return &repository.Supplier{ID: "sup-1", RiskScore: risk, Rating: rating}
}

func TestPlanForLowRiskPaysFullUpfront(t *testing.T) {
	svc := NewPaymentService()

	plan := svc.PlanFor(supplierWith(repository.RiskLow, 4.5), 100_000)
	assert.Equal(t, "LOW", plan.RiskBand)
	assert.Equal(t, 100.0, plan.UpfrontPercent)
	assert.Equal(t, int64(100_000), plan.UpfrontAmount)
	assert.Equal(t, int64(0), plan.BalanceAmount)
	assert.Equal(t, "full_upfront", plan.Milestone)
}

func TestPlanForMediumRisk(t *testing.T) {
	svc := NewPaymentService()

	// medium base 70, rating 2.5 keeps it there: inside the 60-79 band.
	plan := svc.PlanFor(supplierWith(repository.RiskMedium, 2.5), 100_000)
	assert.Equal(t, "MEDIUM", plan.RiskBand)
	assert.GreaterOrEqual(t, plan.UpfrontPercent, 70.0)
	assert.LessOrEqual(t, plan.UpfrontPercent, 85.0)
	assert.Equal(t, "balance_on_delivery_confirmation", plan.Milestone)
}

func TestPlanForHighRisk(t *testing.T) {
	svc := NewPaymentService()

	plan := svc.PlanFor(supplierWith(repository.RiskHigh, 2.5), 100_000)
	assert.Equal(t, "HIGH", plan.RiskBand)
	assert.GreaterOrEqual(t, plan.UpfrontPercent, 40.0)
	assert.LessOrEqual(t, plan.UpfrontPercent, 60.0)
	assert.Equal(t, "balance_after_quality_verification", plan.Milestone)
}

func TestVeryHighRiskBand(t *testing.T) {
	assert.Equal(t, "VERY_HIGH", riskBand(39))
	assert.Equal(t, "VERY_HIGH", riskBand(0))

	pct := upfrontPercent(20)
	assert.GreaterOrEqual(t, pct, 0.0)
	assert.LessOrEqual(t, pct, 30.0)
	assert.Equal(t, "balance_after_full_delivery_and_quality_check", milestoneForBand("VERY_HIGH"))
}

func TestUpfrontPercentMonotonicInScore(t *testing.T) {
	svc := NewPaymentService()

	worse := svc.PlanFor(supplierWith(repository.RiskHigh, 0), 100_000)
	better := svc.PlanFor(supplierWith(repository.RiskHigh, 5), 100_000)
	assert.GreaterOrEqual(t, better.UpfrontPercent, worse.UpfrontPercent)
}

func TestUpfrontPlusBalanceEqualsAmount(t *testing.T) {
	svc := NewPaymentService()
	amounts := []int64{1, 99, 100_000, 123_457, 9_999_999}
	suppliers := []*repository.Supplier{
		supplierWith(repository.RiskLow, 5),
		supplierWith(repository.RiskMedium, 3.2),
		supplierWith(repository.RiskHigh, 1.1),
	}
	for _, s := range suppliers {
		for _, amount := range amounts {
			plan := svc.PlanFor(s, amount)
			assert.Equal(t, amount, plan.UpfrontAmount+plan.BalanceAmount)
			assert.GreaterOrEqual(t, plan.UpfrontAmount, int64(0))
			assert.GreaterOrEqual(t, plan.BalanceAmount, int64(0))
		}
	}
}

func TestScoreClampedToRange(t *testing.T) {
	svc := NewPaymentService()

	top := svc.PlanFor(supplierWith(repository.RiskLow, 5), 100_000)
	assert.LessOrEqual(t, top.Score, 100.0)

	bottom := svc.PlanFor(supplierWith(repository.RiskHigh, 0), 100_000)
	assert.GreaterOrEqual(t, bottom.Score, 0.0)
}
