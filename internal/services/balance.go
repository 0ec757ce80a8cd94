package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceSummary is a student's fee position.
type BalanceSummary struct {
	StudentID uuid.UUID       `json:"student_id"`
	Required  decimal.Decimal `json:"required"`
	Paid      decimal.Decimal `json:"paid"`
	Balance   decimal.Decimal `json:"balance"`
}

// BalanceCalculator derives balances from the fee schedule and settled
// payments. The display balance and the balance stamped on a new settlement
// are different formulas: only the latter is clamped at zero.
type BalanceCalculator struct {
	fees FeeLedger
}

func NewBalanceCalculator(fees FeeLedger) *BalanceCalculator {
	return &BalanceCalculator{fees: fees}
}

func (b *BalanceCalculator) RequiredAmount(ctx context.Context, classLevel string) (decimal.Decimal, error) {
	return b.fees.RequiredAmount(ctx, classLevel)
}

func (b *BalanceCalculator) SettledTotal(ctx context.Context, studentID uuid.UUID) (decimal.Decimal, error) {
	return b.fees.SettledTotal(ctx, studentID)
}

// OutstandingBalance is required minus settled. Negative means overpaid.
func (b *BalanceCalculator) OutstandingBalance(ctx context.Context, studentID uuid.UUID) (decimal.Decimal, error) {
	summary, err := b.Summary(ctx, studentID)
	if err != nil {
		return decimal.Zero, err
	}
	return summary.Balance, nil
}

// BalanceAfterNewSettlement is the balance once incoming is credited,
// clamped at zero.
func (b *BalanceCalculator) BalanceAfterNewSettlement(ctx context.Context, studentID uuid.UUID, incoming decimal.Decimal) (decimal.Decimal, error) {
	required, settled, err := b.position(ctx, studentID)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Max(decimal.Zero, required.Sub(settled.Add(incoming))), nil
}

// Summary returns required, paid and the unclamped outstanding balance.
func (b *BalanceCalculator) Summary(ctx context.Context, studentID uuid.UUID) (BalanceSummary, error) {
	required, settled, err := b.position(ctx, studentID)
	if err != nil {
		return BalanceSummary{}, err
	}
	return BalanceSummary{
		StudentID: studentID,
		Required:  required,
		Paid:      settled,
		Balance:   required.Sub(settled),
	}, nil
}

func (b *BalanceCalculator) position(ctx context.Context, studentID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	student, err := b.fees.Student(ctx, studentID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	required, err := b.fees.RequiredAmount(ctx, student.ClassLevel)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	settled, err := b.fees.SettledTotal(ctx, studentID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return required, settled, nil
}
