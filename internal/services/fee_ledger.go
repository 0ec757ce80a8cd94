package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/feepay/internal/models"
)

// FeeLedger is the school fee ledger as seen by the payment flow.
type FeeLedger interface {
	Student(ctx context.Context, studentID uuid.UUID) (*models.Student, error)
	RequiredAmount(ctx context.Context, classLevel string) (decimal.Decimal, error)
	SettledTotal(ctx context.Context, studentID uuid.UUID) (decimal.Decimal, error)
	HasSettlement(ctx context.Context, mpesaTransactionID uuid.UUID) (bool, error)
	AppendSettlement(ctx context.Context, payment *models.Payment) (bool, error)
}

// GormFeeLedger implements FeeLedger on the students, fee_structures and
// payments tables.
type GormFeeLedger struct {
	db *gorm.DB
}

func NewGormFeeLedger(db *gorm.DB) *GormFeeLedger {
	return &GormFeeLedger{db: db}
}

// WithTx returns a fee ledger bound to an open database transaction.
func (l *GormFeeLedger) WithTx(tx *gorm.DB) *GormFeeLedger {
	return &GormFeeLedger{db: tx}
}

func (l *GormFeeLedger) Student(ctx context.Context, studentID uuid.UUID) (*models.Student, error) {
	var student models.Student
	if err := l.db.WithContext(ctx).Where("id = ?", studentID).First(&student).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errStudentNotFound
		}
		return nil, err
	}
	return &student, nil
}

// RequiredAmount returns the oldest fee structure for classLevel, or zero.
func (l *GormFeeLedger) RequiredAmount(ctx context.Context, classLevel string) (decimal.Decimal, error) {
	var fee models.FeeStructure
	err := l.db.WithContext(ctx).
		Where("class_level = ?", classLevel).
		Order("created_at asc").
		First(&fee).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return fee.AmountRequired, nil
}

func (l *GormFeeLedger) SettledTotal(ctx context.Context, studentID uuid.UUID) (decimal.Decimal, error) {
	total := decimal.Zero
	err := l.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("student_id = ?", studentID).
		Select("COALESCE(SUM(amount_paid), 0)").
		Row().
		Scan(&total)
	return total, err
}

func (l *GormFeeLedger) HasSettlement(ctx context.Context, mpesaTransactionID uuid.UUID) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("mpesa_transaction_id = ?", mpesaTransactionID).
		Count(&count).Error
	return count > 0, err
}

// AppendSettlement inserts payment unless one already exists for its M-Pesa
// transaction; created reports whether a row was written.
func (l *GormFeeLedger) AppendSettlement(ctx context.Context, payment *models.Payment) (bool, error) {
	res := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "mpesa_transaction_id"}},
			DoNothing: true,
		}).
		Create(payment)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
