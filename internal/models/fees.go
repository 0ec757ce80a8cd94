package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentMethodMpesa marks settlements produced by the STK push flow.
const PaymentMethodMpesa = "M-Pesa"

// Student is the paying account. Records are maintained by the school system.
type Student struct {
	BaseModel
	AdmissionNumber string `gorm:"uniqueIndex;size:20" json:"admission_number"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	ClassLevel      string `gorm:"index" json:"class_level"`
	ParentPhone     string `json:"parent_phone"`
}

// FeeStructure is the amount required from every student of a class level.
type FeeStructure struct {
	BaseModel
	ClassLevel     string          `gorm:"index" json:"class_level"`
	AmountRequired decimal.Decimal `gorm:"type:numeric(12,2)" json:"amount_required"`
}

// Payment is a settled fee payment. At most one exists per M-Pesa transaction.
type Payment struct {
	BaseModel
	StudentID          uuid.UUID       `gorm:"type:uuid;index" json:"student_id"`
	AmountPaid         decimal.Decimal `gorm:"type:numeric(12,2)" json:"amount_paid"`
	Date               time.Time       `gorm:"type:date" json:"date"`
	BalanceAfter       decimal.Decimal `gorm:"type:numeric(12,2)" json:"balance_after"`
	PaymentMethod      string          `gorm:"size:20" json:"payment_method"`
	Reference          string          `json:"reference"`
	MpesaTransactionID *uuid.UUID      `gorm:"type:uuid;uniqueIndex" json:"mpesa_transaction_id"`
}
