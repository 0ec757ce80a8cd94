package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle state of an STK push transaction.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "Pending"
	StatusSubmitted TransactionStatus = "Submitted"
	StatusCompleted TransactionStatus = "Completed"
	StatusFailed    TransactionStatus = "Failed"
	StatusCancelled TransactionStatus = "Cancelled"
)

// IsTerminal reports whether no further transition may be applied.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s TransactionStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// MpesaTransaction stores one STK push request and its outcome.
type MpesaTransaction struct {
	BaseModel
	StudentID         uuid.UUID         `gorm:"type:uuid;index" json:"student_id"`
	InitiatedBy       *uuid.UUID        `gorm:"type:uuid" json:"initiated_by"`
	Amount            decimal.Decimal   `gorm:"type:numeric(12,2)" json:"amount"`
	PhoneNumber       string            `gorm:"size:16" json:"phone_number"`
	Status            TransactionStatus `gorm:"size:16;index" json:"status"`
	MerchantRequestID *string           `gorm:"index" json:"merchant_request_id"`
	CheckoutRequestID *string           `gorm:"uniqueIndex" json:"checkout_request_id"`
	ResultCode        string            `json:"result_code"`
	ResultDesc        string            `json:"result_desc"`
	ReceiptNumber     string            `gorm:"index" json:"receipt_number"`
	SettledPhone      string            `json:"settled_phone"`
	SettledAt         *time.Time        `json:"settled_at"`
	RawRequest        string            `gorm:"type:text" json:"-"`
	RawResponse       string            `gorm:"type:text" json:"-"`
	RawCallback       string            `gorm:"type:text" json:"-"`
}
