package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/feepay/internal/models"
)

var (
	fromPending = []models.TransactionStatus{models.StatusPending}
	nonTerminal = []models.TransactionStatus{models.StatusPending, models.StatusSubmitted}
)

// Settlement carries the confirmed outcome of a successful callback.
type Settlement struct {
	ResultCode      string
	ResultDesc      string
	ReceiptNumber   string
	SettledPhone    string
	SettledAt       *time.Time
	AmountConfirmed decimal.Decimal
	RawCallback     string
}

// TransactionFilter narrows List results. Zero values are ignored.
type TransactionFilter struct {
	Status            models.TransactionStatus
	StudentID         uuid.UUID
	CheckoutRequestID string
}

// TransactionLedger owns MpesaTransaction records and their transitions.
// Every transition is a compare-and-set on the current status, so of two
// concurrent writers at most one succeeds; the loser sees applied == false.
type TransactionLedger struct {
	db *gorm.DB
}

func NewTransactionLedger(db *gorm.DB) *TransactionLedger {
	return &TransactionLedger{db: db}
}

// WithTx returns a ledger bound to an open database transaction.
func (l *TransactionLedger) WithTx(tx *gorm.DB) *TransactionLedger {
	return &TransactionLedger{db: tx}
}

// Create stores a new Pending transaction. phone must already be normalized.
func (l *TransactionLedger) Create(ctx context.Context, studentID uuid.UUID, amount decimal.Decimal, phone string, initiatedBy *uuid.UUID) (*models.MpesaTransaction, error) {
	if !amount.IsPositive() {
		return nil, validationError("amount must be greater than zero")
	}
	if phone == "" {
		return nil, validationError("phone number is invalid")
	}
	if studentID == uuid.Nil {
		return nil, validationError("student is required")
	}

	txn := &models.MpesaTransaction{
		StudentID:   studentID,
		InitiatedBy: initiatedBy,
		Amount:      amount.Round(2),
		PhoneNumber: phone,
		Status:      models.StatusPending,
	}
	if err := l.db.WithContext(ctx).Create(txn).Error; err != nil {
		return nil, err
	}
	return txn, nil
}

// MarkSubmitted stores the correlation ids of an accepted push. It only
// applies to Pending transactions.
func (l *TransactionLedger) MarkSubmitted(ctx context.Context, id uuid.UUID, merchantRequestID, checkoutRequestID, resultCode, resultDesc string) (bool, error) {
	return l.transition(ctx, id, fromPending, map[string]any{
		"status":              models.StatusSubmitted,
		"merchant_request_id": merchantRequestID,
		"checkout_request_id": checkoutRequestID,
		"result_code":         resultCode,
		"result_desc":         resultDesc,
	})
}

// MarkFailed fails a non-terminal transaction. Repeated calls are no-ops.
func (l *TransactionLedger) MarkFailed(ctx context.Context, id uuid.UUID, resultCode, resultDesc string) (bool, error) {
	return l.transition(ctx, id, nonTerminal, map[string]any{
		"status":      models.StatusFailed,
		"result_code": resultCode,
		"result_desc": resultDesc,
	})
}

// MarkCancelled records a payer cancellation.
func (l *TransactionLedger) MarkCancelled(ctx context.Context, id uuid.UUID, resultCode, resultDesc string) (bool, error) {
	return l.transition(ctx, id, nonTerminal, map[string]any{
		"status":      models.StatusCancelled,
		"result_code": resultCode,
		"result_desc": resultDesc,
	})
}

// ApplySettlement completes a Submitted (or, if the callback overtook the
// acknowledgment, Pending) transaction. applied is true only for the call that
// performed the transition; that caller creates the settlement record. On any
// other state only the raw callback is stored.
func (l *TransactionLedger) ApplySettlement(ctx context.Context, id uuid.UUID, s Settlement) (bool, error) {
	updates := map[string]any{
		"status":         models.StatusCompleted,
		"result_code":    s.ResultCode,
		"result_desc":    s.ResultDesc,
		"receipt_number": s.ReceiptNumber,
		"settled_phone":  s.SettledPhone,
		"raw_callback":   s.RawCallback,
	}
	if s.SettledAt != nil {
		updates["settled_at"] = *s.SettledAt
	}

	applied, err := l.transition(ctx, id, nonTerminal, updates)
	if err != nil || applied {
		return applied, err
	}
	return false, l.RecordRawCallback(ctx, id, s.RawCallback)
}

// RecordRawCallback overwrites the audit copy of the last callback.
func (l *TransactionLedger) RecordRawCallback(ctx context.Context, id uuid.UUID, raw string) error {
	return l.db.WithContext(ctx).
		Model(&models.MpesaTransaction{}).
		Where("id = ?", id).
		Updates(map[string]any{"raw_callback": raw}).Error
}

// RecordExchange stores the raw push request and response.
func (l *TransactionLedger) RecordExchange(ctx context.Context, id uuid.UUID, request, response string) error {
	return l.db.WithContext(ctx).
		Model(&models.MpesaTransaction{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"raw_request":  request,
			"raw_response": response,
		}).Error
}

// FailStale fails every non-terminal transaction created before cutoff.
func (l *TransactionLedger) FailStale(ctx context.Context, cutoff time.Time, resultCode, resultDesc string) (int64, error) {
	res := l.db.WithContext(ctx).
		Model(&models.MpesaTransaction{}).
		Where("status IN ? AND created_at < ?", nonTerminal, cutoff).
		Updates(map[string]any{
			"status":      models.StatusFailed,
			"result_code": resultCode,
			"result_desc": resultDesc,
		})
	return res.RowsAffected, res.Error
}

func (l *TransactionLedger) FindByID(ctx context.Context, id uuid.UUID) (*models.MpesaTransaction, error) {
	return l.first(l.db.WithContext(ctx).Where("id = ?", id))
}

// FindForUpdate loads the transaction and locks its row until the
// surrounding database transaction ends.
func (l *TransactionLedger) FindForUpdate(ctx context.Context, id uuid.UUID) (*models.MpesaTransaction, error) {
	return l.first(l.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (l *TransactionLedger) FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.MpesaTransaction, error) {
	if checkoutRequestID == "" {
		return nil, errTransactionNotFound
	}
	return l.first(l.db.WithContext(ctx).Where("checkout_request_id = ?", checkoutRequestID))
}

// FindByRequestIDs matches on the merchant/checkout pair.
func (l *TransactionLedger) FindByRequestIDs(ctx context.Context, merchantRequestID, checkoutRequestID string) (*models.MpesaTransaction, error) {
	if merchantRequestID == "" {
		return nil, errTransactionNotFound
	}
	return l.first(l.db.WithContext(ctx).
		Where("merchant_request_id = ? AND checkout_request_id = ?", merchantRequestID, checkoutRequestID))
}

// List returns a page of transactions, newest first, with the total count.
func (l *TransactionLedger) List(ctx context.Context, filter TransactionFilter, limit, offset int) ([]models.MpesaTransaction, int64, error) {
	query := l.db.WithContext(ctx).Model(&models.MpesaTransaction{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.StudentID != uuid.Nil {
		query = query.Where("student_id = ?", filter.StudentID)
	}
	if filter.CheckoutRequestID != "" {
		query = query.Where("checkout_request_id = ?", filter.CheckoutRequestID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var txns []models.MpesaTransaction
	if err := query.
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&txns).Error; err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

func (l *TransactionLedger) transition(ctx context.Context, id uuid.UUID, from []models.TransactionStatus, updates map[string]any) (bool, error) {
	res := l.db.WithContext(ctx).
		Model(&models.MpesaTransaction{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		log.Debug().
			Str("transaction_id", id.String()).
			Interface("to", updates["status"]).
			Msg("[Ledger] transition skipped, state does not allow it")
		return false, nil
	}
	return true, nil
}

func (l *TransactionLedger) first(query *gorm.DB) (*models.MpesaTransaction, error) {
	var txn models.MpesaTransaction
	if err := query.First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}
