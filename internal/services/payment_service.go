package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/example/feepay/internal/config"
	"github.com/example/feepay/internal/models"
	"github.com/example/feepay/internal/utils"
)

// MaxAmount is the largest amount the transaction ledger can store.
var MaxAmount = decimal.RequireFromString("9999999999.99")

// PushSubmitter sends a built push request to the gateway.
type PushSubmitter interface {
	SubmitPush(ctx context.Context, txnID uuid.UUID, req PushRequest) (*PushResponse, error)
}

// InitiateRequest is a caller's request to prompt a payer.
type InitiateRequest struct {
	StudentID        uuid.UUID
	Amount           decimal.Decimal
	Phone            string
	AccountReference string
	Description      string
	InitiatedBy      *uuid.UUID
}

// InitiateResult is the outcome of one initiation. Transaction is set
// whenever a ledger record was created, including failed submissions.
type InitiateResult struct {
	Transaction     *models.MpesaTransaction
	CustomerMessage string
}

// TransactionStatusView is the public status of a transaction.
type TransactionStatusView struct {
	Status       models.TransactionStatus `json:"status"`
	Amount       decimal.Decimal          `json:"amount"`
	PhoneNumber  string                   `json:"phoneNumber"`
	CreatedAt    time.Time                `json:"createdAt"`
	IsSuccessful bool                     `json:"isSuccessful"`
}

// PaymentService runs the initiation flow and answers status queries.
type PaymentService struct {
	cfg     config.MpesaConfig
	ledger  *TransactionLedger
	fees    FeeLedger
	gateway PushSubmitter
	now     func() time.Time
}

func NewPaymentService(db *gorm.DB, cfg config.MpesaConfig, gateway PushSubmitter) *PaymentService {
	return &PaymentService{
		cfg:     cfg,
		ledger:  NewTransactionLedger(db),
		fees:    NewGormFeeLedger(db),
		gateway: gateway,
		now:     time.Now,
	}
}

// Initiate creates a Pending transaction, submits the push and records the
// acknowledgment. Validation errors are returned before anything is stored.
// When submission fails the transaction is marked Failed and returned along
// with the error.
func (s *PaymentService) Initiate(ctx context.Context, in InitiateRequest) (*InitiateResult, error) {
	if !in.Amount.IsPositive() {
		return nil, validationError("amount must be greater than zero")
	}
	if in.Amount.Truncate(0).LessThan(decimal.NewFromInt(1)) {
		return nil, validationError("amount must be at least 1 after truncation")
	}
	if in.Amount.GreaterThan(MaxAmount) {
		return nil, validationError("amount must not exceed " + MaxAmount.StringFixed(2))
	}

	phone := utils.NormalizePhoneWithCode(in.Phone, s.cfg.CountryCode)
	if !utils.IsValidMSISDN(phone, s.cfg.CountryCode) {
		return nil, validationError(fmt.Sprintf("phone number must be a %d-digit %sXXXXXXXXX number", len(s.cfg.CountryCode)+9, s.cfg.CountryCode))
	}

	student, err := s.fees.Student(ctx, in.StudentID)
	if err != nil {
		return nil, err
	}

	accountRef := in.AccountReference
	if accountRef == "" {
		accountRef = student.AdmissionNumber
	}

	timestamp := GatewayTimestamp(s.now(), s.cfg.Location)
	req, err := BuildPushRequest(PushParams{
		Shortcode:        s.cfg.Shortcode,
		Passkey:          s.cfg.Passkey,
		Timestamp:        timestamp,
		Amount:           in.Amount,
		MSISDN:           phone,
		AccountReference: accountRef,
		Description:      in.Description,
		CallbackURL:      s.cfg.CallbackURL,
		PartyB:           s.cfg.PartyB,
		TransactionType:  s.cfg.TransactionType,
	})
	if err != nil {
		return nil, err
	}

	txn, err := s.ledger.Create(ctx, student.ID, in.Amount, phone, in.InitiatedBy)
	if err != nil {
		return nil, err
	}

	resp, submitErr := s.gateway.SubmitPush(ctx, txn.ID, req)
	if submitErr != nil {
		code := resp.Code()
		if code == "" {
			if IsKind(submitErr, KindAuth) {
				code = string(KindAuth)
			} else {
				code = string(KindGateway)
			}
		}
		if _, err := s.ledger.MarkFailed(context.WithoutCancel(ctx), txn.ID, code, Reason(submitErr)); err != nil {
			log.Error().Err(err).Str("transaction_id", txn.ID.String()).Msg("[Payment] failed to mark transaction failed")
		}
		log.Warn().
			Err(submitErr).
			Str("transaction_id", txn.ID.String()).
			Msg("[Payment] push submission failed")
		return &InitiateResult{Transaction: s.reload(ctx, txn)}, submitErr
	}

	applied, err := s.ledger.MarkSubmitted(ctx, txn.ID, resp.MerchantRequestID, resp.CheckoutRequestID, resp.ResponseCode, resp.ResponseDescription)
	if err != nil {
		return nil, err
	}
	if !applied {
		log.Warn().Str("transaction_id", txn.ID.String()).Msg("[Payment] transaction left Pending before the acknowledgment was stored")
	}

	log.Info().
		Str("transaction_id", txn.ID.String()).
		Str("checkout_request_id", resp.CheckoutRequestID).
		Msg("[Payment] push accepted")

	return &InitiateResult{
		Transaction:     s.reload(ctx, txn),
		CustomerMessage: resp.CustomerMessage,
	}, nil
}

// Status returns the public view of a transaction.
func (s *PaymentService) Status(ctx context.Context, id uuid.UUID) (*TransactionStatusView, error) {
	txn, err := s.ledger.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &TransactionStatusView{
		Status:       txn.Status,
		Amount:       txn.Amount,
		PhoneNumber:  txn.PhoneNumber,
		CreatedAt:    txn.CreatedAt,
		IsSuccessful: txn.Status == models.StatusCompleted,
	}, nil
}

func (s *PaymentService) List(ctx context.Context, filter TransactionFilter, limit, offset int) ([]models.MpesaTransaction, int64, error) {
	return s.ledger.List(ctx, filter, limit, offset)
}

// Balance returns the student's fee position with the unclamped balance.
func (s *PaymentService) Balance(ctx context.Context, studentID uuid.UUID) (BalanceSummary, error) {
	return NewBalanceCalculator(s.fees).Summary(ctx, studentID)
}

func (s *PaymentService) reload(ctx context.Context, txn *models.MpesaTransaction) *models.MpesaTransaction {
	fresh, err := s.ledger.FindByID(context.WithoutCancel(ctx), txn.ID)
	if err != nil {
		log.Warn().Err(err).Str("transaction_id", txn.ID.String()).Msg("[Payment] reload failed")
		return txn
	}
	return fresh
}
