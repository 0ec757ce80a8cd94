package services

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/example/feepay/internal/config"
	"github.com/example/feepay/internal/models"
)

// Outcome is what a webhook delivery did to the ledger.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSettled   Outcome = "settled"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

const (
	metaAmount          = "Amount"
	metaReceiptNumber   = "MpesaReceiptNumber"
	metaPhoneNumber     = "PhoneNumber"
	metaTransactionDate = "TransactionDate"

	notifyTimeout = 10 * time.Second
)

type callbackEnvelope struct {
	Body struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string       `json:"MerchantRequestID"`
	CheckoutRequestID string       `json:"CheckoutRequestID"`
	ResultCode        *json.Number `json:"ResultCode"`
	ResultDesc        string       `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []metadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// CallbackMetadata is the typed form of the CallbackMetadata item list.
// Fields whose value had the wrong type are left empty.
type CallbackMetadata struct {
	Amount          decimal.Decimal
	HasAmount       bool
	ReceiptNumber   string
	PhoneNumber     string
	TransactionDate *time.Time
}

// Callback is a parsed STK callback.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Metadata          CallbackMetadata
}

// ParseCallback decodes a webhook body. Dates are read in loc.
func ParseCallback(body []byte, loc *time.Location) (*Callback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	cb := env.Body.StkCallback
	if cb == nil {
		return nil, errors.New("missing Body.stkCallback")
	}
	if cb.CheckoutRequestID == "" {
		return nil, errors.New("missing CheckoutRequestID")
	}
	if cb.ResultCode == nil {
		return nil, errors.New("missing ResultCode")
	}
	code, err := strconv.Atoi(cb.ResultCode.String())
	if err != nil {
		return nil, errors.New("ResultCode is not an integer")
	}

	parsed := &Callback{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        code,
		ResultDesc:        cb.ResultDesc,
	}
	if cb.CallbackMetadata != nil {
		parsed.Metadata = decodeMetadata(cb.CallbackMetadata.Item, loc)
	}
	return parsed, nil
}

func decodeMetadata(items []metadataItem, loc *time.Location) CallbackMetadata {
	if loc == nil {
		loc = time.UTC
	}

	var meta CallbackMetadata
	for _, item := range items {
		switch item.Name {
		case metaAmount:
			var n json.Number
			if json.Unmarshal(item.Value, &n) != nil {
				continue
			}
			if amount, err := decimal.NewFromString(n.String()); err == nil && amount.IsPositive() {
				meta.Amount = amount
				meta.HasAmount = true
			}
		case metaReceiptNumber:
			var s string
			if json.Unmarshal(item.Value, &s) == nil {
				meta.ReceiptNumber = s
			}
		case metaPhoneNumber:
			var n json.Number
			if json.Unmarshal(item.Value, &n) == nil {
				meta.PhoneNumber = n.String()
			}
		case metaTransactionDate:
			var n json.Number
			if json.Unmarshal(item.Value, &n) != nil || len(n.String()) != len(timestampLayout) {
				continue
			}
			if ts, err := time.ParseInLocation(timestampLayout, n.String(), loc); err == nil {
				meta.TransactionDate = &ts
			}
		}
	}
	return meta
}

// CallbackIngestor applies gateway webhooks to the ledger. It never fails
// the delivery: its error result is for logging only.
type CallbackIngestor struct {
	db       *gorm.DB
	cfg      config.MpesaConfig
	ledger   *TransactionLedger
	fees     *GormFeeLedger
	notifier SettlementNotifier
	auditor  CallbackAuditor
	now      func() time.Time
}

// NewCallbackIngestor builds an ingestor. notifier and auditor may be nil.
func NewCallbackIngestor(db *gorm.DB, cfg config.MpesaConfig, notifier SettlementNotifier, auditor CallbackAuditor) *CallbackIngestor {
	return &CallbackIngestor{
		db:       db,
		cfg:      cfg,
		ledger:   NewTransactionLedger(db),
		fees:     NewGormFeeLedger(db),
		notifier: notifier,
		auditor:  auditor,
		now:      time.Now,
	}
}

// Ingest processes one delivery.
func (i *CallbackIngestor) Ingest(ctx context.Context, body []byte) (outcome Outcome, err error) {
	var cb *Callback
	defer func() {
		i.audit(ctx, body, cb, outcome, err)
	}()

	cb, err = ParseCallback(body, i.cfg.Location)
	if err != nil {
		return OutcomeIgnored, &MpesaError{Kind: KindParse, Reason: "malformed callback", Err: err}
	}

	txn, err := i.lookup(ctx, cb)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return OutcomeUnmatched, err
		}
		return OutcomeIgnored, err
	}

	raw := string(body)
	if txn.Status.IsTerminal() {
		return OutcomeDuplicate, i.ledger.RecordRawCallback(ctx, txn.ID, raw)
	}

	switch {
	case cb.ResultCode == 0:
		return i.settle(ctx, txn, cb, raw)
	case cb.ResultCode == i.cfg.CancelResultCode:
		return i.terminate(ctx, txn, cb, raw, OutcomeCancelled)
	default:
		return i.terminate(ctx, txn, cb, raw, OutcomeFailed)
	}
}

func (i *CallbackIngestor) lookup(ctx context.Context, cb *Callback) (*models.MpesaTransaction, error) {
	txn, err := i.ledger.FindByCheckoutRequestID(ctx, cb.CheckoutRequestID)
	if err == nil || !IsKind(err, KindNotFound) {
		return txn, err
	}
	return i.ledger.FindByRequestIDs(ctx, cb.MerchantRequestID, cb.CheckoutRequestID)
}

func (i *CallbackIngestor) terminate(ctx context.Context, txn *models.MpesaTransaction, cb *Callback, raw string, outcome Outcome) (Outcome, error) {
	code := strconv.Itoa(cb.ResultCode)
	applied := false
	err := i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := i.ledger.WithTx(tx)
		var err error
		if outcome == OutcomeCancelled {
			applied, err = ledger.MarkCancelled(ctx, txn.ID, code, cb.ResultDesc)
		} else {
			applied, err = ledger.MarkFailed(ctx, txn.ID, code, cb.ResultDesc)
		}
		if err != nil {
			return err
		}
		return ledger.RecordRawCallback(ctx, txn.ID, raw)
	})
	if err != nil {
		return outcome, err
	}
	if !applied {
		return OutcomeDuplicate, nil
	}
	return outcome, nil
}

func (i *CallbackIngestor) settle(ctx context.Context, txn *models.MpesaTransaction, cb *Callback, raw string) (Outcome, error) {
	var (
		applied bool
		payment *models.Payment
		locked  *models.MpesaTransaction
	)

	err := i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := i.ledger.WithTx(tx)

		var err error
		locked, err = ledger.FindForUpdate(ctx, txn.ID)
		if err != nil {
			return err
		}
		if locked.Status.IsTerminal() {
			return ledger.RecordRawCallback(ctx, txn.ID, raw)
		}

		meta := cb.Metadata
		applied, err = ledger.ApplySettlement(ctx, txn.ID, Settlement{
			ResultCode:      strconv.Itoa(cb.ResultCode),
			ResultDesc:      cb.ResultDesc,
			ReceiptNumber:   meta.ReceiptNumber,
			SettledPhone:    meta.PhoneNumber,
			SettledAt:       meta.TransactionDate,
			AmountConfirmed: meta.Amount,
			RawCallback:     raw,
		})
		if err != nil || !applied {
			return err
		}

		payment, err = i.recordSettlement(ctx, i.fees.WithTx(tx), locked, meta)
		return err
	})
	if err != nil {
		return OutcomeIgnored, err
	}
	if !applied {
		return OutcomeDuplicate, nil
	}

	if payment != nil {
		i.notify(locked, cb, payment)
	}
	return OutcomeSettled, nil
}

// recordSettlement credits the student once for txn. It returns nil when a
// settlement for txn already exists.
func (i *CallbackIngestor) recordSettlement(ctx context.Context, fees *GormFeeLedger, txn *models.MpesaTransaction, meta CallbackMetadata) (*models.Payment, error) {
	exists, err := fees.HasSettlement(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		log.Warn().Str("transaction_id", txn.ID.String()).Msg("[Callback] settlement already recorded")
		return nil, nil
	}

	amount := txn.Amount
	if meta.HasAmount {
		amount = meta.Amount
		if !amount.Equal(txn.Amount) {
			log.Warn().
				Str("transaction_id", txn.ID.String()).
				Str("requested", txn.Amount.String()).
				Str("confirmed", amount.String()).
				Msg("[Callback] confirmed amount differs from requested amount")
		}
	}

	balanceAfter, err := NewBalanceCalculator(fees).BalanceAfterNewSettlement(ctx, txn.StudentID, amount)
	if err != nil {
		if !IsKind(err, KindNotFound) {
			return nil, err
		}
		log.Warn().Str("student_id", txn.StudentID.String()).Msg("[Callback] student missing, balance recorded as zero")
		balanceAfter = decimal.Zero
	}

	txnID := txn.ID
	payment := &models.Payment{
		StudentID:          txn.StudentID,
		AmountPaid:         amount,
		Date:               i.settlementDate(meta.TransactionDate),
		BalanceAfter:       balanceAfter,
		PaymentMethod:      models.PaymentMethodMpesa,
		Reference:          meta.ReceiptNumber,
		MpesaTransactionID: &txnID,
	}
	created, err := fees.AppendSettlement(ctx, payment)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, nil
	}
	return payment, nil
}

// settlementDate is the calendar date of the gateway timestamp, or today in
// the gateway's zone when the callback had none.
func (i *CallbackIngestor) settlementDate(ts *time.Time) time.Time {
	var t time.Time
	if ts != nil {
		t = *ts
	} else {
		t = i.now()
		if i.cfg.Location != nil {
			t = t.In(i.cfg.Location)
		}
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (i *CallbackIngestor) notify(txn *models.MpesaTransaction, cb *Callback, payment *models.Payment) {
	if i.notifier == nil {
		return
	}
	event := SettlementEvent{
		TransactionID:     txn.ID,
		PaymentID:         payment.ID,
		StudentID:         txn.StudentID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ReceiptNumber:     payment.Reference,
		PhoneNumber:       cb.Metadata.PhoneNumber,
		Amount:            payment.AmountPaid,
		BalanceAfter:      payment.BalanceAfter,
		SettledOn:         payment.Date,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := i.notifier.NotifySettlement(ctx, event); err != nil {
			log.Error().Err(err).Str("transaction_id", event.TransactionID.String()).Msg("[Callback] settlement notification failed")
		}
	}()
}

func (i *CallbackIngestor) audit(ctx context.Context, body []byte, cb *Callback, outcome Outcome, err error) {
	if i.auditor == nil {
		return
	}
	record := CallbackRecord{
		Outcome:    outcome,
		Payload:    string(body),
		ReceivedAt: i.now(),
	}
	if cb != nil {
		code := cb.ResultCode
		record.CheckoutRequestID = cb.CheckoutRequestID
		record.MerchantRequestID = cb.MerchantRequestID
		record.ResultCode = &code
	}
	if err != nil {
		record.Error = err.Error()
	}
	if auditErr := i.auditor.RecordCallback(context.WithoutCancel(ctx), record); auditErr != nil {
		log.Error().Err(auditErr).Msg("[Callback] failed to write audit record")
	}
}
