package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/example/feepay/internal/middleware"
	"github.com/example/feepay/internal/models"
	"github.com/example/feepay/internal/services"
	"github.com/example/feepay/internal/utils"
)

// Ingestor processes webhook bodies.
type Ingestor interface {
	Ingest(ctx context.Context, body []byte) (services.Outcome, error)
}

// MpesaHandler serves push initiation, the gateway webhook and status queries.
type MpesaHandler struct {
	payments *services.PaymentService
	ingestor Ingestor
}

// NewMpesaHandler constructs MpesaHandler.
func NewMpesaHandler(payments *services.PaymentService, ingestor Ingestor) *MpesaHandler {
	return &MpesaHandler{payments: payments, ingestor: ingestor}
}

type stkPushRequest struct {
	StudentID        string          `json:"student_id"`
	Amount           decimal.Decimal `json:"amount"`
	PhoneNumber      string          `json:"phone_number"`
	AccountReference string          `json:"account_reference"`
	Description      string          `json:"description"`
}

// InitiatePush prompts the payer's phone for a fee payment.
func (h *MpesaHandler) InitiatePush(c *fiber.Ctx) error {
	var req stkPushRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	studentID, err := uuid.Parse(strings.TrimSpace(req.StudentID))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid student_id")
	}

	in := services.InitiateRequest{
		StudentID:        studentID,
		Amount:           req.Amount,
		Phone:            req.PhoneNumber,
		AccountReference: req.AccountReference,
		Description:      req.Description,
	}
	if callerID, ok := middleware.GetCurrentUserID(c); ok {
		in.InitiatedBy = &callerID
	}

	result, err := h.payments.Initiate(c.UserContext(), in)
	if err != nil {
		switch {
		case services.IsKind(err, services.KindValidation):
			return fiber.NewError(fiber.StatusBadRequest, services.Reason(err))
		case services.IsKind(err, services.KindNotFound):
			return fiber.NewError(fiber.StatusNotFound, services.Reason(err))
		case result != nil && result.Transaction != nil:
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"transaction_id": result.Transaction.ID,
				"status":         models.StatusFailed,
				"error":          services.Reason(err),
			})
		default:
			return err
		}
	}

	txn := result.Transaction
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"transaction_id":      txn.ID,
		"status":              txn.Status,
		"merchant_request_id": txn.MerchantRequestID,
		"checkout_request_id": txn.CheckoutRequestID,
		"customer_message":    result.CustomerMessage,
	})
}

// Callback ingests a gateway webhook. The gateway always gets the
// acknowledgment, whatever happened to the delivery.
func (h *MpesaHandler) Callback(c *fiber.Ctx) error {
	// fiber reuses the body buffer after the handler returns.
	body := append([]byte(nil), c.Body()...)

	outcome, err := h.ingestor.Ingest(c.UserContext(), body)
	event := log.Info()
	if err != nil {
		event = log.Warn().Err(err)
	}
	event.Str("outcome", string(outcome)).Msg("[Mpesa] callback processed")

	return Acknowledge(c)
}

// Acknowledge writes the fixed webhook acknowledgment.
func Acknowledge(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}

// TransactionStatus returns the public status of one transaction.
func (h *MpesaHandler) TransactionStatus(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid transaction id")
	}

	view, err := h.payments.Status(c.UserContext(), id)
	if err != nil {
		if services.IsKind(err, services.KindNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "transaction not found")
		}
		return err
	}
	return c.JSON(view)
}

// ListTransactions returns transaction history, optionally filtered.
func (h *MpesaHandler) ListTransactions(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)

	var filter services.TransactionFilter
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		filter.Status = models.TransactionStatus(status)
		if !filter.Status.IsValid() {
			return fiber.NewError(fiber.StatusBadRequest, "invalid status")
		}
	}
	if studentID := strings.TrimSpace(c.Query("student_id")); studentID != "" {
		parsed, err := uuid.Parse(studentID)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid student_id")
		}
		filter.StudentID = parsed
	}
	filter.CheckoutRequestID = strings.TrimSpace(c.Query("checkout_request_id"))

	txns, total, err := h.payments.List(c.UserContext(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    txns,
		"pagination": fiber.Map{
			"current_page":   pg.Page,
			"items_per_page": pg.Limit,
			"total_items":    total,
		},
	})
}

// StudentBalance returns required, paid and outstanding amounts.
func (h *MpesaHandler) StudentBalance(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid student id")
	}

	summary, err := h.payments.Balance(c.UserContext(), id)
	if err != nil {
		if services.IsKind(err, services.KindNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "student not found")
		}
		return err
	}
	return c.JSON(summary)
}

// Health reports liveness.
func Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
