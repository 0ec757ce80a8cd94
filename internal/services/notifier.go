package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	SettlementExchange   = "payments"
	SettlementRoutingKey = "payment.settled"
)

// SettlementEvent describes a settlement that has been committed.
type SettlementEvent struct {
	TransactionID     uuid.UUID       `json:"transaction_id"`
	PaymentID         uuid.UUID       `json:"payment_id"`
	StudentID         uuid.UUID       `json:"student_id"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	ReceiptNumber     string          `json:"receipt_number"`
	PhoneNumber       string          `json:"phone_number"`
	Amount            decimal.Decimal `json:"amount"`
	BalanceAfter      decimal.Decimal `json:"balance_after"`
	SettledOn         time.Time       `json:"settled_on"`
}

// SettlementNotifier is told about every new settlement, after commit.
type SettlementNotifier interface {
	NotifySettlement(ctx context.Context, event SettlementEvent) error
}

// MultiNotifier fans an event out to every notifier and joins their errors.
type MultiNotifier []SettlementNotifier

func (m MultiNotifier) NotifySettlement(ctx context.Context, event SettlementEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.NotifySettlement(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQPublisher publishes settlement events to a topic exchange.
type RabbitMQPublisher struct {
	channel  amqpChannel
	exchange string
}

// NewRabbitMQPublisher declares the settlement exchange on ch.
func NewRabbitMQPublisher(ch *amqp.Channel) (*RabbitMQPublisher, error) {
	if err := ch.ExchangeDeclare(
		SettlementExchange, // name
		"topic",            // type
		true,               // durable
		false,              // auto-deleted
		false,              // internal
		false,              // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &RabbitMQPublisher{channel: ch, exchange: SettlementExchange}, nil
}

func (p *RabbitMQPublisher) NotifySettlement(ctx context.Context, event SettlementEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		SettlementRoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    event.TransactionID.String(),
			Timestamp:    time.Now(),
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish settlement: %w", err)
	}

	log.Info().
		Str("routing_key", SettlementRoutingKey).
		Str("transaction_id", event.TransactionID.String()).
		Msg("[Events] settlement published")
	return nil
}
