package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.exchange = exchange
	c.key = key
	c.msg = msg
	return c.err
}

func sampleEvent() SettlementEvent {
	return SettlementEvent{
		TransactionID:     uuid.New(),
		PaymentID:         uuid.New(),
		StudentID:         uuid.New(),
		CheckoutRequestID: "C1",
		ReceiptNumber:     "NLJ7RT61SV",
		PhoneNumber:       "254712345678",
		Amount:            decimal.NewFromInt(1500),
		BalanceAfter:      decimal.NewFromInt(23500),
		SettledOn:         time.Date(2023, 12, 9, 0, 0, 0, 0, time.UTC),
	}
}

func TestRabbitMQPublisher(t *testing.T) {
	ch := &fakeChannel{}
	publisher := &RabbitMQPublisher{channel: ch, exchange: SettlementExchange}
	event := sampleEvent()

	require.NoError(t, publisher.NotifySettlement(context.Background(), event))
	assert.Equal(t, SettlementExchange, ch.exchange)
	assert.Equal(t, SettlementRoutingKey, ch.key)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, event.TransactionID.String(), ch.msg.MessageId)

	var decoded SettlementEvent
	require.NoError(t, json.Unmarshal(ch.msg.Body, &decoded))
	assert.Equal(t, event.ReceiptNumber, decoded.ReceiptNumber)
	assert.True(t, event.Amount.Equal(decoded.Amount))
}

func TestRabbitMQPublisherError(t *testing.T) {
	publisher := &RabbitMQPublisher{channel: &fakeChannel{err: amqp.ErrClosed}, exchange: SettlementExchange}

	err := publisher.NotifySettlement(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

type notifierFunc func(context.Context, SettlementEvent) error

func (f notifierFunc) NotifySettlement(ctx context.Context, event SettlementEvent) error {
	return f(ctx, event)
}

func TestMultiNotifierJoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	called := 0
	multi := MultiNotifier{
		notifierFunc(func(context.Context, SettlementEvent) error { called++; return errA }),
		nil,
		notifierFunc(func(context.Context, SettlementEvent) error { called++; return nil }),
	}

	err := multi.NotifySettlement(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, errA)
	assert.Equal(t, 2, called)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "KES 1,500", FormatAmount(decimal.NewFromInt(1500), ""))
	assert.Equal(t, "KES 999", FormatAmount(decimal.NewFromInt(999), "KES"))
	assert.Equal(t, "KES 1,234,567", FormatAmount(decimal.RequireFromString("1234567.89"), ""))
	assert.Equal(t, "USD -2,000", FormatAmount(decimal.NewFromInt(-2000), "USD"))
}

func TestTelegramNotifySettlement(t *testing.T) {
	var got telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botbot-token/sendMessage", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	telegram := NewTelegramService("bot-token", "-100123")
	telegram.apiURL = srv.URL
	require.True(t, telegram.Enabled())

	require.NoError(t, telegram.NotifySettlement(context.Background(), sampleEvent()))
	assert.Equal(t, "-100123", got.ChatID)
	assert.Equal(t, "HTML", got.ParseMode)
	assert.Contains(t, got.Text, "NLJ7RT61SV")
	assert.Contains(t, got.Text, "KES 1,500")
	assert.Contains(t, got.Text, "2023-12-09")
	assert.Contains(t, got.Text, "KES 23,500")
}

func TestTelegramErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	telegram := NewTelegramService("bot-token", "-100123")
	telegram.apiURL = srv.URL

	assert.Error(t, telegram.SendToAdmin(context.Background(), "hello"))
}

func TestTelegramDisabled(t *testing.T) {
	telegram := NewTelegramService("", "")
	assert.False(t, telegram.Enabled())
	assert.NoError(t, telegram.NotifySettlement(context.Background(), sampleEvent()))
}
