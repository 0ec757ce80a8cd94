package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramService sends settlement notices to the bursar's admin chat.
type TelegramService struct {
	botToken    string
	adminChatID string
	apiURL      string
	httpClient  *http.Client
}

// NewTelegramService creates a new TelegramService.
func NewTelegramService(botToken, adminChatID string) *TelegramService {
	return &TelegramService{
		botToken:    botToken,
		adminChatID: adminChatID,
		apiURL:      defaultTelegramAPI,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// Enabled reports whether both the bot token and admin chat are configured.
func (s *TelegramService) Enabled() bool {
	return s.botToken != "" && s.adminChatID != ""
}

// SendMessage sends a message to specified chat.
func (s *TelegramService) SendMessage(ctx context.Context, chatID, text string) error {
	if s.botToken == "" {
		log.Debug().Msg("[Telegram] bot token not configured")
		return nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiURL, s.botToken)

	body, err := json.Marshal(telegramMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	return nil
}

// SendToAdmin sends a message to the admin chat.
func (s *TelegramService) SendToAdmin(ctx context.Context, text string) error {
	if s.adminChatID == "" {
		log.Debug().Msg("[Telegram] admin chat ID not configured")
		return nil
	}
	return s.SendMessage(ctx, s.adminChatID, text)
}

// FormatAmount renders amount with thousand separators and the currency.
func FormatAmount(amount decimal.Decimal, currency string) string {
	if currency == "" {
		currency = "KES"
	}

	str := amount.Truncate(0).Abs().String()
	var result strings.Builder
	if amount.IsNegative() && !amount.Truncate(0).IsZero() {
		result.WriteString("-")
	}
	length := len(str)
	for i, digit := range str {
		if i > 0 && (length-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(digit)
	}

	return currency + " " + result.String()
}

// NotifySettlement tells the admin chat that a fee payment was received.
func (s *TelegramService) NotifySettlement(ctx context.Context, event SettlementEvent) error {
	if s.adminChatID == "" {
		return nil
	}

	message := fmt.Sprintf(`<b>M-Pesa fee payment received</b>
<b>Receipt:</b> %s
<b>Amount:</b> %s
<b>Phone:</b> %s
<b>Date:</b> %s
<b>Balance after:</b> %s`,
		event.ReceiptNumber,
		FormatAmount(event.Amount, ""),
		event.PhoneNumber,
		event.SettledOn.Format("2006-01-02"),
		FormatAmount(event.BalanceAfter, ""),
	)

	return s.SendToAdmin(ctx, strings.TrimSpace(message))
}
