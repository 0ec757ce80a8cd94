package services

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	timestampLayout = "20060102150405"

	maxAccountReferenceLen = 12
	maxDescriptionLen      = 50

	defaultAccountReference = "SchoolFees"
	defaultDescription      = "School fee payment"
)

// PushParams are the inputs of an STK push request.
type PushParams struct {
	Shortcode        string
	Passkey          string
	Timestamp        string
	Amount           decimal.Decimal
	MSISDN           string
	AccountReference string
	Description      string
	CallbackURL      string
	PartyB           string
	TransactionType  string
}

// PushRequest is the gateway's processrequest body.
type PushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// GatewayTimestamp formats now in the gateway's civil time zone.
func GatewayTimestamp(now time.Time, loc *time.Location) string {
	if loc != nil {
		now = now.In(loc)
	}
	return now.Format(timestampLayout)
}

// PushPassword derives the request password from shortcode, passkey and timestamp.
func PushPassword(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

// BuildPushRequest validates p and assembles the signed request body.
// Fractional currency units are dropped, not rounded.
func BuildPushRequest(p PushParams) (PushRequest, error) {
	amount := p.Amount.Truncate(0).IntPart()
	if amount < 1 {
		return PushRequest{}, validationError("amount must be at least 1 after truncation")
	}
	if p.MSISDN == "" {
		return PushRequest{}, validationError("phone number is required")
	}
	if len(p.Timestamp) != len(timestampLayout) {
		return PushRequest{}, validationError("timestamp must be 14 digits")
	}

	partyB := p.PartyB
	if partyB == "" {
		partyB = p.Shortcode
	}
	txnType := p.TransactionType
	if txnType == "" {
		txnType = "CustomerPayBillOnline"
	}

	return PushRequest{
		BusinessShortCode: p.Shortcode,
		Password:          PushPassword(p.Shortcode, p.Passkey, p.Timestamp),
		Timestamp:         p.Timestamp,
		TransactionType:   txnType,
		Amount:            amount,
		PartyA:            p.MSISDN,
		PartyB:            partyB,
		PhoneNumber:       p.MSISDN,
		CallBackURL:       p.CallbackURL,
		AccountReference:  truncateOrDefault(p.AccountReference, maxAccountReferenceLen, defaultAccountReference),
		TransactionDesc:   truncateOrDefault(p.Description, maxDescriptionLen, defaultDescription),
	}, nil
}

func truncateOrDefault(value string, max int, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	runes := []rune(value)
	if len(runes) > max {
		return string(runes[:max])
	}
	return value
}
