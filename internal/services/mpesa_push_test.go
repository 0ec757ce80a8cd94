package services

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eat = time.FixedZone("EAT", 3*60*60)

func pushParams() PushParams {
	return PushParams{
		Shortcode:   "174379",
		Passkey:     "passkey",
		Timestamp:   "20231209203045",
		Amount:      decimal.NewFromInt(500),
		MSISDN:      "254712345678",
		CallbackURL: "https://example.com/api/mpesa/callback",
	}
}

func TestGatewayTimestamp(t *testing.T) {
	now := time.Date(2023, 12, 9, 17, 30, 45, 0, time.UTC)
	assert.Equal(t, "20231209203045", GatewayTimestamp(now, eat))

	// Crosses midnight in the gateway zone.
	late := time.Date(2023, 12, 9, 22, 15, 0, 0, time.UTC)
	assert.Equal(t, "20231210011500", GatewayTimestamp(late, eat))
}

func TestPushPassword(t *testing.T) {
	got := PushPassword("174379", "passkey", "20231209203045")
	decoded, err := base64.StdEncoding.DecodeString(got)
	require.NoError(t, err)
	assert.Equal(t, "174379passkey20231209203045", string(decoded))
}

func TestBuildPushRequest(t *testing.T) {
	req, err := BuildPushRequest(pushParams())
	require.NoError(t, err)

	assert.Equal(t, "174379", req.BusinessShortCode)
	assert.Equal(t, PushPassword("174379", "passkey", "20231209203045"), req.Password)
	assert.Equal(t, "CustomerPayBillOnline", req.TransactionType)
	assert.Equal(t, int64(500), req.Amount)
	assert.Equal(t, "254712345678", req.PartyA)
	assert.Equal(t, "254712345678", req.PhoneNumber)
	assert.Equal(t, "174379", req.PartyB)
	assert.Equal(t, defaultAccountReference, req.AccountReference)
	assert.Equal(t, defaultDescription, req.TransactionDesc)
}

func TestBuildPushRequestWireNames(t *testing.T) {
	req, err := BuildPushRequest(pushParams())
	require.NoError(t, err)

	raw, err := json.Marshal(req)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, name := range []string{
		"BusinessShortCode", "Password", "Timestamp", "TransactionType", "Amount",
		"PartyA", "PartyB", "PhoneNumber", "CallBackURL", "AccountReference", "TransactionDesc",
	} {
		assert.Contains(t, fields, name)
	}
	assert.Len(t, fields, 11)
}

func TestBuildPushRequestTruncatesAmount(t *testing.T) {
	p := pushParams()
	p.Amount = decimal.RequireFromString("50.70")

	req, err := BuildPushRequest(p)
	require.NoError(t, err)
	assert.Equal(t, int64(50), req.Amount)
}

func TestBuildPushRequestRejectsSubUnitAmount(t *testing.T) {
	for _, amount := range []string{"0", "0.99", "-5"} {
		p := pushParams()
		p.Amount = decimal.RequireFromString(amount)

		_, err := BuildPushRequest(p)
		require.Error(t, err, amount)
		assert.True(t, IsKind(err, KindValidation), amount)
	}
}

func TestBuildPushRequestRequiresPhoneAndTimestamp(t *testing.T) {
	p := pushParams()
	p.MSISDN = ""
	_, err := BuildPushRequest(p)
	assert.True(t, IsKind(err, KindValidation))

	p = pushParams()
	p.Timestamp = "2023"
	_, err = BuildPushRequest(p)
	assert.True(t, IsKind(err, KindValidation))
}

func TestBuildPushRequestLimitsTextFields(t *testing.T) {
	p := pushParams()
	p.AccountReference = "ADM-2023-000123-EXTRA"
	p.Description = strings.Repeat("fee ", 20)

	req, err := BuildPushRequest(p)
	require.NoError(t, err)
	assert.Equal(t, "ADM-2023-000", req.AccountReference)
	assert.Len(t, []rune(req.TransactionDesc), maxDescriptionLen)
}

func TestTruncateOrDefaultCountsRunes(t *testing.T) {
	assert.Equal(t, "Ñandú", truncateOrDefault("Ñandú", 5, "x"))
	assert.Equal(t, "Ñan", truncateOrDefault("Ñandú", 3, "x"))
	assert.Equal(t, "x", truncateOrDefault("   ", 3, "x"))
}
