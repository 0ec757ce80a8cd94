package routes

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/example/feepay/internal/config"
	"github.com/example/feepay/internal/models"
	"github.com/example/feepay/internal/services"
	"github.com/example/feepay/internal/testutil"
	"github.com/example/feepay/internal/utils"
)

const jwtSecret = "test-secret"

type testEnv struct {
	app   *fiber.App
	db    *gorm.DB
	token string
}

func newGatewayStub(t *testing.T, pushBody string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/oauth/v1/generate":
			_, _ = w.Write([]byte(`{"access_token":"tok-123","expires_in":"3599"}`))
		case "/mpesa/stkpush/v1/processrequest":
			_, _ = w.Write([]byte(pushBody))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestEnv(t *testing.T, pushBody string, opts ...func(*config.Config)) *testEnv {
	t.Helper()
	gw := newGatewayStub(t, pushBody)
	db := testutil.NewDB(t)

	cfg := &config.Config{
		JWTSecret: jwtSecret,
		Mpesa: config.MpesaConfig{
			BaseURL:          gw.URL,
			ConsumerKey:      "key",
			ConsumerSecret:   "secret",
			Shortcode:        "174379",
			Passkey:          "passkey",
			PartyB:           "174379",
			TransactionType:  "CustomerPayBillOnline",
			CallbackURL:      "https://example.com/api/mpesa/callback",
			Location:         time.FixedZone("EAT", 3*60*60),
			CountryCode:      "254",
			CancelResultCode: 1032,
			HTTPTimeout:      2 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	credentials := services.NewCredentialClient(cfg.Mpesa, nil, nil)
	ledger := services.NewTransactionLedger(db)
	gateway := services.NewGatewayClient(cfg.Mpesa, nil, credentials, ledger)
	payments := services.NewPaymentService(db, cfg.Mpesa, gateway)
	ingestor := services.NewCallbackIngestor(db, cfg.Mpesa, nil, nil)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	Register(app, cfg, payments, ingestor)

	token, err := utils.GenerateToken(jwtSecret, uuid.New(), time.Hour)
	require.NoError(t, err)

	return &testEnv{app: app, db: db, token: token}
}

func (e *testEnv) do(t *testing.T, method, path, body string, auth bool) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp.StatusCode, decoded
}

const acceptedPush = `{"MerchantRequestID":"M1","CheckoutRequestID":"C1","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success. Request accepted for processing"}`

const successCallback = `{"Body":{"stkCallback":{"MerchantRequestID":"M1","CheckoutRequestID":"C1","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":500},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},{"Name":"TransactionDate","Value":20231209203045},{"Name":"PhoneNumber","Value":254712345678}]}}}}`

func TestHealth(t *testing.T) {
	env := newTestEnv(t, acceptedPush)
	status, body := env.do(t, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestPushAndCallbackFlow(t *testing.T) {
	env := newTestEnv(t, acceptedPush)
	student := testutil.SeedStudent(t, env.db, "Grade 4", 400)

	status, body := env.do(t, http.MethodPost, "/api/mpesa/stk-push",
		fmt.Sprintf(`{"student_id":%q,"amount":500,"phone_number":"0712345678"}`, student.ID), true)
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, string(models.StatusSubmitted), body["status"])
	assert.Equal(t, "C1", body["checkout_request_id"])
	assert.Equal(t, "M1", body["merchant_request_id"])
	txnID := body["transaction_id"].(string)

	status, body = env.do(t, http.MethodPost, "/api/mpesa/callback", successCallback, false)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["ResultCode"])
	assert.Equal(t, "Accepted", body["ResultDesc"])

	// Redelivery is acknowledged and changes nothing.
	status, _ = env.do(t, http.MethodPost, "/api/mpesa/callback", successCallback, false)
	assert.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodGet, "/api/mpesa/transactions/"+txnID, "", true)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(models.StatusCompleted), body["status"])
	assert.Equal(t, true, body["isSuccessful"])
	assert.Equal(t, "254712345678", body["phoneNumber"])
	assert.Equal(t, "500", body["amount"])

	var payments []models.Payment
	require.NoError(t, env.db.Find(&payments).Error)
	require.Len(t, payments, 1)
	assert.Equal(t, "2023-12-09", payments[0].Date.Format("2006-01-02"))
	assert.True(t, payments[0].BalanceAfter.IsZero())

	status, body = env.do(t, http.MethodGet, fmt.Sprintf("/api/students/%s/balance", student.ID), "", true)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "400", body["required"])
	assert.Equal(t, "500", body["paid"])
	assert.Equal(t, "-100", body["balance"])

	status, body = env.do(t, http.MethodGet, "/api/mpesa/transactions?status=Completed", "", true)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 1)
	assert.Equal(t, float64(1), body["pagination"].(map[string]any)["total_items"])
}

func TestPushRejectedReturnsBadGateway(t *testing.T) {
	env := newTestEnv(t, `{"ResponseCode":"1","ResponseDescription":"Unable to lock subscriber"}`)
	student := testutil.SeedStudent(t, env.db, "Grade 4", 1000)

	status, body := env.do(t, http.MethodPost, "/api/mpesa/stk-push",
		fmt.Sprintf(`{"student_id":%q,"amount":500,"phone_number":"0712345678"}`, student.ID), true)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, string(models.StatusFailed), body["status"])
	assert.Equal(t, "Unable to lock subscriber", body["error"])

	var txn models.MpesaTransaction
	require.NoError(t, env.db.First(&txn).Error)
	assert.Equal(t, models.StatusFailed, txn.Status)
	assert.NotEmpty(t, txn.RawRequest)
	assert.Contains(t, txn.RawResponse, "Unable to lock subscriber")
}

func TestPushValidation(t *testing.T) {
	env := newTestEnv(t, acceptedPush)
	student := testutil.SeedStudent(t, env.db, "Grade 4", 1000)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"bad student id", `{"student_id":"x","amount":500,"phone_number":"0712345678"}`, http.StatusBadRequest},
		{"zero amount", fmt.Sprintf(`{"student_id":%q,"amount":0,"phone_number":"0712345678"}`, student.ID), http.StatusBadRequest},
		{"short phone", fmt.Sprintf(`{"student_id":%q,"amount":500,"phone_number":"07123"}`, student.ID), http.StatusBadRequest},
		{"unknown student", fmt.Sprintf(`{"student_id":%q,"amount":500,"phone_number":"0712345678"}`, uuid.New()), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, "/api/mpesa/stk-push", tt.body, true)
			assert.Equal(t, tt.status, status)
			assert.NotEmpty(t, body["error"])
		})
	}

	var count int64
	require.NoError(t, env.db.Model(&models.MpesaTransaction{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPushUsesConfiguredCountryCode(t *testing.T) {
	env := newTestEnv(t, acceptedPush, func(cfg *config.Config) {
		cfg.Mpesa.CountryCode = "255"
	})
	student := testutil.SeedStudent(t, env.db, "Grade 4", 1000)

	status, body := env.do(t, http.MethodPost, "/api/mpesa/stk-push",
		fmt.Sprintf(`{"student_id":%q,"amount":500,"phone_number":"255712345678"}`, student.ID), true)
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, string(models.StatusSubmitted), body["status"])

	status, body = env.do(t, http.MethodPost, "/api/mpesa/stk-push",
		fmt.Sprintf(`{"student_id":%q,"amount":500,"phone_number":"254712345678"}`, student.ID), true)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "255XXXXXXXXX")

	var txns []models.MpesaTransaction
	require.NoError(t, env.db.Find(&txns).Error)
	require.Len(t, txns, 1)
	assert.Equal(t, "255712345678", txns[0].PhoneNumber)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, acceptedPush)

	status, body := env.do(t, http.MethodGet, "/api/mpesa/transactions", "", false)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "missing authorization header", body["error"])
}

func TestCallbackAlwaysAcknowledged(t *testing.T) {
	env := newTestEnv(t, acceptedPush)

	for _, payload := range []string{
		`not json`,
		`{"Body":{}}`,
		strings.Replace(successCallback, "C1", "UNKNOWN", 1),
	} {
		status, body := env.do(t, http.MethodPost, "/api/mpesa/callback", payload, false)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, float64(0), body["ResultCode"])
		assert.Equal(t, "Accepted", body["ResultDesc"])
	}

	var count int64
	require.NoError(t, env.db.Model(&models.Payment{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestStatusAndBalanceNotFound(t *testing.T) {
	env := newTestEnv(t, acceptedPush)

	status, _ := env.do(t, http.MethodGet, "/api/mpesa/transactions/"+uuid.NewString(), "", true)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodGet, "/api/mpesa/transactions/not-a-uuid", "", true)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodGet, "/api/students/"+uuid.NewString()+"/balance", "", true)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodGet, "/api/mpesa/transactions?status=Bogus", "", true)
	assert.Equal(t, http.StatusBadRequest, status)
}
