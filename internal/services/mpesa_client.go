package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/example/feepay/internal/config"
)

const (
	pushPath = "/mpesa/stkpush/v1/processrequest"

	// AcceptedResponseCode means the gateway queued the prompt, not that the
	// payer has paid.
	AcceptedResponseCode = "0"
)

// TokenSource supplies bearer tokens for gateway calls.
type TokenSource interface {
	AcquireToken(ctx context.Context) (string, error)
}

type tokenInvalidator interface {
	InvalidateToken(ctx context.Context)
}

// ExchangeRecorder keeps the raw request/response pair of a push for diagnostics.
type ExchangeRecorder interface {
	RecordExchange(ctx context.Context, id uuid.UUID, request, response string) error
}

// PushResponse is the synchronous acknowledgment. Error bodies use the
// lower-case fields instead.
type PushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`

	RequestID    string `json:"requestId,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Accepted reports whether the gateway took the request for processing.
func (r *PushResponse) Accepted() bool {
	return r != nil && r.ResponseCode == AcceptedResponseCode
}

// Code returns whichever result code the gateway sent.
func (r *PushResponse) Code() string {
	if r == nil {
		return ""
	}
	if r.ResponseCode != "" {
		return r.ResponseCode
	}
	return r.ErrorCode
}

// Description returns whichever description the gateway sent.
func (r *PushResponse) Description() string {
	if r == nil {
		return ""
	}
	if r.ResponseDescription != "" {
		return r.ResponseDescription
	}
	return r.ErrorMessage
}

// GatewayClient submits STK push requests.
type GatewayClient struct {
	cfg        config.MpesaConfig
	httpClient *http.Client
	tokens     TokenSource
	recorder   ExchangeRecorder
}

// NewGatewayClient builds a client. recorder may be nil.
func NewGatewayClient(cfg config.MpesaConfig, httpClient *http.Client, tokens TokenSource, recorder ExchangeRecorder) *GatewayClient {
	if httpClient == nil {
		httpClient = NewGatewayHTTPClient(cfg)
	}
	return &GatewayClient{cfg: cfg, httpClient: httpClient, tokens: tokens, recorder: recorder}
}

// SubmitPush sends req for transaction txnID. A nil error means the gateway
// accepted the request; the response then carries the correlation ids. Any
// other outcome is an auth or gateway error for this attempt. The raw
// exchange is recorded on the transaction either way.
func (g *GatewayClient) SubmitPush(ctx context.Context, txnID uuid.UUID, req PushRequest) (*PushResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, gatewayError("encode push request", err)
	}

	var rawResponse string
	defer func() {
		g.record(ctx, txnID, req, rawResponse)
	}()

	token, err := g.tokens.AcquireToken(ctx)
	if err != nil {
		rawResponse = Reason(err)
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+pushPath, bytes.NewReader(payload))
	if err != nil {
		rawResponse = err.Error()
		return nil, gatewayError("build push request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		rawResponse = err.Error()
		return nil, gatewayError("push request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		rawResponse = err.Error()
		return nil, gatewayError("read push response", err)
	}
	rawResponse = string(body)

	if resp.StatusCode == http.StatusUnauthorized {
		if inv, ok := g.tokens.(tokenInvalidator); ok {
			inv.InvalidateToken(ctx)
		}
	}

	var pr PushResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, gatewayError(fmt.Sprintf("undecodable push response (status %d)", resp.StatusCode), err)
	}

	if !pr.Accepted() {
		desc := pr.Description()
		if desc == "" {
			desc = fmt.Sprintf("push rejected with status %d", resp.StatusCode)
		}
		return &pr, gatewayError(desc, nil)
	}

	if pr.CheckoutRequestID == "" {
		return &pr, gatewayError("accepted push response has no CheckoutRequestID", nil)
	}

	return &pr, nil
}

func (g *GatewayClient) record(ctx context.Context, txnID uuid.UUID, req PushRequest, response string) {
	if g.recorder == nil {
		return
	}
	req.Password = "***"
	request, _ := json.Marshal(req)
	if err := g.recorder.RecordExchange(context.WithoutCancel(ctx), txnID, string(request), response); err != nil {
		log.Error().Err(err).Str("transaction_id", txnID.String()).Msg("[Mpesa] failed to record push exchange")
	}
}
