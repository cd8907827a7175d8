package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/pkg/logger"
)

// Response is the envelope of every X402 API reply.
type Response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type paymentData struct {
	L402Challenge models.X402Challenge `json:"l402_challenge"`
}

// CheckinResult is the answer of the merchant daily check-in endpoint.
type CheckinResult struct {
	// AlreadyCheckedIn is set on HTTP 200.
	AlreadyCheckedIn bool
	// Challenge is set on HTTP 402.
	Challenge *models.X402Challenge
}

// Client talks to the X402 payment service. Authenticated endpoints carry the
// X-API-Token and X-Merchant-ID headers.
type Client struct {
	logger     *logger.Logger
	baseURL    string
	apiToken   string
	merchantID string
	client     *http.Client
}

func NewClient(baseURL, apiToken, merchantID string, logger *logger.Logger) *Client {
	return &Client{
		logger:     logger,
		baseURL:    baseURL,
		apiToken:   apiToken,
		merchantID: merchantID,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// DailyCheckin registers the merchant user's check-in for day. The service answers 200 when the
// day is already paid for and 402 with a challenge otherwise.
func (c *Client) DailyCheckin(ctx context.Context, merchantUserID string, day time.Time) (*CheckinResult, error) {
	payload := map[string]interface{}{
		"merchant_id":      c.merchantID,
		"merchant_user_id": merchantUserID,
		"checkin_date":     day.Format("2006-01-02"),
	}
	status, body, err := c.post(ctx, "/api/business/daily-checkin", payload)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		return &CheckinResult{AlreadyCheckedIn: true}, nil
	case http.StatusPaymentRequired:
		challenge, err := decodeChallenge(body)
		if err != nil {
			return nil, err
		}
		return &CheckinResult{Challenge: challenge}, nil
	default:
		return nil, fmt.Errorf("unexpected status code %d: %s", status, string(body))
	}
}

// CreatePaymentChallenge asks for a challenge of a given price. The service answers 402.
func (c *Client) CreatePaymentChallenge(ctx context.Context, merchantUserID, priceAmount string, blockchainType int, tokenSymbol string) (*models.X402Challenge, error) {
	payload := map[string]interface{}{
		"merchant_id":      c.merchantID,
		"merchant_user_id": merchantUserID,
		"price_amount":     priceAmount,
		"blockchain_type":  blockchainType,
		"token_symbol":     tokenSymbol,
	}
	status, body, err := c.post(ctx, "/v2/api/x402/payment", payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusPaymentRequired {
		return nil, fmt.Errorf("unexpected status code %d: %s", status, string(body))
	}
	return decodeChallenge(body)
}

// VerifyPayment reports whether the order has been paid. The service limits verification to one
// call per order every 30 seconds; a 429 is reported as RATE_LIMIT_EXCEEDED rather than an error.
func (c *Client) VerifyPayment(ctx context.Context, orderID, merchantUserID string) (*models.VerifyResult, error) {
	payload := map[string]interface{}{
		"order_id":         orderID,
		"merchant_id":      c.merchantID,
		"merchant_user_id": merchantUserID,
	}
	status, body, err := c.post(ctx, "/v2/api/x402/verify", payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusTooManyRequests {
		c.logger.Warn("X402 verify rate limit exceeded", "orderId", orderID)
		return &models.VerifyResult{Reason: models.ReasonRateLimitExceeded}, nil
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode verify response (status %d): %w", status, err)
	}
	c.logger.Info("X402 payment verification", "orderId", orderID, "success", resp.Success, "message", resp.Message)

	result := &models.VerifyResult{Success: resp.Success}
	if !resp.Success {
		result.Reason = resp.Message
	}
	return result, nil
}

// SettlePayment settles a verified order. Settling twice is not an error on the service side.
func (c *Client) SettlePayment(ctx context.Context, orderID string) error {
	status, body, err := c.post(ctx, "/v2/api/x402/settle", map[string]interface{}{"order_id": orderID})
	if err != nil {
		return err
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to decode settle response (status %d): %w", status, err)
	}
	if !resp.Success {
		return fmt.Errorf("settle failed: %s", resp.Message)
	}
	return nil
}

// GetNetworks returns the raw network document. The endpoint is public.
func (c *Client) GetNetworks(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/networks", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch networks: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read networks response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("networks response is not valid JSON")
	}
	return json.RawMessage(body), nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Token", c.apiToken)
	req.Header.Set("X-Merchant-ID", c.merchantID)

	c.logger.Debug("Calling X402", "path", path)
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read %s response: %w", path, err)
	}
	return resp.StatusCode, body, nil
}

func decodeChallenge(body []byte) (*models.X402Challenge, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode challenge response: %w", err)
	}
	var data paymentData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode challenge data: %w", err)
	}
	if data.L402Challenge.OrderID == "" {
		return nil, fmt.Errorf("challenge response has no order_id")
	}
	return &data.L402Challenge, nil
}
