/**
 * @description
 * This package provides a client for the payment processor's charge API. It
 * encapsulates authenticated HTTP requests, request body construction, and
 * response parsing. Processor-side failures decode into a typed ErrorResponse
 * so callers can distinguish a decline from a transport or timeout error.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package processorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a client for the payment processor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new processor API client. Per-call deadlines come from
// the caller's context; the client timeout is only a hard upper bound.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// ChargeRequest is the payload for a charge against a stored authorization.
type ChargeRequest struct {
	AuthorizationHandle string            `json:"authorization_handle"`
	PayerEmail          string            `json:"payer_email,omitempty"`
	AmountCents         int64             `json:"amount_cents"`
	Currency            string            `json:"currency"`
	DestinationHandle   string            `json:"destination_handle"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// ChargeResponse is the processor's charge result.
type ChargeResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Authorization *struct {
		RotatedHandle string `json:"rotated_handle"`
	} `json:"authorization,omitempty"`
}

// ErrorResponse represents an error returned by the processor API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("processor api error: %s - %s", e.Errors[0].Code, e.Errors[0].Detail)
	}
	return fmt.Sprintf("processor api error: status %d", e.StatusCode)
}

// Charge performs one charge attempt against a stored authorization and
// returns the processor's charge reference plus any rotated authorization
// handle. The signature matches the billing jobs' gateway contract.
func (c *Client) Charge(ctx context.Context, authorizationHandle, payerEmail string, amountCents int64, currency, destinationHandle string, metadata map[string]string, idempotencyReference string) (string, string, error) {
	payload := ChargeRequest{
		AuthorizationHandle: authorizationHandle,
		PayerEmail:          payerEmail,
		AmountCents:         amountCents,
		Currency:            currency,
		DestinationHandle:   destinationHandle,
		Metadata:            metadata,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/charges", bytes.NewBuffer(body))
	if err != nil {
		return "", "", fmt.Errorf("failed to create charge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Idempotency-Key", idempotencyReference)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// Transport and timeout errors pass through wrapped so callers can
		// still detect context.DeadlineExceeded.
		return "", "", fmt.Errorf("charge request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to read charge response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil {
			return "", "", fmt.Errorf("processor returned status %d", resp.StatusCode)
		}
		return "", "", apiErr
	}

	var charge ChargeResponse
	if err := json.Unmarshal(respBody, &charge); err != nil {
		return "", "", fmt.Errorf("failed to decode charge response: %w", err)
	}

	rotated := ""
	if charge.Authorization != nil {
		rotated = charge.Authorization.RotatedHandle
	}
	return charge.ID, rotated, nil
}
