/**
 * @description
 * This package provides a client for the platform's payment service. The voice
 * add-on uses it to verify that a renewal payment was approved before the
 * subscription is extended.
 */
package paymentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/storefront/voice-addon-service/internal/domain"
)

// ErrPaymentNotFound is returned when the payment service has no such reference.
var ErrPaymentNotFound = errors.New("payment not found")

// Client is a client for the payment service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new payment service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// GetPayment fetches the verification record of a payment reference.
func (c *Client) GetPayment(ctx context.Context, reference string) (*domain.Payment, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("payment service base url is empty")
	}

	endpoint := fmt.Sprintf("%s/internal/payments/%s", c.baseURL, url.PathEscape(reference))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to payment service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrPaymentNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("payment service returned error status %d", resp.StatusCode)
	}

	var payment domain.Payment
	if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if payment.Reference == "" {
		payment.Reference = reference
	}
	return &payment, nil
}
