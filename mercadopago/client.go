// Package mercadopago is a minimal client for the two MercadoPago REST
// endpoints the settlement service needs: payment lookup and checkout
// preference creation. Credentials are supplied per call, not held by the
// client, because the effective token can change between requests.
package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var logger = logging.Logger("mercadopago")

// DefaultBaseURL is the production MercadoPago API endpoint.
const DefaultBaseURL = "https://api.mercadopago.com"

const defaultTimeout = 15 * time.Second

// maxResponseBytes caps how much of an API response is read into memory.
const maxResponseBytes = 1 << 20

// Client talks to the MercadoPago REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client against the production API with a default
// request timeout.
func NewClient() *Client {
	return NewClientWithBase(DefaultBaseURL)
}

// NewClientWithBase returns a client against a custom base URL, used by
// tests and sandbox setups.
func NewClientWithBase(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// APIError is a non-2xx answer from the MercadoPago API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mercadopago: API error %d: %s", e.StatusCode, e.Message)
}

// Payment is the provider's representation of a payment, reduced to the
// fields settlement cares about. The id is numeric on the wire.
type Payment struct {
	ID                json.Number            `json:"id"`
	Status            string                 `json:"status"`
	StatusDetail      string                 `json:"status_detail"`
	TransactionAmount float64                `json:"transaction_amount"`
	Metadata          map[string]interface{} `json:"metadata"`
}

// GetPayment fetches a payment by id using the given access token.
func (c *Client) GetPayment(ctx context.Context, accessToken, paymentID string) (*Payment, error) {
	var p Payment
	path := "/v1/payments/" + paymentID
	if err := c.do(ctx, http.MethodGet, path, accessToken, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PreferenceItem is a single line item on a checkout preference.
type PreferenceItem struct {
	ID         string  `json:"id,omitempty"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id,omitempty"`
}

// PreferencePayer identifies the buyer.
type PreferencePayer struct {
	Email string `json:"email,omitempty"`
}

// BackURLs are the redirect targets after checkout completes.
type BackURLs struct {
	Success string `json:"success,omitempty"`
	Failure string `json:"failure,omitempty"`
	Pending string `json:"pending,omitempty"`
}

// PreferenceRequest creates a hosted checkout session. Metadata set here is
// echoed back on the resulting payment and drives settlement.
type PreferenceRequest struct {
	Items           []PreferenceItem       `json:"items"`
	Payer           *PreferencePayer       `json:"payer,omitempty"`
	BackURLs        *BackURLs              `json:"back_urls,omitempty"`
	AutoReturn      string                 `json:"auto_return,omitempty"`
	NotificationURL string                 `json:"notification_url,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Preference is the created checkout session. InitPoint is the URL the
// buyer is sent to.
type Preference struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

// CreatePreference creates a hosted checkout preference.
func (c *Client) CreatePreference(ctx context.Context, accessToken string, req *PreferenceRequest) (*Preference, error) {
	var pref Preference
	if err := c.do(ctx, http.MethodPost, "/checkout/preferences", accessToken, req, &pref); err != nil {
		return nil, err
	}
	return &pref, nil
}

func (c *Client) do(ctx context.Context, method, path, accessToken string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(data)}
		logger.Debugf("%s %s failed: %s", method, path, apiErr)
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}
	return nil
}
