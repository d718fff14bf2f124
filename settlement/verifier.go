package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/guimarques1987/cardapio-backend/mercadopago"
)

const defaultVerifyTimeout = 10 * time.Second

// PaymentAPI is the slice of the provider client the verifier needs.
// *mercadopago.Client satisfies it.
type PaymentAPI interface {
	GetPayment(ctx context.Context, accessToken, paymentID string) (*mercadopago.Payment, error)
}

// Verifier fetches the authoritative state of a payment from the provider
// and maps it to a PaymentRecord. Webhook payload contents are never
// trusted; only the id is, and everything else comes from this lookup.
type Verifier struct {
	resolver *CredentialResolver
	api      PaymentAPI
	timeout  time.Duration
}

// NewVerifier builds a verifier. timeout bounds each provider call; zero
// means a default of 10s.
func NewVerifier(resolver *CredentialResolver, api PaymentAPI, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	return &Verifier{resolver: resolver, api: api, timeout: timeout}
}

// Verify looks the payment up with the best available credential. Without
// any credential the provider is not called at all.
func (v *Verifier) Verify(ctx context.Context, paymentID string) (*PaymentRecord, error) {
	token, err := v.resolver.Resolve(ctx, "")
	if err != nil {
		return nil, wrapErr("verify", paymentID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	p, err := v.api.GetPayment(ctx, token, paymentID)
	if err != nil {
		var apiErr *mercadopago.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, wrapErr("verify", paymentID, ErrPaymentNotFound)
		}
		return nil, wrapErr("verify", paymentID, fmt.Errorf("%w: %v", ErrProviderUnavailable, err))
	}

	id := p.ID.String()
	if id == "" {
		id = paymentID
	}
	return &PaymentRecord{
		ID:       id,
		Status:   mapProviderStatus(p.Status),
		Metadata: extractMetadata(p.Metadata),
	}, nil
}

func mapProviderStatus(status string) PaymentStatus {
	switch status {
	case "approved":
		return StatusApproved
	case "pending", "in_process", "authorized":
		return StatusPending
	case "rejected", "cancelled":
		return StatusRejected
	default:
		return StatusOther
	}
}

// extractMetadata pulls user_email and credits out of provider metadata.
// Keys are matched case-insensitively and credits tolerates the numeric
// and string encodings seen in practice.
func extractMetadata(raw map[string]interface{}) PaymentMetadata {
	var md PaymentMetadata
	if raw == nil {
		return md
	}
	if v, ok := foldedLookup(raw, "user_email"); ok {
		if s, ok := v.(string); ok {
			md.UserEmail = s
		}
	}
	if v, ok := foldedLookup(raw, "credits"); ok {
		md.Credits = creditsValue(v)
	}
	return md
}

func creditsValue(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
