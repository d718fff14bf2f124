package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guimarques1987/cardapio-backend/mercadopago"
)

type fakePaymentAPI struct {
	payment *mercadopago.Payment
	err     error
	calls   int
	token   string
}

func (f *fakePaymentAPI) GetPayment(ctx context.Context, accessToken, paymentID string) (*mercadopago.Payment, error) {
	f.calls++
	f.token = accessToken
	if f.err != nil {
		return nil, f.err
	}
	return f.payment, nil
}

func newTestResolver(t *testing.T, token string) *CredentialResolver {
	t.Helper()
	store := NewMemoryLedgerStore()
	if token != "" {
		store.SeedDocument(&LedgerDocument{Credential: token})
	}
	return NewCredentialResolver("TEST_MP_TOKEN", store)
}

func TestVerifier_ApprovedPayment(t *testing.T) {
	api := &fakePaymentAPI{payment: &mercadopago.Payment{
		ID:     json.Number("123"),
		Status: "approved",
		Metadata: map[string]interface{}{
			"user_email": "ana@example.com",
			"credits":    float64(50),
		},
	}}
	v := NewVerifier(newTestResolver(t, "tok"), api, 0)

	rec, err := v.Verify(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, "123", rec.ID)
	assert.Equal(t, StatusApproved, rec.Status)
	assert.Equal(t, "ana@example.com", rec.Metadata.UserEmail)
	assert.Equal(t, int64(50), rec.Metadata.Credits)
	assert.Equal(t, "tok", api.token)
}

func TestVerifier_MetadataCaseInsensitive(t *testing.T) {
	api := &fakePaymentAPI{payment: &mercadopago.Payment{
		ID:     json.Number("9"),
		Status: "approved",
		Metadata: map[string]interface{}{
			"User_Email": "bob@example.com",
			"CREDITS":    "25",
		},
	}}
	v := NewVerifier(newTestResolver(t, "tok"), api, 0)

	rec, err := v.Verify(context.Background(), "9")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", rec.Metadata.UserEmail)
	assert.Equal(t, int64(25), rec.Metadata.Credits)
}

func TestVerifier_StatusMapping(t *testing.T) {
	tests := []struct {
		provider string
		want     PaymentStatus
	}{
		{"approved", StatusApproved},
		{"pending", StatusPending},
		{"in_process", StatusPending},
		{"rejected", StatusRejected},
		{"cancelled", StatusRejected},
		{"charged_back", StatusOther},
		{"", StatusOther},
	}
	for _, tt := range tests {
		t.Run("status "+tt.provider, func(t *testing.T) {
			api := &fakePaymentAPI{payment: &mercadopago.Payment{ID: json.Number("1"), Status: tt.provider}}
			v := NewVerifier(newTestResolver(t, "tok"), api, 0)
			rec, err := v.Verify(context.Background(), "1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Status)
		})
	}
}

func TestVerifier_NoCredentialSkipsProvider(t *testing.T) {
	api := &fakePaymentAPI{}
	v := NewVerifier(newTestResolver(t, ""), api, 0)

	_, err := v.Verify(context.Background(), "1")
	assert.ErrorIs(t, err, ErrCredentialMissing)
	assert.Zero(t, api.calls)
}

func TestVerifier_NotFound(t *testing.T) {
	api := &fakePaymentAPI{err: &mercadopago.APIError{StatusCode: 404, Message: "not found"}}
	v := NewVerifier(newTestResolver(t, "tok"), api, 0)

	_, err := v.Verify(context.Background(), "1")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	assert.True(t, IsNotFound(err))
}

func TestVerifier_ProviderDown(t *testing.T) {
	api := &fakePaymentAPI{err: errors.New("connection reset")}
	v := NewVerifier(newTestResolver(t, "tok"), api, 0)

	_, err := v.Verify(context.Background(), "1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.True(t, IsRetryable(err))
}

func TestCreditsValue(t *testing.T) {
	assert.Equal(t, int64(10), creditsValue(float64(10)))
	assert.Equal(t, int64(10), creditsValue("10"))
	assert.Equal(t, int64(10), creditsValue(int(10)))
	assert.Equal(t, int64(0), creditsValue("not a number"))
	assert.Equal(t, int64(0), creditsValue(nil))
	assert.Equal(t, int64(0), creditsValue(true))
}
