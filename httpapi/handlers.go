package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"time"

	"github.com/guimarques1987/cardapio-backend/mercadopago"
	"github.com/guimarques1987/cardapio-backend/settlement"
)

// maxWebhookBody caps how much of a webhook payload is read.
const maxWebhookBody = 1 << 20

// handleWebhook receives provider callbacks. It always acknowledges with
// 200 "OK" no matter what arrives: settlement happens in the background
// and redelivery covers transient failures, so there is never a reason to
// make the provider retry by status code.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		logger.Debugf("reading webhook body: %s", err)
		body = nil
	}

	ev := settlement.Normalize(r.URL.Query(), body)
	if ev.Kind == settlement.EventKindPayment {
		if !s.events.Enqueue(ev) {
			logger.Warnf("payment %s not enqueued", ev.PaymentID)
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// CheckoutRequest creates a hosted checkout for a credits pack.
type CheckoutRequest struct {
	Title       string  `json:"title"`
	Price       float64 `json:"price"`
	Credits     int64   `json:"credits"`
	Email       string  `json:"email"`
	AccessToken string  `json:"mpAccessToken,omitempty"`
}

// CheckoutResponse carries the URL the buyer is redirected to.
type CheckoutResponse struct {
	PaymentURL string `json:"paymentUrl"`
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.checkout == nil {
		http.Error(w, "checkout disabled", http.StatusServiceUnavailable)
		return
	}

	var req CheckoutRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid email")
		return
	}
	if req.Price <= 0 || req.Credits <= 0 {
		s.writeError(w, http.StatusBadRequest, "price and credits must be positive")
		return
	}
	if req.Title == "" {
		req.Title = fmt.Sprintf("%d credits", req.Credits)
	}

	token, err := s.resolver.Resolve(r.Context(), req.AccessToken)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "no payment credential configured")
		return
	}

	pref, err := s.checkout.CreatePreference(r.Context(), token, &mercadopago.PreferenceRequest{
		Items: []mercadopago.PreferenceItem{{
			ID:        "credits-pack",
			Title:     "Créditos Cardápio Click - " + req.Title,
			Quantity:  1,
			UnitPrice: req.Price,
		}},
		Payer: &mercadopago.PreferencePayer{Email: req.Email},
		BackURLs: &mercadopago.BackURLs{
			Success: s.cfg.FrontendBaseURL + "/?payment=success",
			Failure: s.cfg.FrontendBaseURL + "/?payment=failure",
			Pending: s.cfg.FrontendBaseURL + "/?payment=pending",
		},
		AutoReturn:      "approved",
		NotificationURL: s.cfg.NotificationURL,
		Metadata: map[string]interface{}{
			"user_email": req.Email,
			"credits":    req.Credits,
			"ts":         time.Now().Unix(),
		},
	})
	if err != nil {
		logger.Errorf("creating checkout preference: %s", err)
		s.writeError(w, http.StatusBadGateway, "payment provider error")
		return
	}

	s.writeJSON(w, http.StatusOK, CheckoutResponse{PaymentURL: pref.InitPoint})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "online",
		"service": "cardapio-backend",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("encoding response: %s", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
