// Package httpapi exposes the settlement service over HTTP: the provider
// webhook, checkout creation, a status probe and Prometheus metrics.
package httpapi

import (
	"context"
	"net/http"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guimarques1987/cardapio-backend/mercadopago"
	"github.com/guimarques1987/cardapio-backend/settlement"
)

var logger = logging.Logger("httpapi")

// Config holds the HTTP surface settings.
type Config struct {
	// ListenAddr is the address the server binds to, e.g. ":3001".
	ListenAddr string
	// AllowedOrigins lists CORS origins; "*" allows any.
	AllowedOrigins []string
	// FrontendBaseURL is where buyers return after checkout.
	FrontendBaseURL string
	// NotificationURL is the public webhook address handed to the
	// provider on every created preference.
	NotificationURL string
}

// DefaultConfig returns settings for a local development run.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":3001",
		AllowedOrigins: []string{"*"},
	}
}

// EventSink accepts normalized payment events for background settlement.
// *settlement.Dispatcher satisfies it.
type EventSink interface {
	Enqueue(ev settlement.PaymentEvent) bool
}

// CheckoutAPI creates hosted checkout preferences. *mercadopago.Client
// satisfies it.
type CheckoutAPI interface {
	CreatePreference(ctx context.Context, accessToken string, req *mercadopago.PreferenceRequest) (*mercadopago.Preference, error)
}

// Server routes HTTP traffic to the settlement components.
type Server struct {
	cfg      Config
	events   EventSink
	resolver *settlement.CredentialResolver
	checkout CheckoutAPI
}

// NewServer builds a server. checkout may be nil to disable preference
// creation.
func NewServer(cfg Config, events EventSink, resolver *settlement.CredentialResolver, checkout CheckoutAPI) *Server {
	return &Server{
		cfg:      cfg,
		events:   events,
		resolver: resolver,
		checkout: checkout,
	}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/webhook", s.handleWebhook)
	mux.HandleFunc("/api/create-checkout", s.handleCreateCheckout)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return s.withCORS(mux)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := s.allowOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" {
			return "*"
		}
		if o == origin {
			return origin
		}
	}
	return ""
}
