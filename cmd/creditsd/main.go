// creditsd is the credit settlement service: it receives MercadoPago
// webhook notifications, verifies payments against the provider and
// credits user balances in the ledger exactly once per payment.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/guimarques1987/cardapio-backend/httpapi"
	"github.com/guimarques1987/cardapio-backend/mercadopago"
	"github.com/guimarques1987/cardapio-backend/settlement"
	"github.com/guimarques1987/cardapio-backend/store/scyllastore"
)

var logger = logging.Logger("creditsd")

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(ctx)
	if err != nil {
		logger.Fatalf("initializing ledger store: %s", err)
	}
	defer closeStore()

	resolver := settlement.NewCredentialResolver(settlement.DefaultCredentialEnvVar, store)
	client := mercadopago.NewClient()
	verifier := settlement.NewVerifier(resolver, client, 0)
	metrics := settlement.NewMetrics()

	var publisher settlement.OutcomePublisher
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		pub, err := settlement.NewNATSPublisher(natsURL, os.Getenv("NATS_SUBJECT"))
		if err != nil {
			logger.Fatalf("initializing NATS publisher: %s", err)
		}
		publisher = pub
		defer pub.Close()
	}

	engine := settlement.NewEngine(verifier, store, publisher, metrics)
	dispatcher := settlement.NewDispatcher(engine,
		getEnvInt("SETTLE_WORKERS", 0),
		getEnvInt("SETTLE_QUEUE_SIZE", 0),
		metrics)
	defer dispatcher.Close()

	apiCfg := httpapi.Config{
		ListenAddr:      ":" + getEnvOrDefault("PORT", "3001"),
		AllowedOrigins:  strings.Split(getEnvOrDefault("ALLOWED_ORIGINS", "*"), ","),
		FrontendBaseURL: os.Getenv("FRONTEND_URL"),
		NotificationURL: os.Getenv("WEBHOOK_URL"),
	}
	api := httpapi.NewServer(apiCfg, dispatcher, resolver, client)

	srv := &http.Server{
		Addr:              apiCfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", apiCfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server failed: %s", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP shutdown: %s", err)
	}
}

// buildStore selects the ledger store backend from the environment:
// STORAGE_BACKEND=scylla uses ScyllaDB, anything else an in-memory store
// for development.
func buildStore(ctx context.Context) (settlement.LedgerStore, func(), error) {
	if getEnvOrDefault("STORAGE_BACKEND", "memory") != "scylla" {
		logger.Warn("using in-memory ledger store; credits do not survive restarts")
		return settlement.NewMemoryLedgerStore(), func() {}, nil
	}

	cfg := scyllastore.DefaultConfig()
	if hosts := os.Getenv("SCYLLA_HOSTS"); hosts != "" {
		cfg.Hosts = strings.Split(hosts, ",")
	}
	cfg.Port = getEnvInt("SCYLLA_PORT", cfg.Port)
	cfg.Keyspace = getEnvOrDefault("SCYLLA_KEYSPACE", cfg.Keyspace)
	cfg.DocumentKey = getEnvOrDefault("SCYLLA_DOCUMENT_KEY", cfg.DocumentKey)
	cfg.Consistency = getEnvOrDefault("SCYLLA_CONSISTENCY", cfg.Consistency)
	cfg.Username = os.Getenv("SCYLLA_USERNAME")
	cfg.Password = os.Getenv("SCYLLA_PASSWORD")

	store, err := scyllastore.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warnf("invalid value %q for %s, using %d", v, key, defaultValue)
		return defaultValue
	}
	return n
}
