package scyllastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	logging "github.com/ipfs/go-log/v2"
	"github.com/scylladb/gocqlx/v2"
	"github.com/scylladb/gocqlx/v2/qb"

	"github.com/guimarques1987/cardapio-backend/settlement"
)

var logger = logging.Logger("scyllastore")

const (
	ledgerTable  = "ledger_documents"
	settledTable = "settled_payments"
)

var createTableStmts = []string{
	`CREATE TABLE IF NOT EXISTS ` + ledgerTable + ` (
		doc_key text PRIMARY KEY,
		content text,
		updated_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS ` + settledTable + ` (
		payment_id text PRIMARY KEY,
		reserved_at timestamp
	)`,
}

// Store implements settlement.LedgerStore on ScyllaDB. The ledger document
// is stored as a JSON blob in a single row; settled payment ids are
// inserted with IF NOT EXISTS so that exactly one process can reserve each
// id.
type Store struct {
	session gocqlx.Session
	cfg     *Config
	retry   *RetryPolicy
}

// New connects to the cluster, ensures the tables exist and returns a
// ready store.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scyllastore config: %w", err)
	}

	cluster := cfg.CreateClusterConfig()
	session, err := gocqlx.WrapSession(cluster.CreateSession())
	if err != nil {
		return nil, fmt.Errorf("connecting to ScyllaDB at %v: %w", cfg.Hosts, err)
	}

	s := &Store{
		session: session,
		cfg:     cfg,
		retry:   NewRetryPolicy(cfg.RetryPolicy),
	}
	if err := s.createTables(); err != nil {
		session.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	logger.Infof("ScyllaDB ledger store ready: keyspace %s, document key %q",
		cfg.Keyspace, cfg.DocumentKey)
	return s, nil
}

func (s *Store) createTables() error {
	for _, stmt := range createTableStmts {
		if err := s.session.ExecStmt(stmt); err != nil {
			return err
		}
	}
	return nil
}

type ledgerRow struct {
	DocKey    string    `db:"doc_key"`
	Content   string    `db:"content"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ReadLedger fetches and decodes the ledger document.
func (s *Store) ReadLedger(ctx context.Context) (*settlement.LedgerDocument, error) {
	stmt, names := qb.Select(ledgerTable).
		Columns("content").
		Where(qb.Eq("doc_key")).
		ToCql()

	var row ledgerRow
	err := s.retry.Execute(ctx, func() error {
		return s.session.Query(stmt, names).
			BindMap(qb.M{"doc_key": s.cfg.DocumentKey}).
			WithContext(ctx).
			GetRelease(&row)
	})
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, settlement.ErrLedgerNotFound
		}
		return nil, fmt.Errorf("reading ledger document: %w", err)
	}

	var doc settlement.LedgerDocument
	if err := json.Unmarshal([]byte(row.Content), &doc); err != nil {
		return nil, fmt.Errorf("decoding ledger document: %w", err)
	}
	return &doc, nil
}

// WriteLedger encodes and stores the document, replacing the previous
// version. Last write wins at document granularity.
func (s *Store) WriteLedger(ctx context.Context, doc *settlement.LedgerDocument) error {
	content, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding ledger document: %w", err)
	}

	stmt, names := qb.Insert(ledgerTable).
		Columns("doc_key", "content", "updated_at").
		ToCql()

	err = s.retry.Execute(ctx, func() error {
		return s.session.Query(stmt, names).
			BindStruct(ledgerRow{
				DocKey:    s.cfg.DocumentKey,
				Content:   string(content),
				UpdatedAt: time.Now().UTC(),
			}).
			WithContext(ctx).
			ExecRelease()
	})
	if err != nil {
		return fmt.Errorf("writing ledger document: %w", err)
	}
	return nil
}

// ReserveSettlement inserts the payment id with IF NOT EXISTS. The
// lightweight transaction guarantees only one caller anywhere sees true.
func (s *Store) ReserveSettlement(ctx context.Context, paymentID string) (bool, error) {
	stmt, names := qb.Insert(settledTable).
		Columns("payment_id", "reserved_at").
		Unique().
		ToCql()

	var applied bool
	err := s.retry.Execute(ctx, func() error {
		var execErr error
		applied, execErr = s.session.Query(stmt, names).
			BindMap(qb.M{
				"payment_id":  paymentID,
				"reserved_at": time.Now().UTC(),
			}).
			WithContext(ctx).
			ExecCASRelease()
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("reserving settlement for payment %s: %w", paymentID, err)
	}
	return applied, nil
}

// ReleaseSettlement deletes the reservation row so a later redelivery can
// settle the payment.
func (s *Store) ReleaseSettlement(ctx context.Context, paymentID string) error {
	stmt, names := qb.Delete(settledTable).
		Where(qb.Eq("payment_id")).
		ToCql()

	err := s.retry.Execute(ctx, func() error {
		return s.session.Query(stmt, names).
			BindMap(qb.M{"payment_id": paymentID}).
			WithContext(ctx).
			ExecRelease()
	})
	if err != nil {
		return fmt.Errorf("releasing settlement for payment %s: %w", paymentID, err)
	}
	return nil
}

// Close shuts down the session.
func (s *Store) Close() {
	s.session.Close()
}
