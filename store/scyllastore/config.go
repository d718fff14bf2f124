// Package scyllastore persists the credit ledger in ScyllaDB. The ledger
// document itself lives in a single-row table keyed by a well-known
// document key; settled payment ids live in a companion table whose
// lightweight-transaction inserts give settlement its cross-process
// uniqueness guarantee.
package scyllastore

import (
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
)

const (
	DefaultPort           = 9042
	DefaultKeyspace       = "cardapio"
	DefaultDocumentKey    = "ledger"
	DefaultNumConns       = 4
	DefaultTimeout        = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultConsistency    = "QUORUM"

	DefaultRetryNumRetries = 3
	DefaultRetryMinDelay   = 100 * time.Millisecond
	DefaultRetryMaxDelay   = 5 * time.Second
)

// Config holds connection settings for the ScyllaDB ledger store.
type Config struct {
	Hosts    []string `json:"hosts"`
	Port     int      `json:"port"`
	Keyspace string   `json:"keyspace"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`

	// DocumentKey addresses the single ledger document.
	DocumentKey string `json:"document_key"`

	NumConns       int           `json:"num_conns"`
	Timeout        time.Duration `json:"timeout"`
	ConnectTimeout time.Duration `json:"connect_timeout"`

	Consistency string `json:"consistency"`

	RetryPolicy RetryPolicyConfig `json:"retry_policy"`
}

// RetryPolicyConfig bounds how store operations are retried.
type RetryPolicyConfig struct {
	NumRetries    int           `json:"num_retries"`
	MinRetryDelay time.Duration `json:"min_retry_delay"`
	MaxRetryDelay time.Duration `json:"max_retry_delay"`
}

// DefaultConfig returns a config suitable for a local single-node cluster.
func DefaultConfig() *Config {
	return &Config{
		Hosts:          []string{"127.0.0.1"},
		Port:           DefaultPort,
		Keyspace:       DefaultKeyspace,
		DocumentKey:    DefaultDocumentKey,
		NumConns:       DefaultNumConns,
		Timeout:        DefaultTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		Consistency:    DefaultConsistency,
		RetryPolicy: RetryPolicyConfig{
			NumRetries:    DefaultRetryNumRetries,
			MinRetryDelay: DefaultRetryMinDelay,
			MaxRetryDelay: DefaultRetryMaxDelay,
		},
	}
}

var validConsistency = map[string]gocql.Consistency{
	"ANY":          gocql.Any,
	"ONE":          gocql.One,
	"TWO":          gocql.Two,
	"THREE":        gocql.Three,
	"QUORUM":       gocql.Quorum,
	"ALL":          gocql.All,
	"LOCAL_QUORUM": gocql.LocalQuorum,
	"EACH_QUORUM":  gocql.EachQuorum,
	"LOCAL_ONE":    gocql.LocalOne,
}

// Validate checks the configuration for errors.
func (cfg *Config) Validate() error {
	if len(cfg.Hosts) == 0 {
		return errors.New("at least one host must be specified")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Keyspace == "" {
		return errors.New("keyspace cannot be empty")
	}
	if cfg.DocumentKey == "" {
		return errors.New("document_key cannot be empty")
	}
	if cfg.NumConns <= 0 {
		return fmt.Errorf("num_conns must be positive, got: %d", cfg.NumConns)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got: %v", cfg.Timeout)
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got: %v", cfg.ConnectTimeout)
	}
	if _, ok := validConsistency[cfg.Consistency]; !ok {
		return fmt.Errorf("invalid consistency level: %s", cfg.Consistency)
	}
	if cfg.RetryPolicy.NumRetries < 0 {
		return fmt.Errorf("retry num_retries must be non-negative, got: %d", cfg.RetryPolicy.NumRetries)
	}
	if cfg.RetryPolicy.MinRetryDelay <= 0 {
		return fmt.Errorf("retry min_retry_delay must be positive, got: %v", cfg.RetryPolicy.MinRetryDelay)
	}
	if cfg.RetryPolicy.MaxRetryDelay < cfg.RetryPolicy.MinRetryDelay {
		return fmt.Errorf("retry max_retry_delay (%v) cannot be less than min_retry_delay (%v)",
			cfg.RetryPolicy.MaxRetryDelay, cfg.RetryPolicy.MinRetryDelay)
	}
	return nil
}

// GetConsistency maps the configured consistency name to its gocql value.
func (cfg *Config) GetConsistency() gocql.Consistency {
	if c, ok := validConsistency[cfg.Consistency]; ok {
		return c
	}
	return gocql.Quorum
}

// CreateClusterConfig builds the gocql cluster config for this store.
func (cfg *Config) CreateClusterConfig() *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Keyspace = cfg.Keyspace
	cluster.NumConns = cfg.NumConns
	cluster.Timeout = cfg.Timeout
	cluster.ConnectTimeout = cfg.ConnectTimeout
	cluster.Consistency = cfg.GetConsistency()
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	return cluster
}
