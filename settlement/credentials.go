package settlement

import (
	"context"
	"os"

	logging "github.com/ipfs/go-log/v2"
)

var logger = logging.Logger("settlement")

// DefaultCredentialEnvVar is the environment variable consulted first when
// resolving a provider credential.
const DefaultCredentialEnvVar = "MP_ACCESS_TOKEN"

// CredentialResolver picks the provider access token to use for a request.
// Sources are consulted in a fixed priority order:
//
//  1. the process environment,
//  2. the credential stored in the ledger document,
//  3. a token supplied with the triggering request.
//
// The stored credential is read fresh on every resolution so that an
// operator can rotate it without restarting the service.
type CredentialResolver struct {
	envVar string
	store  LedgerStore
}

// NewCredentialResolver builds a resolver over the given store. envVar
// selects the environment variable to consult; empty means
// DefaultCredentialEnvVar. store may be nil, in which case the stored
// credential source is skipped.
func NewCredentialResolver(envVar string, store LedgerStore) *CredentialResolver {
	if envVar == "" {
		envVar = DefaultCredentialEnvVar
	}
	return &CredentialResolver{envVar: envVar, store: store}
}

// Resolve returns the highest-priority credential available, or
// ErrCredentialMissing when every source is empty. A store failure is not
// fatal: it demotes resolution to the request token.
func (r *CredentialResolver) Resolve(ctx context.Context, requestToken string) (string, error) {
	if tok := os.Getenv(r.envVar); tok != "" {
		return tok, nil
	}

	if r.store != nil {
		doc, err := r.store.ReadLedger(ctx)
		switch {
		case err == nil && doc.Credential != "":
			return doc.Credential, nil
		case err != nil && !IsNotFound(err):
			logger.Warnf("credential lookup in ledger failed: %s", err)
		}
	}

	if requestToken != "" {
		return requestToken, nil
	}
	return "", ErrCredentialMissing
}
