// Package secrets resolves target credentials from the process environment.
package secrets

import (
	"context"
	"os"
	"strconv"
	"strings"

	"querycheck/internal/domain"
)

// EnvProvider reads credentials for secret id "validate/mysql" from
// VALIDATE_MYSQL_USERNAME, VALIDATE_MYSQL_PASSWORD and, optionally,
// VALIDATE_MYSQL_PORT.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an EnvProvider over os.LookupEnv.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

// EnvPrefix returns the variable prefix used for secretID.
func EnvPrefix(secretID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, secretID)
}

// GetCredentials implements domain.SecretsProvider.
func (p *EnvProvider) GetCredentials(_ context.Context, secretID string) (*domain.Credentials, error) {
	prefix := EnvPrefix(secretID)

	user, ok := p.lookup(prefix + "_USERNAME")
	if !ok || user == "" {
		return nil, domain.ErrNotFound("credentials for %s not set (%s_USERNAME)", secretID, prefix)
	}
	password, _ := p.lookup(prefix + "_PASSWORD")

	creds := &domain.Credentials{Username: user, Password: password}
	if v, ok := p.lookup(prefix + "_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, domain.ErrValidation("%s_PORT must be a port number, got %q", prefix, v)
		}
		creds.Port = port
	}
	return creds, nil
}

var _ domain.SecretsProvider = (*EnvProvider)(nil)
