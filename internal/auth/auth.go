// Package auth authenticates signaling channel connections and binds each
// connection to a user id, so a client cannot claim another user's channel.
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/HARI5KRISHNAN/darevel-sub002/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingCredentials = errors.New("missing credentials")
)

// Verifier authenticates one connection attempt.
//
// requestedUser is the user id the client claims (the ?user query parameter);
// the returned user id is the authenticated identity the channel is bound to.
// Verifiers whose credential carries its own identity (JWT sub) reject a
// mismatching claim.
type Verifier interface {
	Authenticate(credential, requestedUser string) (string, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return IdentityVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromQuery extracts the connection credential for the configured
// auth mode from the request query string.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// IdentityVerifier trusts the requested user id. Development only; the relay
// logs a startup warning when it is active outside dev mode.
type IdentityVerifier struct{}

func (IdentityVerifier) Authenticate(_, requestedUser string) (string, error) {
	if requestedUser == "" {
		return "", ErrMissingCredentials
	}
	return requestedUser, nil
}
