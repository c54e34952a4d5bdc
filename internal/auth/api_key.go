package auth

import "crypto/subtle"

// APIKeyVerifier authenticates with a single shared key. The key proves
// membership, not identity, so the channel is bound to the requested user id.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Authenticate(apiKey, requestedUser string) (string, error) {
	if requestedUser == "" {
		return "", ErrMissingCredentials
	}
	if apiKey == "" || v.Expected == "" {
		return "", ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return "", ErrInvalidCredentials
	}
	return requestedUser, nil
}
