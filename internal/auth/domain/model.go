package domain

import "context"

// Principal is the dashboard user behind a verified access token.
type Principal struct {
	UserID string
	Email  string
	Role   string
}

// TokenVerifier validates dashboard access tokens.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*Principal, error)
}

// APIKeyAuthenticator validates the shared key used by usage reporters.
type APIKeyAuthenticator interface {
	Authenticate(raw string) error
}
