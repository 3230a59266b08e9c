package domain

import "errors"

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidToken        = errors.New("invalid_token")
	ErrTokenExpired        = errors.New("token_expired")
	ErrVerifierDisabled    = errors.New("dashboard_auth_not_configured")
	ErrInvalidAPIKey       = errors.New("invalid_api_key")
	ErrAPIKeyNotConfigured = errors.New("usage_api_key_not_configured")
)
