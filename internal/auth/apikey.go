package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/smallbiznis/tokenmeter/internal/auth/domain"
	"github.com/smallbiznis/tokenmeter/internal/config"
)

// HashAPIKey returns the hex sha256 of a raw key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type usageKeyAuthenticator struct {
	hash string
}

func NewAPIKeyAuthenticator(cfg config.Config) domain.APIKeyAuthenticator {
	key := strings.TrimSpace(cfg.UsageAPIKey)
	if key == "" {
		return &usageKeyAuthenticator{}
	}
	return &usageKeyAuthenticator{hash: HashAPIKey(key)}
}

func (a *usageKeyAuthenticator) Authenticate(raw string) error {
	if a.hash == "" {
		return domain.ErrAPIKeyNotConfigured
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(HashAPIKey(raw)), []byte(a.hash)) != 1 {
		return domain.ErrInvalidAPIKey
	}
	return nil
}
