package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nedpals/supabase-go"
	"github.com/smallbiznis/tokenmeter/internal/auth/domain"
	"github.com/smallbiznis/tokenmeter/internal/config"
	"go.uber.org/zap"
)

type supabaseClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// supabaseVerifier checks Supabase access tokens locally with the project's
// JWT secret, or remotely through the Auth API when only the service key is
// configured.
type supabaseVerifier struct {
	log       *zap.Logger
	jwtSecret []byte
	client    *supabase.Client
}

func NewTokenVerifier(cfg config.Config, log *zap.Logger) domain.TokenVerifier {
	v := &supabaseVerifier{
		log:       log.Named("auth.supabase"),
		jwtSecret: []byte(strings.TrimSpace(cfg.Supabase.JWTSecret)),
	}
	if url, key := strings.TrimSpace(cfg.Supabase.URL), strings.TrimSpace(cfg.Supabase.ServiceKey); url != "" && key != "" {
		v.client = supabase.CreateClient(url, key)
	}
	if len(v.jwtSecret) == 0 && v.client == nil {
		v.log.Warn("supabase auth not configured; dashboard routes will reject every request")
	}
	return v
}

func (v *supabaseVerifier) VerifyToken(ctx context.Context, token string) (*domain.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrUnauthorized
	}
	if len(v.jwtSecret) > 0 {
		return v.verifyLocal(token)
	}
	if v.client != nil {
		return v.verifyRemote(ctx, token)
	}
	return nil, domain.ErrVerifierDisabled
}

func (v *supabaseVerifier) verifyLocal(token string) (*domain.Principal, error) {
	claims := &supabaseClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, domain.ErrInvalidToken
	}
	return &domain.Principal{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}

func (v *supabaseVerifier) verifyRemote(ctx context.Context, token string) (*domain.Principal, error) {
	user, err := v.client.Auth.User(ctx, token)
	if err != nil {
		v.log.Debug("supabase user lookup failed", zap.Error(err))
		return nil, domain.ErrInvalidToken
	}
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return nil, domain.ErrInvalidToken
	}
	return &domain.Principal{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
	}, nil
}
