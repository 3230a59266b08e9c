package payment

import (
	"strings"

	"github.com/smallbiznis/tokenmeter/internal/config"
	"github.com/smallbiznis/tokenmeter/internal/payment/adapters"
	"github.com/smallbiznis/tokenmeter/internal/payment/adapters/sandbox"
	"github.com/smallbiznis/tokenmeter/internal/payment/adapters/stripe"
	"github.com/smallbiznis/tokenmeter/internal/payment/domain"
	"github.com/smallbiznis/tokenmeter/internal/payment/repository"
	"github.com/smallbiznis/tokenmeter/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
			sandbox.NewFactory(),
		)
	}),
	fx.Provide(NewAdapter),
	fx.Provide(func(a domain.PaymentAdapter) domain.Gateway { return a }),
	fx.Provide(webhook.NewService),
)

// NewAdapter builds the configured provider adapter.
func NewAdapter(cfg config.Config, registry *adapters.Registry, log *zap.Logger) (domain.PaymentAdapter, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Payment.Provider))
	adapter, err := registry.NewAdapter(provider, domain.AdapterConfig{
		SecretKey:     cfg.Payment.SecretKey,
		WebhookSecret: cfg.Payment.WebhookSecret,
	})
	if err != nil {
		return nil, err
	}
	log.Info("payment provider configured", zap.String("provider", adapter.Provider()))
	return adapter, nil
}
