package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	paymentdomain "github.com/smallbiznis/tokenmeter/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Adapter paymentdomain.PaymentAdapter
	Handler paymentdomain.EventHandler
}

// Service verifies inbound provider webhooks and hands the parsed event to
// the lifecycle handler.
type Service struct {
	log     *zap.Logger
	adapter paymentdomain.PaymentAdapter
	handler paymentdomain.EventHandler
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		log:     p.Log.Named("payment.webhook"),
		adapter: p.Adapter,
		handler: p.Handler,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	if s.adapter == nil || s.adapter.Provider() != provider {
		return paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	if err := s.adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("payment webhook signature rejected", zap.String("provider", provider))
		return err
	}

	event, err := s.adapter.Parse(ctx, payload)
	if err != nil {
		return err
	}
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	if event.Payload == nil {
		event.Payload = payload
	}

	if s.handler == nil {
		return errors.New("webhook_handler_unavailable")
	}
	return s.handler.Handle(ctx, event)
}
