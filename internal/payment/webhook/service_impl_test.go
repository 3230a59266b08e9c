package webhook_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/tokenmeter/internal/payment/adapters/sandbox"
	paymentdomain "github.com/smallbiznis/tokenmeter/internal/payment/domain"
	"github.com/smallbiznis/tokenmeter/internal/payment/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type handlerMock struct {
	mock.Mock
}

func (m *handlerMock) Handle(ctx context.Context, event *paymentdomain.WebhookEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func TestIngestWebhookVerifiesAndDispatches(t *testing.T) {
	handler := &handlerMock{}
	svc := webhook.NewService(webhook.Params{
		Log:     zap.NewNop(),
		Adapter: sandbox.New("secret"),
		Handler: handler,
	})

	payload := []byte(`{"id":"evt_1","type":"invoice.payment_failed","customer_id":"cus_1"}`)
	handler.On("Handle", mock.Anything, mock.MatchedBy(func(e *paymentdomain.WebhookEvent) bool {
		return e.ProviderEventID == "evt_1" && e.Type == paymentdomain.EventInvoicePaymentFailed
	})).Return(nil).Once()

	headers := http.Header{}
	headers.Set(sandbox.SignatureHeader, sandbox.SignatureHeaderValue("secret", payload, time.Now()))
	require.NoError(t, svc.IngestWebhook(context.Background(), "Sandbox", payload, headers))
	handler.AssertExpectations(t)
}

func TestIngestWebhookRejections(t *testing.T) {
	handler := &handlerMock{}
	svc := webhook.NewService(webhook.Params{
		Log:     zap.NewNop(),
		Adapter: sandbox.New("secret"),
		Handler: handler,
	})
	ctx := context.Background()
	payload := []byte(`{"id":"evt_1","type":"invoice.payment_failed"}`)

	assert.ErrorIs(t, svc.IngestWebhook(ctx, "", payload, http.Header{}), paymentdomain.ErrInvalidProvider)
	assert.ErrorIs(t, svc.IngestWebhook(ctx, "stripe", payload, http.Header{}), paymentdomain.ErrProviderNotFound)
	assert.ErrorIs(t, svc.IngestWebhook(ctx, "sandbox", []byte("{"), http.Header{}), paymentdomain.ErrInvalidPayload)

	headers := http.Header{}
	headers.Set(sandbox.SignatureHeader, sandbox.SignatureHeaderValue("wrong", payload, time.Now()))
	assert.ErrorIs(t, svc.IngestWebhook(ctx, "sandbox", payload, headers), paymentdomain.ErrInvalidSignature)

	handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
}
