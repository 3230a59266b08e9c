package adapters_test

import (
	"testing"

	"github.com/smallbiznis/tokenmeter/internal/payment/adapters"
	"github.com/smallbiznis/tokenmeter/internal/payment/adapters/sandbox"
	"github.com/smallbiznis/tokenmeter/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/tokenmeter/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	registry := adapters.NewRegistry(stripe.NewFactory(), sandbox.NewFactory(), nil)

	assert.Equal(t, []string{"sandbox", "stripe"}, registry.Providers())
	assert.True(t, registry.ProviderExists(" Stripe "))
	assert.False(t, registry.ProviderExists("adyen"))

	adapter, err := registry.NewAdapter("SANDBOX", paymentdomain.AdapterConfig{WebhookSecret: "s"})
	require.NoError(t, err)
	assert.Equal(t, "sandbox", adapter.Provider())

	_, err = registry.NewAdapter("adyen", paymentdomain.AdapterConfig{})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)

	var nilRegistry *adapters.Registry
	_, err = nilRegistry.NewAdapter("stripe", paymentdomain.AdapterConfig{})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)
}
