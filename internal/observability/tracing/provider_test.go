package tracing

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsPaymentIdentifiers(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/v1/usage"),
		attribute.String("provider_customer_id", "cus_123"),
		attribute.String("payment_reference", "pi_123"),
	)
	assert.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
}

func TestSafeErrorTruncates(t *testing.T) {
	assert.Nil(t, SafeError(nil))
	err := SafeError(errors.New(strings.Repeat("x", 300)))
	assert.Len(t, err.Error(), 256)
}
