package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("status", "succeeded"),
		attribute.String("client_id", "456"),
		attribute.String("provider", "stripe"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "status" && attrs[1].Key != "status" {
		t.Fatalf("expected status to be retained")
	}
	if attrs[0].Key != "provider" && attrs[1].Key != "provider" {
		t.Fatalf("expected provider to be retained")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordUsageReport(context.Background(), "applied", 10)
	m.RecordTierCharge(context.Background(), "succeeded", "brl", 10000)
	m.RecordWebhookEvent(context.Background(), "stripe", "invoice.payment_failed", "processed")
}
