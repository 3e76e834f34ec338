package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestPrometheusMetrics_WebhookEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookEvent("stripe", "invoice.paid", "success")
	metrics.RecordWebhookEvent("stripe", "invoice.paid", "duplicate")
	metrics.RecordWebhookEvent("stripe", "invoice.paid", "duplicate")

	family := gather(t, reg, "test_billing_webhook_events_total")
	if family == nil {
		t.Fatal("webhook_events_total not registered")
	}
	if len(family.GetMetric()) != 2 {
		t.Fatalf("expected 2 series, got %d", len(family.GetMetric()))
	}
	for _, m := range family.GetMetric() {
		if labelValue(m, "status") == "duplicate" && m.GetCounter().GetValue() != 2 {
			t.Errorf("duplicate count = %v, want 2", m.GetCounter().GetValue())
		}
	}
}

func TestPrometheusMetrics_IdentityResolution(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordIdentityResolution("stripe", "metadata")
	metrics.RecordIdentityResolution("stripe", "fallback")
	metrics.RecordIdentityResolution("stripe", "fallback")

	family := gather(t, reg, "test_billing_identity_resolutions_total")
	if family == nil {
		t.Fatal("identity_resolutions_total not registered")
	}
	for _, m := range family.GetMetric() {
		want := 1.0
		if labelValue(m, "path") == "fallback" {
			want = 2
		}
		if got := m.GetCounter().GetValue(); got != want {
			t.Errorf("path %s = %v, want %v", labelValue(m, "path"), got, want)
		}
	}
}

func TestPrometheusMetrics_SyncAndPayments(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordSubscriptionSync("stripe", "webhook", "success")
	metrics.RecordSubscriptionSyncDuration("stripe", 25*time.Millisecond)
	metrics.RecordPaymentRecorded("stripe", "failed", "success")
	metrics.RecordTierChange("stripe", "free", "pro")

	for _, name := range []string{
		"test_billing_subscription_sync_total",
		"test_billing_subscription_sync_duration_seconds",
		"test_billing_payments_recorded_total",
		"test_billing_tier_changes_total",
	} {
		if gather(t, reg, name) == nil {
			t.Errorf("%s not recorded", name)
		}
	}

	hist := gather(t, reg, "test_billing_subscription_sync_duration_seconds")
	if hist != nil && hist.GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
		t.Error("expected one duration sample")
	}
}

func TestPrometheusMetrics_WebhookErrorsAndAPICalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookError("stripe", "auth_failed")
	metrics.RecordWebhookProcessingDuration("stripe", "customer.subscription.updated", time.Second)
	metrics.RecordAPICall("stripe", "subscriptions.get", "success")
	metrics.RecordAPICallDuration("stripe", "subscriptions.get", 80*time.Millisecond)

	family := gather(t, reg, "test_billing_webhook_errors_total")
	if family == nil {
		t.Fatal("webhook_errors_total not registered")
	}
	if labelValue(family.GetMetric()[0], "error_type") != "auth_failed" {
		t.Error("unexpected error_type label")
	}
	if gather(t, reg, "test_billing_api_calls_total") == nil {
		t.Error("api_calls_total not recorded")
	}
}
