package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetrics_NewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestPrometheusMetrics_RecordSpend(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordSpend("free", "allowed")
	metrics.RecordSpend("free", "denied")
	metrics.RecordSpend("pro", "allowed")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var spendFamily *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "test_spend_attempts_total" {
			spendFamily = f
		}
	}
	if spendFamily == nil {
		t.Fatal("Expected spend_attempts_total to be recorded")
	}
	if len(spendFamily.GetMetric()) != 3 {
		t.Errorf("Expected 3 label combinations, got %d", len(spendFamily.GetMetric()))
	}
}

func TestPrometheusMetrics_RecordSpendDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordSpendDuration("pro", 50*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("Expected spend duration metrics to be recorded")
	}
}

func TestPrometheusMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("spend_credit", 10*time.Millisecond, nil)
	metrics.RecordStorageOperation("spend_credit", 10*time.Millisecond, errors.New("boom"))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var errFamily *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "test_storage_operation_errors_total" {
			errFamily = f
		}
	}
	if errFamily == nil {
		t.Fatal("Expected storage_operation_errors_total to be recorded")
	}
	if got := errFamily.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("Expected 1 storage error, got %v", got)
	}
}
