package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sirosfoundation/go-as2/pkg/as2"
)

var _ as2.Recorder = (*Metrics)(nil)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	if m.TransmissionsTotal == nil || m.ProcessingDuration == nil || m.MDNsSentTotal == nil {
		t.Fatal("collectors not initialized")
	}
	if m.QueueDepth == nil || m.QueueDropsTotal == nil || m.StoreErrorsTotal == nil {
		t.Fatal("collectors not initialized")
	}
}

func TestMetrics_Recorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Received(as2.KindMessage, as2.OutcomeProcessed, 120*time.Millisecond)
	m.Received(as2.KindMessage, as2.OutcomeProcessed, 80*time.Millisecond)
	m.Received(as2.KindUnknown, as2.OutcomeRejected, time.Millisecond)
	m.MDNSent(as2.ModeAsync, "processed")
	m.StoreError("create")

	if got := testutil.ToFloat64(m.TransmissionsTotal.WithLabelValues(as2.KindMessage, as2.OutcomeProcessed)); got != 2 {
		t.Errorf("transmissions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TransmissionsTotal.WithLabelValues(as2.KindUnknown, as2.OutcomeRejected)); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MDNsSentTotal.WithLabelValues(as2.ModeAsync, "processed")); got != 1 {
		t.Errorf("mdns sent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StoreErrorsTotal.WithLabelValues("create")); got != 1 {
		t.Errorf("store errors = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.ProcessingDuration); n != 2 {
		t.Errorf("histogram series = %d, want 2", n)
	}

	gathered, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	if len(gathered) == 0 {
		t.Error("no metrics gathered")
	}
}

func TestMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewMetrics(reg)
}
