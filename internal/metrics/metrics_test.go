package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics

	m.ConnectionOpened("client")
	m.ConnectionClosed("client")
	m.SetSearchRTT("default", 12.5)
	m.SetBucketChannels("3", 4)
	m.SetMonitorQueueDepth("test:pv", 2)
	m.RecordMonitorOverrun("test:pv")
	m.RecordFrameSent()
	m.RecordFrameReceived("server")
}

func TestMetricsConnectionsActive(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectionOpened("client")
	m.ConnectionOpened("client")
	m.ConnectionClosed("client")

	got := gaugeValue(t, m.ConnectionsActive, "client")
	if got != 1 {
		t.Errorf("ConnectionsActive{role=client} = %f, want 1", got)
	}
}

func TestMetricsMonitorOverruns(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordMonitorOverrun("test:pv")
	m.RecordMonitorOverrun("test:pv")

	got := counterValue(t, m.MonitorOverrunsTotal, "test:pv")
	if got != 2 {
		t.Errorf("MonitorOverrunsTotal{channel=test:pv} = %f, want 2", got)
	}
}

func TestMetricsReRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg)
	first.RecordFrameSent()

	second := New(reg)
	second.RecordFrameSent()

	var metric io_prometheus_client.Metric
	if err := second.FramesSentTotal.Write(&metric); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 2 {
		t.Errorf("FramesSentTotal = %f, want 2 (collector should be reused across New calls)", got)
	}
}

func counterValue(t *testing.T, cv *prometheus.CounterVec, label string) float64 {
	t.Helper()
	counter, err := cv.GetMetricWithLabelValues(label)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%q): %v", label, err)
	}
	var metric io_prometheus_client.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, gv *prometheus.GaugeVec, label string) float64 {
	t.Helper()
	gauge, err := gv.GetMetricWithLabelValues(label)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%q): %v", label, err)
	}
	var metric io_prometheus_client.Metric
	if err := gauge.Write(&metric); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return metric.GetGauge().GetValue()
}
