// Package metrics defines the Prometheus collectors exposed by this
// core's TCP/UDP codecs, search manager, and monitor FIFOs, per
// SPEC_FULL.md §4.12. Grounded on the teacher's nil-safe metrics struct
// idiom (internal/adapter/nfs/v4/state.ConnectionMetrics): a plain struct
// of *prometheus.CounterVec/*GaugeVec fields, every recording method a
// no-op on a nil receiver so a caller that never wired metrics doesn't
// need to guard every call site.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "pva"

// Metrics bundles every collector this core exports. All methods are
// nil-safe: calls on a nil *Metrics are no-ops, so code that never wires
// metrics (most tests) can hold a nil *Metrics unconditionally.
type Metrics struct {
	ConnectionsActive    *prometheus.GaugeVec
	SearchRTTMillis      *prometheus.GaugeVec
	SearchBucketChannels *prometheus.GaugeVec
	MonitorQueueDepth    *prometheus.GaugeVec
	MonitorOverrunsTotal *prometheus.CounterVec
	FramesSentTotal      prometheus.Counter
	FramesReceivedTotal  *prometheus.CounterVec
}

// New creates and registers every collector against reg. Passing nil
// registers nothing and builds bare collectors, matching the teacher's
// "useful for testing" nil-registerer path.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Current number of open TCP connections by role.",
		}, []string{"role"}),
		SearchRTTMillis: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "search_rtt_milliseconds",
			Help:      "Search manager's current RTT estimate, per instance.",
		}, []string{"instance"}),
		SearchBucketChannels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "search_bucket_channels",
			Help:      "Number of channels pending search in each back-off bucket.",
		}, []string{"bucket"}),
		MonitorQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_queue_depth",
			Help:      "Number of unconsumed elements in a channel's monitor FIFO.",
		}, []string{"channel"}),
		MonitorOverrunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_overruns_total",
			Help:      "Total monitor updates coalesced due to a full FIFO.",
		}, []string{"channel"}),
		FramesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total PVA frames written to any TCP/UDP codec.",
		}),
		FramesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total PVA frames read from any TCP/UDP codec, by role.",
		}, []string{"role"}),
	}

	if reg != nil {
		m.ConnectionsActive = registerOrReuse(reg, m.ConnectionsActive).(*prometheus.GaugeVec)
		m.SearchRTTMillis = registerOrReuse(reg, m.SearchRTTMillis).(*prometheus.GaugeVec)
		m.SearchBucketChannels = registerOrReuse(reg, m.SearchBucketChannels).(*prometheus.GaugeVec)
		m.MonitorQueueDepth = registerOrReuse(reg, m.MonitorQueueDepth).(*prometheus.GaugeVec)
		m.MonitorOverrunsTotal = registerOrReuse(reg, m.MonitorOverrunsTotal).(*prometheus.CounterVec)
		m.FramesSentTotal = registerOrReuse(reg, m.FramesSentTotal).(prometheus.Counter)
		m.FramesReceivedTotal = registerOrReuse(reg, m.FramesReceivedTotal).(*prometheus.CounterVec)
	}

	return m
}

// registerOrReuse registers c with reg, returning the already-registered
// collector instead of panicking on restart-time re-registration. Panics
// on any other registration failure, matching the teacher's
// internal/protocol/nfs/v4/state.registerOrReuse.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// ConnectionOpened increments the active-connection gauge for role.
func (m *Metrics) ConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(role).Inc()
}

// ConnectionClosed decrements the active-connection gauge for role.
func (m *Metrics) ConnectionClosed(role string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(role).Dec()
}

// SetSearchRTT records a search manager instance's current RTT estimate.
func (m *Metrics) SetSearchRTT(instance string, millis float64) {
	if m == nil {
		return
	}
	m.SearchRTTMillis.WithLabelValues(instance).Set(millis)
}

// SetBucketChannels records how many channels are pending in a search
// back-off bucket.
func (m *Metrics) SetBucketChannels(bucket string, count float64) {
	if m == nil {
		return
	}
	m.SearchBucketChannels.WithLabelValues(bucket).Set(count)
}

// SetMonitorQueueDepth records a channel's current monitor FIFO depth.
func (m *Metrics) SetMonitorQueueDepth(channel string, depth float64) {
	if m == nil {
		return
	}
	m.MonitorQueueDepth.WithLabelValues(channel).Set(depth)
}

// RecordMonitorOverrun increments the overrun counter for channel.
func (m *Metrics) RecordMonitorOverrun(channel string) {
	if m == nil {
		return
	}
	m.MonitorOverrunsTotal.WithLabelValues(channel).Inc()
}

// RecordFrameSent increments the total frames-sent counter.
func (m *Metrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.FramesSentTotal.Inc()
}

// RecordFrameReceived increments the frames-received counter for role.
func (m *Metrics) RecordFrameReceived(role string) {
	if m == nil {
		return
	}
	m.FramesReceivedTotal.WithLabelValues(role).Inc()
}
