package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConversationMetrics exposes counters/histograms for the conversation
// engine and the availability coordinator.
type ConversationMetrics struct {
	inboundTotal      *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	availabilityTotal *prometheus.CounterVec
	pipelineLatency   prometheus.Histogram
}

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tinkubot",
			Subsystem: "conversation",
			Name:      "inbound_total",
			Help:      "Total inbound WhatsApp messages",
		}, []string{"endpoint", "status"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tinkubot",
			Subsystem: "conversation",
			Name:      "state_transitions_total",
			Help:      "Flow state transitions observed at reply time",
		}, []string{"state"}),
		availabilityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tinkubot",
			Subsystem: "availability",
			Name:      "requests_total",
			Help:      "Availability scatter/gather rounds",
		}, []string{"outcome"}),
		pipelineLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tinkubot",
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "End-to-end background search pipeline duration",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.transitionsTotal, m.availabilityTotal, m.pipelineLatency)
	return m
}

func (m *ConversationMetrics) ObserveInbound(endpoint, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(endpoint, status).Inc()
}

func (m *ConversationMetrics) ObserveTransition(state string) {
	if m == nil || state == "" {
		return
	}
	m.transitionsTotal.WithLabelValues(state).Inc()
}

func (m *ConversationMetrics) ObserveAvailability(outcome string) {
	if m == nil {
		return
	}
	m.availabilityTotal.WithLabelValues(outcome).Inc()
}

func (m *ConversationMetrics) ObservePipelineDuration(seconds float64) {
	if m == nil {
		return
	}
	m.pipelineLatency.Observe(seconds)
}
