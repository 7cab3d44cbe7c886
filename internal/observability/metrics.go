package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	stages   *StageWindow

	ActiveCalls      prometheus.Gauge
	CallEvents       *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	LiveRoomRequests *prometheus.CounterVec
	StageLatency     *prometheus.HistogramVec
	ChatMessages     *prometheus.CounterVec
	AudioGateEvents  *prometheus.CounterVec
	ReportedErrors   *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		stages:   NewStageWindow(256),
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of joined agent calls.",
		}),
		CallEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Transport events by type.",
		}, []string{"event"}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_state_transitions_total",
			Help:      "Call state transitions by source and target.",
		}, []string{"from", "to"}),
		LiveRoomRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_room_requests_total",
			Help:      "Live Room Service requests by operation and outcome.",
		}, []string{"op", "outcome"}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "startup_stage_latency_ms",
			Help:      "Call startup stage latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000, 10000},
		}, []string{"stage"}),
		ChatMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages by direction and outcome.",
		}, []string{"direction", "outcome"}),
		AudioGateEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_gate_events_total",
			Help:      "Audio playback gate events.",
		}, []string{"event"}),
		ReportedErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reported_errors_total",
			Help:      "Call failures reported to the user by kind.",
		}, []string{"kind"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

// ObserveStage records a startup stage in the histogram and the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return NewStageWindow(1).Snapshot()
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.ActiveCalls.Inc()
}

func (m *Metrics) CallEnded() {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
}

func (m *Metrics) ObserveCallEvent(event string) {
	if m == nil || event == "" {
		return
	}
	m.CallEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// ObserveLiveRoomRequest counts one Live Room Service call.
func (m *Metrics) ObserveLiveRoomRequest(op string, err error) {
	if m == nil {
		return
	}
	m.LiveRoomRequests.WithLabelValues(op, outcome(err)).Inc()
}

func (m *Metrics) ObserveChat(direction string, err error) {
	if m == nil {
		return
	}
	m.ChatMessages.WithLabelValues(direction, outcome(err)).Inc()
}

func (m *Metrics) ObserveAudioGate(event string) {
	if m == nil {
		return
	}
	m.AudioGateEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveReportedError(kind string) {
	if m == nil {
		return
	}
	m.ReportedErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
