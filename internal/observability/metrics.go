package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixgate",
			Subsystem: "admin_http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fixgate",
			Subsystem: "admin_http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	dutyCycleWork = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixgate",
			Subsystem: "agent",
			Name:      "work_total",
			Help:      "Units of work reported by agent duty cycles.",
		},
		[]string{"agent"},
	)
	outboundLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fixgate",
			Subsystem: "framer",
			Name:      "outbound_latency_seconds",
			Help:      "Time from library publish to framer pickup of outbound messages.",
			Buckets:   prometheus.ExponentialBuckets(0.000005, 4, 10),
		},
	)
	sendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fixgate",
			Subsystem: "framer",
			Name:      "send_duration_seconds",
			Help:      "Time spent handing one outbound message to its connection.",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 10),
		},
	)
	libraryTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fixgate",
			Subsystem: "framer",
			Name:      "library_timeouts_total",
			Help:      "Libraries removed after missing their heartbeat deadline.",
		},
	)
	backPressure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixgate",
			Subsystem: "bus",
			Name:      "back_pressure_total",
			Help:      "Publications rejected by the bus, by call site.",
		},
		[]string{"site"},
	)
	resendFragments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fixgate",
			Subsystem: "possdup",
			Name:      "fragments_total",
			Help:      "Frames emitted for rewritten messages larger than one bus frame.",
		},
	)
	catchupMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fixgate",
			Subsystem: "framer",
			Name:      "catchup_messages_total",
			Help:      "Archived messages replayed to libraries during catchup.",
		},
	)
	faults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fixgate",
			Name:      "faults_total",
			Help:      "Errors surfaced to the process fault sink.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			dutyCycleWork,
			outboundLatency,
			sendDuration,
			libraryTimeouts,
			backPressure,
			resendFragments,
			catchupMessages,
			faults,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDutyCycle(agent string, work int) {
	if work <= 0 {
		return
	}
	dutyCycleWork.WithLabelValues(agent).Add(float64(work))
}

func RecordOutboundLatency(d time.Duration) {
	outboundLatency.Observe(d.Seconds())
}

func RecordSendDuration(d time.Duration) {
	sendDuration.Observe(d.Seconds())
}

func RecordLibraryTimeout() {
	libraryTimeouts.Inc()
}

func RecordBackPressure(site string) {
	backPressure.WithLabelValues(site).Inc()
}

func RecordResendFragments(n int) {
	resendFragments.Add(float64(n))
}

func RecordCatchupMessage() {
	catchupMessages.Inc()
}
