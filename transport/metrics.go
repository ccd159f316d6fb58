package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type transportMetrics struct {
	framesIn          *prometheus.CounterVec
	framesOut         *prometheus.CounterVec
	directPeers       prometheus.Gauge
	handshakeFailures prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsReg  *transportMetrics
)

// metrics returns the process-wide transport metrics, registering them
// on first use.
func metrics() *transportMetrics {
	metricsOnce.Do(func() {
		metricsReg = &transportMetrics{
			framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "breep",
				Subsystem: "transport",
				Name:      "frames_received_total",
				Help:      "Total frames received, by command.",
			}, []string{"command"}),
			framesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "breep",
				Subsystem: "transport",
				Name:      "frames_sent_total",
				Help:      "Total frames enqueued for transmission, by command.",
			}, []string{"command"}),
			directPeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "breep",
				Subsystem: "transport",
				Name:      "direct_peers",
				Help:      "Direct neighbors currently connected.",
			}),
			handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "breep",
				Subsystem: "transport",
				Name:      "handshake_failures_total",
				Help:      "Sockets dropped during the protocol handshake.",
			}),
		}
		prometheus.MustRegister(
			metricsReg.framesIn,
			metricsReg.framesOut,
			metricsReg.directPeers,
			metricsReg.handshakeFailures,
		)
	})
	return metricsReg
}
