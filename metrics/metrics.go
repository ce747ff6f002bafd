package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tg123/mqbroker/logging"
	"github.com/tg123/mqbroker/protocol"
)

var logger = logging.Package("metrics")

const namespace = "mqbroker"

// Metrics holds the broker collectors together with the registry they are
// registered with.
type Metrics struct {
	Registry *prometheus.Registry

	Received         *prometheus.CounterVec
	Delivered        prometheus.Counter
	Stored           prometheus.Counter
	DeliveryFailures prometheus.Counter
	Communicators    prometheus.Gauge
}

// New registers the broker collectors with a fresh registry. The go and
// process collectors are added when collectProcessMetrics is set.
func New(collectProcessMetrics bool) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Data transfer messages received from communicators.",
		}, []string{"transmit_rule"}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages acknowledged by an application or the next server.",
		}),
		Stored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "Persistent messages written to storage.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Delivery attempts that were rejected, timed out or could not be sent.",
		}),
		Communicators: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "communicators",
			Help:      "Registered communicators.",
		}),
	}

	m.Registry.MustRegister(m.Received, m.Delivered, m.Stored, m.DeliveryFailures, m.Communicators)
	if collectProcessMetrics {
		m.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return m
}

func (m *Metrics) MessageReceived(rule protocol.TransmitRule) {
	m.Received.WithLabelValues(rule.String()).Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		ErrorLog:      errorLog{},
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// errorLog implements promhttp.Logger.
type errorLog struct{}

func (errorLog) Println(v ...interface{}) {
	logger.Error().Str(logging.EVENT, "EXPOSITION_FAILED").Msg(fmt.Sprint(v...))
}
