// Package metrics holds the Prometheus collectors shared by the link,
// session and routing layers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const namespace = "keymesh"

// Metrics contains every collector. A Metrics built with a nil registerer
// still counts, it is just not exported.
type Metrics struct {
	// Link metrics
	LinksOpen       prometheus.Gauge
	LinkFailures    *prometheus.CounterVec
	FramesSent      *prometheus.CounterVec
	FramesReceived  *prometheus.CounterVec
	BatchesSent     prometheus.Counter
	Retransmissions prometheus.Counter
	Dropped         *prometheus.CounterVec
	MessageErrors   *prometheus.CounterVec

	// Routing metrics
	Faces              prometheus.Gauge
	Resources          prometheus.Gauge
	PushesRouted       prometheus.Counter
	PushesDeduplicated prometheus.Counter
	Queries            prometheus.Counter
	QueryTimeouts      prometheus.Counter
}

// New creates the collectors and registers them on reg when reg is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		LinksOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "open",
			Help:      "Number of links in the Open state",
		}),
		LinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "failures_total",
			Help:      "Links that ended in the Failed state, by cause",
		}, []string{"cause"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "frames_sent_total",
			Help:      "Frames and fragments written, by channel",
		}, []string{"channel"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "frames_received_total",
			Help:      "Frames and fragments read, by channel",
		}, []string{"channel"}),
		BatchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "batches_sent_total",
			Help:      "Batches handed to transports",
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "retransmissions_total",
			Help:      "Reliable frames sent more than once",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "dropped_total",
			Help:      "Messages dropped by the link, by reason",
		}, []string{"reason"}),
		MessageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "message_errors_total",
			Help:      "Inbound messages rejected, by error class",
		}, []string{"class"}),

		Faces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "faces",
			Help:      "Faces attached to the routing tables",
		}),
		Resources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "resources",
			Help:      "Resources held by the routing tables",
		}),
		PushesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "pushes_routed_total",
			Help:      "Samples delivered to a face",
		}),
		PushesDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "pushes_deduplicated_total",
			Help:      "Samples and queries discarded as duplicates",
		}),
		Queries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "queries_total",
			Help:      "Queries correlated by the routing tables",
		}),
		QueryTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "query_timeouts_total",
			Help:      "Queries finalized by their timeout",
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	for _, c := range m.collectors() {
		err = multierr.Append(err, reg.Register(c))
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewUnregistered returns collectors that are not exported anywhere.
func NewUnregistered() *Metrics {
	m, _ := New(nil)
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.LinksOpen, m.LinkFailures, m.FramesSent, m.FramesReceived,
		m.BatchesSent, m.Retransmissions, m.Dropped, m.MessageErrors,
		m.Faces, m.Resources, m.PushesRouted, m.PushesDeduplicated,
		m.Queries, m.QueryTimeouts,
	}
}
