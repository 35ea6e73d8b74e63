// Package metrics exposes MRT endpoint observability as Prometheus
// collectors: segments received, out-of-order segments, duplicate
// segments, and bytes delivered, labeled by peer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the counters a server or client exposes.
type Registry struct {
	reg *prometheus.Registry

	SegmentsReceived  *prometheus.CounterVec
	OutOfOrder        *prometheus.CounterVec
	DuplicateSegments *prometheus.CounterVec
	BytesDelivered    *prometheus.CounterVec
	Retransmissions   *prometheus.CounterVec
}

// NewRegistry constructs and registers the MRT counter set.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		SegmentsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mrt",
			Name:      "segments_received_total",
			Help:      "Segments received per peer.",
		}, []string{"peer"}),
		OutOfOrder: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mrt",
			Name:      "out_of_order_segments_total",
			Help:      "Segments buffered out of order per peer.",
		}, []string{"peer"}),
		DuplicateSegments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mrt",
			Name:      "duplicate_segments_total",
			Help:      "Stale/duplicate segments discarded per peer.",
		}, []string{"peer"}),
		BytesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mrt",
			Name:      "bytes_delivered_total",
			Help:      "Bytes delivered in order to the application per peer.",
		}, []string{"peer"}),
		Retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mrt",
			Name:      "retransmissions_total",
			Help:      "Sender timeouts that rewound the window for retransmission per peer.",
		}, []string{"peer"}),
	}

	reg.MustRegister(r.SegmentsReceived, r.OutOfOrder, r.DuplicateSegments, r.BytesDelivered, r.Retransmissions)
	return r
}

// Handler returns an http.Handler serving this registry in Prometheus
// exposition format, suitable for mounting on a side port.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
