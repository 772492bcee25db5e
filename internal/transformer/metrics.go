package transformer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("bevgrid-transformer")

var (
	forwardTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bevgrid_forward_total",
		Help: "Total number of forward passes",
	})

	encodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bevgrid_encode_duration_seconds",
		Help:    "Time spent fusing camera features into the BEV grid",
		Buckets: prometheus.DefBuckets,
	})

	decodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bevgrid_decode_duration_seconds",
		Help:    "Time spent decoding object queries",
		Buckets: prometheus.DefBuckets,
	})

	prevAligned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bevgrid_prev_state_aligned_total",
		Help: "Total number of previous BEV states realigned against ego motion",
	})
)
