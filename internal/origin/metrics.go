package origin

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bloat1_origin_requests_total",
			Help: "Requests served, by endpoint.",
		},
		[]string{"endpoint"},
	)
	bytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bloat1_origin_bytes_total",
			Help: "Application-level bytes served or drained, by direction.",
		},
		[]string{"direction"},
	)
	activeFlows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bloat1_origin_active_flows",
			Help: "Load flows currently being served, by direction.",
		},
		[]string{"direction"},
	)
)
