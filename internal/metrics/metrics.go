// Package metrics declares the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trackd"

var (
	// ReportsRecorded counts Record calls by result: ok, invalid, error.
	ReportsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "position_reports_total",
		Help:      "Position reports received, by result.",
	}, []string{"result"})

	// CacheLookups counts current-position cache lookups: hit, miss, error.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "current_position_cache_lookups_total",
		Help:      "Current position cache lookups, by result.",
	}, []string{"result"})

	// EventsPublished counts position events sent to the broker: ok, error.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "position_events_published_total",
		Help:      "Position events published, by result.",
	}, []string{"result"})

	// ClientTicks counts live tracking ticks: ok, failed, skipped, discarded.
	ClientTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "livetrack_ticks_total",
		Help:      "Live tracking poll ticks, by outcome.",
	}, []string{"outcome"})
)

func Handler() http.Handler { return promhttp.Handler() }
