// Package observability holds the Prometheus collectors for the lap tracker domain.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	lapsRecordedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "laptracker",
		Subsystem: "domain",
		Name:      "laps_recorded_total",
		Help:      "Number of lap batches recorded.",
	})
	lapCountCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "laptracker",
		Subsystem: "domain",
		Name:      "lap_count_total",
		Help:      "Sum of lap counts across recorded batches.",
	})
	sessionsOpenedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "laptracker",
		Subsystem: "domain",
		Name:      "sessions_opened_total",
		Help:      "Number of exercise sessions opened.",
	})
	sessionsClosedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "laptracker",
		Subsystem: "domain",
		Name:      "sessions_closed_total",
		Help:      "Number of exercise sessions closed, labeled by reason.",
	}, []string{"reason"})
	conflictCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "laptracker",
		Subsystem: "domain",
		Name:      "conflicts_total",
		Help:      "Per-patient invariant violations reported by storage. Any non-zero value needs investigation.",
	}, []string{"operation"})
	lastLapGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "laptracker",
		Subsystem: "domain",
		Name:      "last_lap_recorded_timestamp_seconds",
		Help:      "Unix timestamp of the most recent lap batch recorded.",
	})
)

func init() {
	prometheus.MustRegister(lapsRecordedCounter, lapCountCounter, sessionsOpenedCounter, sessionsClosedCounter, conflictCounter, lastLapGauge)
}

// RecordLapsRecorded counts a stored lap batch and moves the watermark gauge.
func RecordLapsRecorded(lapCount int, ts time.Time) {
	lapsRecordedCounter.Inc()
	if lapCount > 0 {
		lapCountCounter.Add(float64(lapCount))
	}
	if !ts.IsZero() {
		lastLapGauge.Set(float64(ts.Unix()))
	}
}

// RecordSessionOpened counts an opened session and the sessions it superseded.
func RecordSessionOpened(superseded int) {
	sessionsOpenedCounter.Inc()
	if superseded > 0 {
		sessionsClosedCounter.WithLabelValues("superseded").Add(float64(superseded))
	}
}

// RecordSessionClosed counts an explicitly closed session.
func RecordSessionClosed() {
	sessionsClosedCounter.WithLabelValues("explicit").Inc()
}

// RecordConflict counts an invariant violation for operation.
func RecordConflict(operation string) {
	conflictCounter.WithLabelValues(operation).Inc()
}
