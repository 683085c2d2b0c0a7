package overlay

import "github.com/prometheus/client_golang/prometheus"

// Load outcomes.
const (
	outcomeApplied = "applied"
	outcomeFailed  = "failed"
	outcomeStale   = "stale"
)

// Metrics are the overlay pipeline collectors.
type Metrics struct {
	Loads        *prometheus.CounterVec
	LoadDuration prometheus.Histogram
	ActiveLayers prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg unless it is
// nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farmit_overlay_loads_total",
			Help: "Overlay selections by outcome.",
		}, []string{"outcome"}),
		LoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "farmit_overlay_load_duration_seconds",
			Help:    "Time from selection to a rendered overlay.",
			Buckets: []float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9, 20},
		}),
		ActiveLayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "farmit_overlay_active_layers",
			Help: "Image layers currently on the map.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Loads, m.LoadDuration, m.ActiveLayers)
	}
	return m
}
