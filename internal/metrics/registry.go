package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Registry holds the engine's Prometheus metrics. Each engine instance owns
// its own registry so tests can build several without collector collisions.
type Registry struct {
	reg *prometheus.Registry

	Transitions     *prometheus.CounterVec
	Admissions      *prometheus.CounterVec
	SignalsTotal    prometheus.Counter
	OpenPositions   prometheus.Gauge
	EmergencyTotal  *prometheus.CounterVec
	ModeSwitches    *prometheus.CounterVec
	OutcomesTotal   *prometheus.CounterVec
	UpdatesDropped  prometheus.Counter
	BucketError     *prometheus.GaugeVec
	ConsecutiveLoss prometheus.Gauge
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_state_transitions_total",
				Help: "State machine transitions by from/to status",
			},
			[]string{"from", "to"},
		),

		Admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_admissions_total",
				Help: "Admission decisions by result and rejection reason",
			},
			[]string{"result", "reason"},
		),

		SignalsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradegate_signals_total",
				Help: "Trade signals published",
			},
		),

		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradegate_open_positions",
				Help: "Currently reserved or open positions",
			},
		),

		EmergencyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_emergency_total",
				Help: "Emergency shutdown triggers by type",
			},
			[]string{"type"},
		),

		ModeSwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_mode_switches_total",
				Help: "Completed operating-mode switches by from/to mode",
			},
			[]string{"from", "to"},
		),

		OutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_outcomes_total",
				Help: "Realized trade outcomes fed into calibration",
			},
			[]string{"result"},
		),

		UpdatesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradegate_updates_dropped_total",
				Help: "Analytics updates rejected by validation or rate limiting",
			},
		),

		BucketError: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradegate_calibration_bucket_error",
				Help: "Absolute calibration error per confidence bucket",
			},
			[]string{"bucket"},
		),

		ConsecutiveLoss: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradegate_consecutive_losses",
				Help: "Current consecutive losing-trade streak",
			},
		),
	}

	r.reg.MustRegister(
		r.Transitions,
		r.Admissions,
		r.SignalsTotal,
		r.OpenPositions,
		r.EmergencyTotal,
		r.ModeSwitches,
		r.OutcomesTotal,
		r.UpdatesDropped,
		r.BucketError,
		r.ConsecutiveLoss,
	)

	log.Debug().Msg("metrics registry initialized")
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// CounterValue reads the current value of a registered counter family,
// summed across label combinations. Used by tests and the status endpoint.
func (r *Registry) CounterValue(name string) float64 {
	families, err := r.reg.Gather()
	if err != nil {
		log.Warn().Err(err).Msg("metrics gather failed")
		return 0
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		var total float64
		for _, m := range fam.GetMetric() {
			switch fam.GetType() {
			case io_prometheus_client.MetricType_COUNTER:
				total += m.GetCounter().GetValue()
			case io_prometheus_client.MetricType_GAUGE:
				total += m.GetGauge().GetValue()
			}
		}
		return total
	}
	return 0
}
