package dhcp4

import "github.com/prometheus/client_golang/prometheus"

// MetricsSink is fed by the protocol engine and maintenance loop so callers
// can surface DHCP activity without coupling the engine to a particular
// metrics backend. PrometheusMetricsSink is the production implementation.
type MetricsSink interface {
	IncOffers()
	IncAcks()
	IncNaks()
	IncDeclines()
	IncReleases()
	IncExpired(n int)
	SetActiveLeases(scope string, n int)
}

// noopMetricsSink discards everything; used when no sink is configured.
type noopMetricsSink struct{}

func (noopMetricsSink) IncOffers()                       {}
func (noopMetricsSink) IncAcks()                         {}
func (noopMetricsSink) IncNaks()                         {}
func (noopMetricsSink) IncDeclines()                     {}
func (noopMetricsSink) IncReleases()                     {}
func (noopMetricsSink) IncExpired(int)                   {}
func (noopMetricsSink) SetActiveLeases(string, int)      {}

// PrometheusMetricsSink registers a small family of counters/gauges under
// the flywall_dhcp4_ namespace, following the per-package Metrics-struct
// convention used elsewhere in the tree (internal/ebpf/metrics).
type PrometheusMetricsSink struct {
	offers       prometheus.Counter
	acks         prometheus.Counter
	naks         prometheus.Counter
	declines     prometheus.Counter
	releases     prometheus.Counter
	expired      prometheus.Counter
	activeLeases *prometheus.GaugeVec
}

// NewPrometheusMetricsSink builds a PrometheusMetricsSink and registers its
// collectors against reg. Passing prometheus.DefaultRegisterer is fine for
// a standalone binary; a caller embedding this package alongside other
// metrics should pass its own registry instead.
func NewPrometheusMetricsSink(reg prometheus.Registerer) *PrometheusMetricsSink {
	m := &PrometheusMetricsSink{
		offers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flywall_dhcp4_offers_total",
			Help: "Total number of DHCPOFFER replies sent.",
		}),
		acks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flywall_dhcp4_acks_total",
			Help: "Total number of DHCPACK replies sent.",
		}),
		naks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flywall_dhcp4_naks_total",
			Help: "Total number of DHCPNAK replies sent.",
		}),
		declines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flywall_dhcp4_declines_total",
			Help: "Total number of DHCPDECLINE messages received.",
		}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flywall_dhcp4_releases_total",
			Help: "Total number of DHCPRELEASE messages received.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flywall_dhcp4_leases_expired_total",
			Help: "Total number of leases reclaimed by the maintenance loop.",
		}),
		activeLeases: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flywall_dhcp4_active_leases",
			Help: "Current number of active leases, by scope.",
		}, []string{"scope"}),
	}
	reg.MustRegister(m.offers, m.acks, m.naks, m.declines, m.releases, m.expired, m.activeLeases)
	return m
}

func (m *PrometheusMetricsSink) IncOffers()   { m.offers.Inc() }
func (m *PrometheusMetricsSink) IncAcks()     { m.acks.Inc() }
func (m *PrometheusMetricsSink) IncNaks()     { m.naks.Inc() }
func (m *PrometheusMetricsSink) IncDeclines() { m.declines.Inc() }
func (m *PrometheusMetricsSink) IncReleases() { m.releases.Inc() }
func (m *PrometheusMetricsSink) IncExpired(n int) {
	m.expired.Add(float64(n))
}
func (m *PrometheusMetricsSink) SetActiveLeases(scope string, n int) {
	m.activeLeases.WithLabelValues(scope).Set(float64(n))
}
