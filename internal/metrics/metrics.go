package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns a private prometheus registry. A nil *Registry is valid and
// records nothing.
type Registry struct {
	registry      *prometheus.Registry
	intentsTotal  *prometheus.CounterVec
	verifications *prometheus.CounterVec
	claimsTotal   *prometheus.CounterVec
	rateFetches   *prometheus.CounterVec
	staleClaims   prometheus.Gauge
	rpcLatency    *prometheus.HistogramVec
}

func New() *Registry {
	intents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campuspay_intents_total",
		Help: "Payment intents created",
	}, []string{"currency", "purpose"})

	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campuspay_verifications_total",
		Help: "Payment verification outcomes",
	}, []string{"currency", "result"})

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campuspay_claims_total",
		Help: "Seller claim outcomes",
	}, []string{"currency", "result"})

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campuspay_rate_fetch_total",
		Help: "Rate oracle fetches by result",
	}, []string{"result"})

	stale := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "campuspay_stale_claims",
		Help: "Claim reservations pending longer than the stale threshold",
	})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campuspay_rpc_seconds",
		Help:    "Chain RPC latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"chain", "op"})

	r := prometheus.NewRegistry()
	r.MustRegister(intents, verifications, claims, fetches, stale, latency)

	return &Registry{
		registry:      r,
		intentsTotal:  intents,
		verifications: verifications,
		claimsTotal:   claims,
		rateFetches:   fetches,
		staleClaims:   stale,
		rpcLatency:    latency,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) IncIntent(currency, purpose string) {
	if m == nil {
		return
	}
	m.intentsTotal.WithLabelValues(currency, purpose).Inc()
}

func (m *Registry) IncVerification(currency, result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(currency, result).Inc()
}

func (m *Registry) IncClaim(currency, result string) {
	if m == nil {
		return
	}
	m.claimsTotal.WithLabelValues(currency, result).Inc()
}

func (m *Registry) IncRateFetch(result string) {
	if m == nil {
		return
	}
	m.rateFetches.WithLabelValues(result).Inc()
}

func (m *Registry) SetStaleClaims(n int) {
	if m == nil {
		return
	}
	m.staleClaims.Set(float64(n))
}

func (m *Registry) ObserveRPC(chain, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.rpcLatency.WithLabelValues(chain, op).Observe(d.Seconds())
}
