package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics はレート制限の判定結果を記録するPrometheusメトリクス。
type Metrics struct {
	// decisions はルートクラスと判定ごとの件数。
	decisions *prometheus.CounterVec
	// storeErrors はカウンターストアの障害件数。
	storeErrors *prometheus.CounterVec
}

// NewMetrics は指定されたレジストリにメトリクスを登録する。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_decisions_total",
				Help: "Total number of rate limit decisions by route class",
			},
			[]string{"class", "decision"},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_store_errors_total",
				Help: "Total number of counter store failures by route class",
			},
			[]string{"class"},
		),
	}
}

// observe は判定結果を記録する。nilレシーバでも安全に呼び出せる。
func (m *Metrics) observe(class string, d Decision) {
	if m == nil {
		return
	}
	switch {
	case d.Degraded:
		m.decisions.WithLabelValues(class, "degraded").Inc()
	case d.Allowed:
		m.decisions.WithLabelValues(class, "allowed").Inc()
	default:
		m.decisions.WithLabelValues(class, "denied").Inc()
	}
}

// observeStoreError はカウンターストアの障害を記録する。
func (m *Metrics) observeStoreError(class string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(class).Inc()
}
