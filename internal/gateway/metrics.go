package gateway

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics は転送処理のPrometheusメトリクス。
type Metrics struct {
	// upstreamRequests はルールと結果ごとの転送件数。
	upstreamRequests *prometheus.CounterVec
	// upstreamDuration はルールごとの上流サービスの応答時間。
	upstreamDuration *prometheus.HistogramVec
	// breakerTransitions はサーキットブレーカーの状態遷移回数。
	breakerTransitions *prometheus.CounterVec
}

// newRegistry はGatewayが公開するメトリクス用のレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewMetrics は指定されたレジストリにメトリクスを登録する。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		upstreamRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_requests_total",
				Help: "Total number of requests forwarded to upstream services",
			},
			[]string{"route", "outcome"},
		),
		upstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_request_duration_seconds",
				Help:    "Upstream request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		breakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"target", "from", "to"},
		),
	}
}

// observeUpstream は1回の転送結果を記録する。nilレシーバでも安全に呼び出せる。
func (m *Metrics) observeUpstream(route, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(route, outcome).Inc()
	m.upstreamDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// observeBreaker はサーキットブレーカーの状態遷移を記録する。
func (m *Metrics) observeBreaker(target, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(target, from, to).Inc()
}

// metricsHandler はレジストリの内容を公開するハンドラを返す。
func metricsHandler(reg *prometheus.Registry) gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
}
