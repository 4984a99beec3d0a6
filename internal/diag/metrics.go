package diag

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 指标：
// - ddreport_op_total{comp,stage,result}
// - ddreport_error_total{comp,code}
// - ddreport_op_duration_seconds{comp,stage}
// - ddreport_rejected_total{stage,reason}
// - ddreport_cache_total{result}
var (
	registry = prometheus.NewRegistry()

	opTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ddreport",
			Name:      "op_total",
			Help:      "Operations by component, stage and result.",
		},
		[]string{"comp", "stage", "result"},
	)
	errorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ddreport",
			Name:      "error_total",
			Help:      "Errors by component and classified code.",
		},
		[]string{"comp", "code"},
	)
	opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ddreport",
			Name:      "op_duration_seconds",
			Help:      "Stage latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"comp", "stage"},
	)
	rejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ddreport",
			Name:      "rejected_total",
			Help:      "Model responses rejected by the validation gate.",
		},
		[]string{"stage", "reason"},
	)
	cacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ddreport",
			Name:      "cache_total",
			Help:      "Completion cache operations by result (hit, miss, rejected, error).",
		},
		[]string{"result"},
	)
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		opTotal,
		errorTotal,
		opDuration,
		rejectedTotal,
		cacheTotal,
	)
}

// IncOp 累加操作计数（result=success|error；http 组件为状态码）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒入参，按秒导出）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS) / 1000)
}

// IncRejected 记录校验门拒绝（reason=invalid|template）。
func IncRejected(stage, reason string) {
	rejectedTotal.WithLabelValues(stage, reason).Inc()
}

// IncCache 记录缓存查询结果。
func IncCache(result string) {
	cacheTotal.WithLabelValues(result).Inc()
}

// Registry 返回进程内指标注册表。
func Registry() *prometheus.Registry { return registry }

// Handler 返回 Prometheus 抓取端点。
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
