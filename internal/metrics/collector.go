// Package metrics 提供 Prometheus 指标采集与上报的统一封装。
// 该包集中定义引擎关键运维指标（事件、调用、外部调用、队列、汇聚器），
// 便于在各模块复用并保持标签一致。注意与发往分析存储的应用指标
// （domain.AppMetric）区分：这里是引擎自身的运行状态。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 封装引擎运行时指标集合。
type Metrics struct {
	// ========== 事件处理相关指标 ==========

	// EventsTotal 消费的分析事件总数
	EventsTotal prometheus.Counter

	// FilterMatchesTotal 过滤器匹配结果计数器
	// 标签: result (matched/unmatched)
	FilterMatchesTotal *prometheus.CounterVec

	// ========== 调用相关指标 ==========

	// InvocationsTotal 调用终态计数器
	// 标签: status (finished/errored/budget_exceeded), error_kind
	InvocationsTotal *prometheus.CounterVec

	// InvocationSteps 单个调用的执行步数直方图
	InvocationSteps prometheus.Histogram

	// ========== 外部调用相关指标 ==========

	// FetchDuration 外部调用耗时直方图（单位：毫秒）
	// 标签: outcome (ok/timeout/connection)
	FetchDuration *prometheus.HistogramVec

	// ========== 队列相关指标 ==========

	// ContinuationsPublished 发布到延续队列的消息数
	ContinuationsPublished prometheus.Counter

	// DedupDroppedTotal 因重复投递被丢弃的延续消息数
	DedupDroppedTotal prometheus.Counter

	// DeadLetterTotal 路由到死信的毒消息数
	DeadLetterTotal prometheus.Counter

	// ContinuationQueueDepth 延续队列当前深度（维护任务定期刷新）
	ContinuationQueueDepth prometheus.Gauge

	// DedupKeys 存活的幂等去重键数量（维护任务定期刷新）
	DedupKeys prometheus.Gauge

	// ========== 注册表相关指标 ==========

	// FunctionsLoaded 当前快照中的启用函数数量
	FunctionsLoaded prometheus.Gauge

	// RegistryReloadsTotal 快照重载次数计数器
	// 标签: status (ok/error)
	RegistryReloadsTotal *prometheus.CounterVec
}

// NewMetrics 创建并注册一组 Prometheus 指标。
// namespace 用于作为所有指标名前缀，便于在同一 Prometheus 中区分不同应用。
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		EventsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of processed analytics events consumed",
			},
		),
		FilterMatchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filter_matches_total",
				Help:      "Filter evaluation outcomes",
			},
			[]string{"result"},
		),
		InvocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of invocations reaching a terminal state",
			},
			[]string{"status", "error_kind"},
		),
		InvocationSteps: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_steps",
				Help:      "Number of execution steps per invocation",
				Buckets:   []float64{1, 2, 3, 5, 8, 13},
			},
		),
		FetchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_ms",
				Help:      "Outbound call duration in milliseconds",
				Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"outcome"},
		),
		ContinuationsPublished: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "continuations_published_total",
				Help:      "Total number of continuation messages published",
			},
		),
		DedupDroppedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dedup_dropped_total",
				Help:      "Total number of duplicate continuation deliveries dropped",
			},
		),
		DeadLetterTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_letter_total",
				Help:      "Total number of poison messages routed to the dead letter subject",
			},
		),
		ContinuationQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "continuation_queue_depth",
				Help:      "Current depth of the continuation queue",
			},
		),
		DedupKeys: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dedup_keys",
				Help:      "Live idempotency keys in the dedup store",
			},
		),
		FunctionsLoaded: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "functions_loaded",
				Help:      "Enabled hog functions in the current registry snapshot",
			},
		),
		RegistryReloadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_reloads_total",
				Help:      "Registry snapshot reloads",
			},
			[]string{"status"},
		),
	}
}
