/*
 * @module service/monitoring/metrics
 * @description 存储引擎的 Prometheus 指标，按组件/操作记录调用次数、错误与耗时
 * @architecture 横切关注点 - RED 指标
 * @documentReference DESIGN.md
 * @stateFlow 组件调用 -> Observe -> /metrics 暴露
 * @rules 注册表由调用方注入；nil *Metrics 上的所有方法都是空操作
 * @dependencies github.com/prometheus/client_golang
 * @refs service/entity/gateway.go, service/database/synchronizer.go, main.go
 */

package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "baas"

// 调用结果标签
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics 指标集合
type Metrics struct {
	calls       *prometheus.CounterVec
	errors      *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	syncSteps   *prometheus.CounterVec
	orphans     *prometheus.GaugeVec
	eventErrors *prometheus.CounterVec
	throttled   *prometheus.CounterVec
}

// NewMetrics 创建并注册指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_total",
			Help:      "Number of calls to storage engine components",
		}, []string{"component", "operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_total",
			Help:      "Number of failed calls to storage engine components",
		}, []string{"component", "operation"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of storage engine component calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component", "operation"}),
		syncSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "sync_steps_total",
			Help:      "Schema synchronization DDL steps by action and status",
		}, []string{"action", "status"}),
		orphans: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "orphan_columns",
			Help:      "Orphan columns found by the last drift audit",
		}, []string{"table"}),
		eventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_error_total",
			Help:      "Change events that could not be published",
		}, []string{"type"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "throttled_total",
			Help:      "Requests rejected by the rate limiter",
		}, []string{"limit_type"}),
	}

	if reg != nil {
		reg.MustRegister(m.calls, m.errors, m.durations, m.syncSteps, m.orphans, m.eventErrors, m.throttled)
	}
	return m
}

// Observe 记录一次调用
func (m *Metrics) Observe(component, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(component, operation).Inc()
	if err != nil {
		m.errors.WithLabelValues(component, operation).Inc()
	}
	m.durations.WithLabelValues(component, operation).Observe(time.Since(start).Seconds())
}

// SyncStep 记录一个同步步骤
func (m *Metrics) SyncStep(action, status string) {
	if m == nil {
		return
	}
	m.syncSteps.WithLabelValues(action, status).Inc()
}

// SetOrphans 记录表的孤立列数量
func (m *Metrics) SetOrphans(table string, n int) {
	if m == nil {
		return
	}
	m.orphans.WithLabelValues(table).Set(float64(n))
}

// EventPublishFailed 记录事件发布失败
func (m *Metrics) EventPublishFailed(eventType string) {
	if m == nil {
		return
	}
	m.eventErrors.WithLabelValues(eventType).Inc()
}

// Throttled 记录一次被限流的请求
func (m *Metrics) Throttled(limitType string) {
	if m == nil {
		return
	}
	m.throttled.WithLabelValues(limitType).Inc()
}
