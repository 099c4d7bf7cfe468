// Package metrics 定义 Prometheus 指标。
//
// 指标统一使用 breakagewatch_ 前缀，计数器以 _total 结尾。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EvaluationsTotal 按触发类型和结果统计规则匹配次数
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breakagewatch_evaluations_total",
			Help: "Total breakage evaluations by trigger kind and result.",
		},
		[]string{"kind", "result"},
	)

	// NotificationsTotal 按触发类型和用户反馈统计已展示的通知
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breakagewatch_notifications_total",
			Help: "Total notifications shown by trigger kind and user outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// DeferredTotal 因标签页不在前台而延后的检查
	DeferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breakagewatch_deferred_total",
			Help: "Total checks deferred because the tab was in the background.",
		},
		[]string{"kind"},
	)

	// HandlerPanicsTotal 被恢复的事件处理 panic
	HandlerPanicsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "breakagewatch_handler_panics_total",
			Help: "Total recovered panics in event handlers.",
		},
	)
)

func init() {
	prometheus.MustRegister(EvaluationsTotal, NotificationsTotal, DeferredTotal, HandlerPanicsTotal)
}

// 匹配结果标签
const (
	ResultNoDomain   = "no_domain"
	ResultSuppressed = "suppressed"
	ResultNoRule     = "no_rule"
	ResultIgnored    = "ignored"
	ResultCondFalse  = "condition_false"
	ResultCondError  = "condition_error"
	ResultNotified   = "notified"
	ResultShowFailed = "show_failed"
)

// RecordEvaluation 记录一次匹配结果
func RecordEvaluation(kind, result string) {
	EvaluationsTotal.WithLabelValues(kind, result).Inc()
}

// RecordNotification 记录一次通知展示
func RecordNotification(kind, outcome string) {
	NotificationsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordDeferred 记录一次延后检查
func RecordDeferred(kind string) {
	DeferredTotal.WithLabelValues(kind).Inc()
}
