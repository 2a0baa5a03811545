// Package metrics 引擎的 Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	/* Ingestion */
	triggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_watchdog_triggers_total",
			Help: "Total number of accepted triggers",
		},
		[]string{"result"},
	)

	/* Invoker */
	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_watchdog_invocations_total",
			Help: "Total number of agent invocations by outcome",
		},
		[]string{"message_type", "outcome"},
	)

	invocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_watchdog_invocation_duration_seconds",
			Help:    "Agent invocation duration in seconds",
			Buckets: []float64{1, 5, 30, 60, 300, 600, 900, 1200},
		},
		[]string{"message_type"},
	)

	invocationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "task_watchdog_invocations_in_flight",
			Help: "Number of agent invocations currently running",
		},
	)

	/* Watchdog */
	watchdogDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_watchdog_watchdog_decisions_total",
			Help: "Total number of watchdog decisions",
		},
		[]string{"decision"},
	)

	/* Queue */
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "task_watchdog_queue_depth",
			Help: "Number of messages waiting in the work queue",
		},
	)

	queueInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "task_watchdog_queue_in_flight",
			Help: "Number of leased queue messages",
		},
	)

	deadLettersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "task_watchdog_dead_letters_total",
			Help: "Total number of messages moved to the dead-letter channel",
		},
	)

	/* Timer */
	timerFiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_watchdog_timer_fires_total",
			Help: "Total number of timer fires by result",
		},
		[]string{"result"},
	)
)

// RecordTrigger 记录一次触发
func RecordTrigger(result string) {
	triggersTotal.WithLabelValues(result).Inc()
}

// RecordInvocation 记录一次Invoker执行
func RecordInvocation(messageType, outcome string, duration time.Duration) {
	invocationsTotal.WithLabelValues(messageType, outcome).Inc()
	invocationDuration.WithLabelValues(messageType).Observe(duration.Seconds())
}

// IncInFlight 执行开始
func IncInFlight() {
	invocationsInFlight.Inc()
}

// DecInFlight 执行结束
func DecInFlight() {
	invocationsInFlight.Dec()
}

// RecordWatchdogDecision 记录Watchdog决策
func RecordWatchdogDecision(decision string) {
	watchdogDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordDeadLetters 记录进入死信的消息数
func RecordDeadLetters(n int) {
	if n > 0 {
		deadLettersTotal.Add(float64(n))
	}
}

// SetQueueStats 更新队列深度
func SetQueueStats(depth, inFlight int) {
	queueDepth.Set(float64(depth))
	queueInFlight.Set(float64(inFlight))
}

// RecordTimerFire 记录定时器触发结果
func RecordTimerFire(result string) {
	timerFiresTotal.WithLabelValues(result).Inc()
}

// Handler /metrics 处理器
func Handler() http.Handler {
	return promhttp.Handler()
}
