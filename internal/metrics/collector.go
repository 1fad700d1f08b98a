// Package metrics 提供 Agent 的 Prometheus 指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"yqhp/grid-agent/pkg/logger"
)

// 调用结果
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
	OutcomeStuck       = "stuck"
	OutcomeUnknown     = "unknown_token"
)

// 心跳结果
const (
	HeartbeatOK          = "ok"
	HeartbeatUnreachable = "unreachable"
	HeartbeatFailed      = "failed"
)

// Collector 指标收集器。nil 的 *Collector 上的记录方法均为空操作。
type Collector struct {
	registry *prometheus.Registry

	callsTotal        *prometheus.CounterVec
	callDuration      *prometheus.HistogramVec
	callsInFlight     prometheus.Gauge
	tokenReuseTotal   prometheus.Counter
	interruptAttempts prometheus.Histogram

	heartbeatsTotal *prometheus.CounterVec
	fileFetchTotal  *prometheus.CounterVec

	tokensTotal    prometheus.Gauge
	tokensInUse    prometheus.Gauge
	sessionsOpen   prometheus.Gauge
	sessionEvicted prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器，使用独立的 Registry。
func NewCollector(namespace string, l *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.OrNop(l).With(zap.String("component", "metrics")),
	}

	c.callsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of calls dispatched to tokens",
		},
		[]string{"outcome"},
	)

	c.callDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"outcome"},
	)

	c.callsInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "calls_in_flight",
		Help:      "Number of calls currently being processed",
	})

	c.tokenReuseTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_reuse_total",
		Help:      "Calls received for a token already in use",
	})

	c.interruptAttempts = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "interrupt_attempts",
		Help:      "Interruption attempts per timed out call",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	})

	c.heartbeatsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Registration heartbeats sent to the grid",
		},
		[]string{"result"},
	)

	c.fileFetchTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_fetch_total",
			Help:      "Files retrieved from the grid",
		},
		[]string{"result"},
	)

	c.tokensTotal = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tokens",
		Help:      "Number of tokens offered by the agent",
	})

	c.tokensInUse = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tokens_in_use",
		Help:      "Number of tokens flagged in use",
	})

	c.sessionsOpen = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_open",
		Help:      "Number of open reservation sessions",
	})

	c.sessionEvicted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_evicted_total",
		Help:      "Reservation sessions evicted for inactivity",
	})

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry 返回底层 Registry。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 /metrics 的 HTTP handler。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// CallStarted 记录调用开始。
func (c *Collector) CallStarted() {
	if c == nil {
		return
	}
	c.callsInFlight.Inc()
}

// CallFinished 记录调用结束。
func (c *Collector) CallFinished(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.callsInFlight.Dec()
	c.callsTotal.WithLabelValues(outcome).Inc()
	c.callDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordUnknownToken 记录未知令牌的调用。
func (c *Collector) RecordUnknownToken() {
	if c == nil {
		return
	}
	c.callsTotal.WithLabelValues(OutcomeUnknown).Inc()
}

// RecordTokenReuse 记录对已在使用中的令牌的调用。
func (c *Collector) RecordTokenReuse() {
	if c == nil {
		return
	}
	c.tokenReuseTotal.Inc()
}

// RecordInterruptAttempts 记录一次超时调用的中断尝试次数。
func (c *Collector) RecordInterruptAttempts(n int) {
	if c == nil {
		return
	}
	c.interruptAttempts.Observe(float64(n))
}

// RecordHeartbeat 记录心跳结果。
func (c *Collector) RecordHeartbeat(result string) {
	if c == nil {
		return
	}
	c.heartbeatsTotal.WithLabelValues(result).Inc()
}

// RecordFileFetch 记录文件获取结果。
func (c *Collector) RecordFileFetch(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.fileFetchTotal.WithLabelValues(result).Inc()
}

// SetTokens 更新令牌数量。
func (c *Collector) SetTokens(total, inUse int) {
	if c == nil {
		return
	}
	c.tokensTotal.Set(float64(total))
	c.tokensInUse.Set(float64(inUse))
}

// SetSessions 更新打开的会话数。
func (c *Collector) SetSessions(open int) {
	if c == nil {
		return
	}
	c.sessionsOpen.Set(float64(open))
}

// RecordSessionsEvicted 记录被驱逐的会话数。
func (c *Collector) RecordSessionsEvicted(n int) {
	if c == nil {
		return
	}
	c.sessionEvicted.Add(float64(n))
}
