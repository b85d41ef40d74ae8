// Package metrics 暴露对冲会话的 Prometheus 指标：
//   - hedger_sessions_total{direction,outcome}  会话终态
//   - hedger_order_amends_total{result}         改单结果（accepted|too_small|rejected）
//   - hedger_fills_total{side,matched}          成交回报
//   - hedger_swaps_total{result}                链上兑换（settled|failed）
//   - hedger_pending_raw / hedger_executed_raw  对冲账本
//   - hedger_swap_latency_seconds               兑换耗时
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 聚合对冲指标，所有方法对 nil 接收者安全。
type Metrics struct {
	sessions    *prometheus.CounterVec
	amends      *prometheus.CounterVec
	fills       *prometheus.CounterVec
	swaps       *prometheus.CounterVec
	pendingRaw  prometheus.Gauge
	executedRaw prometheus.Gauge
	swapLatency prometheus.Histogram
}

// New 创建指标并注册到 reg；reg 为空时使用默认注册器。
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hedger_sessions_total",
				Help: "Hedge sessions by direction and terminal outcome",
			},
			[]string{"direction", "outcome"},
		),
		amends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hedger_order_amends_total",
				Help: "Order amendments by result",
			},
			[]string{"result"},
		),
		fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hedger_fills_total",
				Help: "Fill notifications by side and whether they matched the live order",
			},
			[]string{"side", "matched"},
		),
		swaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hedger_swaps_total",
				Help: "Hedge swap attempts by result",
			},
			[]string{"result"},
		),
		pendingRaw: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hedger_pending_raw",
				Help: "Raw input amount waiting for the next hedge swap",
			},
		),
		executedRaw: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hedger_executed_raw",
				Help: "Raw input amount already hedged in the current session",
			},
		),
		swapLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hedger_swap_latency_seconds",
				Help:    "Latency of hedge swaps from dispatch to settlement or failure",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
			},
		),
	}

	reg.MustRegister(m.sessions, m.amends, m.fills, m.swaps, m.pendingRaw, m.executedRaw, m.swapLatency)
	return m
}

func (m *Metrics) IncSession(direction, outcome string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(direction, outcome).Inc()
}

func (m *Metrics) IncAmend(result string) {
	if m == nil {
		return
	}
	m.amends.WithLabelValues(result).Inc()
}

func (m *Metrics) IncFill(side string, matched bool) {
	if m == nil {
		return
	}
	label := "false"
	if matched {
		label = "true"
	}
	m.fills.WithLabelValues(side, label).Inc()
}

// ObserveSwap 记录一次兑换结果与耗时。
func (m *Metrics) ObserveSwap(result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.swaps.WithLabelValues(result).Inc()
	m.swapLatency.Observe(latency.Seconds())
}

// SetLedger 同步对冲账本。
func (m *Metrics) SetLedger(pendingRaw, executedRaw uint64) {
	if m == nil {
		return
	}
	m.pendingRaw.Set(float64(pendingRaw))
	m.executedRaw.Set(float64(executedRaw))
}
