package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor 网格交易的 Prometheus 指标收集器，使用独立 registry。
// 所有方法对 nil 接收者安全，未配置监控的组件可以直接传 nil。
type Monitor struct {
	registry *prometheus.Registry

	// 订单指标
	ordersPlaced   *prometheus.CounterVec
	ordersCanceled *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	fills          *prometheus.CounterVec
	fillsRecovered *prometheus.CounterVec

	// 对账指标
	reconcilePasses  *prometheus.CounterVec
	reconcileLatency *prometheus.HistogramVec
	makerOffset      *prometheus.GaugeVec

	// 网格与仓位指标
	position      *prometheus.GaugeVec
	realizedPnL   *prometheus.GaugeVec
	unrealizedPnL *prometheus.GaugeVec
	roundTrips    *prometheus.GaugeVec
	lastPrice     *prometheus.GaugeVec
	gridShifts    *prometheus.CounterVec

	// 风控指标
	equity     prometheus.Gauge
	marginRate *prometheus.GaugeVec
	liquidated *prometheus.GaugeVec
	desyncs    *prometheus.CounterVec

	// 系统指标
	wsReconnects   prometheus.Counter
	gatewayRetries *prometheus.CounterVec
	priceFallbacks *prometheus.CounterVec
	snapshotSaves  *prometheus.CounterVec
	configChanges  prometheus.Counter
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{Namespace: "grid", Subsystem: "trader"}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &Monitor{
		registry: reg,

		ordersPlaced:   counterVec("orders_placed_total", "下单总数", "symbol", "side"),
		ordersCanceled: counterVec("orders_canceled_total", "撤单总数", "symbol"),
		ordersRejected: counterVec("orders_rejected_total", "拒单总数", "symbol", "reason"),
		fills:          counterVec("fills_total", "成交回报总数", "symbol", "side"),
		fillsRecovered: counterVec("fills_recovered_total", "REST 轮询补回的成交数", "symbol"),

		reconcilePasses: counterVec("reconcile_passes_total", "对账轮次", "symbol", "result"),
		reconcileLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "reconcile_latency_seconds",
			Help:      "单轮对账耗时（秒）",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"symbol"}),
		makerOffset: gaugeVec("maker_offset_ticks", "当前 maker 偏移（tick）", "symbol", "side"),

		position:      gaugeVec("position", "当前净仓位", "symbol"),
		realizedPnL:   gaugeVec("realized_pnl", "已实现盈亏", "symbol"),
		unrealizedPnL: gaugeVec("unrealized_pnl", "未实现盈亏", "symbol"),
		roundTrips:    gaugeVec("round_trips", "完成的网格往返次数", "symbol"),
		lastPrice:     gaugeVec("last_price", "最新价格", "symbol"),
		gridShifts:    counterVec("grid_shifts_total", "网格窗口平移/重锚次数", "symbol", "kind"),

		equity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "account_equity",
			Help:      "账户权益",
		}),
		marginRate: gaugeVec("margin_rate", "保证金率", "symbol"),
		liquidated: gaugeVec("liquidated", "是否已强平(0/1)", "symbol"),
		desyncs:    counterVec("position_desync_total", "仓位偏差修正次数", "symbol"),

		wsReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_reconnects_total",
			Help:      "WebSocket重连次数",
		}),
		gatewayRetries: counterVec("gateway_retries_total", "网关重试次数", "op"),
		priceFallbacks: counterVec("price_fallbacks_total", "REST 兜底取价次数", "symbol"),
		snapshotSaves:  counterVec("snapshot_saves_total", "快照写入次数", "symbol", "result"),
		configChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "config_changes_total",
			Help:      "检测到的配置文件修改次数",
		}),
	}
}

// 订单相关方法
func (m *Monitor) RecordOrderPlaced(symbol, side string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(symbol, side).Inc()
}

func (m *Monitor) RecordOrderCanceled(symbol string) {
	if m == nil {
		return
	}
	m.ordersCanceled.WithLabelValues(symbol).Inc()
}

func (m *Monitor) RecordOrderRejected(symbol, reason string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(symbol, reason).Inc()
}

func (m *Monitor) RecordFill(symbol, side string) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(symbol, side).Inc()
}

// 对账相关方法
func (m *Monitor) RecordFillRecovered(symbol string) {
	if m == nil {
		return
	}
	m.fillsRecovered.WithLabelValues(symbol).Inc()
}

func (m *Monitor) RecordReconcile(symbol, result string, seconds float64) {
	if m == nil {
		return
	}
	m.reconcilePasses.WithLabelValues(symbol, result).Inc()
	m.reconcileLatency.WithLabelValues(symbol).Observe(seconds)
}

func (m *Monitor) UpdateMakerOffset(symbol, side string, ticks int) {
	if m == nil {
		return
	}
	m.makerOffset.WithLabelValues(symbol, side).Set(float64(ticks))
}

// 网格相关方法
func (m *Monitor) UpdateLedger(symbol string, position, realized, unrealized float64, roundTrips int) {
	if m == nil {
		return
	}
	m.position.WithLabelValues(symbol).Set(position)
	m.realizedPnL.WithLabelValues(symbol).Set(realized)
	m.unrealizedPnL.WithLabelValues(symbol).Set(unrealized)
	m.roundTrips.WithLabelValues(symbol).Set(float64(roundTrips))
}

func (m *Monitor) UpdateLastPrice(symbol string, price float64) {
	if m == nil {
		return
	}
	m.lastPrice.WithLabelValues(symbol).Set(price)
}

func (m *Monitor) RecordGridShift(symbol, kind string) {
	if m == nil {
		return
	}
	m.gridShifts.WithLabelValues(symbol, kind).Inc()
}

// 风控相关方法
func (m *Monitor) UpdateEquity(v float64) {
	if m == nil {
		return
	}
	m.equity.Set(v)
}

func (m *Monitor) UpdateMarginRate(symbol string, rate float64, liquidated bool) {
	if m == nil {
		return
	}
	m.marginRate.WithLabelValues(symbol).Set(rate)
	flag := 0.0
	if liquidated {
		flag = 1
	}
	m.liquidated.WithLabelValues(symbol).Set(flag)
}

func (m *Monitor) RecordDesync(symbol string) {
	if m == nil {
		return
	}
	m.desyncs.WithLabelValues(symbol).Inc()
}

// 系统相关方法
func (m *Monitor) RecordWSReconnect() {
	if m == nil {
		return
	}
	m.wsReconnects.Inc()
}

func (m *Monitor) RecordGatewayRetry(op string) {
	if m == nil {
		return
	}
	m.gatewayRetries.WithLabelValues(op).Inc()
}

func (m *Monitor) RecordPriceFallback(symbol string) {
	if m == nil {
		return
	}
	m.priceFallbacks.WithLabelValues(symbol).Inc()
}

func (m *Monitor) RecordSnapshotSave(symbol string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.snapshotSaves.WithLabelValues(symbol, result).Inc()
}

func (m *Monitor) RecordConfigChange() {
	if m == nil {
		return
	}
	m.configChanges.Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
