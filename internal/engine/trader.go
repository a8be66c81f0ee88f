package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-trader-go/gateway"
	"grid-trader-go/infrastructure/alert"
	"grid-trader-go/infrastructure/monitor"
	"grid-trader-go/internal/store"
	"grid-trader-go/market"
	"grid-trader-go/order"
	"grid-trader-go/strategy"
)

// TraderState 交易单元运行状态
type TraderState int

const (
	// StateIdle 已创建，未启动
	StateIdle TraderState = iota
	// StateRunning 事件循环运行中
	StateRunning
	// StateStopped 已停止
	StateStopped
)

// String 返回状态名称
func (s TraderState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// CorrectionClientIDPrefix 仓位校正单的 client order id 前缀；其成交只修正交易所仓位，不记入网格账本。
const CorrectionClientIDPrefix = "gridfix-"

var (
	// ErrQueueFull 事件队列已满
	ErrQueueFull = errors.New("trader event queue full")
	// ErrNotRunning 交易单元未运行
	ErrNotRunning = errors.New("trader not running")
)

// Config 单交易对交易单元配置
type Config struct {
	Grid           strategy.GridConfig
	Constraints    order.SymbolConstraints
	EventBuffer    int           // 事件队列容量，默认 1024
	HealthInterval time.Duration // 定期全量对账间隔
	MaxOffsetTicks int
	ClientIDPrefix string
}

// Components 交易单元依赖组件
type Components struct {
	Gateway gateway.ExchangeGateway
	Store   *store.Store // 可选
	Monitor *monitor.Monitor
	Alerts  *alert.Manager
	Logger  *zap.Logger
}

// EventKind 事件类型
type EventKind int

const (
	EventPrice EventKind = iota + 1
	EventFill
	// EventSync 屏障：之前入队的事件处理完后关闭 Done
	EventSync
)

// Event 投递给交易单元的入站事件。
type Event struct {
	Kind EventKind
	Tick market.Tick
	Fill market.Fill
	Done chan struct{}
}

// PriceEvent 构造价格事件。
func PriceEvent(t market.Tick) Event { return Event{Kind: EventPrice, Tick: t} }

// FillEvent 构造成交事件。
func FillEvent(f market.Fill) Event { return Event{Kind: EventFill, Fill: f} }

// Statistics 交易单元统计信息
type Statistics struct {
	StartTime      time.Time
	TotalPrices    int64
	TotalFills     int64
	DuplicateFills int64
	DroppedEvents  int64
	TotalErrors    int64
	LastPriceTime  time.Time
	LastFillTime   time.Time
}

// View 供汇总与报表使用的只读视图。
type View struct {
	Symbol      string
	State       strategy.State
	Position    float64
	AvgPrice    float64
	Realized    float64
	Unrealized  float64
	RoundTrips  int
	GridCount   int
	LastPrice   float64
	Capital     float64
	Compounding bool
	Risk        strategy.RiskState
	Grid        strategy.GridState
}

// Trader 单交易对的所有者：唯一持有状态机，串行处理价格与成交，
// 并驱动该交易对的订单对账器。
type Trader struct {
	cfg     Config
	symbol  string
	gw      gateway.ExchangeGateway
	store   *store.Store
	monitor *monitor.Monitor
	alerts  *alert.Manager
	logger  *zap.Logger

	// machineMu 保护状态机；对账器在自己的 goroutine 上读取期望挂单
	machineMu  sync.Mutex
	machine    *strategy.Machine
	allocated  float64 // 最近一次 SetCapital 的本金，恢复快照后重新生效
	reconciler *order.Reconciler
	fills      *order.FillTracker

	events chan Event
	status chan strategy.LiquidationEvent

	mu       sync.RWMutex
	state    TraderState
	stopChan chan struct{}
	doneChan chan struct{}

	statsMu sync.RWMutex
	stats   Statistics
}

// New 创建交易单元；opts 透传给状态机。
func New(cfg Config, comps Components, opts ...strategy.Option) (*Trader, error) {
	if comps.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	logger := comps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	machine, err := strategy.NewMachine(cfg.Grid, append([]strategy.Option{strategy.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, err
	}
	grid := machine.Config()
	if cfg.Constraints.TickSize <= 0 {
		cfg.Constraints.TickSize = grid.TickSize
	}
	if cfg.Constraints.StepSize <= 0 {
		cfg.Constraints.StepSize = grid.QtyStep
	}

	t := &Trader{
		cfg:     cfg,
		symbol:  grid.Symbol,
		gw:      comps.Gateway,
		store:   comps.Store,
		monitor: comps.Monitor,
		alerts:  comps.Alerts,
		logger:  logger.With(zap.String("symbol", grid.Symbol)),
		machine: machine,
		fills:   order.NewFillTracker(0, 0),
		events:  make(chan Event, cfg.EventBuffer),
		status:  make(chan strategy.LiquidationEvent, 1),
		state:   StateIdle,
	}
	t.reconciler = order.NewReconciler(comps.Gateway, t, order.ReconcilerConfig{
		Symbol:           grid.Symbol,
		LayersPerSide:    grid.LayersPerSide,
		MakerOffsetTicks: grid.MakerOffsetTicks,
		MaxOffsetTicks:   cfg.MaxOffsetTicks,
		RejectRetryLimit: grid.RejectRetryLimit,
		HealthInterval:   cfg.HealthInterval,
		Constraints:      cfg.Constraints,
		ClientIDPrefix:   cfg.ClientIDPrefix,
		ExcludePrefix:    CorrectionClientIDPrefix,
	}, order.WithReconcilerLogger(logger), order.WithReconcilerMonitor(comps.Monitor))
	return t, nil
}

// Symbol 交易对
func (t *Trader) Symbol() string { return t.symbol }

// Reconciler 该交易对的订单对账器
func (t *Trader) Reconciler() *order.Reconciler { return t.reconciler }

// Statuses 强平等状态事件，只会发送一次。
func (t *Trader) Statuses() <-chan strategy.LiquidationEvent { return t.status }

// Initialize 恢复快照、采用交易所持仓与最新价，并做首轮对账。
func (t *Trader) Initialize(ctx context.Context) error {
	price, err := t.gw.FetchPrice(ctx, t.symbol)
	if err != nil {
		return fmt.Errorf("fetch price: %w", err)
	}
	pos, err := t.gw.FetchPosition(ctx, t.symbol)
	if err != nil {
		return fmt.Errorf("fetch position: %w", err)
	}

	liquidated, err := t.restore(price, pos)
	if err != nil {
		return err
	}
	t.publish()

	if liquidated {
		t.machineMu.Lock()
		ev := strategy.LiquidationEvent{Symbol: t.symbol, Ts: timeNow(), Price: price, Reason: "restored liquidated state"}
		if l := t.machine.Liquidation(); l != nil {
			ev = *l
		}
		t.machineMu.Unlock()
		t.onLiquidated(ctx, ev)
		return nil
	}
	if _, err := t.reconciler.ReconcileNow(ctx); err != nil {
		t.logger.Warn("initial reconcile incomplete", zap.Error(err))
	}
	return nil
}

func (t *Trader) restore(price float64, pos gateway.Position) (bool, error) {
	t.machineMu.Lock()
	defer t.machineMu.Unlock()

	if t.store != nil {
		snap, found, err := t.store.LoadSnapshot(t.symbol)
		if err != nil {
			return false, fmt.Errorf("load snapshot: %w", err)
		}
		if found {
			if err := t.machine.Restore(snap); err != nil {
				t.logger.Warn("snapshot ignored", zap.Error(err))
			} else {
				if t.allocated > 0 {
					t.machine.SetCapital(t.allocated)
				}
				t.logger.Info("snapshot restored",
					zap.String("state", t.machine.State().String()),
					zap.Time("saved_at", snap.SavedAt))
			}
		}
	}
	if t.machine.State() == strategy.Liquidated {
		return true, nil
	}

	if _, err := t.machine.ApplyPrice(timeNow(), price); err != nil {
		return false, fmt.Errorf("apply initial price: %w", err)
	}
	t.machine.SyncPosition(pos.Quantity, pos.AvgPrice)
	t.machine.EvaluateRisk(price)
	t.saveLocked()
	t.logger.Info("position adopted",
		zap.Float64("quantity", pos.Quantity),
		zap.Float64("avg_price", pos.AvgPrice),
		zap.Float64("price", price))
	return t.machine.State() == strategy.Liquidated, nil
}

// Start 启动事件循环与对账循环
func (t *Trader) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateRunning {
		t.mu.Unlock()
		return fmt.Errorf("trader already started (state: %s)", t.state)
	}
	t.stopChan = make(chan struct{})
	t.doneChan = make(chan struct{})
	t.state = StateRunning
	stop, done := t.stopChan, t.doneChan
	t.mu.Unlock()

	t.statsMu.Lock()
	t.stats.StartTime = time.Now()
	t.statsMu.Unlock()

	if err := t.reconciler.Start(ctx); err != nil {
		t.mu.Lock()
		t.state = StateStopped
		t.mu.Unlock()
		return fmt.Errorf("start reconciler: %w", err)
	}
	go t.run(ctx, stop, done)

	t.logger.Info("trader started", zap.Int("event_buffer", cap(t.events)))
	return nil
}

// Stop 停止事件循环与对账循环并保存快照。挂单保持不动。
func (t *Trader) Stop() error {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return fmt.Errorf("trader not running (state: %s)", t.state)
	}
	t.state = StateStopped
	stop, done := t.stopChan, t.doneChan
	t.mu.Unlock()

	close(stop)
	<-done
	err := t.reconciler.Stop()

	t.machineMu.Lock()
	t.saveLocked()
	t.machineMu.Unlock()

	t.logger.Info("trader stopped")
	return err
}

// State 当前运行状态
func (t *Trader) State() TraderState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Submit 阻塞投递事件，直到入队、ctx 结束或交易单元停止。成交事件使用此方法。
func (t *Trader) Submit(ctx context.Context, ev Event) error {
	t.mu.RLock()
	stop := t.stopChan
	running := t.state == StateRunning
	t.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}
	select {
	case t.events <- ev:
		return nil
	case <-stop:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 非阻塞投递；队列满时丢弃并返回 ErrQueueFull。价格事件使用此方法。
func (t *Trader) TrySubmit(ev Event) error {
	select {
	case t.events <- ev:
		return nil
	default:
		t.statsMu.Lock()
		t.stats.DroppedEvents++
		t.statsMu.Unlock()
		return ErrQueueFull
	}
}

func (t *Trader) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case ev := <-t.events:
			t.handle(ctx, ev)
		}
	}
}

func (t *Trader) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventPrice:
		t.onPrice(ctx, ev.Tick)
	case EventFill:
		t.onFill(ctx, ev.Fill)
	case EventSync:
		close(ev.Done)
	default:
		t.logger.Warn("unknown event", zap.Int("kind", int(ev.Kind)))
	}
}

func (t *Trader) onPrice(ctx context.Context, tick market.Tick) {
	ts := tick.Ts
	if ts.IsZero() {
		ts = timeNow()
	}

	t.machineMu.Lock()
	before := t.machine.Grid()
	wasLiquidated := t.machine.State() == strategy.Liquidated
	seq := t.machine.ShiftSeq()
	crossings, err := t.machine.ApplyPrice(ts, tick.Price)
	after := t.machine.Grid()
	shifts := t.machine.ShiftsSince(seq)
	liq := t.newLiquidation(wasLiquidated)
	t.machineMu.Unlock()

	t.statsMu.Lock()
	t.stats.TotalPrices++
	t.stats.LastPriceTime = time.Now()
	if err != nil {
		t.stats.TotalErrors++
	}
	t.statsMu.Unlock()

	if err != nil {
		if errors.Is(err, strategy.ErrInvalidPrice) {
			t.logger.Debug("price dropped", zap.Float64("price", tick.Price))
			return
		}
		t.logger.Error("apply price failed", zap.Float64("price", tick.Price), zap.Error(err))
		return
	}

	for _, s := range shifts {
		t.monitor.RecordGridShift(t.symbol, s.Kind)
		if s.Kind != strategy.Liquidation {
			t.logger.Info("grid window moved",
				zap.String("kind", s.Kind),
				zap.Float64("price", s.Price),
				zap.Float64("price_min", s.PriceMin),
				zap.Float64("price_max", s.PriceMax))
		}
	}
	t.publish()

	if liq != nil {
		t.onLiquidated(ctx, *liq)
		return
	}
	if len(crossings) > 0 || boundariesMoved(before, after) {
		t.reconciler.Trigger("grid")
	}
}

func (t *Trader) onFill(ctx context.Context, f market.Fill) {
	if strings.HasPrefix(f.ClientID, CorrectionClientIDPrefix) {
		t.logger.Info("correction order filled",
			zap.String("order_id", f.OrderID),
			zap.String("side", f.Side.String()),
			zap.Float64("qty", f.Qty),
			zap.Float64("price", f.Price))
		return
	}
	if !t.fills.Record(f) {
		t.statsMu.Lock()
		t.stats.DuplicateFills++
		t.statsMu.Unlock()
		t.logger.Debug("duplicate fill ignored", zap.String("order_id", f.OrderID))
		return
	}

	t.machineMu.Lock()
	wasLiquidated := t.machine.State() == strategy.Liquidated
	out, err := t.machine.ApplyFill(f.Side, f.Qty, f.Price)
	if err == nil {
		t.machine.EvaluateRisk(f.Price)
		t.saveLocked()
	}
	liq := t.newLiquidation(wasLiquidated)
	t.machineMu.Unlock()

	t.statsMu.Lock()
	if err != nil {
		t.stats.TotalErrors++
	} else {
		t.stats.TotalFills++
		t.stats.LastFillTime = time.Now()
	}
	t.statsMu.Unlock()

	if err != nil {
		t.logger.Error("apply fill failed",
			zap.String("order_id", f.OrderID),
			zap.String("side", f.Side.String()),
			zap.Float64("qty", f.Qty),
			zap.Float64("price", f.Price),
			zap.Error(err))
		return
	}

	t.monitor.RecordFill(t.symbol, f.Side.String())
	t.logger.Info("fill applied",
		zap.String("order_id", f.OrderID),
		zap.String("side", f.Side.String()),
		zap.Float64("qty", f.Qty),
		zap.Float64("price", f.Price),
		zap.Bool("round_trip", out.ClosedRoundTrip),
		zap.Float64("profit", out.Profit))
	t.publish()

	if liq != nil {
		t.onLiquidated(ctx, *liq)
		return
	}
	t.reconciler.Trigger("fill")
}

// newLiquidation 本次调用刚进入强平时返回事件；需持有 machineMu。
func (t *Trader) newLiquidation(wasLiquidated bool) *strategy.LiquidationEvent {
	if wasLiquidated || t.machine.State() != strategy.Liquidated {
		return nil
	}
	t.saveLocked()
	if ev := t.machine.Liquidation(); ev != nil {
		out := *ev
		return &out
	}
	return &strategy.LiquidationEvent{Symbol: t.symbol, Ts: timeNow(), Reason: "liquidated"}
}

func (t *Trader) onLiquidated(ctx context.Context, ev strategy.LiquidationEvent) {
	t.logger.Error("grid liquidated, canceling all orders",
		zap.Float64("price", ev.Price),
		zap.Float64("equity", ev.Equity),
		zap.Float64("margin_rate", ev.MarginRate),
		zap.String("reason", ev.Reason))

	if _, err := t.reconciler.CancelAll(ctx); err != nil {
		t.logger.Error("cancel all after liquidation failed", zap.Error(err))
		// 残留挂单由对账循环继续清理
		t.reconciler.Trigger("liquidated")
	}
	if t.alerts != nil {
		_ = t.alerts.Critical(ev.Symbol, "grid liquidated", map[string]interface{}{
			"price":       ev.Price,
			"equity":      ev.Equity,
			"margin_rate": ev.MarginRate,
			"reason":      ev.Reason,
		})
	}
	select {
	case t.status <- ev:
	default:
	}
}

// Liquidate 由账户级风控触发强平。
func (t *Trader) Liquidate(ctx context.Context, reason string) {
	t.machineMu.Lock()
	wasLiquidated := t.machine.State() == strategy.Liquidated
	t.machine.MarkLiquidated(timeNow(), t.machine.LastPrice(), reason)
	liq := t.newLiquidation(wasLiquidated)
	t.machineMu.Unlock()

	t.publish()
	if liq != nil {
		t.onLiquidated(ctx, *liq)
	}
}

// SetCapital 按账户权益重新分配本金，并请求对账。
func (t *Trader) SetCapital(capital float64) {
	t.machineMu.Lock()
	before := t.machine.Grid().OneGridQuantity
	t.machine.SetCapital(capital)
	if capital > 0 {
		t.allocated = capital
	}
	after := t.machine.Grid().OneGridQuantity
	t.machineMu.Unlock()

	if before != after {
		t.logger.Info("grid quantity rescaled",
			zap.Float64("capital", capital),
			zap.Float64("one_grid_quantity", after))
		t.reconciler.Trigger("capital")
	}
}

// AdoptPosition 以交易所持仓覆盖逻辑持仓。
func (t *Trader) AdoptPosition(qty, avgPrice float64) {
	t.machineMu.Lock()
	t.machine.SyncPosition(qty, avgPrice)
	t.saveLocked()
	t.machineMu.Unlock()
	t.publish()
}

// RecoverFills 向交易所查询推送可能遗漏的成交，并按顺序交给事件循环处理。
// 返回补回的成交数（其中与推送重复的会在处理时被丢弃）。
func (t *Trader) RecoverFills(ctx context.Context) (int, error) {
	fills, err := t.reconciler.RecoverFills(ctx)
	for _, f := range fills {
		if serr := t.deliver(ctx, FillEvent(f)); serr != nil {
			return 0, serr
		}
	}
	return len(fills), err
}

// Resync 连接重建后的全量同步：补回断线期间的成交，等待其处理完毕，
// 若逻辑持仓仍与交易所不一致则采用交易所持仓，最后做一轮对账。
func (t *Trader) Resync(ctx context.Context) error {
	n, err := t.RecoverFills(ctx)
	if err != nil {
		t.logger.Warn("fill recovery incomplete", zap.Int("recovered", n), zap.Error(err))
	}
	if err := t.barrier(ctx); err != nil {
		return err
	}

	pos, err := t.gw.FetchPosition(ctx, t.symbol)
	if err != nil {
		return fmt.Errorf("fetch position: %w", err)
	}
	v := t.View()
	if v.State != strategy.Liquidated && math.Abs(v.Position-pos.Quantity) > t.positionEpsilon() {
		t.logger.Warn("position adopted after reconnect",
			zap.Float64("logical", v.Position),
			zap.Float64("venue", pos.Quantity),
			zap.Float64("avg_price", pos.AvgPrice))
		t.AdoptPosition(pos.Quantity, pos.AvgPrice)
	}

	_, err = t.reconciler.ReconcileNow(ctx)
	return err
}

// deliver 运行中经事件循环投递；未运行时在调用方直接处理。
func (t *Trader) deliver(ctx context.Context, ev Event) error {
	err := t.Submit(ctx, ev)
	if errors.Is(err, ErrNotRunning) {
		t.handle(ctx, ev)
		return nil
	}
	return err
}

// barrier 等待此前入队的事件全部处理完毕。
func (t *Trader) barrier(ctx context.Context) error {
	t.mu.RLock()
	stop := t.stopChan
	t.mu.RUnlock()

	done := make(chan struct{})
	if err := t.deliver(ctx, Event{Kind: EventSync, Done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	default:
	}
	select {
	case <-done:
		return nil
	case <-stop:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Trader) positionEpsilon() float64 {
	if step := t.cfg.Constraints.StepSize; step > 0 {
		return step / 2
	}
	return 1e-9
}

// Constraints 交易对精度限制
func (t *Trader) Constraints() order.SymbolConstraints { return t.cfg.Constraints }

// ReconcileNow 同步执行一轮对账
func (t *Trader) ReconcileNow(ctx context.Context) (order.PassResult, error) {
	return t.reconciler.ReconcileNow(ctx)
}

// CancelAll 撤销该交易对全部挂单
func (t *Trader) CancelAll(ctx context.Context) (order.PassResult, error) {
	return t.reconciler.CancelAll(ctx)
}

// Plan 实现 order.PlanSource。
func (t *Trader) Plan() order.Plan {
	t.machineMu.Lock()
	defer t.machineMu.Unlock()

	plan := order.Plan{
		Position: t.machine.Ledger().Quantity,
		Anchor:   t.machine.LastPrice(),
		Halted:   t.machine.State() == strategy.Liquidated,
	}
	if plan.Halted {
		return plan
	}
	levels := t.machine.DesiredOrders()
	plan.Desired = make([]order.DesiredOrder, 0, len(levels))
	for _, lvl := range levels {
		plan.Desired = append(plan.Desired, order.DesiredOrder{
			Side:     lvl.Side,
			Layer:    lvl.Layer,
			Price:    lvl.Price,
			Quantity: lvl.Size,
			Closing:  lvl.Closing,
		})
	}
	return plan
}

// View 返回当前状态视图
func (t *Trader) View() View {
	t.machineMu.Lock()
	defer t.machineMu.Unlock()
	return t.viewLocked()
}

func (t *Trader) viewLocked() View {
	l := t.machine.Ledger()
	last := t.machine.LastPrice()
	v := View{
		Symbol:      t.symbol,
		State:       t.machine.State(),
		Position:    l.Quantity,
		AvgPrice:    l.AvgPrice,
		Realized:    l.RealizedProfit,
		RoundTrips:  l.RoundTrips,
		GridCount:   l.GridCount,
		LastPrice:   last,
		Capital:     t.machine.Capital(),
		Compounding: t.machine.Config().Compounding,
		Risk:        t.machine.Risk(),
		Grid:        t.machine.Grid(),
	}
	if last > 0 {
		v.Unrealized = t.machine.Unrealized(last)
	}
	return v
}

// Snapshot 导出当前持久化状态
func (t *Trader) Snapshot() strategy.Snapshot {
	t.machineMu.Lock()
	defer t.machineMu.Unlock()
	return t.machine.Snapshot()
}

// GetStatistics 获取统计信息
func (t *Trader) GetStatistics() Statistics {
	t.statsMu.RLock()
	defer t.statsMu.RUnlock()
	return t.stats
}

// LastPriceTime 最近一次处理价格的时间，用于判断行情是否陈旧。
func (t *Trader) LastPriceTime() time.Time {
	t.statsMu.RLock()
	defer t.statsMu.RUnlock()
	return t.stats.LastPriceTime
}

// saveLocked 持久化快照；需持有 machineMu。
func (t *Trader) saveLocked() {
	if t.store == nil {
		return
	}
	err := t.store.SaveSnapshot(t.machine.Snapshot())
	t.monitor.RecordSnapshotSave(t.symbol, err)
	if err != nil {
		t.logger.Error("save snapshot failed", zap.Error(err))
	}
}

func (t *Trader) publish() {
	v := t.View()
	t.monitor.UpdateLastPrice(t.symbol, v.LastPrice)
	t.monitor.UpdateLedger(t.symbol, v.Position, v.Realized, v.Unrealized, v.RoundTrips)
	t.monitor.UpdateMarginRate(t.symbol, v.Risk.MarginRate, v.Risk.Liquidated)
}

func boundariesMoved(a, b strategy.GridState) bool {
	return a.BoundaryUp != b.BoundaryUp ||
		a.BoundaryDown != b.BoundaryDown ||
		a.OneGridQuantity != b.OneGridQuantity
}

var timeNow = time.Now
