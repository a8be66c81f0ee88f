package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grid-trader-go/gateway"
	"grid-trader-go/infrastructure/monitor"
	"grid-trader-go/market"
)

// ReconcilerConfig 对账器配置
type ReconcilerConfig struct {
	Symbol              string
	LayersPerSide       int
	MakerOffsetTicks    int
	MaxOffsetTicks      int     // 自适应偏移上限，默认 MakerOffsetTicks+10
	RejectRetryLimit    int     // 连续 post-only 拒单超过该次数则该侧偏移加一 tick
	MatchToleranceTicks float64 // 挂单价与目标价相差不超过 (偏移+该值) 个 tick 视为同一层
	HealthInterval      time.Duration
	Constraints         SymbolConstraints
	ClientIDPrefix      string
	ExcludePrefix       string // 该前缀的挂单不参与网格对账，仅在全撤时撤销
}

func (c *ReconcilerConfig) applyDefaults() {
	if c.LayersPerSide <= 0 {
		c.LayersPerSide = 3
	}
	if c.MakerOffsetTicks < 0 {
		c.MakerOffsetTicks = 0
	}
	if c.MaxOffsetTicks < c.MakerOffsetTicks {
		c.MaxOffsetTicks = c.MakerOffsetTicks + 10
	}
	if c.RejectRetryLimit < 0 {
		c.RejectRetryLimit = 0
	}
	if c.MatchToleranceTicks <= 0 {
		c.MatchToleranceTicks = 1
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second // 默认30秒
	}
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = "grid"
	}
}

// PassResult 单轮对账的操作统计。
type PassResult struct {
	Placed   int
	Canceled int
	Rejected int
	Skipped  int
	Failed   int
}

// Ops 实际发往交易所的下单与撤单次数。
func (p PassResult) Ops() int { return p.Placed + p.Canceled }

func (p *PassResult) add(o PassResult) {
	p.Placed += o.Placed
	p.Canceled += o.Canceled
	p.Rejected += o.Rejected
	p.Skipped += o.Skipped
	p.Failed += o.Failed
}

// ReconcilerStats 对账统计信息
type ReconcilerStats struct {
	TotalPasses    int64
	FailedPasses   int64
	OrdersPlaced   int64
	OrdersCanceled int64
	Rejects        int64
	LastPassTime   time.Time
	LastError      string
	BuyOffset      int
	SellOffset     int
	HealthInterval time.Duration
}

// Reconciler 单交易对的订单对账器：把交易所挂单收敛到 PlanSource 给出的目标集合。
// 同一时刻最多一轮对账；对账进行中到达的触发合并为"结束后再跑一轮"。
type Reconciler struct {
	cfg     ReconcilerConfig
	gw      gateway.ExchangeGateway
	source  PlanSource
	book    *Book
	logger  *zap.Logger
	monitor *monitor.Monitor
	newID   func() string

	passMu   sync.Mutex
	trigger  chan string
	vanished map[string]gateway.LiveOrder // 从挂单簿消失、尚未确认结局的订单，受 passMu 保护

	runMu    sync.Mutex
	stopChan chan struct{}
	doneChan chan struct{}

	mu      sync.RWMutex
	offsets map[market.Side]int
	rejects map[market.Side]int
	stats   ReconcilerStats
}

// ReconcilerOption 配置 Reconciler。
type ReconcilerOption func(*Reconciler)

func WithReconcilerLogger(l *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithReconcilerMonitor(m *monitor.Monitor) ReconcilerOption {
	return func(r *Reconciler) { r.monitor = m }
}

// WithClientIDFunc 自定义 client order id 生成。
func WithClientIDFunc(fn func() string) ReconcilerOption {
	return func(r *Reconciler) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// NewReconciler 创建订单对账器
func NewReconciler(gw gateway.ExchangeGateway, source PlanSource, cfg ReconcilerConfig, opts ...ReconcilerOption) *Reconciler {
	cfg.applyDefaults()
	r := &Reconciler{
		cfg:     cfg,
		gw:      gw,
		source:  source,
		book:     NewBook(),
		logger:   zap.NewNop(),
		trigger:  make(chan string, 1),
		vanished: make(map[string]gateway.LiveOrder),
		offsets:  map[market.Side]int{market.Buy: cfg.MakerOffsetTicks, market.Sell: cfg.MakerOffsetTicks},
		rejects:  make(map[market.Side]int),
	}
	r.newID = func() string { return newClientID(cfg.ClientIDPrefix) }
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("symbol", cfg.Symbol))
	return r
}

// newClientID 生成满足 Binance 限制（<=36 字符）的 client order id。
func newClientID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + id[:24]
}

// Trigger 请求一轮对账；已有待执行的请求时直接合并。
func (r *Reconciler) Trigger(reason string) {
	select {
	case r.trigger <- reason:
	default:
	}
}

// Start 启动对账循环：响应 Trigger，并按 HealthInterval 定期全量对账。
func (r *Reconciler) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.stopChan != nil {
		return errors.New("reconciler already started")
	}
	r.stopChan = make(chan struct{})
	r.doneChan = make(chan struct{})
	go r.reconcileLoop(ctx, r.stopChan, r.doneChan)
	return nil
}

// Stop 停止对账循环并等待其退出；进行中的网络调用不会被中断。
func (r *Reconciler) Stop() error {
	r.runMu.Lock()
	stop, done := r.stopChan, r.doneChan
	r.stopChan, r.doneChan = nil, nil
	r.runMu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (r *Reconciler) reconcileLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		var reason string
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case reason = <-r.trigger:
		case <-ticker.C:
			reason = "health"
		}
		res, err := r.Pass(ctx)
		if err != nil {
			r.logger.Warn("reconcile pass failed", zap.String("reason", reason), zap.Error(err))
			continue
		}
		if res.Ops() > 0 || res.Rejected > 0 {
			r.logger.Debug("reconcile pass",
				zap.String("reason", reason),
				zap.Int("placed", res.Placed),
				zap.Int("canceled", res.Canceled),
				zap.Int("rejected", res.Rejected))
		}
	}
}

// ReconcileNow 同步执行一轮对账（重连后、启动时使用）。
func (r *Reconciler) ReconcileNow(ctx context.Context) (PassResult, error) {
	return r.Pass(ctx)
}

// Pass 执行一轮完整对账。失败的网络调用不会改变交易所状态，留给下一轮重试。
func (r *Reconciler) Pass(ctx context.Context) (PassResult, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	start := time.Now()
	res, err := r.pass(ctx)

	r.mu.Lock()
	r.stats.TotalPasses++
	r.stats.LastPassTime = start
	r.stats.OrdersPlaced += int64(res.Placed)
	r.stats.OrdersCanceled += int64(res.Canceled)
	r.stats.Rejects += int64(res.Rejected)
	r.stats.LastError = ""
	if err != nil {
		r.stats.FailedPasses++
		r.stats.LastError = err.Error()
	}
	r.mu.Unlock()

	result := "ok"
	if err != nil {
		result = "error"
	}
	r.monitor.RecordReconcile(r.cfg.Symbol, result, time.Since(start).Seconds())
	return res, err
}

func (r *Reconciler) pass(ctx context.Context) (PassResult, error) {
	plan := r.source.Plan()
	if plan.Halted {
		return r.cancelAll(ctx)
	}
	live, err := r.gw.FetchOpenOrders(ctx, r.cfg.Symbol)
	if err != nil {
		return PassResult{}, fmt.Errorf("fetch open orders: %w", err)
	}
	r.refresh(live)
	live = r.excluding(live)

	var res PassResult
	var errs []error
	for _, side := range []market.Side{market.Buy, market.Sell} {
		sideRes, err := r.syncSide(ctx, side, plan, live)
		res.add(sideRes)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

// syncSide 收敛单侧挂单：保留与目标价位匹配的订单，撤掉其余（离参考价最远的先撤），
// 再由近及远补齐缺失层，且挂单数不超过 LayersPerSide。
func (r *Reconciler) syncSide(ctx context.Context, side market.Side, plan Plan, live []gateway.LiveOrder) (PassResult, error) {
	var res PassResult
	var errs []error

	desired := make([]DesiredOrder, 0, r.cfg.LayersPerSide)
	for _, d := range plan.Desired {
		if d.Side == side && d.Price > 0 {
			desired = append(desired, d)
		}
	}
	sort.SliceStable(desired, func(i, j int) bool {
		if desired[i].Layer != desired[j].Layer {
			return desired[i].Layer < desired[j].Layer
		}
		return math.Abs(desired[i].Price-plan.Anchor) < math.Abs(desired[j].Price-plan.Anchor)
	})
	if len(desired) > r.cfg.LayersPerSide {
		desired = desired[:r.cfg.LayersPerSide]
	}

	actual := make([]gateway.LiveOrder, 0, len(live))
	for _, o := range live {
		if o.Side == side && (o.Status == "" || o.Status.IsOpen()) {
			actual = append(actual, o)
		}
	}

	offset := r.Offset(side)
	matched := make([]bool, len(actual))
	satisfied := make([]bool, len(desired))
	closingResting := 0.0
	for i, d := range desired {
		tol := r.tolerance(offset, d.Price)
		best, bestDist := -1, 0.0
		for j, a := range actual {
			if matched[j] {
				continue
			}
			dist := math.Abs(a.Price - d.Price)
			if dist <= tol && (best < 0 || dist < bestDist) {
				best, bestDist = j, dist
			}
		}
		if best >= 0 {
			matched[best] = true
			satisfied[i] = true
			if d.Closing {
				closingResting += actual[best].Quantity
			}
		}
	}

	extras := make([]gateway.LiveOrder, 0)
	resting := 0
	for j, a := range actual {
		if matched[j] {
			resting++
		} else {
			extras = append(extras, a)
		}
	}
	sort.SliceStable(extras, func(i, j int) bool {
		return math.Abs(extras[i].Price-plan.Anchor) > math.Abs(extras[j].Price-plan.Anchor)
	})
	for _, o := range extras {
		if err := r.cancel(ctx, o); err != nil {
			resting++
			res.Failed++
			errs = append(errs, err)
			continue
		}
		res.Canceled++
	}

	budget := closingBudget(side, plan.Position) - closingResting
	slots := r.cfg.LayersPerSide - resting
	for i, d := range desired {
		if satisfied[i] {
			continue
		}
		if slots <= 0 {
			break
		}
		qty := r.cfg.Constraints.FloorQty(d.Quantity)
		if d.Closing && qty > budget {
			qty = r.cfg.Constraints.FloorQty(budget)
		}
		price := r.cfg.Constraints.QuotePrice(side, d.Price, offset)
		if !r.placeable(price, qty) {
			res.Skipped++
			continue
		}
		err := r.place(ctx, side, price, qty)
		if err == nil {
			res.Placed++
			slots--
			if d.Closing {
				budget -= qty
			}
			continue
		}
		if re, ok := gateway.IsRejected(err); ok && re.Reason == gateway.RejectWouldCross {
			res.Rejected++
			offset = r.onReject(side)
			continue
		}
		if _, ok := gateway.IsRejected(err); ok {
			res.Rejected++
		} else {
			res.Failed++
		}
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// closingBudget 该侧平仓单可用的最大数量。
func closingBudget(side market.Side, position float64) float64 {
	if side == market.Sell {
		return math.Max(position, 0)
	}
	return math.Max(-position, 0)
}

func (r *Reconciler) tolerance(offset int, price float64) float64 {
	if r.cfg.Constraints.TickSize <= 0 {
		return 1e-9 * math.Max(1, math.Abs(price))
	}
	return (float64(offset) + r.cfg.MatchToleranceTicks) * r.cfg.Constraints.TickSize
}

func (r *Reconciler) placeable(price, qty float64) bool {
	c := r.cfg.Constraints
	if price <= 0 || qty <= 0 {
		return false
	}
	if c.MinQty > 0 && qty < c.MinQty {
		return false
	}
	if c.MinNotional > 0 && price*qty < c.MinNotional {
		return false
	}
	return true
}

func (r *Reconciler) place(ctx context.Context, side market.Side, price, qty float64) error {
	clientID := r.newID()
	id, err := r.gw.PlaceOrder(ctx, gateway.PlaceRequest{
		Symbol:    r.cfg.Symbol,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		MakerOnly: true,
		ClientID:  clientID,
	})
	if err != nil {
		reason := "error"
		if re, ok := gateway.IsRejected(err); ok {
			reason = re.Reason.String()
		}
		r.monitor.RecordOrderRejected(r.cfg.Symbol, reason)
		r.logger.Debug("place order failed",
			zap.String("side", side.String()),
			zap.Float64("price", price),
			zap.Float64("qty", qty),
			zap.Error(err))
		return err
	}
	r.mu.Lock()
	r.rejects[side] = 0
	r.mu.Unlock()
	r.book.Set(gateway.LiveOrder{
		OrderID:  id,
		ClientID: clientID,
		Symbol:   r.cfg.Symbol,
		Side:     side,
		Price:    price,
		Quantity: qty,
		Status:   gateway.StatusNew,
	})
	r.monitor.RecordOrderPlaced(r.cfg.Symbol, side.String())
	return nil
}

func (r *Reconciler) cancel(ctx context.Context, o gateway.LiveOrder) error {
	res, err := r.gw.CancelOrder(ctx, r.cfg.Symbol, o.OrderID)
	if err == nil && !res.Succeeded() {
		err = fmt.Errorf("cancel %s: %s", o.OrderID, res)
	}
	if err != nil {
		r.logger.Debug("cancel order failed", zap.String("order_id", o.OrderID), zap.Error(err))
		return err
	}
	if res == gateway.AlreadyGone && !r.isExcluded(o) {
		// 撤单前可能已成交
		r.vanished[o.OrderID] = o
	}
	r.book.Remove(o.OrderID)
	r.monitor.RecordOrderCanceled(r.cfg.Symbol)
	return nil
}

// onReject 记录一次 post-only 拒单，超过阈值则该侧偏移加一 tick，返回新偏移。
func (r *Reconciler) onReject(side market.Side) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejects[side]++
	if r.rejects[side] > r.cfg.RejectRetryLimit && r.offsets[side] < r.cfg.MaxOffsetTicks {
		r.offsets[side]++
		r.rejects[side] = 0
		r.logger.Info("maker offset widened",
			zap.String("side", side.String()),
			zap.Int("offset_ticks", r.offsets[side]))
		r.monitor.UpdateMakerOffset(r.cfg.Symbol, side.String(), r.offsets[side])
	}
	return r.offsets[side]
}

// Offset 当前该侧 maker 偏移（tick 数）。
func (r *Reconciler) Offset(side market.Side) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.offsets[side]
}

// CancelAll 撤掉该交易对全部挂单（强平后与退出时使用）。
func (r *Reconciler) CancelAll(ctx context.Context) (PassResult, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()
	return r.cancelAll(ctx)
}

func (r *Reconciler) cancelAll(ctx context.Context) (PassResult, error) {
	var res PassResult
	live, err := r.gw.FetchOpenOrders(ctx, r.cfg.Symbol)
	if err != nil {
		// 查询失败时按缓存撤单
		live = r.book.List()
		r.logger.Warn("fetch open orders before cancel-all failed, using cache", zap.Error(err))
	} else {
		r.refresh(live)
	}
	var errs []error
	for _, o := range live {
		if err := r.cancel(ctx, o); err != nil {
			res.Failed++
			errs = append(errs, err)
			continue
		}
		res.Canceled++
	}
	return res, errors.Join(errs...)
}

func (r *Reconciler) excluding(live []gateway.LiveOrder) []gateway.LiveOrder {
	if r.cfg.ExcludePrefix == "" {
		return live
	}
	out := live[:0:0]
	for _, o := range live {
		if !r.isExcluded(o) {
			out = append(out, o)
		}
	}
	return out
}

func (r *Reconciler) isExcluded(o gateway.LiveOrder) bool {
	return r.cfg.ExcludePrefix != "" && strings.HasPrefix(o.ClientID, r.cfg.ExcludePrefix)
}

// refresh 用交易所挂单替换缓存；缓存中有而交易所没有的网格订单记为待确认。
func (r *Reconciler) refresh(live []gateway.LiveOrder) {
	open := make(map[string]struct{}, len(live))
	for _, o := range live {
		open[o.OrderID] = struct{}{}
	}
	for _, o := range r.book.List() {
		if _, ok := open[o.OrderID]; !ok && !r.isExcluded(o) {
			r.vanished[o.OrderID] = o
		}
	}
	r.book.Replace(live)
}

// RecoverFills 查询自上次以来从挂单簿消失的订单，返回其中已成交的部分。
// 推送丢失（断线、漏消息）时由此补回成交；与推送重复的成交由调用方按订单号去重。
// 查询失败的订单保留到下一次。
func (r *Reconciler) RecoverFills(ctx context.Context) ([]market.Fill, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	live, err := r.gw.FetchOpenOrders(ctx, r.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}
	r.refresh(live)
	if len(r.vanished) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(r.vanished))
	for id := range r.vanished {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var fills []market.Fill
	var errs []error
	for _, id := range ids {
		known := r.vanished[id]
		o, err := r.gw.FetchOrder(ctx, r.cfg.Symbol, id)
		if errors.Is(err, gateway.ErrOrderNotFound) {
			delete(r.vanished, id)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch order %s: %w", id, err))
			continue
		}
		delete(r.vanished, id)
		if o.Status.IsOpen() || o.Filled <= 0 {
			continue
		}
		side := o.Side
		if side.Sign() == 0 {
			side = known.Side
		}
		clientID := o.ClientID
		if clientID == "" {
			clientID = known.ClientID
		}
		fills = append(fills, market.Fill{
			Symbol:   r.cfg.Symbol,
			Side:     side,
			Price:    o.FillPrice(),
			Qty:      o.Filled,
			OrderID:  id,
			ClientID: clientID,
			Ts:       time.Now(),
		})
		r.monitor.RecordFillRecovered(r.cfg.Symbol)
		r.logger.Info("fill recovered from order query",
			zap.String("order_id", id),
			zap.String("side", side.String()),
			zap.String("status", string(o.Status)),
			zap.Float64("price", o.FillPrice()),
			zap.Float64("qty", o.Filled))
	}
	return fills, errors.Join(errs...)
}

// Pending 待确认结局的订单数。
func (r *Reconciler) Pending() int {
	r.passMu.Lock()
	defer r.passMu.Unlock()
	return len(r.vanished)
}

// OpenOrders 最近一次对账后的挂单缓存。
func (r *Reconciler) OpenOrders() []gateway.LiveOrder {
	return r.book.List()
}

// GetStatistics 获取对账统计信息
func (r *Reconciler) GetStatistics() ReconcilerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.stats
	st.BuyOffset = r.offsets[market.Buy]
	st.SellOffset = r.offsets[market.Sell]
	st.HealthInterval = r.cfg.HealthInterval
	return st
}
