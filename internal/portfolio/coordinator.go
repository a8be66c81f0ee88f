package portfolio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"grid-trader-go/gateway"
	"grid-trader-go/infrastructure/alert"
	"grid-trader-go/infrastructure/monitor"
	"grid-trader-go/internal/engine"
	"grid-trader-go/market"
	"grid-trader-go/risk"
	"grid-trader-go/strategy"
)

// accountSymbol 账户级指标使用的 symbol 标签
const accountSymbol = "ACCOUNT"

// Config 组合协调器配置
type Config struct {
	TotalCapital    CapitalSpec
	EquityInterval  time.Duration // 权益同步间隔，默认 60s
	ReportInterval  time.Duration // 盈亏汇报与仓位巡检间隔，默认 180s
	PriceInterval   time.Duration // 行情新鲜度检查间隔，默认 1s
	StaleAfter      time.Duration // 超过该时长无推送价格则走 REST，默认 3s
	FillInterval    time.Duration // 订单状态轮询（补回推送遗漏的成交）间隔，默认 5s
	DesyncTolerance float64       // 逻辑仓位与实盘仓位的相对误差容忍度，默认 0.01
	CorrectionBps   float64       // 校正单相对参考价的让价（基点），默认 5
	CorrectDesync   bool          // 超出容忍度时是否下校正单
	AccountRisk     bool          // 启用账户级保证金检查
	MinMarginRate   float64       // 账户级维持保证金率
	InitParallelism int           // 并发初始化交易对数量，默认 4
	CancelOnStop    bool          // 停止时撤销全部挂单
	StatusBuffer    int
}

func (c *Config) applyDefaults() {
	if c.EquityInterval <= 0 {
		c.EquityInterval = 60 * time.Second
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = 180 * time.Second
	}
	if c.PriceInterval <= 0 {
		c.PriceInterval = time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * time.Second
	}
	if c.FillInterval <= 0 {
		c.FillInterval = 5 * time.Second
	}
	if c.DesyncTolerance <= 0 {
		c.DesyncTolerance = 0.01
	}
	if c.CorrectionBps <= 0 {
		c.CorrectionBps = 5
	}
	if c.MinMarginRate <= 0 {
		c.MinMarginRate = risk.DefaultMaintenanceMarginRate
	}
	if c.InitParallelism <= 0 {
		c.InitParallelism = 4
	}
	if c.StatusBuffer <= 0 {
		c.StatusBuffer = 64
	}
}

// Components 协调器依赖组件
type Components struct {
	Gateway gateway.ExchangeGateway
	Stream  gateway.Streamer // 可选；nil 时只靠 REST 兜底价格
	Monitor *monitor.Monitor
	Alerts  *alert.Manager
	Logger  *zap.Logger
}

// StatusKind 状态事件类型
type StatusKind int

const (
	StatusLiquidated StatusKind = iota + 1
	StatusDesync
)

func (k StatusKind) String() string {
	switch k {
	case StatusLiquidated:
		return "liquidated"
	case StatusDesync:
		return "desync"
	default:
		return "unknown"
	}
}

// Status 面向运维的状态事件。
type Status struct {
	Kind        StatusKind
	Symbol      string
	Ts          time.Time
	Liquidation *strategy.LiquidationEvent
	Desync      *DesyncWarning
}

type member struct {
	trader *engine.Trader
	weight float64
}

// Coordinator 组合协调器：管理每个交易对的 Trader，分发行情与成交，
// 并负责权益同步、盈亏汇报、仓位巡检与重连后的全量对账。
type Coordinator struct {
	cfg     Config
	gw      gateway.ExchangeGateway
	stream  gateway.Streamer
	monitor *monitor.Monitor
	alerts  *alert.Manager
	logger  *zap.Logger
	check   risk.MarginCheck

	members map[string]*member
	symbols []string

	// reconcileMu 保证重连触发的全量对账串行执行
	reconcileMu sync.Mutex

	priceMu   sync.Mutex
	lastPrice map[string]time.Time

	status chan Status

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	started bool
	wg      sync.WaitGroup
}

// New 创建组合协调器
func New(cfg Config, comps Components) (*Coordinator, error) {
	if comps.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	cfg.applyDefaults()
	logger := comps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:       cfg,
		gw:        comps.Gateway,
		stream:    comps.Stream,
		monitor:   comps.Monitor,
		alerts:    comps.Alerts,
		logger:    logger.Named("portfolio"),
		check:     risk.NewLiquidationChecker(cfg.MinMarginRate).Check,
		members:   make(map[string]*member),
		lastPrice: make(map[string]time.Time),
		status:    make(chan Status, cfg.StatusBuffer),
	}, nil
}

// Add 登记一个交易对；weight 为资金分配权重。
func (c *Coordinator) Add(t *engine.Trader, weight float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("coordinator already started")
	}
	sym := t.Symbol()
	if _, ok := c.members[sym]; ok {
		return fmt.Errorf("symbol %s already registered", sym)
	}
	c.members[sym] = &member{trader: t, weight: weight}
	c.symbols = append(c.symbols, sym)
	return nil
}

// Config 生效的配置（已填充默认值）
func (c *Coordinator) Config() Config { return c.cfg }

// Symbols 按登记顺序返回交易对
func (c *Coordinator) Symbols() []string {
	return append([]string(nil), c.symbols...)
}

// Trader 返回交易对对应的 Trader
func (c *Coordinator) Trader(symbol string) (*engine.Trader, bool) {
	m, ok := c.members[symbol]
	if !ok {
		return nil, false
	}
	return m.trader, true
}

// Status 运维状态事件（强平、仓位偏差）。通道满时丢弃最新事件。
func (c *Coordinator) Status() <-chan Status { return c.status }

// Initialize 按权益分配本金，并以有限并发初始化所有交易对。
func (c *Coordinator) Initialize(ctx context.Context) error {
	if len(c.symbols) == 0 {
		return errors.New("no symbols registered")
	}
	if !c.cfg.TotalCapital.IsZero() {
		if _, err := c.SyncEquity(ctx, true); err != nil {
			return fmt.Errorf("allocate capital: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.InitParallelism)
	for _, sym := range c.symbols {
		t := c.members[sym].trader
		g.Go(func() error {
			if err := t.Initialize(gctx); err != nil {
				return fmt.Errorf("initialize %s: %w", t.Symbol(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	now := timeNow()
	c.priceMu.Lock()
	for _, sym := range c.symbols {
		c.lastPrice[sym] = now
	}
	c.priceMu.Unlock()
	c.logger.Info("portfolio initialized", zap.Int("symbols", len(c.symbols)))
	return nil
}

// Start 初始化所有交易对、启动各自的事件循环，并在后台运行行情流与周期任务。
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.started = true
	c.mu.Unlock()

	if err := c.Initialize(ctx); err != nil {
		c.setStarted(false)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	started := make([]*engine.Trader, 0, len(c.symbols))
	for _, sym := range c.symbols {
		t := c.members[sym].trader
		if err := t.Start(runCtx); err != nil {
			cancel()
			for _, s := range started {
				_ = s.Stop()
			}
			c.setStarted(false)
			return fmt.Errorf("start %s: %w", sym, err)
		}
		started = append(started, t)
	}

	c.mu.Lock()
	c.runCtx = runCtx
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		err := c.run(runCtx)
		c.mu.Lock()
		c.runErr = err
		c.mu.Unlock()
		if err != nil {
			c.logger.Error("portfolio stopped with error", zap.Error(err))
		}
	}()

	c.logger.Info("portfolio started",
		zap.Strings("symbols", c.symbols),
		zap.String("total_capital", c.cfg.TotalCapital.String()),
		zap.Bool("account_risk", c.cfg.AccountRisk))
	return nil
}

func (c *Coordinator) setStarted(v bool) {
	c.mu.Lock()
	c.started = v
	c.mu.Unlock()
}

func (c *Coordinator) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if c.stream != nil {
		g.Go(func() error {
			return c.stream.Run(gctx, c.Symbols(), c)
		})
	}
	g.Go(func() error {
		return c.every(gctx, c.cfg.EquityInterval, func(ctx context.Context) {
			if _, err := c.SyncEquity(ctx, false); err != nil {
				c.logger.Warn("equity sync failed", zap.Error(err))
			}
		})
	})
	g.Go(func() error {
		return c.every(gctx, c.cfg.ReportInterval, func(ctx context.Context) {
			if _, err := c.Report(ctx); err != nil {
				c.logger.Warn("pnl report incomplete", zap.Error(err))
			}
		})
	})
	g.Go(func() error {
		return c.every(gctx, c.cfg.PriceInterval, c.CheckPrices)
	})
	g.Go(func() error {
		return c.every(gctx, c.cfg.FillInterval, c.CheckFills)
	})
	for _, sym := range c.symbols {
		t := c.members[sym].trader
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case ev := <-t.Statuses():
				c.onLiquidation(ev)
			}
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Coordinator) every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Stop 停止后台任务与所有交易对；CancelOnStop 时撤销全部挂单。
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.started || c.cancel == nil {
		c.mu.Unlock()
		return nil
	}
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.started = false
	c.mu.Unlock()

	cancel()
	<-done
	c.wg.Wait()

	var errs []error
	for _, sym := range c.symbols {
		t := c.members[sym].trader
		if err := t.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", sym, err))
		}
		if c.cfg.CancelOnStop {
			ctx, cancelCall := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := t.CancelAll(ctx); err != nil {
				errs = append(errs, fmt.Errorf("cancel %s: %w", sym, err))
			}
			cancelCall()
		}
	}
	c.logger.Info("portfolio stopped")
	return errors.Join(errs...)
}

// Health 后台任务异常退出时返回错误。
func (c *Coordinator) Health() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return errors.New("portfolio not started")
	}
	if c.runErr != nil {
		return c.runErr
	}
	select {
	case <-c.done:
		return errors.New("portfolio background tasks exited")
	default:
		return nil
	}
}

// OnPrice 实现 gateway.StreamHandler：价格非阻塞投递，队列满时丢弃（后续价格覆盖）。
func (c *Coordinator) OnPrice(tick market.Tick) {
	m, ok := c.members[tick.Symbol]
	if !ok {
		return
	}
	c.touchPrice(tick.Symbol, timeNow())
	if err := m.trader.TrySubmit(engine.PriceEvent(tick)); err != nil {
		c.logger.Debug("price dropped", zap.String("symbol", tick.Symbol), zap.Error(err))
	}
}

// OnFill 实现 gateway.StreamHandler：成交阻塞投递，保证不丢失且与价格同序。
func (c *Coordinator) OnFill(fill market.Fill) {
	m, ok := c.members[fill.Symbol]
	if !ok {
		c.logger.Warn("fill for unknown symbol", zap.String("symbol", fill.Symbol), zap.String("order_id", fill.OrderID))
		return
	}
	ctx := c.context()
	if err := m.trader.Submit(ctx, engine.FillEvent(fill)); err != nil {
		c.logger.Error("fill not delivered",
			zap.String("symbol", fill.Symbol),
			zap.String("order_id", fill.OrderID),
			zap.Error(err))
	}
}

// OnReconnect 实现 gateway.StreamHandler：断线期间可能漏掉成交，后台串行全量同步。
func (c *Coordinator) OnReconnect() {
	c.monitor.RecordWSReconnect()
	c.logger.Info("stream reconnected, reconciling all symbols")
	ctx := c.context()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.ReconcileAll(ctx); err != nil {
			c.logger.Warn("reconcile after reconnect incomplete", zap.Error(err))
		}
	}()
}

func (c *Coordinator) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

// ReconcileAll 逐个交易对补回遗漏成交、校正持仓并对账，同一时刻只有一个全量同步在进行。
func (c *Coordinator) ReconcileAll(ctx context.Context) error {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	var errs []error
	for _, sym := range c.symbols {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := c.members[sym].trader.Resync(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			continue
		}
		c.logger.Debug("symbol resynced", zap.String("symbol", sym))
	}
	return errors.Join(errs...)
}

// CheckFills 轮询各交易对消失的挂单，补回推送遗漏的成交。
func (c *Coordinator) CheckFills(ctx context.Context) {
	for _, sym := range c.symbols {
		if ctx.Err() != nil {
			return
		}
		n, err := c.members[sym].trader.RecoverFills(ctx)
		if err != nil {
			c.logger.Warn("order status poll failed", zap.String("symbol", sym), zap.Error(err))
		}
		if n > 0 {
			c.logger.Debug("fills recovered by poll", zap.String("symbol", sym), zap.Int("count", n))
		}
	}
}

func (c *Coordinator) touchPrice(symbol string, ts time.Time) {
	c.priceMu.Lock()
	c.lastPrice[symbol] = ts
	c.priceMu.Unlock()
}

// CheckPrices 行情流超过 StaleAfter 未推送的交易对改用 REST 价格，非阻塞投递。
func (c *Coordinator) CheckPrices(ctx context.Context) {
	now := timeNow()
	var stale []string
	c.priceMu.Lock()
	for _, sym := range c.symbols {
		if now.Sub(c.lastPrice[sym]) > c.cfg.StaleAfter {
			stale = append(stale, sym)
		}
	}
	c.priceMu.Unlock()
	if len(stale) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.InitParallelism)
	for _, sym := range stale {
		sym := sym
		g.Go(func() error {
			price, err := c.gw.FetchPrice(gctx, sym)
			if err != nil || price <= 0 {
				c.logger.Debug("rest price fallback failed", zap.String("symbol", sym), zap.Error(err))
				return nil
			}
			ts := timeNow()
			c.touchPrice(sym, ts)
			c.monitor.RecordPriceFallback(sym)
			if err := c.members[sym].trader.TrySubmit(engine.PriceEvent(market.Tick{Symbol: sym, Price: price, Ts: ts})); err != nil {
				c.logger.Debug("fallback price dropped", zap.String("symbol", sym), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// SyncEquity 拉取账户权益并按权重分配本金。all=false 时只调整开启复利的交易对。
// 开启账户级风控时同时执行一次账户保证金检查。
func (c *Coordinator) SyncEquity(ctx context.Context, all bool) (float64, error) {
	equity, err := c.gw.FetchEquity(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch equity: %w", err)
	}
	c.monitor.UpdateEquity(equity)
	if c.cfg.AccountRisk {
		c.checkAccount(ctx, equity)
	}
	if c.cfg.TotalCapital.IsZero() || equity <= 0 {
		return equity, nil
	}

	total := c.cfg.TotalCapital.Total(equity)
	weights := make(map[string]float64, len(c.members))
	for sym, m := range c.members {
		weights[sym] = m.weight
	}
	for sym, alloc := range Allocate(total, weights) {
		t := c.members[sym].trader
		v := t.View()
		if !all && !v.Compounding {
			continue
		}
		if v.State == strategy.Liquidated {
			continue
		}
		t.SetCapital(alloc)
		if v.Capital > 0 && math.Abs(alloc-v.Capital)/v.Capital > 0.01 {
			c.logger.Info("capital reallocated",
				zap.String("symbol", sym),
				zap.Float64("equity", equity),
				zap.Float64("previous", v.Capital),
				zap.Float64("allocated", alloc))
		}
	}
	return equity, nil
}

func (c *Coordinator) checkAccount(ctx context.Context, equity float64) {
	var exposures []risk.Exposure
	var active []*engine.Trader
	for _, sym := range c.symbols {
		t := c.members[sym].trader
		v := t.View()
		if v.State == strategy.Liquidated {
			continue
		}
		active = append(active, t)
		exposures = append(exposures, risk.Exposure{Symbol: sym, Notional: v.Position * v.LastPrice})
	}
	breached, rate := risk.AccountCheck(c.check, equity, exposures)
	c.monitor.UpdateMarginRate(accountSymbol, rate, breached)
	if !breached {
		return
	}
	reason := fmt.Sprintf("account margin rate %.6f below %.6f", rate, c.cfg.MinMarginRate)
	c.logger.Error("account margin breached, liquidating all grids",
		zap.Float64("equity", equity),
		zap.Float64("margin_rate", rate))
	for _, t := range active {
		t.Liquidate(ctx, reason)
	}
}

func (c *Coordinator) onLiquidation(ev strategy.LiquidationEvent) {
	c.logger.Error("symbol liquidated",
		zap.String("symbol", ev.Symbol),
		zap.Float64("price", ev.Price),
		zap.String("reason", ev.Reason))
	c.emit(Status{Kind: StatusLiquidated, Symbol: ev.Symbol, Ts: ev.Ts, Liquidation: &ev})
}

func (c *Coordinator) emit(s Status) {
	if s.Ts.IsZero() {
		s.Ts = timeNow()
	}
	select {
	case c.status <- s:
	default:
		c.logger.Warn("status channel full", zap.String("kind", s.Kind.String()), zap.String("symbol", s.Symbol))
	}
}

var timeNow = time.Now
