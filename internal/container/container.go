package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"grid-trader-go/config"
	"grid-trader-go/gateway"
	"grid-trader-go/infrastructure/alert"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/infrastructure/monitor"
	"grid-trader-go/internal/engine"
	"grid-trader-go/internal/portfolio"
	"grid-trader-go/internal/store"
	"grid-trader-go/metrics"
	"grid-trader-go/order"
	"grid-trader-go/strategy"
)

var timeNow = time.Now

const defaultPaperEquity = 10000

// Option 构建选项
type Option func(*Container)

// WithPaper 使用给定的模拟盘作为网关与行情源，不连接交易所（测试用）。
func WithPaper(p *gateway.Paper) Option {
	return func(c *Container) { c.paper = p; c.injected = true }
}

// WithAlertChannels 追加告警通道。
func WithAlertChannels(ch ...alert.Channel) Option {
	return func(c *Container) { c.extraChannels = append(c.extraChannels, ch...) }
}

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg     config.AppConfig
	cfgPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager
	store   *store.Store

	// 交易所网关
	gateway  gateway.ExchangeGateway
	stream   gateway.Streamer
	paper    *gateway.Paper
	injected bool
	seed     *paperSeed

	// 核心服务
	coordinator *portfolio.Coordinator
	metrics     *metrics.Server

	extraChannels []alert.Channel

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 加载配置文件（含环境变量覆盖）并创建 Container；dryRun 为 true 时强制模拟盘。
func New(configPath string, dryRun bool, opts ...Option) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil && !(dryRun && isCredentialError(err)) {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	if dryRun {
		cfg.DryRun = true
		if err := config.Validate(cfg); err != nil {
			return nil, fmt.Errorf("load config failed: %w", err)
		}
	}
	return NewWithConfig(cfg, configPath, opts...), nil
}

// NewWithConfig 使用已校验的配置创建 Container；configPath 为空时不监听配置文件。
func NewWithConfig(cfg config.AppConfig, configPath string, opts ...Option) *Container {
	c := &Container{
		cfg:       cfg,
		cfgPath:   configPath,
		lifecycle: NewLifecycleManager(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func isCredentialError(err error) bool {
	return errors.Is(err, config.ErrMissingCredentials)
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}
	if err := c.buildCoreServices(); err != nil {
		c.closeResources()
		return fmt.Errorf("build core services failed: %w", err)
	}
	if err := c.registerLifecycleComponents(); err != nil {
		c.closeResources()
		return err
	}
	c.logger.Info("container built",
		zap.Bool("dry_run", c.cfg.DryRun),
		zap.Strings("symbols", c.cfg.SymbolNames()),
		zap.Strings("components", c.lifecycle.Names()))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.monitor = monitor.New(monitor.DefaultConfig())

	channels := []alert.Channel{alert.NewZapChannel("log", c.logger.Logger)}
	if c.cfg.Alert.Console {
		channels = append(channels, alert.NewConsoleChannel("console"))
	}
	if c.cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", c.cfg.Alert.WebhookURL, c.cfg.Alert.WebhookTimeout))
	}
	channels = append(channels, c.extraChannels...)
	throttle := c.cfg.Alert.Throttle
	if throttle <= 0 {
		throttle = 5 * time.Minute
	}
	c.alerts = alert.NewManager(channels, throttle)

	switch {
	case c.cfg.Store.Path != "":
		c.store, err = store.Open(store.Options{Path: c.cfg.Store.Path})
	case c.cfg.DryRun:
		c.store, err = store.Open(store.Options{InMemory: true})
	}
	if err != nil {
		return fmt.Errorf("open store failed: %w", err)
	}
	return nil
}

func (c *Container) backoff() gateway.BackoffPolicy {
	p := gateway.DefaultBackoff()
	g := c.cfg.Gateway
	if g.MaxAttempts > 0 {
		p.MaxAttempts = g.MaxAttempts
	}
	if g.BaseDelay > 0 {
		p.BaseDelay = g.BaseDelay
	}
	if g.MaxDelay > 0 {
		p.MaxDelay = g.MaxDelay
	}
	return p
}

func (c *Container) buildGateway() error {
	g := c.cfg.Gateway
	lg := c.logger.Logger.Named("gateway")
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var limiter gateway.RateLimiter
	if g.RateLimit > 0 {
		limiter = gateway.NewTokenBucketLimiter(g.RateLimit, g.Burst)
	}
	retryOpts := []gateway.RetryOption{
		gateway.WithRetryLogger(lg),
		gateway.WithRetryHook(func(op string, _ int, _ error) { c.monitor.RecordGatewayRetry(op) }),
	}
	streamOpts := []gateway.StreamOption{
		gateway.WithStreamLogger(lg),
		gateway.WithStreamBackoff(c.backoff()),
	}

	if c.cfg.DryRun || c.injected {
		if c.paper == nil {
			equity := g.PaperEquity
			if equity <= 0 {
				equity = defaultPaperEquity
			}
			c.paper = gateway.NewPaper(equity)
		}
		if !c.injected {
			// 只用公开接口：行情驱动模拟撮合，不下真实订单
			public := gateway.NewBinanceRESTClient(g.BaseURL, "", "", timeout)
			c.paper.Upstream = gateway.NewBinanceStream(g.WSEndpoint, nil, streamOpts...)
			c.seed = &paperSeed{
				paper:   c.paper,
				prices:  gateway.NewRetrying(public, limiter, c.backoff(), retryOpts...),
				symbols: c.cfg.SymbolNames(),
				logger:  lg,
			}
		}
		c.gateway = c.paper
		c.stream = c.paper
		c.logger.Info("gateway built", zap.String("mode", "paper"))
		return nil
	}

	rest := gateway.NewBinanceRESTClient(g.BaseURL, g.APIKey, g.APISecret, timeout)
	c.gateway = gateway.NewRetrying(rest, limiter, c.backoff(), retryOpts...)
	c.stream = gateway.NewBinanceStream(g.WSEndpoint, rest, streamOpts...)
	c.logger.Info("gateway built", zap.String("mode", "live"))
	return nil
}

func (c *Container) buildCoreServices() error {
	p := c.cfg.Portfolio
	capital, err := portfolio.ParseCapital(p.TotalCapital)
	if err != nil {
		return err
	}
	c.coordinator, err = portfolio.New(portfolio.Config{
		TotalCapital:    capital,
		EquityInterval:  p.EquityInterval,
		ReportInterval:  p.ReportInterval,
		PriceInterval:   p.PriceInterval,
		StaleAfter:      p.StaleAfter,
		FillInterval:    p.FillInterval,
		DesyncTolerance: p.DesyncTolerance,
		CorrectionBps:   p.CorrectionBps,
		CorrectDesync:   p.CorrectDesync,
		AccountRisk:     p.AccountRisk,
		MinMarginRate:   p.MinMarginRate,
		CancelOnStop:    p.CancelOnStop,
	}, portfolio.Components{
		Gateway: c.gateway,
		Stream:  c.stream,
		Monitor: c.monitor,
		Alerts:  c.alerts,
		Logger:  c.logger.Logger,
	})
	if err != nil {
		return err
	}

	for _, sym := range c.cfg.SymbolNames() {
		sc := c.cfg.Symbols[sym]
		var opts []strategy.Option
		if !capital.IsZero() {
			opts = append(opts, strategy.WithExternalCompounding())
		}
		if p.AccountRisk {
			// 账户级保证金检查替代逐交易对检查
			opts = append(opts, strategy.WithMarginCheck(nil))
		}
		t, err := engine.New(engine.Config{
			Grid: sc.GridConfig(sym),
			Constraints: order.SymbolConstraints{
				TickSize:    sc.TickSize,
				StepSize:    sc.StepSize,
				MinQty:      sc.MinQty,
				MinNotional: sc.MinNotional,
			},
			HealthInterval: p.HealthInterval,
			MaxOffsetTicks: sc.MaxOffsetTicks,
		}, engine.Components{
			Gateway: c.gateway,
			Store:   c.store,
			Monitor: c.monitor,
			Alerts:  c.alerts,
			Logger:  c.logger.Logger,
		}, opts...)
		if err != nil {
			return fmt.Errorf("symbol %s: %w", sym, err)
		}
		if err := c.coordinator.Add(t, sc.EffectiveWeight()); err != nil {
			return err
		}
	}
	c.logger.Info("core services built", zap.Int("traders", len(c.cfg.Symbols)))
	return nil
}

func (c *Container) registerLifecycleComponents() error {
	if c.cfg.Metrics.Addr != "" {
		c.metrics = metrics.NewServer(c.cfg.Metrics.Addr, c.monitor.Handler(), c.HealthCheck, c.logger.Logger)
		c.lifecycle.Register("metrics_server", c.metrics)
	}
	if c.seed != nil {
		c.lifecycle.Register("paper_seed", c.seed)
	}
	c.lifecycle.Register("portfolio", c.coordinator)
	c.lifecycle.Register("status_loop", newStatusLoop(c.coordinator, c.logger))
	if c.cfgPath != "" {
		w, err := config.NewWatcher(c.cfgPath, config.WithWatcherLogger(c.logger.Logger))
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		c.lifecycle.Register("config_watcher", newConfigWatchLoop(w, c.cfg, c.monitor, c.logger.Logger.Named("config")))
	}
	return nil
}

// Start 按注册顺序启动组件
func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件并关闭存储与日志。挂单是否撤销由 portfolio.cancelOnStop 决定。
func (c *Container) Stop() error {
	c.logger.Info("stopping container")
	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	return errors.Join(err, c.closeResources())
}

func (c *Container) closeResources() error {
	var errs []error
	if c.store != nil {
		errs = append(errs, c.store.Close())
		c.store = nil
	}
	if c.logger != nil {
		c.logger.Info("container stopped")
		if err := c.logger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HealthCheck 任一组件不健康即返回错误
func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Coordinator 组合协调器
func (c *Container) Coordinator() *portfolio.Coordinator { return c.coordinator }

// Monitor 指标集合
func (c *Container) Monitor() *monitor.Monitor { return c.monitor }

// MetricsAddr 指标服务实际监听地址；未启用时为空
func (c *Container) MetricsAddr() string {
	if c.metrics == nil {
		return ""
	}
	return c.metrics.Addr()
}

// Logger 容器日志
func (c *Container) Logger() *zap.Logger { return c.logger.Logger }
