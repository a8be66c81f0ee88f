package container

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"grid-trader-go/config"
	"grid-trader-go/gateway"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/infrastructure/monitor"
	"grid-trader-go/internal/portfolio"
	"grid-trader-go/market"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	components []namedComponent
	mu         sync.RWMutex
}

type namedComponent struct {
	name string
	Lifecycle
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{}
}

// Register 注册组件，按注册顺序启动、逆序停止
func (m *LifecycleManager) Register(name string, component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, namedComponent{name: name, Lifecycle: component})
}

// Names 已注册组件名称
func (m *LifecycleManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.components))
	for _, c := range m.components {
		out = append(out, c.name)
	}
	return out
}

// StartAll 按顺序启动所有组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			// 启动失败，回滚已启动的组件
			for j := i - 1; j >= 0; j-- {
				_ = m.components[j].Stop()
			}
			return fmt.Errorf("start %s failed: %w", component.name, err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for i := len(m.components) - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", m.components[i].name, err))
		}
	}
	return errors.Join(errs...)
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, component := range m.components {
		if err := component.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", component.name, err)
		}
	}
	return nil
}

// loop 后台 goroutine 组件的通用骨架
type loop struct {
	run func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		l.run(ctx)
	}(l.done)
	return nil
}

func (l *loop) Stop() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (l *loop) Health() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		return errors.New("not running")
	}
	select {
	case <-l.done:
		return errors.New("exited")
	default:
		return nil
	}
}

// newStatusLoop 消费组合层状态事件并写入风控日志
func newStatusLoop(c *portfolio.Coordinator, lg *logger.Logger) *loop {
	return &loop{run: func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-c.Status():
				fields := map[string]interface{}{"symbol": s.Symbol}
				switch {
				case s.Liquidation != nil:
					fields["reason"] = s.Liquidation.Reason
					fields["price"] = s.Liquidation.Price
					fields["margin_rate"] = s.Liquidation.MarginRate
				case s.Desync != nil:
					fields["reason"] = s.Desync.Error()
					fields["logical"] = s.Desync.Logical
					fields["venue"] = s.Desync.Venue
				}
				lg.LogRisk(s.Kind.String(), fields)
			}
		}
	}}
}

// newConfigWatchLoop 配置文件变更只记录差异与计数，运行中的参数不变，需重启生效
func newConfigWatchLoop(w *config.Watcher, current config.AppConfig, mon *monitor.Monitor, lg *zap.Logger) *loop {
	return &loop{run: func(ctx context.Context) {
		err := w.Run(ctx, func(cfg config.AppConfig, err error) {
			if current.DryRun && errors.Is(err, config.ErrMissingCredentials) {
				cfg.DryRun = true
				err = config.Validate(cfg)
			}
			if err != nil {
				lg.Warn("config change rejected", zap.Error(err))
				return
			}
			changed := config.Diff(current, cfg)
			if len(changed) == 0 {
				return
			}
			mon.RecordConfigChange()
			lg.Warn("config changed on disk, restart required", zap.Strings("sections", changed))
			current = cfg
		})
		if err != nil {
			lg.Warn("config watcher stopped", zap.Error(err))
		}
	}}
}

// paperSeed dry-run 启动前用公开行情为模拟盘写入最新价
type paperSeed struct {
	paper   *gateway.Paper
	prices  gateway.ExchangeGateway
	symbols []string
	logger  *zap.Logger
}

func (s *paperSeed) Start(ctx context.Context) error {
	for _, sym := range s.symbols {
		p, err := s.prices.FetchPrice(ctx, sym)
		if err != nil {
			return fmt.Errorf("seed %s price: %w", sym, err)
		}
		s.paper.SetPrice(market.Tick{Symbol: sym, Price: p, Ts: timeNow()})
		s.logger.Info("paper price seeded", zap.String("symbol", sym), zap.Float64("price", p))
	}
	return nil
}

func (s *paperSeed) Stop() error   { return nil }
func (s *paperSeed) Health() error { return nil }
