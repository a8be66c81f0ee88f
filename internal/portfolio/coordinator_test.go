package portfolio_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-trader-go/gateway"
	"grid-trader-go/infrastructure/monitor"
	"grid-trader-go/internal/engine"
	"grid-trader-go/internal/portfolio"
	"grid-trader-go/market"
	"grid-trader-go/strategy"
)

const (
	eth = "ETHUSDC"
	btc = "BTCUSDC"
)

func gridConfig(symbol string) strategy.GridConfig {
	return strategy.GridConfig{
		Symbol:    symbol,
		PriceMin:  100,
		PriceMax:  200,
		StepCount: 10,
		Sequence:  strategy.Arithmetic,
		Direction: strategy.Neutral,
		Capital:   10000,
		Leverage:  1,
		TickSize:  0.01,
		QtyStep:   0.001,
	}
}

func newPaper(balance float64, symbols ...string) *gateway.Paper {
	p := gateway.NewPaper(balance)
	for _, s := range symbols {
		p.SetPrice(market.Tick{Symbol: s, Price: 150, Ts: time.Now()})
	}
	return p
}

func newTrader(t *testing.T, p *gateway.Paper, cfg strategy.GridConfig) *engine.Trader {
	t.Helper()
	tr, err := engine.New(engine.Config{Grid: cfg, HealthInterval: time.Hour},
		engine.Components{Gateway: p}, strategy.WithExternalCompounding())
	require.NoError(t, err)
	return tr
}

func newCoordinator(t *testing.T, p *gateway.Paper, cfg portfolio.Config, traders ...*engine.Trader) *portfolio.Coordinator {
	t.Helper()
	c, err := portfolio.New(cfg, portfolio.Components{
		Gateway: p,
		Monitor: monitor.New(monitor.DefaultConfig()),
	})
	require.NoError(t, err)
	for _, tr := range traders {
		require.NoError(t, c.Add(tr, 1))
	}
	return c
}

func openOrders(t *testing.T, p *gateway.Paper, symbol string, side market.Side) []gateway.LiveOrder {
	t.Helper()
	orders, err := p.FetchOpenOrders(context.Background(), symbol)
	require.NoError(t, err)
	var out []gateway.LiveOrder
	for _, o := range orders {
		if o.Side == side {
			out = append(out, o)
		}
	}
	return out
}

func TestCoordinatorRegistration(t *testing.T) {
	_, err := portfolio.New(portfolio.Config{}, portfolio.Components{})
	assert.Error(t, err)

	p := newPaper(10000, eth)
	c := newCoordinator(t, p, portfolio.Config{})
	assert.Error(t, c.Initialize(context.Background()))

	tr := newTrader(t, p, gridConfig(eth))
	require.NoError(t, c.Add(tr, 1))
	assert.Error(t, c.Add(newTrader(t, p, gridConfig(eth)), 1))
	assert.Equal(t, []string{eth}, c.Symbols())

	got, ok := c.Trader(eth)
	require.True(t, ok)
	assert.Same(t, tr, got)
	_, ok = c.Trader(btc)
	assert.False(t, ok)
}

func TestCoordinatorAllocatesCapitalByWeight(t *testing.T) {
	p := newPaper(40000, eth, btc)
	ethCfg := gridConfig(eth)
	ethCfg.Compounding = true
	ethTrader := newTrader(t, p, ethCfg)
	btcTrader := newTrader(t, p, gridConfig(btc))

	c := newCoordinator(t, p, portfolio.Config{TotalCapital: portfolio.CapitalSpec{Ratio: 0.5}})
	require.NoError(t, c.Add(ethTrader, 1))
	require.NoError(t, c.Add(btcTrader, 3))

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	assert.InDelta(t, 5000.0, ethTrader.View().Capital, 1e-9)
	assert.InDelta(t, 15000.0, btcTrader.View().Capital, 1e-9)

	// 权益上涨后只有开启复利的交易对跟随调整
	p.SetPosition(eth, 100, 50)
	equity, err := c.SyncEquity(ctx, false)
	require.NoError(t, err)
	assert.InDelta(t, 50000.0, equity, 1e-9)
	assert.InDelta(t, 6250.0, ethTrader.View().Capital, 1e-9)
	assert.InDelta(t, 15000.0, btcTrader.View().Capital, 1e-9)
}

func TestCoordinatorAccountRiskLiquidatesAll(t *testing.T) {
	p := newPaper(1, eth)
	p.SetPosition(eth, 12.12, 150)
	tr := newTrader(t, p, gridConfig(eth))
	c := newCoordinator(t, p, portfolio.Config{AccountRisk: true}, tr)

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	require.Equal(t, strategy.Active, tr.View().State)
	require.NotEmpty(t, openOrders(t, p, eth, market.Buy))

	_, err := c.SyncEquity(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, strategy.Liquidated, tr.View().State)
	assert.Empty(t, openOrders(t, p, eth, market.Buy))
	assert.Empty(t, openOrders(t, p, eth, market.Sell))
	select {
	case ev := <-tr.Statuses():
		assert.Contains(t, ev.Reason, "account margin rate")
	default:
		t.Fatal("expected liquidation event")
	}
}

func TestCoordinatorReportAdoptsSmallDrift(t *testing.T) {
	p := newPaper(10000, eth)
	p.SetPosition(eth, 12.12, 145)
	tr := newTrader(t, p, gridConfig(eth))
	c := newCoordinator(t, p, portfolio.Config{CorrectDesync: true}, tr)

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	p.SetPosition(eth, 12.2, 145)
	rep, err := c.Report(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Symbols, 1)
	assert.Nil(t, rep.Symbols[0].Desync)
	assert.InDelta(t, 61.0, rep.TotalUnrealized, 1e-9)
	assert.InDelta(t, 61.0, rep.Total(), 1e-9)

	assert.InDelta(t, 12.2, tr.View().Position, 1e-9)
	assert.Len(t, c.Status(), 0)
}

func TestCoordinatorReportCorrectsDesync(t *testing.T) {
	p := newPaper(10000, eth)
	tr := newTrader(t, p, gridConfig(eth))
	c := newCoordinator(t, p, portfolio.Config{CorrectDesync: true}, tr)

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	// 交易所多出 1 个：卖出校正，价格让 5bp
	p.SetPosition(eth, 1, 150)
	rep, err := c.Report(ctx)
	require.NoError(t, err)
	w := rep.Symbols[0].Desync
	require.NotNil(t, w)
	assert.Equal(t, market.Sell, w.Side)
	assert.InDelta(t, 1.0, w.Quantity, 1e-9)
	assert.InDelta(t, 149.925, w.Price, 0.011)
	require.NotEmpty(t, w.OrderID)
	assert.NoError(t, w.Err)

	var correction gateway.LiveOrder
	for _, o := range openOrders(t, p, eth, market.Sell) {
		if strings.HasPrefix(o.ClientID, engine.CorrectionClientIDPrefix) {
			correction = o
		}
	}
	assert.Equal(t, w.OrderID, correction.OrderID)
	assert.LessOrEqual(t, len(correction.ClientID), 36)

	select {
	case s := <-c.Status():
		assert.Equal(t, portfolio.StatusDesync, s.Kind)
		assert.Equal(t, eth, s.Symbol)
	default:
		t.Fatal("expected desync status")
	}

	// 逻辑仓位保持不变，校正单不被对账撤销
	assert.Zero(t, tr.View().Position)
	_, err = tr.ReconcileNow(ctx)
	require.NoError(t, err)
	assert.Len(t, openOrders(t, p, eth, market.Sell), 4)
}

func TestCoordinatorReportWarnsWithoutCorrection(t *testing.T) {
	p := newPaper(10000, eth)
	tr := newTrader(t, p, gridConfig(eth))
	c := newCoordinator(t, p, portfolio.Config{}, tr)

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	p.SetPosition(eth, -2, 150)

	rep, err := c.Report(ctx)
	require.NoError(t, err)
	w := rep.Symbols[0].Desync
	require.NotNil(t, w)
	assert.Equal(t, market.Buy, w.Side)
	assert.Empty(t, w.OrderID)
	assert.Contains(t, w.Error(), "position desync")
	assert.Len(t, openOrders(t, p, eth, market.Buy), 3)
}

func TestCoordinatorRestPriceFallback(t *testing.T) {
	p := newPaper(10000, eth)
	tr := newTrader(t, p, gridConfig(eth))
	c := newCoordinator(t, p, portfolio.Config{StaleAfter: time.Nanosecond}, tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Initialize(ctx))

	p.SetPrice(market.Tick{Symbol: eth, Price: 155, Ts: time.Now()})
	time.Sleep(time.Millisecond)
	c.CheckPrices(ctx)

	require.NoError(t, tr.Start(ctx))
	defer func() { _ = tr.Stop() }()
	require.Eventually(t, func() bool {
		return tr.View().LastPrice == 155
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinatorLifecycle(t *testing.T) {
	p := newPaper(10000, eth)
	tr := newTrader(t, p, gridConfig(eth))
	c := newCoordinator(t, p, portfolio.Config{CancelOnStop: true}, tr)

	assert.Error(t, c.Health())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	assert.Error(t, c.Start(ctx))
	assert.NoError(t, c.Health())

	// 重连后全量对账补齐被交易所侧撤掉的挂单
	buys := openOrders(t, p, eth, market.Buy)
	require.Len(t, buys, 3)
	p.RemoveOrder(buys[0].OrderID)
	c.OnReconnect()
	require.Eventually(t, func() bool {
		return len(openOrders(t, p, eth, market.Buy)) == 3
	}, 2*time.Second, 10*time.Millisecond)

	var at140 gateway.LiveOrder
	for _, o := range openOrders(t, p, eth, market.Buy) {
		if o.Price == 140 {
			at140 = o
		}
	}
	require.NotEmpty(t, at140.OrderID)
	p.RemoveOrder(at140.OrderID)
	p.SetPrice(market.Tick{Symbol: eth, Price: 140, Ts: time.Now()})
	c.OnFill(market.Fill{Symbol: eth, Side: market.Buy, Price: 140, Qty: at140.Quantity, OrderID: at140.OrderID})
	c.OnPrice(market.Tick{Symbol: eth, Price: 140, Ts: time.Now()})
	c.OnFill(market.Fill{Symbol: btc, Side: market.Buy, Price: 140, Qty: 1, OrderID: "x"})

	require.Eventually(t, func() bool {
		return tr.View().Position == at140.Quantity
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())
	assert.Error(t, c.Health())
	assert.Empty(t, openOrders(t, p, eth, market.Buy))
	assert.Empty(t, openOrders(t, p, eth, market.Sell))
}

func TestCoordinatorReconcileAll(t *testing.T) {
	p := newPaper(10000, eth, btc)
	ethTrader := newTrader(t, p, gridConfig(eth))
	btcTrader := newTrader(t, p, gridConfig(btc))
	c := newCoordinator(t, p, portfolio.Config{}, ethTrader, btcTrader)

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	for _, o := range openOrders(t, p, btc, market.Sell) {
		p.RemoveOrder(o.OrderID)
	}
	require.NoError(t, c.ReconcileAll(ctx))
	assert.Len(t, openOrders(t, p, btc, market.Sell), 3)
	assert.Len(t, openOrders(t, p, eth, market.Sell), 3)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, c.ReconcileAll(cctx), context.Canceled)
}

func buyPrices(t *testing.T, p *gateway.Paper, symbol string) []float64 {
	t.Helper()
	var out []float64
	for _, o := range openOrders(t, p, symbol, market.Buy) {
		out = append(out, o.Price)
	}
	return out
}

func TestCoordinatorReconcileAllReplaysFillsMissedWhileDisconnected(t *testing.T) {
	p := newPaper(10000, eth)
	tr := newTrader(t, p, gridConfig(eth))
	c := newCoordinator(t, p, portfolio.Config{}, tr)

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	require.Equal(t, []float64{120, 130, 140}, buyPrices(t, p, eth))

	// 断线期间 140 买单成交，价格随后回到 150
	p.SetPrice(market.Tick{Symbol: eth, Price: 139, Ts: time.Now()})
	p.SetPrice(market.Tick{Symbol: eth, Price: 150, Ts: time.Now()})
	venue, err := p.FetchPosition(ctx, eth)
	require.NoError(t, err)
	require.InDelta(t, 6.06, venue.Quantity, 1e-9)
	require.Zero(t, tr.View().Position)

	require.NoError(t, c.ReconcileAll(ctx))

	v := tr.View()
	assert.InDelta(t, venue.Quantity, v.Position, 1e-9)
	assert.InDelta(t, 140.0, v.AvgPrice, 1e-9)
	assert.Equal(t, 1, v.GridCount)
	assert.InDelta(t, 130.0, v.Grid.BoundaryDown, 1e-9)
	assert.Equal(t, int64(1), tr.GetStatistics().TotalFills)
	assert.NotContains(t, buyPrices(t, p, eth), 140.0)
	assert.Equal(t, []float64{110, 120, 130}, buyPrices(t, p, eth))

	// 再次同步不会重复记账
	require.NoError(t, c.ReconcileAll(ctx))
	assert.InDelta(t, venue.Quantity, tr.View().Position, 1e-9)
	assert.Equal(t, int64(1), tr.GetStatistics().TotalFills)
}

func TestCoordinatorCheckFillsRecoversWithoutReconnect(t *testing.T) {
	p := newPaper(10000, eth, btc)
	ethTrader := newTrader(t, p, gridConfig(eth))
	btcTrader := newTrader(t, p, gridConfig(btc))
	c := newCoordinator(t, p, portfolio.Config{}, ethTrader, btcTrader)

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	// 推送丢了 BTC 160 卖单的成交
	p.SetPrice(market.Tick{Symbol: btc, Price: 161, Ts: time.Now()})
	c.CheckFills(ctx)

	v := btcTrader.View()
	assert.InDelta(t, -6.06, v.Position, 1e-9)
	assert.InDelta(t, 170.0, v.Grid.BoundaryUp, 1e-9)
	assert.Zero(t, ethTrader.View().Position)
	assert.Equal(t, int64(1), btcTrader.GetStatistics().TotalFills)

	c.CheckFills(ctx)
	assert.Equal(t, int64(1), btcTrader.GetStatistics().TotalFills)
}
