package order

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-trader-go/gateway"
	"grid-trader-go/market"
)

const sym = "ETHUSDC"

func gridPlan(position float64) Plan {
	return Plan{
		Anchor:   150,
		Position: position,
		Desired: []DesiredOrder{
			{Side: market.Buy, Layer: 0, Price: 140, Quantity: 1},
			{Side: market.Buy, Layer: 1, Price: 130, Quantity: 1},
			{Side: market.Buy, Layer: 2, Price: 120, Quantity: 1},
			{Side: market.Sell, Layer: 0, Price: 160, Quantity: 1},
			{Side: market.Sell, Layer: 1, Price: 170, Quantity: 1},
			{Side: market.Sell, Layer: 2, Price: 180, Quantity: 1},
		},
	}
}

func newPaper(price float64) *gateway.Paper {
	p := gateway.NewPaper(10_000)
	p.SetPrice(market.Tick{Symbol: sym, Price: price})
	return p
}

func newReconciler(gw gateway.ExchangeGateway, plan *Plan, mutate ...func(*ReconcilerConfig)) *Reconciler {
	cfg := ReconcilerConfig{
		Symbol:           sym,
		LayersPerSide:    3,
		RejectRetryLimit: 1,
		HealthInterval:   time.Hour,
		Constraints:      SymbolConstraints{TickSize: 0.01, StepSize: 0.001},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	var mu sync.Mutex
	return NewReconciler(gw, PlanFunc(func() Plan {
		mu.Lock()
		defer mu.Unlock()
		return *plan
	}), cfg)
}

func openPrices(t *testing.T, gw gateway.ExchangeGateway, side market.Side) []float64 {
	t.Helper()
	orders, err := gw.FetchOpenOrders(context.Background(), sym)
	require.NoError(t, err)
	var out []float64
	for _, o := range orders {
		if o.Side == side {
			out = append(out, o.Price)
		}
	}
	return out
}

func TestReconcilerPlacesFullGridFromEmpty(t *testing.T) {
	paper := newPaper(150)
	plan := gridPlan(0)
	r := newReconciler(paper, &plan)

	res, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Placed)
	assert.Equal(t, []float64{120, 130, 140}, openPrices(t, paper, market.Buy))
	assert.Equal(t, []float64{160, 170, 180}, openPrices(t, paper, market.Sell))
	assert.Len(t, r.OpenOrders(), 6)

	orders, _ := paper.FetchOpenOrders(context.Background(), sym)
	for _, o := range orders {
		assert.Regexp(t, `^grid-[0-9a-f]{24}$`, o.ClientID)
	}
}

func TestReconcilerCancelsFurthestAndFillsGaps(t *testing.T) {
	paper := newPaper(150)
	for _, px := range []float64{140, 130, 120, 110, 100} {
		paper.InjectOrder(gateway.LiveOrder{Symbol: sym, Side: market.Buy, Price: px, Quantity: 1})
	}
	paper.InjectOrder(gateway.LiveOrder{Symbol: sym, Side: market.Sell, Price: 160, Quantity: 1})

	plan := gridPlan(0)
	r := newReconciler(paper, &plan)
	res, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Canceled)
	assert.Equal(t, 2, res.Placed)
	assert.Equal(t, 4, res.Ops())
	assert.Equal(t, []float64{120, 130, 140}, openPrices(t, paper, market.Buy))
	assert.Equal(t, []float64{160, 170, 180}, openPrices(t, paper, market.Sell))
}

func TestReconcilerIsIdempotent(t *testing.T) {
	paper := newPaper(150)
	plan := gridPlan(0)
	r := newReconciler(paper, &plan, func(c *ReconcilerConfig) { c.MakerOffsetTicks = 2 })

	_, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{119.98, 129.98, 139.98}, openPrices(t, paper, market.Buy))

	res, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Ops())

	placed, canceled := paper.Stats()
	assert.Equal(t, 6, placed)
	assert.Zero(t, canceled)
}

func TestReconcilerFollowsMovedGrid(t *testing.T) {
	paper := newPaper(150)
	plan := gridPlan(0)
	r := newReconciler(paper, &plan)
	_, err := r.Pass(context.Background())
	require.NoError(t, err)

	// 价格上移一格：买单整体上移，卖单整体上移
	plan = Plan{Anchor: 160, Desired: []DesiredOrder{
		{Side: market.Buy, Layer: 0, Price: 150, Quantity: 1},
		{Side: market.Buy, Layer: 1, Price: 140, Quantity: 1},
		{Side: market.Buy, Layer: 2, Price: 130, Quantity: 1},
		{Side: market.Sell, Layer: 0, Price: 170, Quantity: 1},
		{Side: market.Sell, Layer: 1, Price: 180, Quantity: 1},
		{Side: market.Sell, Layer: 2, Price: 190, Quantity: 1},
	}}
	paper.SetPrice(market.Tick{Symbol: sym, Price: 159})
	res, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Canceled) // 120 与 160
	assert.Equal(t, 2, res.Placed)   // 150 与 190
	assert.Equal(t, []float64{130, 140, 150}, openPrices(t, paper, market.Buy))
	assert.Equal(t, []float64{170, 180, 190}, openPrices(t, paper, market.Sell))
}

func TestReconcilerNeverExceedsLayers(t *testing.T) {
	paper := newPaper(150)
	plan := gridPlan(0)
	plan.Desired = append(plan.Desired, DesiredOrder{Side: market.Buy, Layer: 3, Price: 110, Quantity: 1})
	r := newReconciler(paper, &plan)
	_, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Len(t, openPrices(t, paper, market.Buy), 3)

	// 撤单失败的挂单仍占用名额：空出的 160 卖单位不会被补上
	ctx := context.Background()
	orders, err := paper.FetchOpenOrders(ctx, sym)
	require.NoError(t, err)
	for _, o := range orders {
		if o.Side == market.Sell && o.Price == 160 {
			paper.RemoveOrder(o.OrderID)
		}
	}
	paper.InjectOrder(gateway.LiveOrder{Symbol: sym, Side: market.Sell, Price: 300, Quantity: 1})
	paper.FailNext("cancel_order", errors.New("boom"))
	res, err := r.Pass(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Placed)
	assert.Equal(t, []float64{170, 180, 300}, openPrices(t, paper, market.Sell))

	// 下一轮撤单成功后补齐
	res, err = r.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Canceled)
	assert.Equal(t, 1, res.Placed)
	assert.Equal(t, []float64{160, 170, 180}, openPrices(t, paper, market.Sell))
}

func TestReconcilerCapsClosingOrders(t *testing.T) {
	paper := newPaper(150)
	plan := Plan{Anchor: 150, Position: 1.5, Desired: []DesiredOrder{
		{Side: market.Sell, Layer: 0, Price: 160, Quantity: 1, Closing: true},
		{Side: market.Sell, Layer: 1, Price: 170, Quantity: 1, Closing: true},
		{Side: market.Sell, Layer: 2, Price: 180, Quantity: 1, Closing: true},
	}}
	r := newReconciler(paper, &plan)
	res, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Placed)
	assert.Equal(t, 1, res.Skipped)

	orders, _ := paper.FetchOpenOrders(context.Background(), sym)
	total := 0.0
	for _, o := range orders {
		assert.LessOrEqual(t, o.Quantity, 1.5)
		total += o.Quantity
	}
	assert.InDelta(t, 1.5, total, 1e-9)

	// 第二轮：已挂的平仓单占用额度，不再追加
	res, err = r.Pass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Placed)
}

func TestReconcilerWidensOffsetAfterRejects(t *testing.T) {
	paper := newPaper(139.995)
	plan := Plan{Anchor: 139.995, Desired: []DesiredOrder{
		{Side: market.Buy, Layer: 0, Price: 140, Quantity: 1},
	}}
	r := newReconciler(paper, &plan)
	ctx := context.Background()

	res, err := r.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 0, r.Offset(market.Buy))

	res, err = r.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 1, r.Offset(market.Buy))

	res, err = r.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Placed)
	assert.Equal(t, []float64{139.99}, openPrices(t, paper, market.Buy))
	assert.Equal(t, 0, r.Offset(market.Sell))

	st := r.GetStatistics()
	assert.Equal(t, int64(3), st.TotalPasses)
	assert.Equal(t, int64(2), st.Rejects)
	assert.Equal(t, 1, st.BuyOffset)
}

func TestReconcilerHaltedCancelsEverything(t *testing.T) {
	paper := newPaper(150)
	plan := gridPlan(0)
	r := newReconciler(paper, &plan)
	_, err := r.Pass(context.Background())
	require.NoError(t, err)

	plan = Plan{Halted: true}
	res, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Canceled)
	assert.Zero(t, res.Placed)
	orders, _ := paper.FetchOpenOrders(context.Background(), sym)
	assert.Empty(t, orders)
}

func TestReconcilerLeavesExcludedOrders(t *testing.T) {
	paper := newPaper(150)
	paper.InjectOrder(gateway.LiveOrder{Symbol: sym, Side: market.Sell, Price: 149.93, Quantity: 2, ClientID: "fix-1"})
	plan := gridPlan(0)
	r := newReconciler(paper, &plan, func(c *ReconcilerConfig) { c.ExcludePrefix = "fix-" })

	res, err := r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Placed)
	assert.Zero(t, res.Canceled)
	assert.Equal(t, []float64{149.93, 160, 170, 180}, openPrices(t, paper, market.Sell))

	plan = Plan{Halted: true}
	res, err = r.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, res.Canceled)
}

func TestReconcilerFetchFailureLeavesVenueUntouched(t *testing.T) {
	paper := newPaper(150)
	plan := gridPlan(0)
	r := newReconciler(paper, &plan)
	paper.FailNext("fetch_open_orders", gateway.Retryable("fetch_open_orders", errors.New("timeout")))

	res, err := r.Pass(context.Background())
	require.Error(t, err)
	assert.Zero(t, res.Ops())
	placed, _ := paper.Stats()
	assert.Zero(t, placed)
	assert.Equal(t, int64(1), r.GetStatistics().FailedPasses)
}

// blockingGateway 第一次查询挂单时阻塞，用于观察触发合并。
type blockingGateway struct {
	*gateway.Paper
	calls   atomic.Int32
	release chan struct{}
}

func (b *blockingGateway) FetchOpenOrders(ctx context.Context, symbol string) ([]gateway.LiveOrder, error) {
	if b.calls.Add(1) == 1 {
		<-b.release
	}
	return b.Paper.FetchOpenOrders(ctx, symbol)
}

func TestReconcilerCoalescesTriggers(t *testing.T) {
	gw := &blockingGateway{Paper: newPaper(150), release: make(chan struct{})}
	plan := gridPlan(0)
	r := newReconciler(gw, &plan)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	require.Error(t, r.Start(ctx))

	r.Trigger("fill")
	require.Eventually(t, func() bool { return gw.calls.Load() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 10; i++ {
		r.Trigger("price")
	}
	close(gw.release)

	require.Eventually(t, func() bool { return gw.calls.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), gw.calls.Load())

	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
	assert.Equal(t, int64(2), r.GetStatistics().TotalPasses)
}

func TestReconcilerRejectCounterResetsOnSuccess(t *testing.T) {
	paper := newPaper(150)
	plan := Plan{Anchor: 150, Desired: []DesiredOrder{
		{Side: market.Buy, Layer: 0, Price: 140, Quantity: 1},
	}}
	r := newReconciler(paper, &plan, func(c *ReconcilerConfig) { c.RejectRetryLimit = 3 })
	ctx := context.Background()
	wouldCross := func() error {
		return &gateway.RejectedError{Reason: gateway.RejectWouldCross, Code: -5022, Message: "post only"}
	}

	for i := 0; i < 2; i++ {
		paper.FailNext("place_order", wouldCross())
		res, err := r.Pass(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Rejected)
	}
	assert.Equal(t, 0, r.Offset(market.Buy))

	res, err := r.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Placed)

	// 交易所侧撤单后重新挂单，又遇到两次拒单：计数已清零，偏移不变
	orders, err := paper.FetchOpenOrders(ctx, sym)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	paper.RemoveOrder(orders[0].OrderID)
	for i := 0; i < 2; i++ {
		paper.FailNext("place_order", wouldCross())
		res, err := r.Pass(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Rejected)
	}
	assert.Equal(t, 0, r.Offset(market.Buy))

	res, err = r.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Placed)
	assert.Equal(t, []float64{140}, openPrices(t, paper, market.Buy))
}

func TestReconcilerRecoversFillsMissedByStream(t *testing.T) {
	paper := newPaper(150)
	plan := gridPlan(0)
	r := newReconciler(paper, &plan)
	ctx := context.Background()
	_, err := r.Pass(ctx)
	require.NoError(t, err)

	fills, err := r.RecoverFills(ctx)
	require.NoError(t, err)
	assert.Empty(t, fills)

	var buy140, sell180 gateway.LiveOrder
	for _, o := range r.OpenOrders() {
		switch o.Price {
		case 140:
			buy140 = o
		case 180:
			sell180 = o
		}
	}
	require.NotEmpty(t, buy140.OrderID)
	require.NotEmpty(t, sell180.OrderID)

	// 没有推送订阅，成交只发生在交易所侧；随后一轮对账刷新了挂单缓存
	paper.SetPrice(market.Tick{Symbol: sym, Price: 139})
	paper.RemoveOrder(sell180.OrderID)
	_, err = r.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Pending())

	paper.FailNext("fetch_order", gateway.Retryable("fetch_order", errors.New("timeout")))
	fills, err = r.RecoverFills(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, r.Pending(), "failed queries are kept for the next sweep")

	all := fills
	if r.Pending() > 0 {
		more, err := r.RecoverFills(ctx)
		require.NoError(t, err)
		all = append(all, more...)
	}
	require.Len(t, all, 1)
	f := all[0]
	assert.Equal(t, buy140.OrderID, f.OrderID)
	assert.Equal(t, buy140.ClientID, f.ClientID)
	assert.Equal(t, market.Buy, f.Side)
	assert.InDelta(t, 140, f.Price, 1e-9)
	assert.InDelta(t, 1, f.Qty, 1e-9)
	assert.Zero(t, r.Pending())

	fills, err = r.RecoverFills(ctx)
	require.NoError(t, err)
	assert.Empty(t, fills)
}

func TestReconcilerCancelAlreadyGoneIsChecked(t *testing.T) {
	paper := newPaper(150)
	plan := gridPlan(0)
	r := newReconciler(paper, &plan)
	ctx := context.Background()
	_, err := r.Pass(ctx)
	require.NoError(t, err)

	// 挂单查询失败时按缓存全撤；已成交的订单撤单返回 AlreadyGone
	paper.SetPrice(market.Tick{Symbol: sym, Price: 139})
	paper.FailNext("fetch_open_orders", gateway.Retryable("fetch_open_orders", errors.New("timeout")))
	res, err := r.CancelAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Canceled)

	fills, err := r.RecoverFills(ctx)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.InDelta(t, 140, fills[0].Price, 1e-9)
}
