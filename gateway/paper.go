package gateway

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"grid-trader-go/market"
)

// Paper 内存撮合的模拟交易所：挂单在价格穿越时整笔成交，并通过 StreamHandler 推送。
// 用于 dry-run 与测试。可选 Upstream 提供真实行情。
type Paper struct {
	Upstream Streamer

	mu        sync.Mutex
	orders    map[string]*LiveOrder
	closed    map[string]LiveOrder // 已成交/已撤订单，供 FetchOrder 查询
	prices    map[string]float64
	positions map[string]*Position
	balance   float64
	realized  float64
	nextID    int64
	handler   StreamHandler
	failures  map[string][]error

	placed   int
	canceled int
}

// NewPaper 创建模拟交易所，balance 为初始保证金余额。
func NewPaper(balance float64) *Paper {
	return &Paper{
		orders:    make(map[string]*LiveOrder),
		closed:    make(map[string]LiveOrder),
		prices:    make(map[string]float64),
		positions: make(map[string]*Position),
		balance:   balance,
		failures:  make(map[string][]error),
	}
}

// FailNext 让下一次 op 调用返回 err（可排队多个），用于模拟网络故障。
// op 取值：place_order、cancel_order、fetch_open_orders、fetch_order、fetch_position、fetch_equity、fetch_price。
func (p *Paper) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

func (p *Paper) takeFailure(op string) error {
	q := p.failures[op]
	if len(q) == 0 {
		return nil
	}
	p.failures[op] = q[1:]
	return q[0]
}

// PlaceOrder 实现 ExchangeGateway。maker-only 订单若会立即成交则拒绝。
func (p *Paper) PlaceOrder(_ context.Context, req PlaceRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("place_order"); err != nil {
		return "", err
	}
	if req.Symbol == "" {
		return "", ErrInvalidSymbol
	}
	if req.Price <= 0 || req.Quantity <= 0 || req.Side.Sign() == 0 {
		return "", &RejectedError{Reason: RejectInvalidParams, Message: "bad price/qty/side"}
	}
	last := p.prices[req.Symbol]
	if last > 0 && crosses(req.Side, req.Price, last) {
		if req.MakerOnly {
			return "", &RejectedError{Reason: RejectWouldCross, Code: -5022, Message: "post only order would immediately match"}
		}
	}
	p.nextID++
	id := strconv.FormatInt(p.nextID, 10)
	p.orders[id] = &LiveOrder{
		OrderID:  id,
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Price:    req.Price,
		Quantity: req.Quantity,
		Status:   StatusNew,
	}
	p.placed++
	return id, nil
}

// CancelOrder 实现 ExchangeGateway；不存在的订单返回 AlreadyGone。
func (p *Paper) CancelOrder(_ context.Context, symbol, orderID string) (CancelResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("cancel_order"); err != nil {
		return CancelFailed, err
	}
	o, ok := p.orders[orderID]
	if !ok || o.Symbol != symbol {
		return AlreadyGone, nil
	}
	p.close(orderID, StatusCanceled)
	p.canceled++
	return Canceled, nil
}

// FetchOpenOrders 按价格排序返回挂单。
func (p *Paper) FetchOpenOrders(_ context.Context, symbol string) ([]LiveOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("fetch_open_orders"); err != nil {
		return nil, err
	}
	out := make([]LiveOrder, 0, len(p.orders))
	for _, o := range p.orders {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out, nil
}

// FetchOrder 查询挂单或已结束订单；未知订单返回 ErrOrderNotFound。
func (p *Paper) FetchOrder(_ context.Context, symbol, orderID string) (LiveOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("fetch_order"); err != nil {
		return LiveOrder{}, err
	}
	if o, ok := p.orders[orderID]; ok && o.Symbol == symbol {
		return *o, nil
	}
	if o, ok := p.closed[orderID]; ok && o.Symbol == symbol {
		return o, nil
	}
	return LiveOrder{}, fmt.Errorf("fetch_order %s: %w", orderID, ErrOrderNotFound)
}

func (p *Paper) FetchPosition(_ context.Context, symbol string) (Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("fetch_position"); err != nil {
		return Position{}, err
	}
	pos := p.position(symbol)
	out := *pos
	if last := p.prices[symbol]; last > 0 {
		out.Unrealized = (last - pos.AvgPrice) * pos.Quantity
	}
	return out, nil
}

// FetchEquity = 余额 + 已实现 + 全部未实现。
func (p *Paper) FetchEquity(_ context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("fetch_equity"); err != nil {
		return 0, err
	}
	equity := p.balance + p.realized
	for sym, pos := range p.positions {
		if last := p.prices[sym]; last > 0 {
			equity += (last - pos.AvgPrice) * pos.Quantity
		}
	}
	return equity, nil
}

func (p *Paper) FetchPrice(_ context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("fetch_price"); err != nil {
		return 0, err
	}
	last, ok := p.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: no price for %s", ErrInvalidSymbol, symbol)
	}
	return last, nil
}

// Run 实现 Streamer：注册 handler；若配置了 Upstream，则其行情驱动撮合。
func (p *Paper) Run(ctx context.Context, symbols []string, handler StreamHandler) error {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.handler = nil
		p.mu.Unlock()
	}()

	if p.Upstream == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.Upstream.Run(ctx, symbols, HandlerFuncs{
		Price: func(t market.Tick) { p.SetPrice(t) },
		// 上游成交属于真实账户，模拟盘忽略
		Fill:      func(market.Fill) {},
		Reconnect: handler.OnReconnect,
	})
}

// SetPrice 更新最新价，撮合被穿越的挂单，并依次推送价格与成交。
func (p *Paper) SetPrice(t market.Tick) {
	p.mu.Lock()
	p.prices[t.Symbol] = t.Price
	var fills []market.Fill
	ids := make([]string, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := p.orders[id]
		if o.Symbol != t.Symbol || !crosses(o.Side, o.Price, t.Price) {
			continue
		}
		p.close(id, StatusFilled)
		p.applyFill(o.Symbol, o.Side, o.Price, o.Quantity)
		fills = append(fills, market.Fill{
			Symbol:   o.Symbol,
			Side:     o.Side,
			Price:    o.Price,
			Qty:      o.Quantity,
			OrderID:  o.OrderID,
			ClientID: o.ClientID,
			Ts:       t.Ts,
		})
	}
	h := p.handler
	p.mu.Unlock()

	if h == nil {
		return
	}
	h.OnPrice(t)
	for _, f := range fills {
		h.OnFill(f)
	}
}

// Reconnect 模拟行情连接重建。
func (p *Paper) Reconnect() {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h.OnReconnect()
	}
}

// InjectOrder 直接放入一笔挂单（模拟外部下单或残留订单）。
func (p *Paper) InjectOrder(o LiveOrder) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	o.OrderID = strconv.FormatInt(p.nextID, 10)
	if o.Status == "" {
		o.Status = StatusNew
	}
	p.orders[o.OrderID] = &o
	return o.OrderID
}

// RemoveOrder 模拟交易所侧撤单。
func (p *Paper) RemoveOrder(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[orderID]; ok {
		p.close(orderID, StatusCanceled)
	}
}

// close 把挂单移入已结束集合；成交视为按挂单价整笔成交。
func (p *Paper) close(orderID string, status OrderStatus) {
	o := *p.orders[orderID]
	delete(p.orders, orderID)
	o.Status = status
	if status == StatusFilled {
		o.Filled = o.Quantity
		o.AvgPrice = o.Price
		o.Quantity = 0
	}
	p.closed[orderID] = o
}

// SetPosition 直接设置持仓（模拟外部成交/手工干预）。
func (p *Paper) SetPosition(symbol string, qty, avg float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos := p.position(symbol)
	pos.Quantity = qty
	pos.AvgPrice = avg
}

// Stats 返回累计下单/撤单次数。
func (p *Paper) Stats() (placed, canceled int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.placed, p.canceled
}

func (p *Paper) position(symbol string) *Position {
	pos, ok := p.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol}
		p.positions[symbol] = pos
	}
	return pos
}

func (p *Paper) applyFill(symbol string, side market.Side, price, qty float64) {
	pos := p.position(symbol)
	delta := side.Sign() * qty
	prev := pos.Quantity
	next := prev + delta
	switch {
	case prev == 0 || (prev > 0) == (delta > 0):
		pos.AvgPrice = (abs(prev)*pos.AvgPrice + qty*price) / abs(next)
	default:
		closed := qty
		if abs(prev) < closed {
			closed = abs(prev)
		}
		if prev > 0 {
			p.realized += (price - pos.AvgPrice) * closed
		} else {
			p.realized += (pos.AvgPrice - price) * closed
		}
		if (prev > 0) != (next > 0) && next != 0 {
			pos.AvgPrice = price
		}
	}
	pos.Quantity = next
	if abs(next) < 1e-12 {
		pos.Quantity = 0
		pos.AvgPrice = 0
	}
}

// crosses 该价格的订单在 last 处是否会成交。
func crosses(side market.Side, price, last float64) bool {
	if side == market.Buy {
		return last <= price
	}
	return last >= price
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
