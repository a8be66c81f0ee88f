package gateway

import (
	"context"
	"time"

	"grid-trader-go/market"
)

// OrderStatus 交易所订单状态。
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// IsOpen 订单仍在挂单簿上。
func (s OrderStatus) IsOpen() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

// CancelResult 撤单结果：已撤、已不存在（视为成功）、失败。
type CancelResult int

const (
	Canceled CancelResult = iota + 1
	AlreadyGone
	CancelFailed
)

func (r CancelResult) String() string {
	switch r {
	case Canceled:
		return "canceled"
	case AlreadyGone:
		return "already_gone"
	case CancelFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Succeeded 撤单后该订单已不在挂单簿上。
func (r CancelResult) Succeeded() bool {
	return r == Canceled || r == AlreadyGone
}

// PlaceRequest 限价下单请求。
type PlaceRequest struct {
	Symbol    string
	Side      market.Side
	Price     float64
	Quantity  float64
	MakerOnly bool // post-only，若会立即成交则被拒
	ClientID  string
}

// LiveOrder 交易所上的订单。Quantity 为剩余未成交数量；Filled/AvgPrice 仅单笔查询时填充。
type LiveOrder struct {
	OrderID  string
	ClientID string
	Symbol   string
	Side     market.Side
	Price    float64
	Quantity float64
	Status   OrderStatus
	Filled   float64
	AvgPrice float64
}

// FillPrice 成交均价，缺失时退回挂单价。
func (o LiveOrder) FillPrice() float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	return o.Price
}

// Position 交易所持仓。
type Position struct {
	Symbol     string
	Quantity   float64 // 带符号
	AvgPrice   float64
	Unrealized float64
}

// ExchangeGateway 核心逻辑依赖的交易所能力。
type ExchangeGateway interface {
	// PlaceOrder 返回交易所订单号；被拒时返回 *RejectedError。
	PlaceOrder(ctx context.Context, req PlaceRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (CancelResult, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]LiveOrder, error)
	// FetchOrder 按订单号查询任意状态的订单；推送丢失时据此补成交。
	FetchOrder(ctx context.Context, symbol, orderID string) (LiveOrder, error)
	FetchPosition(ctx context.Context, symbol string) (Position, error)
	FetchEquity(ctx context.Context) (float64, error)
	// FetchPrice 行情流断开/过期时的 REST 兜底价格。
	FetchPrice(ctx context.Context, symbol string) (float64, error)
}

// StreamHandler 接收行情与成交推送。同一连接上的回调按到达顺序串行调用。
type StreamHandler interface {
	OnPrice(tick market.Tick)
	OnFill(fill market.Fill)
	// OnReconnect 连接重建后调用；断线期间可能漏掉成交。
	OnReconnect()
}

// Streamer 行情+成交推送源，Run 阻塞直到 ctx 结束或不可恢复的错误。
type Streamer interface {
	Run(ctx context.Context, symbols []string, handler StreamHandler) error
}

// HandlerFuncs 便于测试与组装的函数式 StreamHandler。
type HandlerFuncs struct {
	Price     func(market.Tick)
	Fill      func(market.Fill)
	Reconnect func()
}

func (h HandlerFuncs) OnPrice(t market.Tick) {
	if h.Price != nil {
		h.Price(t)
	}
}

func (h HandlerFuncs) OnFill(f market.Fill) {
	if h.Fill != nil {
		h.Fill(f)
	}
}

func (h HandlerFuncs) OnReconnect() {
	if h.Reconnect != nil {
		h.Reconnect()
	}
}

var timeNow = time.Now
