package market

import (
	"fmt"
	"strings"
	"time"
)

// Side 订单/成交方向。
type Side int

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Sign 返回方向对应的仓位符号：BUY=+1，SELL=-1。
func (s Side) Sign() float64 {
	switch s {
	case Buy:
		return 1
	case Sell:
		return -1
	default:
		return 0
	}
}

// Opposite 返回反方向。
func (s Side) Opposite() Side {
	switch s {
	case Buy:
		return Sell
	case Sell:
		return Buy
	default:
		return s
	}
}

// ParseSide 解析交易所返回的方向字符串。
func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	default:
		return 0, fmt.Errorf("unknown side %q", v)
	}
}

// Tick 单个交易对的最新价格。
type Tick struct {
	Symbol string
	Price  float64
	Ts     time.Time
}

// Fill 已确认的成交回报（整笔订单成交）。
type Fill struct {
	Symbol   string
	Side     Side
	Price    float64
	Qty      float64
	OrderID  string
	ClientID string
	Ts       time.Time
}
