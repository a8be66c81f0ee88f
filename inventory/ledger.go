package inventory

import (
	"math"

	"grid-trader-go/market"
)

const flatEpsilon = 1e-12

// Ledger 记录单个交易对的网格持仓与已实现收益。
// 非并发安全：同一交易对的所有变更由调用方串行执行。
type Ledger struct {
	quantity       float64 // 带符号持仓，多为正
	avgPrice       float64
	realizedProfit float64
	roundTrips     int
	gridCount      int // 逻辑持仓格数，多为正
	maxProfit      float64
	maxLoss        float64
}

// FillOutcome 单笔成交对账本的影响。
type FillOutcome struct {
	ClosedRoundTrip bool
	Profit          float64
	Reversed        bool
}

// ApplyFill 记入一笔成交。stepProfit 为平仓时每单位数量的一格利润（按平仓时刻的网格间距计算）。
func (l *Ledger) ApplyFill(side market.Side, price, qty, stepProfit float64) FillOutcome {
	var out FillOutcome
	sign := side.Sign()
	if sign == 0 || qty <= 0 || price <= 0 {
		return out
	}
	delta := sign * qty
	prev := l.quantity
	next := prev + delta

	switch {
	case math.Abs(next) < flatEpsilon:
		next = 0
		l.avgPrice = 0
	case prev == 0 || (prev > 0) == (delta > 0):
		// 同向加仓：加权平均
		l.avgPrice = (math.Abs(prev)*l.avgPrice + qty*price) / math.Abs(next)
	case (prev > 0) != (next > 0):
		// 穿越零轴：剩余部分以成交价开仓
		l.avgPrice = price
		out.Reversed = true
	}
	l.quantity = next

	l.gridCount += int(sign)
	if (side == market.Buy && l.gridCount <= 0) || (side == market.Sell && l.gridCount >= 0) {
		out.ClosedRoundTrip = true
		out.Profit = stepProfit * qty
		l.roundTrips++
		l.realizedProfit += out.Profit
	}
	return out
}

// Quantity 带符号持仓数量。
func (l *Ledger) Quantity() float64 { return l.quantity }

// AvgPrice 持仓均价，空仓为 0。
func (l *Ledger) AvgPrice() float64 { return l.avgPrice }

// RealizedProfit 已配对的网格利润。
func (l *Ledger) RealizedProfit() float64 { return l.realizedProfit }

// RoundTrips 已完成的配对次数。
func (l *Ledger) RoundTrips() int { return l.roundTrips }

// GridCount 逻辑持仓格数。
func (l *Ledger) GridCount() int { return l.gridCount }

// MaxProfit / MaxLoss 观测到的最大浮动总盈亏（已实现+未实现）。
func (l *Ledger) MaxProfit() float64 { return l.maxProfit }

func (l *Ledger) MaxLoss() float64 { return l.maxLoss }
