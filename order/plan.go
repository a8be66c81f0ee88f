package order

import "grid-trader-go/market"

// DesiredOrder 一次对账中希望在交易所挂着的订单，不持久化。
type DesiredOrder struct {
	Side     market.Side
	Layer    int // 0 为离当前价最近的一层
	Price    float64
	Quantity float64
	Closing  bool // 平仓单，数量不得超过当前持仓
}

// Plan 对账输入：目标挂单集合与当前持仓快照。
type Plan struct {
	Desired  []DesiredOrder
	Position float64 // 带符号持仓
	Anchor   float64 // 参考价，决定"最远"的订单
	Halted   bool    // 已强平或停止：撤掉全部挂单
}

// PlanSource 提供最新的对账计划，必须可并发调用。
type PlanSource interface {
	Plan() Plan
}

// PlanFunc 函数式 PlanSource。
type PlanFunc func() Plan

func (f PlanFunc) Plan() Plan { return f() }
