package risk

import "math"

// DefaultMaintenanceMarginRate 默认维持保证金率 0.5%。
const DefaultMaintenanceMarginRate = 0.005

// noExposureMarginRate 无持仓时返回的保证金率哨兵值。
const noExposureMarginRate = 999.0

// MarginCheck 可注入的保证金率检查：返回是否触发强平以及当前保证金率。
// 同一签名既用于单个交易对，也用于账户整体。
type MarginCheck func(equity, notional float64) (breached bool, marginRate float64)

// LiquidationChecker 以维持保证金率判断是否爆仓。
type LiquidationChecker struct {
	MinMarginRate float64
}

// NewLiquidationChecker 创建检查器；rate<=0 时使用默认值。
func NewLiquidationChecker(rate float64) LiquidationChecker {
	if rate <= 0 {
		rate = DefaultMaintenanceMarginRate
	}
	return LiquidationChecker{MinMarginRate: rate}
}

// Check 实现 MarginCheck。
func (c LiquidationChecker) Check(equity, notional float64) (bool, float64) {
	rate := MarginRate(equity, notional)
	if notional < 1e-8 {
		return false, rate
	}
	return rate < c.MinMarginRate, rate
}

// MarginRate = equity / notional；无持仓时返回哨兵值。
func MarginRate(equity, notional float64) float64 {
	if notional < 1e-8 || math.IsNaN(notional) {
		return noExposureMarginRate
	}
	return equity / notional
}

// Exposure 单个交易对对账户风险的贡献。
type Exposure struct {
	Symbol   string
	Notional float64
}

// AccountCheck 汇总所有交易对的名义价值后执行一次账户级检查。
func AccountCheck(check MarginCheck, equity float64, exposures []Exposure) (bool, float64) {
	if check == nil {
		return false, MarginRate(equity, 0)
	}
	total := 0.0
	for _, e := range exposures {
		total += math.Abs(e.Notional)
	}
	return check(equity, total)
}
