package order

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"grid-trader-go/market"
)

// SymbolConstraints 描述交易对的步长与名义限制。
type SymbolConstraints struct {
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MaxQty      float64
	MinNotional float64
}

// Validate 检查订单价格/数量是否符合精度与最小名义。
func (c SymbolConstraints) Validate(price, qty float64) error {
	if c.TickSize > 0 && !isMultiple(price, c.TickSize) {
		return fmt.Errorf("price %.8f not aligned to tickSize %.8f", price, c.TickSize)
	}
	if c.StepSize > 0 && !isMultiple(qty, c.StepSize) {
		return fmt.Errorf("qty %.8f not aligned to stepSize %.8f", qty, c.StepSize)
	}
	if c.MinQty > 0 && qty < c.MinQty {
		return fmt.Errorf("qty %.8f < minQty %.8f", qty, c.MinQty)
	}
	if c.MaxQty > 0 && qty > c.MaxQty {
		return fmt.Errorf("qty %.8f > maxQty %.8f", qty, c.MaxQty)
	}
	if c.MinNotional > 0 && price*qty < c.MinNotional {
		return fmt.Errorf("notional %.8f < minNotional %.8f", price*qty, c.MinNotional)
	}
	return nil
}

// QuotePrice 叠加 maker 偏移后对齐到 tick：买单向下、卖单向上，保证不会越过原价位。
func (c SymbolConstraints) QuotePrice(side market.Side, price float64, offsetTicks int) float64 {
	p := decimal.NewFromFloat(price)
	if c.TickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(c.TickSize)
	off := tick.Mul(decimal.NewFromInt(int64(offsetTicks)))
	if side == market.Buy {
		return p.Sub(off).Div(tick).Floor().Mul(tick).InexactFloat64()
	}
	return p.Add(off).Div(tick).Ceil().Mul(tick).InexactFloat64()
}

// FloorQty 数量向下对齐到 StepSize，MaxQty 封顶。
func (c SymbolConstraints) FloorQty(qty float64) float64 {
	if c.MaxQty > 0 && qty > c.MaxQty {
		qty = c.MaxQty
	}
	if c.StepSize <= 0 || qty <= 0 {
		return math.Max(qty, 0)
	}
	step := decimal.NewFromFloat(c.StepSize)
	return decimal.NewFromFloat(qty).Div(step).Floor().Mul(step).InexactFloat64()
}

func isMultiple(value, step float64) bool {
	if step <= 0 {
		return true
	}
	ratio := value / step
	return math.Abs(ratio-math.Round(ratio)) <= 1e-8
}
