package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"grid-trader-go/market"
)

// Geometry 描述网格线之间的间距：等比模式为比例，等差模式为固定价差。
type Geometry struct {
	Sequence Sequence
	Interval float64
}

// NewGeometry 根据窗口边界与格数计算间距。
func NewGeometry(min, max float64, steps int, seq Sequence) (Geometry, error) {
	interval, err := Interval(min, max, steps, seq)
	if err != nil {
		return Geometry{}, err
	}
	return Geometry{Sequence: seq, Interval: interval}, nil
}

// Interval 等比：(max/min)^(1/steps)-1；等差：(max-min)/steps。
func Interval(min, max float64, steps int, seq Sequence) (float64, error) {
	if err := validateLadder(min, max, steps); err != nil {
		return 0, err
	}
	switch seq {
	case Geometric:
		return math.Pow(max/min, 1/float64(steps)) - 1, nil
	case Arithmetic:
		return (max - min) / float64(steps), nil
	default:
		return 0, configErr("sequence", "must be arithmetic or geometric")
	}
}

// CalculateLadder 生成 steps+1 个严格递增的网格价格，首尾分别为 min 与 max。
func CalculateLadder(min, max float64, steps int, seq Sequence) ([]float64, error) {
	if err := validateLadder(min, max, steps); err != nil {
		return nil, err
	}
	ladder := make([]float64, steps+1)
	switch seq {
	case Geometric:
		ratio := math.Pow(max/min, 1/float64(steps))
		for i := range ladder {
			ladder[i] = min * math.Pow(ratio, float64(i))
		}
	case Arithmetic:
		step := (max - min) / float64(steps)
		for i := range ladder {
			ladder[i] = min + float64(i)*step
		}
	default:
		return nil, configErr("sequence", "must be arithmetic or geometric")
	}
	// 消除浮点累计误差
	ladder[0] = min
	ladder[steps] = max
	return ladder, nil
}

func validateLadder(min, max float64, steps int) error {
	if steps < 1 {
		return configErr("step_count", "must be >= 1")
	}
	return validateBounds(min, max)
}

// Up 返回 price 上方一格的价格。
func (g Geometry) Up(price float64) float64 {
	switch g.Sequence {
	case Geometric:
		return price * (1 + g.Interval)
	case Arithmetic:
		return price + g.Interval
	default:
		return price
	}
}

// Down 返回 price 下方一格的价格；等差模式下可能 <= 0，由调用方过滤。
func (g Geometry) Down(price float64) float64 {
	switch g.Sequence {
	case Geometric:
		return price / (1 + g.Interval)
	case Arithmetic:
		return price - g.Interval
	default:
		return price
	}
}

// StepProfit 在 price 处以 closing 方向平掉一格时每单位数量的利润。
// 等差模式恒为 Interval；等比模式按平仓价折算一格价差。
func (g Geometry) StepProfit(closing market.Side, price float64) float64 {
	switch g.Sequence {
	case Arithmetic:
		return g.Interval
	case Geometric:
		if closing == market.Sell {
			return price / (1 + g.Interval) * g.Interval
		}
		return price * g.Interval
	default:
		return 0
	}
}

// OneGridQuantity 每格下单量：价格扫过整个网格时累计名义价值恰好等于 capital*leverage。
func OneGridQuantity(capital, leverage float64, ladder []float64) float64 {
	sum := 0.0
	for _, p := range ladder {
		sum += p
	}
	if sum <= 0 {
		return 0
	}
	return capital * leverage / sum
}

// FloorToStep 将数量向下取整到 step 的整数倍；step<=0 时原样返回。
func FloorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(v).Div(d).Floor().Mul(d).InexactFloat64()
}
