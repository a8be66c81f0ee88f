package portfolio

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// CapitalSpec 组合总投入资金：账户权益的百分比（"80%"）或固定金额（"5000"）。
// 零值表示不按权益分配，沿用各交易对配置的本金。
type CapitalSpec struct {
	Ratio float64
	Fixed float64
}

// ParseCapital 解析总投入资金配置。
func ParseCapital(s string) (CapitalSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return CapitalSpec{}, nil
	}
	if strings.HasSuffix(s, "%") {
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if err != nil || v <= 0 || v > 100 {
			return CapitalSpec{}, fmt.Errorf("invalid total capital %q: percentage must be in (0, 100]", s)
		}
		return CapitalSpec{Ratio: v / 100}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return CapitalSpec{}, fmt.Errorf("invalid total capital %q: must be a positive amount or percentage", s)
	}
	return CapitalSpec{Fixed: v}, nil
}

// IsZero 未配置总投入资金。
func (c CapitalSpec) IsZero() bool { return c.Ratio <= 0 && c.Fixed <= 0 }

// Total 按账户权益计算总投入资金；结果非正时退回账户权益。
func (c CapitalSpec) Total(equity float64) float64 {
	total := c.Fixed
	if c.Ratio > 0 {
		total = equity * c.Ratio
	}
	if total <= 0 {
		total = equity
	}
	return total
}

func (c CapitalSpec) String() string {
	switch {
	case c.Ratio > 0:
		return strconv.FormatFloat(c.Ratio*100, 'f', -1, 64) + "%"
	case c.Fixed > 0:
		return strconv.FormatFloat(c.Fixed, 'f', -1, 64)
	default:
		return ""
	}
}

// Allocate 按权重拆分总资金。权重<=0 的交易对不参与分配；全部权重无效时等分。
// 结果保留两位小数。
func Allocate(total float64, weights map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(weights))
	if total <= 0 || len(weights) == 0 {
		return out
	}
	sum := 0.0
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	equal := sum <= 0
	if equal {
		sum = float64(len(weights))
	}
	for sym, w := range weights {
		if equal {
			w = 1
		}
		if w <= 0 {
			continue
		}
		out[sym] = roundCents(total * w / sum)
	}
	return out
}

func roundCents(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
