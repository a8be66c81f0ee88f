package config

import (
	"fmt"

	"grid-trader-go/internal/portfolio"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

// validatePortfolio 校验组合层参数；时长为 0 表示使用默认值。
func validatePortfolio(p PortfolioConfig) error {
	if _, err := portfolio.ParseCapital(p.TotalCapital); err != nil {
		return fmt.Errorf("portfolio.totalCapital: %w", err)
	}
	if p.EquityInterval < 0 || p.ReportInterval < 0 || p.PriceInterval < 0 ||
		p.StaleAfter < 0 || p.HealthInterval < 0 || p.FillInterval < 0 {
		return ErrInvalid("portfolio intervals must be >= 0")
	}
	if p.DesyncTolerance < 0 || p.DesyncTolerance >= 1 {
		return ErrInvalid("portfolio.desyncTolerance must be in [0, 1)")
	}
	if p.MinMarginRate < 0 || p.MinMarginRate >= 1 {
		return ErrInvalid("portfolio.minMarginRate must be in [0, 1)")
	}
	if p.CorrectionBps < 0 || p.CorrectionBps > 500 {
		return ErrInvalid("portfolio.correctionBps must be in [0, 500]")
	}
	return nil
}
