package inventory

// Unrealized 基于标记价格计算未实现盈亏：(mark-avg)*qty。
func (l *Ledger) Unrealized(mark float64) float64 {
	if l.quantity == 0 {
		return 0
	}
	return (mark - l.avgPrice) * l.quantity
}

// Equity 账户权益 = 本金 + 已实现 + 未实现。
func (l *Ledger) Equity(capital, mark float64) float64 {
	return capital + l.realizedProfit + l.Unrealized(mark)
}

// Notional 持仓名义价值。
func (l *Ledger) Notional(mark float64) float64 {
	q := l.quantity
	if q < 0 {
		q = -q
	}
	return q * mark
}

// ObserveMark 更新最大浮盈/浮亏记录，返回当前总盈亏。
func (l *Ledger) ObserveMark(mark float64) float64 {
	pnl := l.realizedProfit + l.Unrealized(mark)
	if pnl > l.maxProfit {
		l.maxProfit = pnl
	}
	if pnl < l.maxLoss {
		l.maxLoss = pnl
	}
	return pnl
}
