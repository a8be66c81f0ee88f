package inventory

import "math"

// Snapshot 账本的可持久化快照。
type Snapshot struct {
	Quantity       float64 `json:"quantity"`
	AvgPrice       float64 `json:"avg_price"`
	RealizedProfit float64 `json:"realized_profit"`
	RoundTrips     int     `json:"round_trips"`
	GridCount      int     `json:"grid_count"`
	MaxProfit      float64 `json:"max_profit"`
	MaxLoss        float64 `json:"max_loss"`
}

// Snapshot 导出当前账本。
func (l *Ledger) Snapshot() Snapshot {
	return Snapshot{
		Quantity:       l.quantity,
		AvgPrice:       l.avgPrice,
		RealizedProfit: l.realizedProfit,
		RoundTrips:     l.roundTrips,
		GridCount:      l.gridCount,
		MaxProfit:      l.maxProfit,
		MaxLoss:        l.maxLoss,
	}
}

// Restore 从快照恢复账本。
func (l *Ledger) Restore(s Snapshot) {
	l.quantity = s.Quantity
	l.avgPrice = s.AvgPrice
	l.realizedProfit = s.RealizedProfit
	l.roundTrips = s.RoundTrips
	l.gridCount = s.GridCount
	l.maxProfit = s.MaxProfit
	l.maxLoss = s.MaxLoss
}

// SyncPosition 以交易所真实仓位覆盖逻辑仓位，格数按 qty/oneGridQty 四舍五入估算。
func (l *Ledger) SyncPosition(qty, avgPrice, oneGridQty float64) {
	l.quantity = qty
	if qty == 0 {
		l.avgPrice = 0
	} else {
		l.avgPrice = avgPrice
	}
	if oneGridQty > 0 {
		l.gridCount = int(math.Round(qty / oneGridQty))
	} else {
		l.gridCount = 0
	}
}
