package strategy

import (
	"fmt"
	"time"

	"grid-trader-go/inventory"
)

// Snapshot 崩溃恢复所需的单交易对持久化状态。
type Snapshot struct {
	Symbol    string             `json:"symbol"`
	State     State              `json:"state"`
	Grid      GridState          `json:"grid"`
	Ledger    inventory.Snapshot `json:"ledger"`
	ShiftLog  []ShiftRecord      `json:"shift_log"`
	Risk      RiskState          `json:"risk"`
	Capital   float64            `json:"capital"`
	LastPrice float64            `json:"last_price"`
	SavedAt   time.Time          `json:"saved_at"`
}

// Snapshot 导出当前状态。
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		Symbol:    m.cfg.Symbol,
		State:     m.state,
		Grid:      m.grid,
		Ledger:    m.ledger.Snapshot(),
		ShiftLog:  m.ShiftLog(),
		Risk:      m.risk,
		Capital:   m.capital,
		LastPrice: m.lastPrice,
		SavedAt:   time.Now().UTC(),
	}
}

// Restore 从快照恢复账本、窗口、平移日志与风控标记。
// 网格间距按当前配置重新计算，不直接信任快照中的数值。
// 本金由外部分配时恢复快照中的本金，否则以配置为准。
func (m *Machine) Restore(s Snapshot) error {
	if s.Symbol != m.cfg.Symbol {
		return fmt.Errorf("snapshot symbol %s does not match %s", s.Symbol, m.cfg.Symbol)
	}
	if m.externalCompounding && finitePositive(s.Capital) {
		m.capital = s.Capital
	}
	m.ledger.Restore(s.Ledger)
	m.shiftLog = append([]ShiftRecord(nil), s.ShiftLog...)
	m.shiftSeq = len(m.shiftLog)
	m.risk = s.Risk
	m.lastPrice = s.LastPrice

	if s.State == Liquidated || s.Risk.Liquidated {
		m.grid = s.Grid
		m.state = Liquidated
		m.risk.Liquidated = true
		return nil
	}
	if s.State != Active || validateBounds(s.Grid.PriceMin, s.Grid.PriceMax) != nil {
		m.state = Uninitialized
		return nil
	}

	geo, err := NewGeometry(s.Grid.PriceMin, s.Grid.PriceMax, m.cfg.StepCount, m.cfg.Sequence)
	if err != nil {
		m.state = Uninitialized
		return nil
	}
	m.grid = s.Grid
	m.geo = geo
	m.grid.Interval = geo.Interval
	m.recomputeQuantity(s.LastPrice)
	m.state = Active
	return nil
}
