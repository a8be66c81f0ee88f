package strategy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"grid-trader-go/inventory"
	"grid-trader-go/market"
	"grid-trader-go/risk"
)

// State 网格状态机所处阶段。
type State int

const (
	Uninitialized State = iota
	Active
	Liquidated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Active:
		return "ACTIVE"
	case Liquidated:
		return "LIQUIDATED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText 实现 encoding.TextMarshaler，便于快照可读。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 解析快照中的状态字符串。
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "UNINITIALIZED":
		*s = Uninitialized
	case "ACTIVE":
		*s = Active
	case "LIQUIDATED":
		*s = Liquidated
	default:
		return fmt.Errorf("unknown grid state %q", string(b))
	}
	return nil
}

var (
	// ErrInvalidPrice 非有限或非正的价格，被当作空操作丢弃。
	ErrInvalidPrice = errors.New("invalid price")
	// ErrInvalidFill 成交数量或价格非法。
	ErrInvalidFill = errors.New("invalid fill")
)

const (
	windowEpsilon       = 1e-9
	maxCrossingsPerTick = 10000
	maxShiftLog         = 500
)

// GridState 网格运行状态，仅由 Machine 修改。
type GridState struct {
	Interval         float64 `json:"interval"`
	PriceMin         float64 `json:"price_min"`
	PriceMax         float64 `json:"price_max"`
	OneGridQuantity  float64 `json:"one_grid_quantity"`
	BaseQuantity     float64 `json:"base_quantity"`
	BoundaryUp       float64 `json:"boundary_up"`
	BoundaryDown     float64 `json:"boundary_down"`
	UpShiftCount     int     `json:"up_shift_count"`
	DownShiftCount   int     `json:"down_shift_count"`
	ShiftUpEnabled   bool    `json:"shift_up_enabled"`
	ShiftDownEnabled bool    `json:"shift_down_enabled"`
}

// ShiftRecord 窗口平移/重锚/强平的日志条目。
type ShiftRecord struct {
	Ts       time.Time `json:"ts"`
	Kind     string    `json:"kind"`
	Price    float64   `json:"price"`
	PriceMin float64   `json:"price_min"`
	PriceMax float64   `json:"price_max"`
}

// 平移日志类型
const (
	ShiftUp     = "shift_up"
	ShiftDown   = "shift_down"
	StopUp      = "stop_up"
	StopDown    = "stop_down"
	Reanchor    = "reanchor"
	Liquidation = "liquidation"
)

// Crossing 价格穿越一条网格线。Gated 表示方向限制禁止开仓，仅移动了边界。
type Crossing struct {
	Side   market.Side
	Price  float64
	Qty    float64
	Filled bool
	Gated  bool
}

// RiskState 最近一次风险评估结果。
type RiskState struct {
	Equity     float64 `json:"equity"`
	Notional   float64 `json:"notional"`
	MarginRate float64 `json:"margin_rate"`
	Liquidated bool    `json:"liquidated"`
}

// LiquidationEvent 交易对进入强平终态时上报。
type LiquidationEvent struct {
	Symbol     string
	Ts         time.Time
	Price      float64
	Equity     float64
	MarginRate float64
	Reason     string
}

func (e LiquidationEvent) Error() string {
	return fmt.Sprintf("%s liquidated at %.8f: %s (margin rate %.6f)", e.Symbol, e.Price, e.Reason, e.MarginRate)
}

// GridLevel 一条期望挂单。Closing 表示只允许减仓的一侧。
type GridLevel struct {
	Side    market.Side
	Layer   int
	Price   float64
	Size    float64
	Closing bool
}

// Option 配置 Machine。
type Option func(*Machine)

// WithSimulatedFills 价格穿越网格线即视为成交（回测）。
func WithSimulatedFills() Option {
	return func(m *Machine) { m.simulate = true }
}

// WithMarginCheck 替换单交易对风控检查；nil 表示由账户级检查接管。
func WithMarginCheck(check risk.MarginCheck) Option {
	return func(m *Machine) { m.guard = check }
}

// WithExternalCompounding 复利由外部按账户权益驱动（SetCapital），成交时不再自行缩放。
func WithExternalCompounding() Option {
	return func(m *Machine) { m.externalCompounding = true }
}

// WithLogger 设置日志。
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// Machine 单个交易对的网格状态机。非并发安全，由所属 owner 串行调用。
type Machine struct {
	cfg    GridConfig
	geo    Geometry
	state  State
	grid   GridState
	ledger inventory.Ledger

	capital             float64
	guard               risk.MarginCheck
	simulate            bool
	externalCompounding bool

	shiftLog    []ShiftRecord
	shiftSeq    int
	risk        RiskState
	lastPrice   float64
	lastTs      time.Time
	liquidation *LiquidationEvent

	logger *zap.Logger
}

// NewMachine 校验配置并创建状态机；配置错误返回 *ConfigError。
func NewMachine(cfg GridConfig, opts ...Option) (*Machine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		cfg:     cfg,
		capital: cfg.Capital,
		guard:   risk.NewLiquidationChecker(cfg.MaintenanceMarginRate).Check,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("symbol", cfg.Symbol))
	return m, nil
}

// ApplyPrice 处理一笔价格更新，返回本次产生的网格穿越。
func (m *Machine) ApplyPrice(ts time.Time, price float64) ([]Crossing, error) {
	if !finitePositive(price) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	m.lastPrice = price
	m.lastTs = ts

	switch m.state {
	case Liquidated:
		return nil, nil
	case Uninitialized:
		if err := m.anchor(ts, price); err != nil {
			return nil, err
		}
		m.state = Active
		m.EvaluateRisk(price)
		return nil, nil
	}

	if m.outsideWindow(price) {
		if err := m.reanchor(ts, price); err != nil {
			return nil, err
		}
		m.EvaluateRisk(price)
		return nil, nil
	}

	crossings := m.advance(ts, price, m.simulate)
	m.EvaluateRisk(price)
	return crossings, nil
}

// ApplyFill 记入交易所确认的成交；成交价同时推动网格边界（不会再次记账）。
func (m *Machine) ApplyFill(side market.Side, qty, price float64) (inventory.FillOutcome, error) {
	if !finitePositive(qty) || !finitePositive(price) || side.Sign() == 0 {
		return inventory.FillOutcome{}, fmt.Errorf("%w: side=%s qty=%v price=%v", ErrInvalidFill, side, qty, price)
	}
	if m.state == Uninitialized {
		if err := m.anchor(time.Now(), price); err != nil {
			return inventory.FillOutcome{}, err
		}
		m.state = Active
	}
	out := m.ledger.ApplyFill(side, price, qty, m.geo.StepProfit(side, price))
	m.rescale(price)
	if m.state == Active && !m.outsideWindow(price) {
		m.advance(time.Now(), price, false)
	}
	return out, nil
}

// EvaluateRisk 以 mark 计算保证金率；跌破维持保证金率进入强平终态。
func (m *Machine) EvaluateRisk(mark float64) RiskState {
	if !finitePositive(mark) {
		return m.risk
	}
	m.ledger.ObserveMark(mark)
	equity := m.ledger.Equity(m.capital, mark)
	notional := m.ledger.Notional(mark)
	breached := false
	rate := risk.MarginRate(equity, notional)
	if m.guard != nil {
		breached, rate = m.guard(equity, notional)
	}
	m.risk.Equity = equity
	m.risk.Notional = notional
	m.risk.MarginRate = rate
	if breached && m.state != Liquidated {
		m.liquidate(m.lastTs, mark, "maintenance margin breached")
	}
	return m.risk
}

// MarkLiquidated 由账户级风控触发强平。
func (m *Machine) MarkLiquidated(ts time.Time, price float64, reason string) {
	if m.state == Liquidated {
		return
	}
	if finitePositive(price) {
		m.risk.Equity = m.ledger.Equity(m.capital, price)
		m.risk.Notional = m.ledger.Notional(price)
		m.risk.MarginRate = risk.MarginRate(m.risk.Equity, m.risk.Notional)
	}
	m.liquidate(ts, price, reason)
}

func (m *Machine) liquidate(ts time.Time, price float64, reason string) {
	m.state = Liquidated
	m.risk.Liquidated = true
	m.liquidation = &LiquidationEvent{
		Symbol:     m.cfg.Symbol,
		Ts:         ts,
		Price:      price,
		Equity:     m.risk.Equity,
		MarginRate: m.risk.MarginRate,
		Reason:     reason,
	}
	m.appendShift(ts, Liquidation, price)
	m.logger.Warn("grid liquidated",
		zap.Float64("price", price),
		zap.Float64("equity", m.risk.Equity),
		zap.Float64("notional", m.risk.Notional),
		zap.Float64("margin_rate", m.risk.MarginRate),
		zap.String("reason", reason),
	)
}

// SetCapital 按账户权益重新分配本金并重算每格数量。
func (m *Machine) SetCapital(capital float64) {
	if !finitePositive(capital) {
		return
	}
	m.capital = capital
	if m.state != Uninitialized {
		m.recomputeQuantity(m.lastPrice)
	}
}

// DesiredOrders 返回当前期望挂单：每侧从边界向外 LayersPerSide 层。
func (m *Machine) DesiredOrders() []GridLevel {
	if m.state != Active {
		return nil
	}
	size := m.grid.OneGridQuantity
	if size <= 0 {
		return nil
	}
	pos := m.ledger.Quantity()
	allowBuy, allowSell := true, true
	closingBuy, closingSell := false, false
	switch m.cfg.Direction {
	case LongOnly:
		closingSell = true
		allowSell = pos > 0
	case ShortOnly:
		closingBuy = true
		allowBuy = pos < 0
	case Neutral:
	}

	levels := make([]GridLevel, 0, 2*m.cfg.LayersPerSide)
	if allowBuy {
		p := m.grid.BoundaryDown
		for i := 0; i < m.cfg.LayersPerSide && p > 0; i++ {
			levels = append(levels, GridLevel{Side: market.Buy, Layer: i, Price: p, Size: size, Closing: closingBuy})
			p = m.geo.Down(p)
		}
	}
	if allowSell {
		p := m.grid.BoundaryUp
		for i := 0; i < m.cfg.LayersPerSide && p > 0; i++ {
			levels = append(levels, GridLevel{Side: market.Sell, Layer: i, Price: p, Size: size, Closing: closingSell})
			p = m.geo.Up(p)
		}
	}
	return levels
}

func (m *Machine) anchor(ts time.Time, price float64) error {
	m.grid.ShiftUpEnabled = m.cfg.Shift.EnableUp
	m.grid.ShiftDownEnabled = m.cfg.Shift.EnableDown
	if m.cfg.PriceRange > 0 {
		m.grid.PriceMin = price * (1 - m.cfg.PriceRange)
		m.grid.PriceMax = price * (1 + m.cfg.PriceRange)
	} else {
		m.grid.PriceMin = m.cfg.PriceMin
		m.grid.PriceMax = m.cfg.PriceMax
		if m.outsideWindow(price) {
			m.recenter(price)
		}
	}
	if err := m.rebuild(price); err != nil {
		return err
	}
	m.logger.Info("grid anchored",
		zap.Float64("price", price),
		zap.Float64("price_min", m.grid.PriceMin),
		zap.Float64("price_max", m.grid.PriceMax),
		zap.Float64("interval", m.grid.Interval),
		zap.Float64("one_grid_quantity", m.grid.OneGridQuantity),
	)
	return nil
}

// reanchor 价格跳出窗口：整体重锚到新价格，而非逐格漂移。
func (m *Machine) reanchor(ts time.Time, price float64) error {
	if m.cfg.PriceRange > 0 {
		m.grid.PriceMin = price * (1 - m.cfg.PriceRange)
		m.grid.PriceMax = price * (1 + m.cfg.PriceRange)
	} else {
		m.recenter(price)
	}
	if err := m.rebuild(price); err != nil {
		return err
	}
	m.appendShift(ts, Reanchor, price)
	m.logger.Info("grid re-anchored",
		zap.Float64("price", price),
		zap.Float64("price_min", m.grid.PriceMin),
		zap.Float64("price_max", m.grid.PriceMax),
	)
	return nil
}

// recenter 固定区间模式下保持窗口宽度，把窗口中心移到 price。
func (m *Machine) recenter(price float64) {
	min, max := m.grid.PriceMin, m.grid.PriceMax
	switch m.cfg.Sequence {
	case Arithmetic:
		shift := price - (min+max)/2
		if min+shift > 0 {
			m.grid.PriceMin, m.grid.PriceMax = min+shift, max+shift
			return
		}
		fallthrough
	case Geometric:
		f := price / math.Sqrt(min*max)
		m.grid.PriceMin, m.grid.PriceMax = min*f, max*f
	}
}

// rebuild 重算间距/数量，并把边界放在 price 上下各一格。
func (m *Machine) rebuild(price float64) error {
	geo, err := NewGeometry(m.grid.PriceMin, m.grid.PriceMax, m.cfg.StepCount, m.cfg.Sequence)
	if err != nil {
		return err
	}
	m.geo = geo
	m.grid.Interval = geo.Interval
	m.recomputeQuantity(price)
	m.grid.BoundaryUp = geo.Up(price)
	m.grid.BoundaryDown = geo.Down(price)
	return nil
}

func (m *Machine) recomputeQuantity(mark float64) {
	ladder, err := CalculateLadder(m.grid.PriceMin, m.grid.PriceMax, m.cfg.StepCount, m.cfg.Sequence)
	if err != nil {
		return
	}
	m.grid.BaseQuantity = OneGridQuantity(m.capital*m.cfg.CapitalRatio, m.cfg.Leverage, ladder)
	m.rescale(mark)
}

// rescale 复利：数量按 权益/本金 缩放。
func (m *Machine) rescale(mark float64) {
	scale := 1.0
	if m.cfg.Compounding && !m.externalCompounding && finitePositive(mark) {
		scale = math.Max(0, m.ledger.Equity(m.capital, mark)/m.capital)
	}
	m.grid.OneGridQuantity = FloorToStep(m.grid.BaseQuantity*scale, m.cfg.QtyStep)
}

func (m *Machine) outsideWindow(price float64) bool {
	return price > m.grid.PriceMax*(1+windowEpsilon) || price < m.grid.PriceMin*(1-windowEpsilon)
}

// advance 沿价格方向逐格穿越边界；fill=true 时穿越即成交（回测）。
func (m *Machine) advance(ts time.Time, price float64, fill bool) []Crossing {
	var crossings []Crossing
	for i := 0; i < maxCrossingsPerTick; i++ {
		var c Crossing
		switch {
		case m.grid.BoundaryUp > 0 && price >= m.grid.BoundaryUp:
			c = m.cross(ts, market.Sell, m.grid.BoundaryUp, fill)
		case m.grid.BoundaryDown > 0 && price <= m.grid.BoundaryDown:
			c = m.cross(ts, market.Buy, m.grid.BoundaryDown, fill)
		default:
			return crossings
		}
		crossings = append(crossings, c)
		if m.state == Liquidated {
			return crossings
		}
	}
	m.logger.Warn("crossing limit reached", zap.Float64("price", price))
	return crossings
}

func (m *Machine) cross(ts time.Time, side market.Side, line float64, fill bool) Crossing {
	c := Crossing{Side: side, Price: line, Gated: m.gated(side)}
	if fill && !c.Gated {
		qty := m.grid.OneGridQuantity
		switch {
		case m.cfg.Direction == LongOnly && side == market.Sell:
			qty = math.Min(qty, m.ledger.Quantity())
		case m.cfg.Direction == ShortOnly && side == market.Buy:
			qty = math.Min(qty, -m.ledger.Quantity())
		}
		if qty > 0 {
			m.ledger.ApplyFill(side, line, qty, m.geo.StepProfit(side, line))
			c.Qty = qty
			c.Filled = true
			m.rescale(line)
		}
	}

	// 非对称重置：成交线成为新锚点，反向边界恰好相距一格
	m.grid.BoundaryDown = m.geo.Down(line)
	m.grid.BoundaryUp = m.geo.Up(line)

	switch side {
	case market.Sell:
		if m.grid.BoundaryUp > m.grid.PriceMax*(1+windowEpsilon) {
			m.shiftUp(ts, line)
		}
	case market.Buy:
		if m.grid.BoundaryDown < m.grid.PriceMin*(1-windowEpsilon) {
			m.shiftDown(ts, line)
		}
	}
	return c
}

// gated 方向限制：只做多禁止新开空，只做空禁止新开多。
func (m *Machine) gated(side market.Side) bool {
	switch m.cfg.Direction {
	case LongOnly:
		return side == market.Sell && m.ledger.GridCount() <= 0
	case ShortOnly:
		return side == market.Buy && m.ledger.GridCount() >= 0
	default:
		return false
	}
}

func (m *Machine) shiftUp(ts time.Time, line float64) {
	if !m.grid.ShiftUpEnabled {
		return
	}
	if stop := m.cfg.Shift.StopUpPrice; stop > 0 && line >= stop {
		m.grid.ShiftUpEnabled = false
		m.appendShift(ts, StopUp, line)
		m.logger.Info("upward shift stopped", zap.Float64("price", line), zap.Float64("stop_price", stop))
		return
	}
	m.grid.PriceMin = m.geo.Up(m.grid.PriceMin)
	m.grid.PriceMax = m.geo.Up(m.grid.PriceMax)
	m.grid.UpShiftCount++
	m.recomputeQuantity(line)
	m.appendShift(ts, ShiftUp, line)
}

func (m *Machine) shiftDown(ts time.Time, line float64) {
	if !m.grid.ShiftDownEnabled {
		return
	}
	if stop := m.cfg.Shift.StopDownPrice; stop > 0 && line <= stop {
		m.grid.ShiftDownEnabled = false
		m.appendShift(ts, StopDown, line)
		m.logger.Info("downward shift stopped", zap.Float64("price", line), zap.Float64("stop_price", stop))
		return
	}
	newMin := m.geo.Down(m.grid.PriceMin)
	if newMin <= 0 {
		m.grid.ShiftDownEnabled = false
		m.appendShift(ts, StopDown, line)
		return
	}
	m.grid.PriceMin = newMin
	m.grid.PriceMax = m.geo.Down(m.grid.PriceMax)
	m.grid.DownShiftCount++
	m.recomputeQuantity(line)
	m.appendShift(ts, ShiftDown, line)
}

func (m *Machine) appendShift(ts time.Time, kind string, price float64) {
	m.shiftSeq++
	m.shiftLog = append(m.shiftLog, ShiftRecord{
		Ts:       ts,
		Kind:     kind,
		Price:    price,
		PriceMin: m.grid.PriceMin,
		PriceMax: m.grid.PriceMax,
	})
	if len(m.shiftLog) > maxShiftLog {
		m.shiftLog = append([]ShiftRecord(nil), m.shiftLog[len(m.shiftLog)-maxShiftLog:]...)
	}
}

// Symbol 交易对。
func (m *Machine) Symbol() string { return m.cfg.Symbol }

// Config 返回（已填充默认值的）配置。
func (m *Machine) Config() GridConfig { return m.cfg }

// State 当前阶段。
func (m *Machine) State() State { return m.state }

// Grid 当前网格状态副本。
func (m *Machine) Grid() GridState { return m.grid }

// Geometry 当前间距。
func (m *Machine) Geometry() Geometry { return m.geo }

// Ledger 账本快照。
func (m *Machine) Ledger() inventory.Snapshot { return m.ledger.Snapshot() }

// Risk 最近一次风险评估。
func (m *Machine) Risk() RiskState { return m.risk }

// Capital 当前本金。
func (m *Machine) Capital() float64 { return m.capital }

// LastPrice 最近一次有效价格。
func (m *Machine) LastPrice() float64 { return m.lastPrice }

// Liquidation 返回强平事件；未强平时为 nil。
func (m *Machine) Liquidation() *LiquidationEvent { return m.liquidation }

// Unrealized 以 mark 计算未实现盈亏。
func (m *Machine) Unrealized(mark float64) float64 { return m.ledger.Unrealized(mark) }

// ShiftLog 平移日志副本。
func (m *Machine) ShiftLog() []ShiftRecord {
	return append([]ShiftRecord(nil), m.shiftLog...)
}

// ShiftSeq 累计写入平移日志的条数（含已被截断的旧记录）。
func (m *Machine) ShiftSeq() int { return m.shiftSeq }

// ShiftsSince 返回序号 seq 之后新增的平移记录。
func (m *Machine) ShiftsSince(seq int) []ShiftRecord {
	n := m.shiftSeq - seq
	if n <= 0 {
		return nil
	}
	if n > len(m.shiftLog) {
		n = len(m.shiftLog)
	}
	return append([]ShiftRecord(nil), m.shiftLog[len(m.shiftLog)-n:]...)
}

// SyncPosition 以交易所真实仓位覆盖逻辑仓位。
func (m *Machine) SyncPosition(qty, avgPrice float64) {
	m.ledger.SyncPosition(qty, avgPrice, m.grid.OneGridQuantity)
}
