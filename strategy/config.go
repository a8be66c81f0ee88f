package strategy

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Sequence 网格价格序列模式。
type Sequence int

const (
	Arithmetic Sequence = iota + 1
	Geometric
)

func (s Sequence) String() string {
	switch s {
	case Arithmetic:
		return "arithmetic"
	case Geometric:
		return "geometric"
	default:
		return "unknown"
	}
}

// MarshalText 实现 encoding.TextMarshaler。
func (s Sequence) MarshalText() ([]byte, error) {
	switch s {
	case Arithmetic, Geometric:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("invalid sequence %d", int(s))
	}
}

// UnmarshalText 接受 arithmetic/geometric（大小写不敏感）。
func (s *Sequence) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "arithmetic", "as":
		*s = Arithmetic
	case "geometric", "gs":
		*s = Geometric
	default:
		return fmt.Errorf("unknown sequence mode %q", string(b))
	}
	return nil
}

// Direction 允许开仓的方向。
type Direction int

const (
	Neutral Direction = iota + 1
	LongOnly
	ShortOnly
)

func (d Direction) String() string {
	switch d {
	case Neutral:
		return "neutral"
	case LongOnly:
		return "long"
	case ShortOnly:
		return "short"
	default:
		return "unknown"
	}
}

// MarshalText 实现 encoding.TextMarshaler。
func (d Direction) MarshalText() ([]byte, error) {
	switch d {
	case Neutral, LongOnly, ShortOnly:
		return []byte(d.String()), nil
	default:
		return nil, fmt.Errorf("invalid direction %d", int(d))
	}
}

// UnmarshalText 接受 neutral/long/short。
func (d *Direction) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "neutral", "both":
		*d = Neutral
	case "long", "long_only":
		*d = LongOnly
	case "short", "short_only":
		*d = ShortOnly
	default:
		return fmt.Errorf("unknown direction mode %q", string(b))
	}
	return nil
}

// ShiftPolicy 控制网格窗口是否随价格平移。
type ShiftPolicy struct {
	EnableUp      bool
	EnableDown    bool
	StopUpPrice   float64 // 0 表示不设置
	StopDownPrice float64 // 0 表示不设置
}

// GridConfig 单个交易对的网格参数，运行期间不可变。
type GridConfig struct {
	Symbol       string
	PriceMin     float64
	PriceMax     float64
	PriceRange   float64 // >0 时窗口以首个价格为中心 price*(1±range)
	StepCount    int
	Sequence     Sequence
	Direction    Direction
	Capital      float64
	CapitalRatio float64
	Leverage     float64
	Compounding  bool

	LayersPerSide    int
	Shift            ShiftPolicy
	TickSize         float64
	QtyStep          float64
	MakerOffsetTicks int
	RejectRetryLimit int

	MaintenanceMarginRate float64
}

// ConfigError 构造期配置错误，属于致命错误。
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid grid config: " + e.Reason
	}
	return fmt.Sprintf("invalid grid config: %s %s", e.Field, e.Reason)
}

// IsConfigError 判断错误链中是否包含 ConfigError。
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func configErr(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}

// WithDefaults 填充可选字段的默认值。
func (c GridConfig) WithDefaults() GridConfig {
	if c.Sequence == 0 {
		c.Sequence = Geometric
	}
	if c.Direction == 0 {
		c.Direction = Neutral
	}
	if c.CapitalRatio <= 0 {
		c.CapitalRatio = 1
	}
	if c.Leverage <= 0 {
		c.Leverage = 1
	}
	if c.LayersPerSide <= 0 {
		c.LayersPerSide = 3
	}
	if c.RejectRetryLimit <= 0 {
		c.RejectRetryLimit = 2
	}
	if c.MaintenanceMarginRate <= 0 {
		c.MaintenanceMarginRate = 0.005
	}
	return c
}

// Validate 校验网格参数；返回 *ConfigError。
func (c GridConfig) Validate() error {
	if c.Symbol == "" {
		return configErr("symbol", "is required")
	}
	if c.StepCount < 1 {
		return configErr("step_count", "must be >= 1")
	}
	if c.PriceRange < 0 || c.PriceRange >= 1 {
		return configErr("price_range", "must be in [0, 1)")
	}
	if c.PriceRange == 0 {
		if err := validateBounds(c.PriceMin, c.PriceMax); err != nil {
			return err
		}
	}
	switch c.Sequence {
	case Arithmetic, Geometric:
	default:
		return configErr("sequence", "must be arithmetic or geometric")
	}
	switch c.Direction {
	case Neutral, LongOnly, ShortOnly:
	default:
		return configErr("direction", "must be neutral, long or short")
	}
	if !finitePositive(c.Capital) {
		return configErr("capital", "must be > 0")
	}
	if !finitePositive(c.Leverage) {
		return configErr("leverage", "must be > 0")
	}
	if c.CapitalRatio <= 0 || c.CapitalRatio > 1 {
		return configErr("capital_ratio", "must be in (0, 1]")
	}
	if c.LayersPerSide < 1 {
		return configErr("layers_per_side", "must be >= 1")
	}
	if c.TickSize < 0 || c.QtyStep < 0 {
		return configErr("tick_size/qty_step", "must be >= 0")
	}
	if c.MakerOffsetTicks < 0 {
		return configErr("maker_offset_ticks", "must be >= 0")
	}
	if c.RejectRetryLimit < 0 {
		return configErr("reject_retry_limit", "must be >= 0")
	}
	if c.Shift.StopUpPrice < 0 || c.Shift.StopDownPrice < 0 {
		return configErr("shift", "stop prices must be >= 0")
	}
	return nil
}

func validateBounds(min, max float64) error {
	if !finitePositive(min) {
		return configErr("price_min", "must be > 0")
	}
	if !finitePositive(max) || max <= min {
		return configErr("price_max", "must be > price_min")
	}
	return nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
