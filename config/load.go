package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/strategy"
)

// 敏感字段的环境变量覆盖
const (
	EnvAPIKey    = "GRID_API_KEY"
	EnvAPISecret = "GRID_API_SECRET"
)

// ErrMissingCredentials 非 dry-run 时缺少 API Key/Secret
var ErrMissingCredentials = errors.New("gateway.apiKey/apiSecret is required (or env overrides)")

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env       string                  `yaml:"env"`
	DryRun    bool                    `yaml:"dryRun"`
	Log       logger.Config           `yaml:"log"`
	Metrics   MetricsConfig           `yaml:"metrics"`
	Gateway   GatewayConfig           `yaml:"gateway"`
	Store     StoreConfig             `yaml:"store"`
	Alert     AlertConfig             `yaml:"alert"`
	Portfolio PortfolioConfig         `yaml:"portfolio"`
	Symbols   map[string]SymbolConfig `yaml:"symbols"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // 为空时不启动 /metrics
}

type GatewayConfig struct {
	APIKey      string        `yaml:"apiKey"`
	APISecret   string        `yaml:"apiSecret"`
	BaseURL     string        `yaml:"baseURL"`
	WSEndpoint  string        `yaml:"wsEndpoint"`
	Timeout     time.Duration `yaml:"timeout"`
	RateLimit   float64       `yaml:"rateLimit"` // 每秒请求数
	Burst       int           `yaml:"burst"`
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	PaperEquity float64       `yaml:"paperEquity"` // dry-run 模拟账户余额
}

type StoreConfig struct {
	Path string `yaml:"path"` // 为空时不持久化快照
}

type AlertConfig struct {
	Throttle       time.Duration `yaml:"throttle"`
	Console        bool          `yaml:"console"`
	WebhookURL     string        `yaml:"webhookURL"`
	WebhookTimeout time.Duration `yaml:"webhookTimeout"`
}

// PortfolioConfig 组合层参数，对应 portfolio.Config。
type PortfolioConfig struct {
	TotalCapital    string        `yaml:"totalCapital"` // "80%" 或 "5000"
	EquityInterval  time.Duration `yaml:"equityInterval"`
	ReportInterval  time.Duration `yaml:"reportInterval"`
	PriceInterval   time.Duration `yaml:"priceInterval"`
	StaleAfter      time.Duration `yaml:"staleAfter"`
	HealthInterval  time.Duration `yaml:"healthInterval"`
	FillInterval    time.Duration `yaml:"fillInterval"` // 订单状态轮询间隔
	DesyncTolerance float64       `yaml:"desyncTolerance"`
	CorrectionBps   float64       `yaml:"correctionBps"`
	CorrectDesync   bool          `yaml:"correctDesync"`
	AccountRisk     bool          `yaml:"accountRisk"` // 账户级保证金检查，替代逐交易对检查
	MinMarginRate   float64       `yaml:"minMarginRate"`
	CancelOnStop    bool          `yaml:"cancelOnStop"`
}

// SymbolConfig 单个交易对的网格参数与精度限制（来自 exchangeInfo）。
type SymbolConfig struct {
	TickSize    float64 `yaml:"tickSize"`
	StepSize    float64 `yaml:"stepSize"`
	MinQty      float64 `yaml:"minQty"`
	MinNotional float64 `yaml:"minNotional"`

	PriceMin              float64            `yaml:"priceMin"`
	PriceMax              float64            `yaml:"priceMax"`
	PriceRange            float64            `yaml:"priceRange"`
	StepCount             int                `yaml:"stepCount"`
	Sequence              strategy.Sequence  `yaml:"sequence"`
	Direction             strategy.Direction `yaml:"direction"`
	Capital               float64            `yaml:"capital"`
	CapitalRatio          float64            `yaml:"capitalRatio"`
	Leverage              float64            `yaml:"leverage"`
	Compounding           bool               `yaml:"compounding"`
	LayersPerSide         int                `yaml:"layersPerSide"`
	Shift                 ShiftConfig        `yaml:"shift"`
	MakerOffsetTicks      int                `yaml:"makerOffsetTicks"`
	MaxOffsetTicks        int                `yaml:"maxOffsetTicks"`
	RejectRetryLimit      int                `yaml:"rejectRetryLimit"`
	MaintenanceMarginRate float64            `yaml:"maintenanceMarginRate"`
	Weight                float64            `yaml:"weight"` // 资金分配权重，默认 1
}

type ShiftConfig struct {
	EnableUp      bool    `yaml:"enableUp"`
	EnableDown    bool    `yaml:"enableDown"`
	StopUpPrice   float64 `yaml:"stopUpPrice"`
	StopDownPrice float64 `yaml:"stopDownPrice"`
}

// GridConfig 转换为策略参数（已填充默认值）。
func (s SymbolConfig) GridConfig(symbol string) strategy.GridConfig {
	return strategy.GridConfig{
		Symbol:       symbol,
		PriceMin:     s.PriceMin,
		PriceMax:     s.PriceMax,
		PriceRange:   s.PriceRange,
		StepCount:    s.StepCount,
		Sequence:     s.Sequence,
		Direction:    s.Direction,
		Capital:      s.Capital,
		CapitalRatio: s.CapitalRatio,
		Leverage:     s.Leverage,
		Compounding:  s.Compounding,

		LayersPerSide: s.LayersPerSide,
		Shift: strategy.ShiftPolicy{
			EnableUp:      s.Shift.EnableUp,
			EnableDown:    s.Shift.EnableDown,
			StopUpPrice:   s.Shift.StopUpPrice,
			StopDownPrice: s.Shift.StopDownPrice,
		},
		TickSize:         s.TickSize,
		QtyStep:          s.StepSize,
		MakerOffsetTicks: s.MakerOffsetTicks,
		RejectRetryLimit: s.RejectRetryLimit,

		MaintenanceMarginRate: s.MaintenanceMarginRate,
	}.WithDefaults()
}

// EffectiveWeight 未配置权重时为 1。
func (s SymbolConfig) EffectiveWeight() float64 {
	if s.Weight <= 0 {
		return 1
	}
	return s.Weight
}

// SymbolNames 按字母序返回交易对。
func (c AppConfig) SymbolNames() []string {
	names := make([]string, 0, len(c.Symbols))
	for sym := range c.Symbols {
		names = append(names, sym)
	}
	sort.Strings(names)
	return names
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parse(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv(EnvAPISecret); v != "" {
		cfg.Gateway.APISecret = v
	}
	return cfg, Validate(cfg)
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if !cfg.DryRun && (cfg.Gateway.APIKey == "" || cfg.Gateway.APISecret == "") {
		return ErrMissingCredentials
	}
	if cfg.Gateway.RateLimit < 0 || cfg.Gateway.Burst < 0 || cfg.Gateway.MaxAttempts < 0 {
		return errors.New("gateway rate limit and retry settings must be >= 0")
	}
	if len(cfg.Symbols) == 0 {
		return errors.New("symbols config is required")
	}
	if err := validatePortfolio(cfg.Portfolio); err != nil {
		return err
	}
	for _, sym := range cfg.SymbolNames() {
		sc := cfg.Symbols[sym]
		if sc.TickSize <= 0 {
			return fmt.Errorf("symbol %s tickSize must be > 0", sym)
		}
		if sc.StepSize <= 0 {
			return fmt.Errorf("symbol %s stepSize must be > 0", sym)
		}
		if sc.MinQty < 0 || sc.MinNotional < 0 {
			return fmt.Errorf("symbol %s minQty/minNotional must be >= 0", sym)
		}
		if sc.Weight < 0 {
			return fmt.Errorf("symbol %s weight must be >= 0", sym)
		}
		if sc.MaxOffsetTicks < 0 {
			return fmt.Errorf("symbol %s maxOffsetTicks must be >= 0", sym)
		}
		if err := sc.GridConfig(sym).Validate(); err != nil {
			return fmt.Errorf("symbol %s: %w", sym, err)
		}
	}
	return nil
}
