package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"grid-trader-go/market"
	"grid-trader-go/strategy"
)

const hoursPerYear = 8760

// Result 回放结束后的汇总。
type Result struct {
	Symbol          string                     `json:"symbol"`
	Bars            int                        `json:"bars"`
	Skipped         int                        `json:"skipped"`
	Start           time.Time                  `json:"start"`
	End             time.Time                  `json:"end"`
	State           strategy.State             `json:"state"`
	Liquidation     *strategy.LiquidationEvent `json:"liquidation,omitempty"`
	Capital         float64                    `json:"capital"`
	Realized        float64                    `json:"realized"`
	Unrealized      float64                    `json:"unrealized"`
	Total           float64                    `json:"total"`
	RoundTrips      int                        `json:"round_trips"`
	Position        float64                    `json:"position"`
	AvgPrice        float64                    `json:"avg_price"`
	MaxProfit       float64                    `json:"max_profit"`
	MaxLoss         float64                    `json:"max_loss"`
	UpShifts        int                        `json:"up_shifts"`
	DownShifts      int                        `json:"down_shifts"`
	FinalEquity     float64                    `json:"final_equity"`
	ROI             float64                    `json:"roi"`
	APRLinear       float64                    `json:"apr_linear"`
	APRCompound     float64                    `json:"apr_compound"`
	DailyRoundTrips float64                    `json:"daily_round_trips"`
}

// Hours 回放覆盖的时长。
func (r Result) Hours() float64 {
	return r.End.Sub(r.Start).Hours()
}

// Option 配置 Runner。
type Option func(*Runner)

// WithLogger 设置日志。
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// Runner 用历史 K 线回放网格状态机（模拟成交，不连接交易所）。
type Runner struct {
	cfg    strategy.GridConfig
	logger *zap.Logger
}

// NewRunner 校验参数并创建回放器。
func NewRunner(cfg strategy.GridConfig, opts ...Option) (*Runner, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run 逐根回放；每根 K 线按 Path 的顺序喂入价格，强平后停止。
func (r *Runner) Run(ctx context.Context, bars []market.Kline) (Result, error) {
	m, err := strategy.NewMachine(r.cfg,
		strategy.WithSimulatedFills(),
		strategy.WithLogger(r.logger),
	)
	if err != nil {
		return Result{}, err
	}
	res := Result{Symbol: r.cfg.Symbol, Capital: r.cfg.Capital}
	for _, bar := range bars {
		if err := ctx.Err(); err != nil {
			return r.summarize(m, res), err
		}
		if !validBar(bar) {
			res.Skipped++
			continue
		}
		if res.Bars == 0 {
			res.Start = bar.Ts
		}
		res.Bars++
		res.End = bar.Ts
		for _, p := range bar.Path() {
			if _, err := m.ApplyPrice(bar.Ts, p); err != nil {
				return r.summarize(m, res), fmt.Errorf("bar %s: %w", bar.Ts.Format(time.RFC3339), err)
			}
			if m.State() == strategy.Liquidated {
				break
			}
		}
		if m.State() == strategy.Liquidated {
			break
		}
	}
	if res.Bars == 0 {
		return res, errors.New("no valid bars")
	}
	out := r.summarize(m, res)
	r.logger.Info("replay finished",
		zap.String("symbol", out.Symbol),
		zap.Int("bars", out.Bars),
		zap.Int("skipped", out.Skipped),
		zap.String("state", out.State.String()),
		zap.Float64("realized", out.Realized),
		zap.Float64("unrealized", out.Unrealized),
		zap.Int("round_trips", out.RoundTrips),
		zap.Float64("roi", out.ROI),
	)
	return out, nil
}

func (r *Runner) summarize(m *strategy.Machine, res Result) Result {
	ledger := m.Ledger()
	grid := m.Grid()
	res.State = m.State()
	res.Liquidation = m.Liquidation()
	res.Realized = ledger.RealizedProfit
	res.Position = ledger.Quantity
	res.AvgPrice = ledger.AvgPrice
	res.RoundTrips = ledger.RoundTrips
	res.MaxProfit = ledger.MaxProfit
	res.MaxLoss = ledger.MaxLoss
	res.UpShifts = grid.UpShiftCount
	res.DownShifts = grid.DownShiftCount
	if last := m.LastPrice(); last > 0 {
		res.Unrealized = m.Unrealized(last)
	}
	res.Total = res.Realized + res.Unrealized
	res.FinalEquity = m.Risk().Equity
	if res.Capital > 0 {
		res.ROI = res.Total / res.Capital
	}
	if hours := res.Hours(); hours > 0 {
		res.APRLinear = res.ROI * hoursPerYear / hours
		if res.ROI > -1 {
			res.APRCompound = math.Pow(1+res.ROI, hoursPerYear/hours) - 1
		} else {
			res.APRCompound = -1
		}
		res.DailyRoundTrips = float64(res.RoundTrips) / (hours / 24)
	}
	return res
}

func validBar(k market.Kline) bool {
	for _, v := range []float64{k.Open, k.High, k.Low, k.Close} {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return k.High >= k.Low && k.High >= math.Max(k.Open, k.Close) && k.Low <= math.Min(k.Open, k.Close)
}
