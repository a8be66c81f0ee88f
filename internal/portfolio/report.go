package portfolio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grid-trader-go/gateway"
	"grid-trader-go/internal/engine"
	"grid-trader-go/market"
	"grid-trader-go/strategy"
)

// DesyncWarning 逻辑仓位与交易所仓位偏差超出容忍度。
type DesyncWarning struct {
	Symbol   string
	Logical  float64
	Venue    float64
	Side     market.Side // 校正方向
	Quantity float64     // 校正数量（已按步长取整）
	Price    float64     // 校正单价格；未下单时为 0
	OrderID  string
	Err      error // 校正单失败原因
}

func (w DesyncWarning) Error() string {
	msg := fmt.Sprintf("%s position desync: logical %.8f venue %.8f", w.Symbol, w.Logical, w.Venue)
	if w.OrderID != "" {
		msg += fmt.Sprintf(", correcting %s %.8f @ %.8f (order %s)", w.Side, w.Quantity, w.Price, w.OrderID)
	}
	if w.Err != nil {
		msg += ": " + w.Err.Error()
	}
	return msg
}

func (w DesyncWarning) Unwrap() error { return w.Err }

// SymbolReport 单个交易对的盈亏与仓位。
type SymbolReport struct {
	Symbol        string
	State         strategy.State
	Realized      float64
	Unrealized    float64
	Position      float64
	VenuePosition float64
	RoundTrips    int
	Desync        *DesyncWarning
}

// Report 组合盈亏汇总。
type Report struct {
	Symbols         []SymbolReport
	TotalRealized   float64
	TotalUnrealized float64
}

// Total 已实现 + 未实现
func (r Report) Total() float64 { return r.TotalRealized + r.TotalUnrealized }

// Report 汇总各交易对盈亏，并巡检实盘仓位与逻辑仓位是否一致。
// 未实现盈亏取交易所持仓数据。
func (c *Coordinator) Report(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error
	for _, sym := range c.symbols {
		t := c.members[sym].trader
		v := t.View()
		pos, err := c.gw.FetchPosition(ctx, sym)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch position %s: %w", sym, err))
			continue
		}

		sr := SymbolReport{
			Symbol:        sym,
			State:         v.State,
			Realized:      v.Realized,
			Unrealized:    pos.Unrealized,
			Position:      v.Position,
			VenuePosition: pos.Quantity,
			RoundTrips:    v.RoundTrips,
		}
		if v.State == strategy.Active {
			sr.Desync = c.checkPosition(ctx, t, v, pos)
			if sr.Desync != nil {
				c.onDesync(*sr.Desync)
			}
		}
		rep.Symbols = append(rep.Symbols, sr)
		rep.TotalRealized += sr.Realized
		rep.TotalUnrealized += sr.Unrealized

		c.logger.Info("symbol pnl",
			zap.String("symbol", sym),
			zap.String("state", v.State.String()),
			zap.Float64("realized", sr.Realized),
			zap.Float64("unrealized", sr.Unrealized),
			zap.Float64("total", sr.Realized+sr.Unrealized),
			zap.Int("round_trips", sr.RoundTrips))
	}
	c.logger.Info("portfolio pnl",
		zap.Float64("realized", rep.TotalRealized),
		zap.Float64("unrealized", rep.TotalUnrealized),
		zap.Float64("total", rep.Total()))
	return rep, errors.Join(errs...)
}

// checkPosition 相对误差在容忍度内时采用交易所仓位；否则按差额下一笔非 maker 限价单
// 把交易所仓位拉回逻辑仓位。差额低于最小下单量时忽略。
func (c *Coordinator) checkPosition(ctx context.Context, t *engine.Trader, v engine.View, pos gateway.Position) *DesyncWarning {
	diff := v.Position - pos.Quantity
	if diff == 0 {
		return nil
	}
	base := math.Max(math.Abs(pos.Quantity), 1e-8)
	if math.Abs(diff)/base <= c.cfg.DesyncTolerance {
		t.AdoptPosition(pos.Quantity, pos.AvgPrice)
		return nil
	}

	cons := t.Constraints()
	side := market.Buy
	if diff < 0 {
		side = market.Sell
	}
	qty := cons.FloorQty(math.Abs(diff))
	if qty <= 0 || (cons.MinQty > 0 && qty < cons.MinQty) {
		return nil
	}
	w := &DesyncWarning{Symbol: v.Symbol, Logical: v.Position, Venue: pos.Quantity, Side: side, Quantity: qty}
	if !c.cfg.CorrectDesync {
		return w
	}

	ref, err := c.gw.FetchPrice(ctx, v.Symbol)
	if err != nil || ref <= 0 {
		w.Err = fmt.Errorf("reference price: %w", err)
		if err == nil {
			w.Err = fmt.Errorf("reference price %v", ref)
		}
		return w
	}
	ratio := c.cfg.CorrectionBps / 10000
	price := ref * (1 + ratio)
	if side == market.Sell {
		price = ref * (1 - ratio)
	}
	w.Price = cons.QuotePrice(side, price, 0)

	id, err := c.gw.PlaceOrder(ctx, gateway.PlaceRequest{
		Symbol:   v.Symbol,
		Side:     side,
		Price:    w.Price,
		Quantity: qty,
		ClientID: correctionClientID(),
	})
	if err != nil {
		w.Err = err
		return w
	}
	w.OrderID = id
	return w
}

func correctionClientID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return engine.CorrectionClientIDPrefix + id[:24]
}

func (c *Coordinator) onDesync(w DesyncWarning) {
	c.monitor.RecordDesync(w.Symbol)
	c.logger.Warn("position desync",
		zap.String("symbol", w.Symbol),
		zap.Float64("logical", w.Logical),
		zap.Float64("venue", w.Venue),
		zap.String("side", w.Side.String()),
		zap.Float64("qty", w.Quantity),
		zap.Float64("price", w.Price),
		zap.String("order_id", w.OrderID),
		zap.Error(w.Err))
	if c.alerts != nil {
		_ = c.alerts.Warning(w.Symbol, "position desync", map[string]interface{}{
			"logical": w.Logical,
			"venue":   w.Venue,
			"qty":     w.Quantity,
			"order":   w.OrderID,
		})
	}
	c.emit(Status{Kind: StatusDesync, Symbol: w.Symbol, Desync: &w})
}
