package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"grid-trader-go/market"
)

// StreamKind 推送消息分类。
type StreamKind int

const (
	StreamIgnored StreamKind = iota
	StreamTick
	StreamFill
	StreamListenKeyExpired
)

// StreamEvent 解析后的推送事件，Tick/Fill 按 Kind 二选一。
type StreamEvent struct {
	Kind StreamKind
	Tick market.Tick
	Fill market.Fill
}

// CombinedMessage 对应 binance combined stream 包装。
type CombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type eventHeader struct {
	Event string `json:"e"`
	Time  int64  `json:"E"`
}

type tickerEvent struct {
	Symbol string `json:"s"`
	Last   string `json:"c"`
}

type orderTradeUpdate struct {
	TxTime int64 `json:"T"`
	Order  struct {
		Symbol      string `json:"s"`
		ClientID    string `json:"c"`
		Side        string `json:"S"`
		ExecType    string `json:"x"`
		Status      string `json:"X"`
		OrderID     int64  `json:"i"`
		LastPrice   string `json:"L"`
		AvgPrice    string `json:"ap"`
		AccumQty    string `json:"z"`
		TradeTimeMs int64  `json:"T"`
	} `json:"o"`
}

// ParseStreamMessage 解析 combined stream 或裸事件消息。
// 只有完全成交的订单产生 StreamFill，部分成交等待最终状态。
func ParseStreamMessage(raw []byte) (StreamEvent, error) {
	var wrapped CombinedMessage
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return StreamEvent{}, fmt.Errorf("decode stream message: %w", err)
	}
	payload := raw
	if len(wrapped.Data) > 0 {
		payload = wrapped.Data
	}
	var hdr eventHeader
	if err := json.Unmarshal(payload, &hdr); err != nil {
		return StreamEvent{}, fmt.Errorf("decode event header: %w", err)
	}

	switch hdr.Event {
	case "24hrTicker":
		var t tickerEvent
		if err := json.Unmarshal(payload, &t); err != nil {
			return StreamEvent{}, fmt.Errorf("decode ticker: %w", err)
		}
		price, err := decimal.NewFromString(t.Last)
		if err != nil || !price.IsPositive() {
			return StreamEvent{}, fmt.Errorf("invalid ticker price %q", t.Last)
		}
		return StreamEvent{Kind: StreamTick, Tick: market.Tick{
			Symbol: t.Symbol,
			Price:  price.InexactFloat64(),
			Ts:     millis(hdr.Time),
		}}, nil

	case "ORDER_TRADE_UPDATE":
		var u orderTradeUpdate
		if err := json.Unmarshal(payload, &u); err != nil {
			return StreamEvent{}, fmt.Errorf("decode order update: %w", err)
		}
		if OrderStatus(u.Order.Status) != StatusFilled {
			return StreamEvent{Kind: StreamIgnored}, nil
		}
		side, err := market.ParseSide(u.Order.Side)
		if err != nil {
			return StreamEvent{}, err
		}
		price := parseDecimal(u.Order.AvgPrice)
		if price <= 0 {
			price = parseDecimal(u.Order.LastPrice)
		}
		ts := u.Order.TradeTimeMs
		if ts == 0 {
			ts = hdr.Time
		}
		return StreamEvent{Kind: StreamFill, Fill: market.Fill{
			Symbol:   u.Order.Symbol,
			Side:     side,
			Price:    price,
			Qty:      parseDecimal(u.Order.AccumQty),
			OrderID:  strconv.FormatInt(u.Order.OrderID, 10),
			ClientID: u.Order.ClientID,
			Ts:       millis(ts),
		}}, nil

	case "listenKeyExpired":
		return StreamEvent{Kind: StreamListenKeyExpired}, nil

	default:
		return StreamEvent{Kind: StreamIgnored}, nil
	}
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return timeNow()
	}
	return time.UnixMilli(ms)
}
