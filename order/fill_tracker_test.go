package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"grid-trader-go/market"
)

func TestFillTrackerDropsDuplicates(t *testing.T) {
	ft := NewFillTracker(10, time.Minute)
	f := market.Fill{Symbol: "ETHUSDC", Side: market.Buy, Price: 100, Qty: 1, OrderID: "7", Ts: time.Now()}
	assert.True(t, ft.Record(f))
	assert.False(t, ft.Record(f))
	assert.True(t, ft.Record(market.Fill{Symbol: "ETHUSDC", Side: market.Sell, OrderID: "8", Ts: time.Now()}))

	// 无订单号的模拟成交不去重
	sim := market.Fill{Symbol: "ETHUSDC", Side: market.Buy, Ts: time.Now()}
	assert.True(t, ft.Record(sim))
	assert.True(t, ft.Record(sim))

	st := ft.GetStats()
	assert.Equal(t, 4, st.TotalFills)
	assert.Equal(t, 1, st.Duplicates)
}

func TestFillTrackerForgetsOutsideWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ft := NewFillTracker(10, time.Minute)
	ft.now = func() time.Time { return now }

	f := market.Fill{OrderID: "1", Ts: now}
	assert.True(t, ft.Record(f))
	now = now.Add(2 * time.Minute)
	assert.True(t, ft.Record(f), "expired entries are forgotten")
	assert.Len(t, ft.GetRecentFills(), 1)
}

func TestFillTrackerBoundedHistory(t *testing.T) {
	ft := NewFillTracker(2, time.Hour)
	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, ft.Record(market.Fill{OrderID: id, Ts: time.Now()}))
	}
	assert.Len(t, ft.GetRecentFills(), 2)
	assert.True(t, ft.Record(market.Fill{OrderID: "a", Ts: time.Now()}))
}
