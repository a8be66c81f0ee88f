package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"grid-trader-go/market"
)

func TestLedgerWeightedAverage(t *testing.T) {
	var l Ledger
	l.ApplyFill(market.Buy, 100, 1, 0)
	assert.Equal(t, 1.0, l.Quantity())
	assert.Equal(t, 100.0, l.AvgPrice())

	l.ApplyFill(market.Buy, 110, 1, 0)
	assert.InDelta(t, 105.0, l.AvgPrice(), 1e-9)
	assert.Equal(t, 2, l.GridCount())
}

func TestLedgerReduceKeepsAverage(t *testing.T) {
	var l Ledger
	l.ApplyFill(market.Buy, 100, 2, 0)
	out := l.ApplyFill(market.Sell, 120, 1, 5)
	assert.Equal(t, 1.0, l.Quantity())
	assert.Equal(t, 100.0, l.AvgPrice())
	assert.True(t, out.ClosedRoundTrip)
	assert.InDelta(t, 5.0, out.Profit, 1e-12)
}

func TestLedgerReversalResetsAverage(t *testing.T) {
	var l Ledger
	l.ApplyFill(market.Buy, 100, 1, 0)
	out := l.ApplyFill(market.Sell, 95, 3, 0)
	assert.True(t, out.Reversed)
	assert.Equal(t, -2.0, l.Quantity())
	assert.Equal(t, 95.0, l.AvgPrice())
}

func TestLedgerFlatResetsAverage(t *testing.T) {
	var l Ledger
	l.ApplyFill(market.Sell, 100, 1, 0)
	l.ApplyFill(market.Buy, 90, 1, 2)
	assert.Equal(t, 0.0, l.Quantity())
	assert.Equal(t, 0.0, l.AvgPrice())
	assert.Equal(t, 0, l.GridCount())
}

func TestLedgerRoundTripAddsStepProfit(t *testing.T) {
	var l Ledger
	interval := 10.0
	qty := 0.5

	first := l.ApplyFill(market.Buy, 100, qty, interval)
	assert.False(t, first.ClosedRoundTrip, "opening fill must not count as a pair")

	second := l.ApplyFill(market.Sell, 110, qty, interval)
	assert.True(t, second.ClosedRoundTrip)
	assert.Equal(t, 1, l.RoundTrips())
	assert.InDelta(t, interval*qty, l.RealizedProfit(), 1e-12)
}

func TestLedgerShortRoundTrip(t *testing.T) {
	var l Ledger
	l.ApplyFill(market.Sell, 110, 1, 10)
	assert.Equal(t, 0, l.RoundTrips())
	assert.Equal(t, -1, l.GridCount())

	l.ApplyFill(market.Buy, 100, 1, 10)
	assert.Equal(t, 1, l.RoundTrips())
	assert.InDelta(t, 10.0, l.RealizedProfit(), 1e-12)
}

func TestLedgerIgnoresInvalidFill(t *testing.T) {
	var l Ledger
	out := l.ApplyFill(market.Buy, 0, 1, 1)
	assert.False(t, out.ClosedRoundTrip)
	l.ApplyFill(market.Buy, 100, -1, 1)
	assert.Equal(t, 0.0, l.Quantity())
	assert.Equal(t, 0, l.GridCount())
}
