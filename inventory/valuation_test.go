package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"grid-trader-go/market"
)

func TestLedgerValuation(t *testing.T) {
	var l Ledger
	l.ApplyFill(market.Buy, 100, 2, 0)

	assert.InDelta(t, 20.0, l.Unrealized(110), 1e-9)
	assert.InDelta(t, 1020.0, l.Equity(1000, 110), 1e-9)
	assert.InDelta(t, 220.0, l.Notional(110), 1e-9)

	l.ApplyFill(market.Sell, 100, 4, 0)
	assert.InDelta(t, 200.0, l.Notional(100), 1e-9)
	assert.InDelta(t, -20.0, l.Unrealized(110), 1e-9)
}

func TestLedgerObserveMarkTracksExtremes(t *testing.T) {
	var l Ledger
	l.ApplyFill(market.Buy, 100, 1, 0)
	l.ObserveMark(120)
	l.ObserveMark(80)
	l.ObserveMark(100)
	assert.InDelta(t, 20.0, l.MaxProfit(), 1e-9)
	assert.InDelta(t, -20.0, l.MaxLoss(), 1e-9)
}
