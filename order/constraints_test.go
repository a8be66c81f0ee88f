package order

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"grid-trader-go/market"
)

func TestSymbolConstraintsValidate(t *testing.T) {
	c := SymbolConstraints{
		TickSize:    0.01,
		StepSize:    0.001,
		MinQty:      0.001,
		MaxQty:      10,
		MinNotional: 5,
	}
	assert.NoError(t, c.Validate(100.01, 0.1))
	assert.Error(t, c.Validate(100.015, 0.002), "tick size")
	assert.Error(t, c.Validate(100.01, 0.0005), "step size")
	assert.Error(t, c.Validate(100.01, 11), "max qty")
	assert.Error(t, c.Validate(10, 0.2), "min notional")
}

func TestQuotePriceRoundsAwayFromMarket(t *testing.T) {
	c := SymbolConstraints{TickSize: 0.01}
	assert.Equal(t, 139.65, c.QuotePrice(market.Buy, 139.6543, 0))
	assert.Equal(t, 139.66, c.QuotePrice(market.Sell, 139.6543, 0))
	assert.Equal(t, 139.63, c.QuotePrice(market.Buy, 139.6543, 2))
	assert.Equal(t, 139.68, c.QuotePrice(market.Sell, 139.6543, 2))
	assert.Equal(t, 140.0, c.QuotePrice(market.Buy, 140, 0))

	assert.Equal(t, 12.345, SymbolConstraints{}.QuotePrice(market.Buy, 12.345, 3))
}

func TestFloorQty(t *testing.T) {
	c := SymbolConstraints{StepSize: 0.001, MaxQty: 1}
	assert.Equal(t, 0.123, c.FloorQty(0.12399))
	assert.Equal(t, 1.0, c.FloorQty(5))
	assert.Equal(t, 0.0, c.FloorQty(-1))
	assert.Equal(t, 0.5, SymbolConstraints{}.FloorQty(0.5))
}
