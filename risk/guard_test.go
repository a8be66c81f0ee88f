package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLiquidationCheckerNoExposure(t *testing.T) {
	c := NewLiquidationChecker(0)
	assert.Equal(t, DefaultMaintenanceMarginRate, c.MinMarginRate)

	breached, rate := c.Check(100, 0)
	assert.False(t, breached)
	assert.Equal(t, 999.0, rate)
}

func TestLiquidationCheckerBreach(t *testing.T) {
	c := NewLiquidationChecker(0.005)

	breached, rate := c.Check(1000, 10000)
	assert.False(t, breached)
	assert.InDelta(t, 0.1, rate, 1e-12)

	breached, rate = c.Check(40, 10000)
	assert.True(t, breached)
	assert.InDelta(t, 0.004, rate, 1e-12)

	breached, _ = c.Check(-5, 10000)
	assert.True(t, breached, "negative equity is always a breach")
}

func TestAccountCheckSumsExposure(t *testing.T) {
	c := NewLiquidationChecker(0.01)
	exposures := []Exposure{
		{Symbol: "ETHUSDC", Notional: 3000},
		{Symbol: "SOLUSDC", Notional: -2000},
	}
	breached, rate := AccountCheck(c.Check, 100, exposures)
	assert.False(t, breached)
	assert.InDelta(t, 0.02, rate, 1e-12)

	breached, _ = AccountCheck(c.Check, 40, exposures)
	assert.True(t, breached)

	breached, _ = AccountCheck(nil, 0, exposures)
	assert.False(t, breached)
}
