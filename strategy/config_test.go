package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validConfig() GridConfig {
	return GridConfig{
		Symbol:    "ETHUSDC",
		PriceMin:  100,
		PriceMax:  200,
		StepCount: 10,
		Sequence:  Geometric,
		Direction: Neutral,
		Capital:   10000,
		Leverage:  1,
	}.WithDefaults()
}

func TestGridConfigDefaults(t *testing.T) {
	cfg := GridConfig{Symbol: "X"}.WithDefaults()
	assert.Equal(t, Geometric, cfg.Sequence)
	assert.Equal(t, Neutral, cfg.Direction)
	assert.Equal(t, 1.0, cfg.CapitalRatio)
	assert.Equal(t, 3, cfg.LayersPerSide)
	assert.Equal(t, 2, cfg.RejectRetryLimit)
	assert.Equal(t, 0.005, cfg.MaintenanceMarginRate)
}

func TestGridConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]func(c *GridConfig){
		"min":      func(c *GridConfig) { c.PriceMin = 0 },
		"max":      func(c *GridConfig) { c.PriceMax = 50 },
		"steps":    func(c *GridConfig) { c.StepCount = 0 },
		"capital":  func(c *GridConfig) { c.Capital = -1 },
		"layers":   func(c *GridConfig) { c.LayersPerSide = 0 },
		"sequence": func(c *GridConfig) { c.Sequence = Sequence(9) },
		"range":    func(c *GridConfig) { c.PriceRange = 1.5 },
		"symbol":   func(c *GridConfig) { c.Symbol = "" },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(&cfg)
		err := cfg.Validate()
		assert.True(t, IsConfigError(err), "%s should fail with ConfigError, got %v", name, err)
	}
}

func TestDynamicRangeSkipsBounds(t *testing.T) {
	cfg := validConfig()
	cfg.PriceMin, cfg.PriceMax = 0, 0
	cfg.PriceRange = 0.05
	assert.NoError(t, cfg.Validate())
}

func TestModeTextRoundTrip(t *testing.T) {
	var doc struct {
		Sequence  Sequence  `yaml:"sequence"`
		Direction Direction `yaml:"direction"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("sequence: GS\ndirection: long\n"), &doc))
	assert.Equal(t, Geometric, doc.Sequence)
	assert.Equal(t, LongOnly, doc.Direction)

	out, err := yaml.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(out), "sequence: geometric")
	assert.Contains(t, string(out), "direction: long")

	assert.Error(t, yaml.Unmarshal([]byte("direction: sideways\n"), &doc))
}
