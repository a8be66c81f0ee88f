package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-trader-go/strategy"
)

const sampleConfig = `
env: dev
log:
  level: debug
  outputs: [stdout]
metrics:
  addr: ":9100"
gateway:
  apiKey: foo
  apiSecret: bar
  baseURL: https://api.test
  timeout: 5s
  rateLimit: 10
  burst: 20
store:
  path: ./data
portfolio:
  totalCapital: "80%"
  equityInterval: 30s
  desyncTolerance: 0.02
  correctDesync: true
  accountRisk: true
  minMarginRate: 0.08
  fillInterval: 3s
symbols:
  ETHUSDC:
    tickSize: 0.01
    stepSize: 0.001
    minQty: 0.001
    priceMin: 1800
    priceMax: 2600
    stepCount: 40
    sequence: geometric
    direction: long
    capital: 2000
    leverage: 3
    compounding: true
    shift:
      enableUp: true
      stopUpPrice: 3200
    weight: 2
  BTCUSDC:
    tickSize: 0.1
    stepSize: 0.001
    priceRange: 0.1
    stepCount: 20
    sequence: arithmetic
    capital: 3000
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Portfolio.EquityInterval)
	assert.Equal(t, "80%", cfg.Portfolio.TotalCapital)
	assert.Equal(t, 0.08, cfg.Portfolio.MinMarginRate)
	assert.Equal(t, 3*time.Second, cfg.Portfolio.FillInterval)
	assert.Equal(t, []string{"BTCUSDC", "ETHUSDC"}, cfg.SymbolNames())

	eth := cfg.Symbols["ETHUSDC"]
	assert.Equal(t, 2.0, eth.EffectiveWeight())
	assert.Equal(t, 1.0, cfg.Symbols["BTCUSDC"].EffectiveWeight())

	grid := eth.GridConfig("ETHUSDC")
	assert.Equal(t, "ETHUSDC", grid.Symbol)
	assert.Equal(t, strategy.Geometric, grid.Sequence)
	assert.Equal(t, strategy.LongOnly, grid.Direction)
	assert.Equal(t, 0.001, grid.QtyStep)
	assert.True(t, grid.Shift.EnableUp)
	assert.Equal(t, 3200.0, grid.Shift.StopUpPrice)
	assert.Equal(t, 3, grid.LayersPerSide)
	assert.Equal(t, 1.0, grid.CapitalRatio)

	btc := cfg.Symbols["BTCUSDC"].GridConfig("BTCUSDC")
	assert.Equal(t, strategy.Arithmetic, btc.Sequence)
	assert.Equal(t, strategy.Neutral, btc.Direction)
	assert.Equal(t, 0.1, btc.PriceRange)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvAPISecret, "env-secret")
	cfg, err := LoadWithEnvOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Gateway.APIKey)
	assert.Equal(t, "env-secret", cfg.Gateway.APISecret)
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	_, err := Load(writeTempConfig(t, `
env: dev
symbols:
  ETHUSDC:
    sequence: fibonacci
`))
	assert.ErrorContains(t, err, "parse yaml")
}

func TestValidate(t *testing.T) {
	base, err := Load(writeTempConfig(t, sampleConfig))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*AppConfig)
		want   string
	}{
		{"env", func(c *AppConfig) { c.Env = "" }, "env is required"},
		{"credentials", func(c *AppConfig) { c.Gateway.APIKey = "" }, "apiKey"},
		{"symbols", func(c *AppConfig) { c.Symbols = nil }, "symbols config is required"},
		{"capital", func(c *AppConfig) { c.Portfolio.TotalCapital = "120%" }, "totalCapital"},
		{"tolerance", func(c *AppConfig) { c.Portfolio.DesyncTolerance = 1 }, "desyncTolerance"},
		{"margin", func(c *AppConfig) { c.Portfolio.MinMarginRate = -0.1 }, "minMarginRate"},
		{"fill interval", func(c *AppConfig) { c.Portfolio.FillInterval = -time.Second }, "intervals"},
		{"tick", func(c *AppConfig) { setSymbol(c, "ETHUSDC", func(s *SymbolConfig) { s.TickSize = 0 }) }, "tickSize"},
		{"grid", func(c *AppConfig) { setSymbol(c, "ETHUSDC", func(s *SymbolConfig) { s.StepCount = 0 }) }, "step_count"},
		{"bounds", func(c *AppConfig) { setSymbol(c, "ETHUSDC", func(s *SymbolConfig) { s.PriceMin = 3000 }) }, "ETHUSDC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := clone(base)
			tt.mutate(&cfg)
			assert.ErrorContains(t, Validate(cfg), tt.want)
		})
	}

	// dry-run 不需要 API Key
	cfg := clone(base)
	cfg.DryRun = true
	cfg.Gateway.APIKey, cfg.Gateway.APISecret = "", ""
	assert.NoError(t, Validate(cfg))
}

func TestValidateWrapsGridConfigError(t *testing.T) {
	base, err := Load(writeTempConfig(t, sampleConfig))
	require.NoError(t, err)
	cfg := clone(base)
	setSymbol(&cfg, "BTCUSDC", func(s *SymbolConfig) { s.Capital = 0 })
	err = Validate(cfg)
	require.Error(t, err)
	assert.True(t, strategy.IsConfigError(err))
	assert.Contains(t, err.Error(), "BTCUSDC")
}

func clone(c AppConfig) AppConfig {
	out := c
	out.Symbols = make(map[string]SymbolConfig, len(c.Symbols))
	for k, v := range c.Symbols {
		out.Symbols[k] = v
	}
	return out
}

func setSymbol(c *AppConfig, sym string, fn func(*SymbolConfig)) {
	sc := c.Symbols[sym]
	fn(&sc)
	c.Symbols[sym] = sc
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv(EnvAPIKey, "k")
	t.Setenv(EnvAPISecret, "s")
	cfg, err := LoadWithEnvOverrides(filepath.Join("..", "configs", "config.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ETHUSDC", "SOLUSDC"}, cfg.SymbolNames())

	sol := cfg.Symbols["SOLUSDC"].GridConfig("SOLUSDC")
	assert.Equal(t, strategy.LongOnly, sol.Direction)
	assert.Equal(t, 0.1, sol.PriceRange)
	assert.Equal(t, 2.0, cfg.Symbols["ETHUSDC"].EffectiveWeight())
	assert.Equal(t, 5*time.Minute, cfg.Alert.Throttle)
}
