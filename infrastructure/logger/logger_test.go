package logger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Level: "info", Outputs: []string{"file"}})
	assert.Error(t, err)
}

func TestFileOutputWritesJSON(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Outputs = []string{"file"}
	cfg.OutputFile = filepath.Join(dir, "logs", "grid.log")
	cfg.ErrorFile = filepath.Join(dir, "logs", "error.log")

	l, err := New(cfg)
	require.NoError(t, err)

	l.LogOrder("placed", "42", map[string]interface{}{"symbol": "ETHUSDC"})
	l.LogTrade("fill", map[string]interface{}{"price": 140.0})
	l.LogRisk("liquidated", nil)
	l.LogError(errors.New("boom"), map[string]interface{}{"symbol": "ETHUSDC"})
	l.WithFields(map[string]interface{}{"symbol": "BTCUSDC"}).Info("hello")
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(cfg.OutputFile)
	require.NoError(t, err)
	out := string(raw)
	assert.Contains(t, out, `"order_id":"42"`)
	assert.Contains(t, out, `"event":"fill"`)
	assert.Contains(t, out, `"msg":"risk_event"`)
	assert.Contains(t, out, `"symbol":"BTCUSDC"`)
	assert.Contains(t, out, `"schema_error":"missing fields: symbol,reason"`)

	raw, err = os.ReadFile(cfg.ErrorFile)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"error":"boom"`)
	assert.NotContains(t, string(raw), "order_event")
}

func TestFieldHelpersDoNotMutateInput(t *testing.T) {
	l, err := New(Config{Level: "debug"})
	require.NoError(t, err)
	fields := map[string]interface{}{"symbol": "ETHUSDC"}
	l.LogTrade("fill", fields)
	assert.Len(t, fields, 1)
}

func TestValidateFields(t *testing.T) {
	assert.Equal(t, []string{"order_event", "risk_event", "trade_event"}, Known())
	assert.NoError(t, ValidateFields("order_event", map[string]interface{}{"symbol": "ETHUSDC", "side": "BUY", "price": 1.0}))
	assert.EqualError(t, ValidateFields("risk_event", map[string]interface{}{"symbol": "ETHUSDC"}), "missing fields: reason")
	assert.NoError(t, ValidateFields("unknown", nil))
}
