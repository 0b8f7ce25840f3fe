package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dexcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validConfig = `
server:
  addr: ":9090"
epoch:
  length: 1h
  voting_cutoff: "50000"
markets:
  - symbol: "BASE-QUOTE"
    pool_class: "VOLATILE"
    tick_size: "0.01"
    lot_size: "0.1"
    min_size: "1"
    taker_fee_bps: "10"
    maker_fee_bps: "5"
`

func TestLoad_FileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, time.Hour, cfg.Epoch.Length)
	assert.Equal(t, "50000", cfg.Epoch.VotingCutoff)
	// Untouched keys keep their defaults.
	assert.Equal(t, "0.5", cfg.Epoch.DiscountRatio)
	assert.Equal(t, "dexcore.events", cfg.Kafka.Topic)
	require.Len(t, cfg.Markets, 1)
	assert.Equal(t, "BASE-QUOTE", cfg.Markets[0].Symbol)
}

func TestLoad_RejectsEmptyMarkets(t *testing.T) {
	_, err := Load(writeConfig(t, "epoch:\n  length: 1h\n"))
	assert.ErrorContains(t, err, "at least one market")
}

func TestLoad_RejectsDuplicateSymbols(t *testing.T) {
	_, err := Load(writeConfig(t, validConfig+`
  - symbol: "BASE-QUOTE"
    pool_class: "STABLE"
    tick_size: "0.01"
    lot_size: "0.1"
    min_size: "1"
`))
	assert.ErrorContains(t, err, "duplicate symbol")
}

func TestLoad_RejectsBadSizes(t *testing.T) {
	_, err := Load(writeConfig(t, `
epoch:
  length: 1h
markets:
  - symbol: "X-Y"
    pool_class: "VOLATILE"
    tick_size: "0"
    lot_size: "0.1"
    min_size: "1"
`))
	assert.ErrorContains(t, err, "tick_size")
}

func TestDecimal_Fallback(t *testing.T) {
	d, err := Decimal("", "0.5")
	require.NoError(t, err)
	assert.Equal(t, "0.5", d.String())

	d, err = Decimal("2", "0.5")
	require.NoError(t, err)
	assert.Equal(t, "2", d.String())
}
