package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boostflow/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.80, cfg.Commission.PartnerCommissionRate)
	assert.Equal(t, 0.05, cfg.Commission.CancellationPenaltyRate)
	assert.Equal(t, 10*time.Second, cfg.API.Timeout)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := config.FromYAML([]byte("commission:\n  partner_commission_rate: 0.9\n  cancellation_penalty_rate: 0.1\n"))
	require.NoError(t, err)
	assert.Equal(t, 0.9, cfg.Commission.PartnerCommissionRate)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestValidateRejectsOutOfBounds(t *testing.T) {
	cases := map[string]string{
		"earning too high": "commission:\n  partner_commission_rate: 0.99\n",
		"penalty too low":  "commission:\n  cancellation_penalty_rate: 0.001\n",
		"bad api url":      "api:\n  base_url: ftp://example.com\n",
		"bad live url":     "live:\n  url: http://example.com/live\n",
		"bad base path":    "server:\n  base_path: v0\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestWriteAndLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := config.Load(dir)
	require.Error(t, err)

	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	cfg.Commission.PartnerCommissionRate = 0.7
	require.NoError(t, config.Write(dir, cfg))

	_, err = os.Stat(config.Path(dir))
	require.NoError(t, err)
	loaded, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 0.7, loaded.Commission.PartnerCommissionRate)
	assert.Equal(t, cfg.Live.ReconnectDelay, loaded.Live.ReconnectDelay)
}
