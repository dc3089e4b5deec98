package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "1m", cfg.Pipeline.BaseTimeframe)
	assert.Equal(t, []string{"5m", "15m", "1h"}, cfg.Pipeline.RollupTimeframes)
	assert.Equal(t, 100, cfg.RateLimit.Rate)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "Europe/Istanbul", cfg.Collectors.BIST.Timezone)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
database:
  host: db.internal
  max_open_conns: 20
  max_idle_conns: 5
pipeline:
  rollup_timeframes: ["5m", "1h"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, []string{"5m", "1h"}, cfg.Pipeline.RollupTimeframes)
	// Untouched sections keep defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 300, cfg.Alerts.CacheTTLSecs)
}

func TestLoadEnvOverlayWins(t *testing.T) {
	path := writeConfig(t, `
database:
  host: from-file
`)
	t.Setenv("DB_HOST", "from-env")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Database.Host)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad timeframe": "pipeline:\n  base_timeframe: 3m\n",
		"bad port":      "server:\n  port: -1\n",
		"idle > open":   "database:\n  max_open_conns: 5\n  max_idle_conns: 10\n",
		"bad clock":     "collectors:\n  bist:\n    market_open: \"9am\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "h", Port: 5433, Database: "db", User: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "host=h port=5433 dbname=db user=u password=p sslmode=disable", d.DSN())
}
