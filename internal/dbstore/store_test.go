package dbstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	cfg := Config{Address: "db:5432", Database: "clash", User: "bot", Password: "p@ss/word"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "postgres://bot:p%40ss%2Fword@db:5432/clash", cfg.ConnString())

	for name, mutate := range map[string]func(*Config){
		"address":  func(c *Config) { c.Address = "" },
		"database": func(c *Config) { c.Database = "" },
		"user":     func(c *Config) { c.User = "" },
		"password": func(c *Config) { c.Password = "" },
	} {
		t.Run(name, func(t *testing.T) {
			c := cfg
			mutate(&c)
			assert.ErrorContains(t, c.Validate(), name)
		})
	}
}

func TestSchema(t *testing.T) {
	for _, table := range []string{"reminders", "jobs", "delivery_records", "snapshots", "player_links", "baselines"} {
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func TestNullTime(t *testing.T) {
	assert.Nil(t, nullTime(time.Time{}))
	assert.Equal(t, time.Time{}, fromNullTime(nil))

	local := time.Date(2026, 10, 24, 14, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	got := nullTime(local)
	require.NotNil(t, got)
	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, local.Equal(fromNullTime(got)))
}
