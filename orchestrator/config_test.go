package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := configFromEnv()
	require.NoError(t, err)
	assert.Equal(t, storeDriverPostgres, cfg.StoreDriver)
	assert.Equal(t, eventsBrokerLocal, cfg.EventsBroker)
	assert.Equal(t, 2*time.Hour, cfg.StaleAfter)
	assert.Equal(t, 15*time.Second, cfg.StreamHeartbeat)
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown driver", env: map[string]string{"STORE_DRIVER": "mysql"}},
		{name: "postgres broker without postgres", env: map[string]string{"STORE_DRIVER": "sqlite", "RUN_EVENTS_BROKER": "postgres"}},
		{name: "bad schedule", env: map[string]string{"RUN_REAPER_SCHEDULE": "every tuesday"}},
		{name: "negative stale", env: map[string]string{"RUN_STALE_AFTER": "-1m"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := configFromEnv()
			assert.Error(t, err)
		})
	}
}

func TestReaperDisabledSkipsSchedule(t *testing.T) {
	t.Setenv("RUN_STALE_AFTER", "0")
	t.Setenv("RUN_REAPER_SCHEDULE", "not a schedule")
	cfg, err := configFromEnv()
	require.NoError(t, err)
	assert.Zero(t, cfg.StaleAfter)
}
