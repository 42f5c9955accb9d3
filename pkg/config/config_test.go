package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.False(t, cfg.BatchEvents)
	require.Equal(t, 1000, cfg.MaxBatchedEvents)
	require.InDelta(t, 0.1, cfg.BatchingEventsTimeout, 1e-9)
	require.False(t, cfg.EnableBridge)
	require.Equal(t, 0, cfg.Resilience)
	require.True(t, cfg.MainThreadWorker)
	require.Positive(t, cfg.NumThreads)
	require.True(t, cfg.ProgressThread)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("EDAT_BATCH_EVENTS", "true")
	t.Setenv("EDAT_MAX_BATCHED_EVENTS", "25")
	t.Setenv("EDAT_NUM_THREADS", "3")
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.True(t, cfg.BatchEvents)
	require.Equal(t, 25, cfg.MaxBatchedEvents)
	require.Equal(t, 3, cfg.NumThreads)
}

func TestProgrammaticOverridesWinAndAcceptPrefixedKeys(t *testing.T) {
	t.Setenv("EDAT_RESILIENCE", "1")
	cfg, err := Load("", map[string]string{
		"EDAT_RESILIENCE":    "2",
		"main_thread_worker": "false",
	})
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Resilience)
	require.False(t, cfg.MainThreadWorker)
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := Load("", map[string]string{"num_threads": "0"})
	require.Error(t, err)
	_, err = Load("", map[string]string{"resilience": "7"})
	require.Error(t, err)
	_, err = Load("", map[string]string{"log_level": "shouty"})
	require.Error(t, err)
}
