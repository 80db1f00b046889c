package profile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	p := &Profile{Mode: "dev", Data: t.TempDir()}
	p.FromEnv()
	require.NoError(t, p.Validate())

	require.Equal(t, 5, p.PollIntervalSeconds)
	require.Equal(t, 30, p.InactivityMinutes)
	require.Equal(t, 30, p.MaxListenersPerInstance)
	require.Equal(t, 10, p.DeliveryBatchSize)
	require.Equal(t, 4, p.DeliveryConcurrency)
	require.Equal(t, 3, p.DeliveryMaxRetries)
	require.False(t, p.MergeMessages)
	require.Equal(t, 60, p.MergeWindowSeconds)
	require.Equal(t, 30, p.MonitorIntervalSeconds)
	require.Contains(t, p.DSN, "wxbridge_dev.db")
}

func TestValidateUnknownModeFallsBackToDemo(t *testing.T) {
	p := &Profile{Mode: "staging", Data: t.TempDir()}
	require.NoError(t, p.Validate())
	require.Equal(t, "demo", p.Mode)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("WXBRIDGE_POLL_INTERVAL_SECONDS", "2")
	t.Setenv("WXBRIDGE_MERGE_MESSAGES", "true")
	t.Setenv("WXBRIDGE_DELIVERY_CONCURRENCY", "8")

	p := &Profile{Mode: "dev", Data: t.TempDir()}
	p.FromEnv()
	require.NoError(t, p.Validate())

	require.Equal(t, 2, p.PollIntervalSeconds)
	require.True(t, p.MergeMessages)
	require.Equal(t, 8, p.DeliveryConcurrency)
}

func TestIsDev(t *testing.T) {
	require.True(t, (&Profile{Mode: "dev"}).IsDev())
	require.False(t, (&Profile{Mode: "prod"}).IsDev())
}
