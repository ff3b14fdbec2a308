package meshwire

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwire/meshwire/core"
)

func TestConnectMemoryTransport(t *testing.T) {
	cfg, err := NewConfig(WithMemoryTransport(), WithSessionName("roundtrip"))
	require.NoError(t, err)

	sess, err := Connect(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Shutdown(context.Background()) })

	_, err = sess.CreateNode(context.Background(), "/", "talker", "/")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Graph().NodeCount())
}

func TestConnectBuildsTelemetryProvider(t *testing.T) {
	cfg, err := NewConfig(WithMemoryTransport(), WithSessionName("observed"))
	require.NoError(t, err)
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.ServiceName = "observed"

	// No endpoint configured, so the provider exports to stdout; the point
	// is that the session comes up with a real provider attached.
	sess, err := Connect(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, sess.Shutdown(context.Background()))
}

func TestConnectRejectsUnknownProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.Provider = "carrier-pigeon"

	_, err := Connect(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
}
