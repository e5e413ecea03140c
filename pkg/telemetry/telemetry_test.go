package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("webplus-vdr")
	assert.Equal(t, "webplus-vdr", cfg.ServiceName)
	assert.True(t, cfg.Enabled)
}

func TestNewBuildsAllCounters(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig("webplus-test"), nil)
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.NotNil(t, p.DocumentsValidated)
	assert.NotNil(t, p.ResolutionsServed)
	assert.NotNil(t, p.CacheHits)
	assert.NotNil(t, p.CacheMisses)
	assert.NotNil(t, p.GatewayNotificationsOK)
	assert.NotNil(t, p.GatewayNotificationsErr)

	defer p.Shutdown(context.Background())
}

func TestCountersAreUsableWithoutPanicking(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig("webplus-test"), nil)
	require.NoError(t, err)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		p.DocumentsValidated.Add(ctx, 1)
		p.ResolutionsServed.Add(ctx, 3)
		p.CacheHits.Add(ctx, 1)
		p.CacheMisses.Add(ctx, 1)
		p.GatewayNotificationsOK.Add(ctx, 1)
		p.GatewayNotificationsErr.Add(ctx, 1)
	})

	require.NoError(t, p.Shutdown(ctx))
}

func TestShutdownOnNilProviderIsNoOp(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}
