package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/realtime-relay/config"
)

func TestNewFactory(t *testing.T) {
	cfg := config.Default()

	factory, err := NewFactory(cfg, nil)
	require.NoError(t, err)
	a, b := factory(), factory()
	assert.IsType(t, &Realtime{}, a)
	assert.NotSame(t, a, b, "each session gets its own adapter")

	cfg.UpstreamProvider = config.ProviderGemini
	factory, err = NewFactory(cfg, nil)
	require.NoError(t, err)
	gemini, ok := factory().(*Gemini)
	require.True(t, ok)
	assert.Equal(t, cfg.DialTimeout, gemini.cfg.DialTimeout)
	assert.Equal(t, cfg.SampleRate, gemini.cfg.SampleRate)

	cfg.UpstreamProvider = "smoke-signals"
	_, err = NewFactory(cfg, nil)
	assert.Error(t, err)
}
