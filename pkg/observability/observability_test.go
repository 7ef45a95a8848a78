package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledWithoutEndpoint(t *testing.T) {
	p, err := New(context.Background(), &Config{ServiceName: "signet-gateway"})
	require.NoError(t, err)

	// Spans still work, they are just no-ops.
	ctx, span := p.StartSpan(context.Background(), "exchange")
	assert.NotNil(t, ctx)
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, "signet-gateway", c.ServiceName)
	assert.Equal(t, 1.0, c.SampleRate)
}

func TestNewLogger_Levels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", "bogus"} {
		assert.NotNil(t, NewLogger(lvl))
	}
}
