package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ereffner/stimma/internal/config"
)

func TestNewWithoutEndpointIsNoop(t *testing.T) {
	provider, err := New(context.Background(), config.Config{ServiceName: "stimma-auth"}, nil)
	require.NoError(t, err)
	require.NotNil(t, provider.Tracer())
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestSamplerBounds(t *testing.T) {
	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(0).Description())
	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(-0.5).Description())

	ratio := sampler(0.25)
	require.Contains(t, ratio.Description(), "ParentBased")
}
