package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-orchestrator/internal/config"
)

func TestSetupOTelDisabledWithoutEndpoint(t *testing.T) {
	providers, err := SetupOTel(context.Background(), config.OTelConfig{ServiceName: "job-orchestrator"})
	require.NoError(t, err)
	assert.Nil(t, providers)
	assert.NoError(t, providers.Shutdown(context.Background()))
}

// The service resource is merged with resource.Default(), so both must share a schema URL.
func TestSetupOTelBuildsProvidersWhenEnabled(t *testing.T) {
	ctx := context.Background()
	providers, err := SetupOTel(ctx, config.OTelConfig{
		Endpoint:       "http://127.0.0.1:4318",
		Headers:        "x-team=jobs",
		ServiceName:    "job-orchestrator",
		ServiceVersion: "test",
	})
	require.NoError(t, err)
	require.NotNil(t, providers)
	assert.NotNil(t, providers.tracerProvider)
	assert.NotNil(t, providers.loggerProvider)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = providers.Shutdown(shutdownCtx)
}

func TestParseHeaders(t *testing.T) {
	assert.Empty(t, parseHeaders(""))
	assert.Equal(t, map[string]string{"a": "1", "b": "x=y"}, parseHeaders(" a = 1 ,b=x=y,junk"))
}
