package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-orchestrator/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{}, config.AppConfig{Name: "outbound-orchestrator"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
