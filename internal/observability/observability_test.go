package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/logiwatch/incident-orchestrator/internal/config"
)

func TestNew_NoEndpointIsNoop(t *testing.T) {
	p, err := New(context.Background(), config.TelemetryConfig{ServiceName: "test"})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.False(t, p.Exporting())

	ctx, done := p.TrackOperation(context.Background(), "discovery.trigger", attribute.String("incident_id", "INC-1"))
	require.NotNil(t, ctx)
	done(errors.New("boom"))
	done(nil)

	p.RecordDiscovery(ctx, "STARTED")
	p.RecordHandoff(ctx, "sent")
	p.RecordForcedCompletion(ctx, "panic")
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	ctx, done := p.TrackOperation(context.Background(), "op")
	done(nil)
	p.RecordDiscovery(ctx, "RUNNING")
	p.RecordHandoff(ctx, "failed")
	p.RecordForcedCompletion(ctx, "stale")
	require.False(t, p.Exporting())
	require.NoError(t, p.Shutdown(ctx))
}
