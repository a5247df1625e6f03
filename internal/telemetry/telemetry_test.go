package telemetry_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/scania/scanhub/internal/model"
	"github.com/scania/scanhub/internal/telemetry"
)

func TestSetupDisabled(t *testing.T) {
	t.Parallel()
	for _, cfg := range []*model.Tracing{nil, {}} {
		shutdown, err := telemetry.Setup(t.Context(), cfg, "test")
		require.NoError(t, err)
		require.NoError(t, shutdown(t.Context()))
	}
}

func TestNewProvider(t *testing.T) {
	t.Parallel()
	exp := tracetest.NewInMemoryExporter()
	tp := telemetry.NewProvider(exp, "1.2.3")
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })

	_, span := tp.Tracer("test").Start(t.Context(), "job")
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "job", spans[0].Name)
	var name, version string
	for _, kv := range spans[0].Resource.Attributes() {
		switch kv.Key {
		case "service.name":
			name = kv.Value.AsString()
		case "service.version":
			version = kv.Value.AsString()
		}
	}
	require.Equal(t, telemetry.ServiceName, name)
	require.Equal(t, "1.2.3", version)
}
