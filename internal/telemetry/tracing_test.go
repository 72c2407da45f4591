package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledIsNoop(t *testing.T) {
	tp, shutdown, err := Setup(Options{})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "odin.agent.bootstrap")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestEnabledExportsOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	tp, shutdown, err := Setup(Options{
		Enabled:     true,
		ServiceName: "odin-agent",
		Writer:      &buf,
		Attributes:  []attribute.KeyValue{attribute.String("odin.cell", "/odin/c1")},
	})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "odin.agent.process_task")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "odin.agent.process_task")
	assert.Contains(t, buf.String(), "odin-agent")
	assert.Contains(t, buf.String(), "/odin/c1")
}
