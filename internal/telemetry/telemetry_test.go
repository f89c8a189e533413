package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/config"
	"github.com/smallbiznis/gridauth/internal/telemetry"
)

func TestResourceAttributesIdentifyInstance(t *testing.T) {
	cfg := config.Config{
		ServiceName:    "gridauth",
		Environment:    "production",
		NodeID:         7,
		Issuer:         "https://auth.example.org",
		StorageBackend: config.StoragePostgres,
		RedisAddr:      "redis:6379",
	}
	attrs := attribute.NewSet(telemetry.ResourceAttributes(cfg)...)

	for key, want := range map[attribute.Key]attribute.Value{
		"service.name":               attribute.StringValue("gridauth"),
		"service.instance.id":        attribute.StringValue("7"),
		telemetry.AttrIssuer:         attribute.StringValue("https://auth.example.org"),
		telemetry.AttrStorageBackend: attribute.StringValue("postgres"),
		telemetry.AttrSharedState:    attribute.BoolValue(true),
	} {
		got, ok := attrs.Value(key)
		require.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}

	cfg.RedisAddr = ""
	sharedSet := attribute.NewSet(telemetry.ResourceAttributes(cfg)...)
	shared, _ := sharedSet.Value(telemetry.AttrSharedState)
	assert.False(t, shared.AsBool())
}

func TestSamplerRatio(t *testing.T) {
	root := func(s sdktrace.Sampler) sdktrace.SamplingDecision {
		return s.ShouldSample(sdktrace.SamplingParameters{
			ParentContext: context.Background(),
			TraceID:       trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			Name:          "span",
		}).Decision
	}
	assert.Equal(t, sdktrace.RecordAndSample, root(telemetry.Sampler(config.Config{TraceSampleRatio: 1})))
	assert.Equal(t, sdktrace.Drop, root(telemetry.Sampler(config.Config{TraceSampleRatio: 0})))
	// The ratio sampler compares the low trace id bytes against the bound.
	assert.Equal(t, sdktrace.Drop, root(telemetry.Sampler(config.Config{TraceSampleRatio: 0.5})))
}

func TestNewWithoutEndpointIsNoop(t *testing.T) {
	provider, err := telemetry.New(context.Background(), config.Config{}, zap.NewNop())
	require.NoError(t, err)
	_, span := provider.Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
	require.NoError(t, provider.Shutdown(context.Background()))
}
