package internaltelemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewStorageMetrics_Noop(t *testing.T) {
	m, err := NewStorageMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	m.BufferHitsCounter.Add(context.Background(), 1)
}

func TestMetrics_RecordedThroughSDK(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	storage, err := NewStorageMetrics(meter)
	require.NoError(t, err)
	tree, err := NewTreeMetrics(meter)
	require.NoError(t, err)

	ctx := context.Background()
	storage.EvictionsCounter.Add(ctx, 2)
	tree.SplitsCounter.Add(ctx, 1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	require.True(t, names["gojodb.storage.buffer.evictions_total"])
	require.True(t, names["gojodb.btree.splits_total"])
}
