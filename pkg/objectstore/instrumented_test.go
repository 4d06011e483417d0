package objectstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type failingPut struct {
	Store
}

func (failingPut) Put(context.Context, string, []byte, string) error {
	return errors.New("put refused")
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func opCount(t *testing.T, m metricdata.Metrics, op, outcome string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	for _, dp := range sum.DataPoints {
		gotOp, _ := dp.Attributes.Value(attribute.Key("op"))
		gotOutcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
		if gotOp.AsString() == op && gotOutcome.AsString() == outcome {
			return dp.Value
		}
	}
	return 0
}

func TestInstrumentedRecordsOperations(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(ctx)

	mem := NewMemoryStore()
	store, err := Instrument(mem, provider.Meter("test"), "memory")
	require.NoError(t, err)

	require.NoError(t, store.EnsureBucket(ctx))
	require.NoError(t, store.Put(ctx, "assets/a.jpg", []byte("abcd"), "image/jpeg"))
	require.NoError(t, store.Put(ctx, "assets/b.jpg", []byte("ef"), "image/jpeg"))
	require.NoError(t, store.Remove(ctx, "assets/b.jpg"))

	var keys []string
	for e, err := range store.List(ctx, "assets/", true) {
		require.NoError(t, err)
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"assets/a.jpg"}, keys)
	assert.True(t, mem.Has("assets/a.jpg"))

	metrics := collectMetrics(t, reader)
	ops := metrics["portrait.objectstore.operations"]
	assert.Equal(t, int64(2), opCount(t, ops, "put", "ok"))
	assert.Equal(t, int64(1), opCount(t, ops, "remove", "ok"))
	assert.Equal(t, int64(1), opCount(t, ops, "list", "ok"))
	assert.Equal(t, int64(1), opCount(t, ops, "ensure_bucket", "ok"))

	written, ok := metrics["portrait.objectstore.bytes_written"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, written.DataPoints, 1)
	assert.Equal(t, int64(6), written.DataPoints[0].Value)

	_, ok = metrics["portrait.objectstore.duration"].Data.(metricdata.Histogram[float64])
	assert.True(t, ok)
}

func TestInstrumentedRecordsFailures(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(ctx)

	store, err := Instrument(failingPut{NewMemoryStore()}, provider.Meter("test"), "memory")
	require.NoError(t, err)

	assert.EqualError(t, store.Put(ctx, "assets/a.jpg", []byte("x"), "image/jpeg"), "put refused")

	metrics := collectMetrics(t, reader)
	assert.Equal(t, int64(1), opCount(t, metrics["portrait.objectstore.operations"], "put", "error"))
	_, hasBytes := metrics["portrait.objectstore.bytes_written"]
	assert.False(t, hasBytes, "failed puts do not count bytes")
}
