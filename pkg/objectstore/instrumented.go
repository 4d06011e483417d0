package objectstore

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instrumented records an OpenTelemetry counter and latency histogram for
// every call to the wrapped Store
type Instrumented struct {
	Store

	ops      metric.Int64Counter
	duration metric.Float64Histogram
	bytes    metric.Int64Counter
	backend  attribute.KeyValue
}

// Instrument wraps store with meters from meter. backend names the
// implementation in the emitted attributes.
func Instrument(store Store, meter metric.Meter, backend string) (*Instrumented, error) {
	ops, err := meter.Int64Counter(
		"portrait.objectstore.operations",
		metric.WithDescription("Object store calls by operation and outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operations counter: %w", err)
	}
	duration, err := meter.Float64Histogram(
		"portrait.objectstore.duration",
		metric.WithDescription("Object store call latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	written, err := meter.Int64Counter(
		"portrait.objectstore.bytes_written",
		metric.WithDescription("Bytes accepted by Put"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytes counter: %w", err)
	}
	return &Instrumented{
		Store:    store,
		ops:      ops,
		duration: duration,
		bytes:    written,
		backend:  attribute.String("backend", backend),
	}, nil
}

func (s *Instrumented) record(ctx context.Context, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	set := metric.WithAttributes(s.backend, attribute.String("op", op), attribute.String("outcome", outcome))
	s.ops.Add(ctx, 1, set)
	s.duration.Record(ctx, time.Since(start).Seconds(), set)
}

// Put implements Store
func (s *Instrumented) Put(ctx context.Context, key string, data []byte, contentType string) error {
	start := time.Now()
	err := s.Store.Put(ctx, key, data, contentType)
	s.record(ctx, "put", start, err)
	if err == nil {
		s.bytes.Add(ctx, int64(len(data)), metric.WithAttributes(s.backend))
	}
	return err
}

// Remove implements Store
func (s *Instrumented) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := s.Store.Remove(ctx, key)
	s.record(ctx, "remove", start, err)
	return err
}

// BucketExists implements Store
func (s *Instrumented) BucketExists(ctx context.Context) (bool, error) {
	start := time.Now()
	ok, err := s.Store.BucketExists(ctx)
	s.record(ctx, "bucket_exists", start, err)
	return ok, err
}

// EnsureBucket implements Store
func (s *Instrumented) EnsureBucket(ctx context.Context) error {
	start := time.Now()
	err := s.Store.EnsureBucket(ctx)
	s.record(ctx, "ensure_bucket", start, err)
	return err
}

// List implements Store. One listing counts as one operation, recorded when
// iteration ends.
func (s *Instrumented) List(ctx context.Context, prefix string, recursive bool) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		start := time.Now()
		var listErr error
		defer func() { s.record(ctx, "list", start, listErr) }()

		for e, err := range s.Store.List(ctx, prefix, recursive) {
			if err != nil {
				listErr = err
			}
			if !yield(e, err) {
				return
			}
		}
	}
}
