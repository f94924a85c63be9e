package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// StorageMetrics holds all the metric instruments for the buffer pool and page file.
type StorageMetrics struct {
	BufferHitsCounter       metric.Int64Counter
	BufferMissesCounter     metric.Int64Counter
	EvictionsCounter        metric.Int64Counter
	WriteBacksCounter       metric.Int64Counter
	PagesAllocatedCounter   metric.Int64Counter
	ChecksumFailuresCounter metric.Int64Counter
}

// NewStorageMetrics creates and registers all the metrics for the storage layer.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	hits, err := meter.Int64Counter(
		"gojodb.storage.buffer.hits_total",
		metric.WithDescription("Page requests served from the buffer pool."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"gojodb.storage.buffer.misses_total",
		metric.WithDescription("Page requests that had to read the page file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"gojodb.storage.buffer.evictions_total",
		metric.WithDescription("Buffers replaced by the clock sweep."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	writeBacks, err := meter.Int64Counter(
		"gojodb.storage.page.write_backs_total",
		metric.WithDescription("Dirty pages written to the page file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	allocated, err := meter.Int64Counter(
		"gojodb.storage.page.allocated_total",
		metric.WithDescription("Pages appended to the page file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	checksumFailures, err := meter.Int64Counter(
		"gojodb.storage.page.checksum_failures_total",
		metric.WithDescription("Pages rejected because their checksum did not match."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &StorageMetrics{
		BufferHitsCounter:       hits,
		BufferMissesCounter:     misses,
		EvictionsCounter:        evictions,
		WriteBacksCounter:       writeBacks,
		PagesAllocatedCounter:   allocated,
		ChecksumFailuresCounter: checksumFailures,
	}, nil
}
