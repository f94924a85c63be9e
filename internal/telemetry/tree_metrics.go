package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// TreeMetrics holds all the metric instruments for B-tree operations.
type TreeMetrics struct {
	OpsStartedCounter      metric.Int64Counter
	OpsHandledCounter      metric.Int64Counter
	OpLatencyHistogram     metric.Int64Histogram
	ActiveOpsUpDownCounter metric.Int64UpDownCounter
	SplitsCounter          metric.Int64Counter
}

// NewTreeMetrics creates and registers all the metrics for the B-tree.
func NewTreeMetrics(meter metric.Meter) (*TreeMetrics, error) {
	opsStartedCounter, err := meter.Int64Counter(
		"gojodb.btree.ops.started_total",
		metric.WithDescription("Total number of tree operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opsHandledCounter, err := meter.Int64Counter(
		"gojodb.btree.ops.handled_total",
		metric.WithDescription("Total number of tree operations completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opLatencyHistogram, err := meter.Int64Histogram(
		"gojodb.btree.ops.duration",
		metric.WithDescription("The latency of tree operations."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	activeOpsUpDownCounter, err := meter.Int64UpDownCounter(
		"gojodb.btree.ops.active",
		metric.WithDescription("Number of tree operations in flight."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	splitsCounter, err := meter.Int64Counter(
		"gojodb.btree.splits_total",
		metric.WithDescription("Node splits, root splits included."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TreeMetrics{
		OpsStartedCounter:      opsStartedCounter,
		OpsHandledCounter:      opsHandledCounter,
		OpLatencyHistogram:     opLatencyHistogram,
		ActiveOpsUpDownCounter: activeOpsUpDownCounter,
		SplitsCounter:          splitsCounter,
	}, nil
}
