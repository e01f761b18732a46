// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for index operations.
var meter = otel.Meter("aleutian.relindex.index")

// Metrics for index operations.
var (
	operationLatency metric.Float64Histogram
	operationTotal   metric.Int64Counter
	factsRecorded    metric.Int64Counter
	factsRemoved     metric.Int64Counter
	locationGauge    metric.Int64Gauge

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		operationLatency, err = meter.Float64Histogram(
			"relindex_operation_duration_seconds",
			metric.WithDescription("Duration of relationship index operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		operationTotal, err = meter.Int64Counter(
			"relindex_operation_total",
			metric.WithDescription("Total number of relationship index operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		factsRecorded, err = meter.Int64Counter(
			"relindex_facts_recorded_total",
			metric.WithDescription("Facts newly added to the index"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		factsRemoved, err = meter.Int64Counter(
			"relindex_facts_removed_total",
			metric.WithDescription("Facts removed by revocation or context sweeps"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		locationGauge, err = meter.Int64Gauge(
			"relindex_locations",
			metric.WithDescription("Current number of contributed locations in the index"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordOperation records latency and count for a bulk operation.
func recordOperation(operation string, start time.Time, locations int) {
	if err := initMetrics(); err != nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("operation", operation))

	operationLatency.Record(ctx, time.Since(start).Seconds(), attrs)
	operationTotal.Add(ctx, 1, attrs)
	locationGauge.Record(ctx, int64(locations))
}

// recordFactDelta records how many facts an operation added and removed.
func recordFactDelta(added, removed int) {
	if err := initMetrics(); err != nil {
		return
	}
	ctx := context.Background()
	if added > 0 {
		factsRecorded.Add(ctx, int64(added))
	}
	if removed > 0 {
		factsRemoved.Add(ctx, int64(removed))
	}
}
