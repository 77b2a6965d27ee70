/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics records OpenTelemetry self-instrumentation for the exporter.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/carverauto/hvacradar/pkg/metrics"

	metricQueryTotal          = "hvac_query_total"
	metricQueryDuration       = "hvac_query_duration_seconds"
	metricDiscoveryRequests   = "hvac_discovery_requests_total"
	metricDiscoveryResponses  = "hvac_discovery_responses_total"
	metricLivenessTransitions = "hvac_liveness_transitions_total"
)

var (
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	meterOnce sync.Once
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	queryCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	queryHistogram metric.Float64Histogram
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	discoveryRequestCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	discoveryResponseCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	livenessCounter metric.Int64Counter
)

func initMeter() {
	meter := otel.Meter(meterName)

	var err error

	queryCounter, err = meter.Int64Counter(
		metricQueryTotal,
		metric.WithDescription("Unit query exchanges by group and outcome"),
	)
	if err != nil {
		otel.Handle(err)
	}

	queryHistogram, err = meter.Float64Histogram(
		metricQueryDuration,
		metric.WithDescription("Duration of unit queries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		otel.Handle(err)
	}

	discoveryRequestCounter, err = meter.Int64Counter(
		metricDiscoveryRequests,
		metric.WithDescription("Discovery broadcasts sent by target"),
	)
	if err != nil {
		otel.Handle(err)
	}

	discoveryResponseCounter, err = meter.Int64Counter(
		metricDiscoveryResponses,
		metric.WithDescription("Discovery replies received by outcome"),
	)
	if err != nil {
		otel.Handle(err)
	}

	livenessCounter, err = meter.Int64Counter(
		metricLivenessTransitions,
		metric.WithDescription("Host liveness transitions by new state"),
	)
	if err != nil {
		otel.Handle(err)
	}
}

// RecordQuery records one unit exchange.
func RecordQuery(ctx context.Context, group, outcome string, duration time.Duration) {
	meterOnce.Do(initMeter)

	attrs := metric.WithAttributes(
		attribute.String("group", group),
		attribute.String("outcome", outcome),
	)

	if queryCounter != nil {
		queryCounter.Add(ctx, 1, attrs)
	}

	if queryHistogram != nil {
		queryHistogram.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordDiscoveryRequest counts a discovery broadcast sent to target.
func RecordDiscoveryRequest(ctx context.Context, target string) {
	meterOnce.Do(initMeter)
	if discoveryRequestCounter == nil {
		return
	}

	discoveryRequestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target)))
}

// RecordDiscoveryResponse counts a discovery reply.
func RecordDiscoveryResponse(ctx context.Context, outcome string) {
	meterOnce.Do(initMeter)
	if discoveryResponseCounter == nil {
		return
	}

	discoveryResponseCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordLivenessTransition counts a host entering state.
func RecordLivenessTransition(ctx context.Context, state string) {
	meterOnce.Do(initMeter)
	if livenessCounter == nil {
		return
	}

	livenessCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
