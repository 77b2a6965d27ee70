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

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"

	"github.com/carverauto/hvacradar/pkg/models"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEBUG", "yes")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-token = abc, broken")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT", "2s")

	config := DefaultConfig()

	assert.Equal(t, "debug", config.Level)
	assert.True(t, config.Debug)
	assert.Equal(t, "stdout", config.Output)
	assert.False(t, config.OTel.Enabled)
	assert.Equal(t, defaultServiceName, config.OTel.ServiceName)
	assert.Equal(t, map[string]string{"x-token": "abc"}, config.OTel.Headers)
	assert.Equal(t, models.Duration(2*time.Second), config.OTel.BatchTimeout)
}

func TestNewOTelWriter_Errors(t *testing.T) {
	_, err := NewOTelWriter(context.Background(), OTelConfig{})
	require.ErrorIs(t, err, ErrOTelLoggingDisabled)

	_, err = NewOTelWriter(context.Background(), OTelConfig{Enabled: true})
	require.ErrorIs(t, err, ErrOTelEndpointRequired)
}

func TestInitializeMetrics_Disabled(t *testing.T) {
	_, err := InitializeMetrics(context.Background(), MetricsConfig{})
	require.ErrorIs(t, err, ErrOTelMetricsDisabled)
}

func TestInitializeTracing_InProcess(t *testing.T) {
	tp, err := InitializeTracing(context.Background(), TracingConfig{
		ServiceName: "hvac-exporter-test",
		Logger:      NewTestLogger(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})

	_, span := GetTracer("test").Start(context.Background(), "refresh")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestMapZerologLevelToOTel(t *testing.T) {
	tests := map[string]otellog.Severity{
		"trace":   otellog.SeverityTrace,
		"debug":   otellog.SeverityDebug,
		"info":    otellog.SeverityInfo,
		"warn":    otellog.SeverityWarn,
		"warning": otellog.SeverityWarn,
		"error":   otellog.SeverityError,
		"fatal":   otellog.SeverityFatal,
		"panic":   otellog.SeverityFatal,
		"bogus":   otellog.SeverityInfo,
	}

	for level, expected := range tests {
		assert.Equal(t, expected, mapZerologLevelToOTel(level), level)
	}
}

func TestFormatAttributeValue(t *testing.T) {
	assert.Equal(t, "null", formatAttributeValue(nil))
	assert.Equal(t, "abc", formatAttributeValue("abc"))
	assert.Equal(t, "true", formatAttributeValue(true))
	assert.Equal(t, "2.5", formatAttributeValue(2.5))
	assert.Equal(t, `{"a":1}`, formatAttributeValue(map[string]interface{}{"a": 1}))

	long := formatAttributeValue(string(bytes.Repeat([]byte("x"), maxAttributeValueLength*2)))
	assert.Len(t, long, maxAttributeValueLength)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestMultiWriter(t *testing.T) {
	var a, b bytes.Buffer

	w := NewMultiWriter(&a, &b)
	n, err := w.Write([]byte("line\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "line\n", a.String())
	assert.Equal(t, "line\n", b.String())

	_, err = NewMultiWriter(&a, failingWriter{}).Write([]byte("x"))
	require.Error(t, err)
}

func TestZeroLogger(t *testing.T) {
	var buf bytes.Buffer

	log := New(zerolog.New(&buf).Level(zerolog.InfoLevel))
	log.Debug().Msg("hidden")

	c := log.WithComponent("poller")
	c.Info().Str("host_id", "A0B1C2D3E4F5").Msg("refreshed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "poller", entry["component"])
	assert.Equal(t, "A0B1C2D3E4F5", entry["host_id"])

	buf.Reset()
	log.SetDebug(true)
	log.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")

	NewTestLogger().Error().Msg("discarded")
}
