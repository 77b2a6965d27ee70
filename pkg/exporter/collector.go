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

package exporter

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/carverauto/hvacradar/pkg/cache"
	"github.com/carverauto/hvacradar/pkg/models"
)

const namespace = "daikin"

// HostLister lists every known host.
type HostLister interface {
	List() []models.HostRecord
}

// SnapshotLister lists every host that has a snapshot.
type SnapshotLister interface {
	SnapshotAll() []cache.Entry
}

var hostLabels = []string{"host_id", "device"}

// fieldMetric maps a unit field onto a dedicated gauge.
type fieldMetric struct {
	field string
	desc  *prometheus.Desc
}

// Collector renders the host table and cache as Prometheus metrics at scrape time.
type Collector struct {
	hosts     HostLister
	snapshots SnapshotLister
	now       func() time.Time

	up          *prometheus.Desc
	failures    *prometheus.Desc
	stale       *prometheus.Desc
	age         *prometheus.Desc
	mode        *prometheus.Desc
	fieldValue  *prometheus.Desc
	fields      []fieldMetric
	fieldByName map[string]*prometheus.Desc
}

// NewCollector creates a collector over hosts and snapshots.
func NewCollector(hosts HostLister, snapshots SnapshotLister) *Collector {
	c := &Collector{
		hosts:     hosts,
		snapshots: snapshots,
		now:       time.Now,
		up: newDesc("unit_up",
			"Whether the last refresh of the unit succeeded.", nil),
		failures: newDesc("unit_consecutive_failures",
			"Refresh failures since the last success.", nil),
		stale: newDesc("snapshot_stale",
			"Whether the reported values are older than the refresh interval.", nil),
		age: newDesc("snapshot_age_seconds",
			"Age of the reported values.", nil),
		mode: newDesc("mode",
			"Operating mode code, named by the mode label.", []string{"mode"}),
		fieldValue: newDesc("field_value",
			"Numeric unit field without a dedicated metric.", []string{"field"}),
		fields: []fieldMetric{
			{field: "pow", desc: newDesc("power_on", "Whether the unit is switched on.", nil)},
			{field: "stemp", desc: newDesc("set_point_degrees", "Temperature set-point.", nil)},
			{field: "shum", desc: newDesc("set_humidity_percent", "Humidity set-point.", nil)},
			{field: "f_rate", desc: newDesc("fan_rate", "Fan rate setting.", nil)},
			{field: "f_dir", desc: newDesc("fan_direction", "Fan direction setting.", nil)},
			{field: "htemp", desc: newDesc("unit_temperature_degrees", "Indoor temperature at the unit.", nil)},
			{field: "otemp", desc: newDesc("outdoor_temperature_degrees", "Outdoor temperature.", nil)},
			{field: "cmpfreq", desc: newDesc("compressor_demand", "Compressor demand.", nil)},
			{field: "today_runtime", desc: newDesc("daily_runtime_minutes", "Runtime today.", nil)},
		},
	}

	c.fieldByName = make(map[string]*prometheus.Desc, len(c.fields)+1)
	for _, f := range c.fields {
		c.fieldByName[f.field] = f.desc
	}

	c.fieldByName["mode"] = c.mode

	return c
}

func newDesc(name, help string, extra []string) *prometheus.Desc {
	labels := append(append([]string(nil), hostLabels...), extra...)

	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.failures
	ch <- c.stale
	ch <- c.age
	ch <- c.mode
	ch <- c.fieldValue

	for _, f := range c.fields {
		ch <- f.desc
	}
}

// Collect implements prometheus.Collector. Hosts without a snapshot report
// liveness only; hosts with one report their last-known values.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, rec := range c.hosts.List() {
		labels := []string{string(rec.ID), rec.DisplayName()}

		send(ch, c.up, boolValue(rec.Liveness == models.LivenessResponding), labels...)
		send(ch, c.failures, float64(rec.ConsecutiveFailures), labels...)
	}

	now := c.now()

	for _, entry := range c.snapshots.SnapshotAll() {
		c.collectSnapshot(ch, entry, now)
	}
}

func (c *Collector) collectSnapshot(ch chan<- prometheus.Metric, entry cache.Entry, now time.Time) {
	labels := []string{string(entry.Host.ID), entry.Host.DisplayName()}
	snap := entry.Snapshot

	send(ch, c.stale, boolValue(snap.Stale), labels...)
	send(ch, c.age, snap.Age(now).Seconds(), labels...)

	for field, v := range snap.Values {
		if !v.Numeric {
			continue
		}

		desc, dedicated := c.fieldByName[field]

		switch {
		case desc == c.mode:
			send(ch, c.mode, v.Number, append(labels, modeName(v.Number))...)
		case dedicated:
			send(ch, desc, v.Number, labels...)
		default:
			send(ch, c.fieldValue, v.Number, append(labels, field)...)
		}
	}
}

// modeName names the operating mode codes units report.
func modeName(code float64) string {
	switch code {
	case 0, 1, 7:
		return "auto"
	case 2:
		return "dry"
	case 3:
		return "cool"
	case 4:
		return "heat"
	case 6:
		return "fan"
	default:
		return "mode_" + strconv.FormatFloat(code, 'f', -1, 64)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}

	return 0
}

// send drops metrics whose labels the client library rejects, so a single odd
// field from a unit cannot fail the scrape.
func send(ch chan<- prometheus.Metric, desc *prometheus.Desc, value float64, labels ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, value, labels...)
	if err != nil {
		return
	}

	ch <- m
}
