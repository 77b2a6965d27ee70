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

// Package cache keeps the last successful snapshot of every host.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/carverauto/hvacradar/pkg/models"
)

// HostLister supplies the records SnapshotAll joins against.
type HostLister interface {
	List() []models.HostRecord
}

// Entry pairs a host with its last-known snapshot.
type Entry struct {
	Host     models.HostRecord     `json:"host"`
	Snapshot models.MetricSnapshot `json:"snapshot"`
}

// Cache maps HostID to an immutable snapshot. Entries are never evicted, so a
// host that answered once is served (marked stale) for the rest of the process.
type Cache struct {
	entries  sync.Map // models.HostID -> *atomic.Pointer[models.MetricSnapshot]
	hosts    HostLister
	interval time.Duration
	now      func() time.Time
}

// New creates a cache whose snapshots turn stale when older than interval.
func New(hosts HostLister, interval time.Duration) *Cache {
	return &Cache{
		hosts:    hosts,
		interval: interval,
		now:      time.Now,
	}
}

// Put publishes values captured at capturedAt as the snapshot for id.
// The map is owned by the cache afterwards.
func (c *Cache) Put(id models.HostID, values map[string]models.MetricValue, capturedAt time.Time) {
	snap := &models.MetricSnapshot{
		Values:     values,
		CapturedAt: capturedAt,
	}

	slot, ok := c.entries.Load(id)
	if !ok {
		slot, _ = c.entries.LoadOrStore(id, &atomic.Pointer[models.MetricSnapshot]{})
	}

	slot.(*atomic.Pointer[models.MetricSnapshot]).Store(snap)
}

// Get returns the snapshot for id with staleness computed now.
func (c *Cache) Get(id models.HostID) (models.MetricSnapshot, bool) {
	return c.get(id, c.now())
}

// SnapshotAll returns every host that has a snapshot, in table order.
func (c *Cache) SnapshotAll() []Entry {
	now := c.now()
	hosts := c.hosts.List()
	out := make([]Entry, 0, len(hosts))

	for _, host := range hosts {
		snap, ok := c.get(host.ID, now)
		if !ok {
			continue
		}

		out = append(out, Entry{Host: host, Snapshot: snap})
	}

	return out
}

// IsStale reports whether a snapshot captured at capturedAt is stale at now.
func (c *Cache) IsStale(capturedAt, now time.Time) bool {
	return now.Sub(capturedAt) > c.interval
}

func (c *Cache) get(id models.HostID, now time.Time) (models.MetricSnapshot, bool) {
	slot, ok := c.entries.Load(id)
	if !ok {
		return models.MetricSnapshot{}, false
	}

	snap := slot.(*atomic.Pointer[models.MetricSnapshot]).Load()
	if snap == nil {
		return models.MetricSnapshot{}, false
	}

	out := *snap
	out.Stale = c.IsStale(snap.CapturedAt, now)

	return out, true
}
