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

// Package hosttable is the registry of known HVAC units, keyed by stable identity.
package hosttable

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/carverauto/hvacradar/pkg/logger"
	"github.com/carverauto/hvacradar/pkg/models"
	"github.com/carverauto/hvacradar/pkg/protocol"
)

// Table holds every host the exporter knows about. Records are never removed,
// except a discovered record found to duplicate a static host.
// mu guards the index maps only; each record carries its own lock. When both
// are needed, mu is taken first.
type Table struct {
	mu        sync.RWMutex
	records   map[models.HostID]*entry
	order     []models.HostID
	byUnit    map[string]models.HostID
	byAddress map[string]models.HostID
	listeners []func(models.HostRecord)
	watchers  []func(Transition)

	port   int
	now    func() time.Time
	logger logger.Logger
}

type entry struct {
	mu  sync.Mutex
	rec models.HostRecord
}

// Transition describes how a record changed after a refresh outcome.
type Transition struct {
	Previous models.Liveness
	Record   models.HostRecord
}

// Changed reports whether the liveness moved.
func (t Transition) Changed() bool {
	return t.Previous != t.Record.Liveness
}

// Observation carries what a successful refresh learned about a host.
type Observation struct {
	At      time.Time
	Address string
	UnitID  string
	Name    string
}

// New creates an empty table. port is appended to static hosts given without one.
func New(port int, log logger.Logger) *Table {
	if port <= 0 {
		port = protocol.DefaultPort
	}

	return &Table{
		records:   make(map[models.HostID]*entry),
		byUnit:    make(map[string]models.HostID),
		byAddress: make(map[string]models.HostID),
		port:      port,
		now:       time.Now,
		logger:    log,
	}
}

// OnAdd registers fn to be called, outside any table lock, for every record
// created after registration.
func (t *Table) OnAdd(fn func(models.HostRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.listeners = append(t.listeners, fn)
}

// OnLivenessChange registers fn to be called, outside any table lock, when a
// discovery reply changes the liveness of an existing record. Refresh outcomes
// are returned to the caller of RecordSuccess and RecordFailure instead.
func (t *Table) OnLivenessChange(fn func(Transition)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.watchers = append(t.watchers, fn)
}

// AddStatic inserts a configured host. Adding the same host twice is a no-op.
func (t *Table) AddStatic(host string) (models.HostRecord, bool) {
	target := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		target = net.JoinHostPort(host, strconv.Itoa(t.port))
	}

	id := models.HostID(host)

	t.mu.Lock()

	if e, ok := t.records[id]; ok {
		t.mu.Unlock()
		return e.snapshot(), false
	}

	rec := models.HostRecord{
		ID:       id,
		Target:   target,
		Origin:   models.OriginStatic,
		Liveness: models.LivenessUnknown,
	}

	// literal ip:port targets are matchable by discovery before the first refresh
	if ip, _, err := net.SplitHostPort(target); err == nil && net.ParseIP(ip) != nil {
		rec.Address = target
		t.byAddress[target] = id
	}

	t.insertLocked(rec)
	listeners := t.listeners

	t.mu.Unlock()

	t.logger.Info().Str("host_id", string(id)).Str("target", target).Msg("Added static host")
	notify(listeners, rec)

	return rec, true
}

// Observe folds a discovery reply into the table: an existing record with the
// same unit id is updated, else a record at the same address whose unit id is
// still unknown adopts it, else a new discovered record is created.
func (t *Table) Observe(reply protocol.DiscoveryReply) (models.HostRecord, bool) {
	now := t.now()

	t.mu.Lock()

	if id, ok := t.byUnit[reply.UnitID]; ok {
		tr := t.refreshLocked(t.records[id], reply, now)
		watchers := t.watchers
		t.mu.Unlock()

		announce(watchers, tr)

		return tr.Record, false
	}

	if id, ok := t.byAddress[reply.Address]; ok {
		e := t.records[id]

		e.mu.Lock()
		adopt := e.rec.UnitID == ""
		e.mu.Unlock()

		if adopt {
			t.byUnit[reply.UnitID] = id
			tr := t.refreshLocked(e, reply, now)
			watchers := t.watchers
			t.mu.Unlock()

			t.logger.Info().
				Str("host_id", string(id)).
				Str("unit_id", reply.UnitID).
				Msg("Static host identified by discovery")
			announce(watchers, tr)

			return tr.Record, false
		}
	}

	rec := models.HostRecord{
		ID:       models.HostID(reply.UnitID),
		UnitID:   reply.UnitID,
		Address:  reply.Address,
		Target:   reply.Address,
		Name:     reply.Name,
		Origin:   models.OriginDiscovered,
		Liveness: models.LivenessUnknown,
		LastSeen: now,
	}

	t.byUnit[reply.UnitID] = rec.ID
	t.byAddress[reply.Address] = rec.ID
	t.insertLocked(rec)
	listeners := t.listeners

	t.mu.Unlock()

	t.logger.Info().
		Str("host_id", string(rec.ID)).
		Str("address", rec.Address).
		Str("name", rec.Name).
		Msg("Discovered unit")
	notify(listeners, rec)

	return rec, true
}

// refreshLocked applies a discovery reply to an existing record: the unit
// answered, so it is marked responding. t.mu must be held.
func (t *Table) refreshLocked(e *entry, reply protocol.DiscoveryReply, now time.Time) Transition {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.rec.Liveness

	if e.rec.UnitID == "" {
		e.rec.UnitID = reply.UnitID
	}

	if reply.Name != "" {
		e.rec.Name = reply.Name
	}

	t.moveAddressLocked(&e.rec, reply.Address)
	e.rec.LastSeen = now
	e.rec.Liveness = models.LivenessResponding

	return Transition{Previous: prev, Record: e.rec}
}

// moveAddressLocked re-indexes rec under address. t.mu and the record lock must be held.
func (t *Table) moveAddressLocked(rec *models.HostRecord, address string) {
	if address == "" || rec.Address == address {
		return
	}

	if owner, ok := t.byAddress[rec.Address]; ok && owner == rec.ID {
		delete(t.byAddress, rec.Address)
	}

	t.logger.Info().
		Str("host_id", string(rec.ID)).
		Str("old_address", rec.Address).
		Str("address", address).
		Msg("Host address changed")

	rec.Address = address
	t.byAddress[address] = rec.ID

	if rec.Origin == models.OriginDiscovered {
		rec.Target = address
	}
}

// RecordSuccess marks id responding and applies what the refresh learned.
func (t *Table) RecordSuccess(id models.HostID, obs Observation) (Transition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.records[id]
	if !ok {
		return Transition{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.rec.Liveness

	e.rec.Liveness = models.LivenessResponding
	e.rec.ConsecutiveFailures = 0
	e.rec.LastSeen = obs.At
	e.rec.LastAttempt = obs.At

	if obs.Name != "" {
		e.rec.Name = obs.Name
	}

	t.moveAddressLocked(&e.rec, obs.Address)

	if obs.UnitID != "" && e.rec.UnitID == "" {
		owner, claimed := t.byUnit[obs.UnitID]

		if !claimed || owner == id {
			e.rec.UnitID = obs.UnitID
			t.byUnit[obs.UnitID] = id
		} else if e.rec.Origin != models.OriginStatic || !t.absorbLocked(e, owner, obs.UnitID) {
			t.logger.Warn().
				Str("host_id", string(id)).
				Str("unit_id", obs.UnitID).
				Str("claimed_by", string(owner)).
				Msg("Unit id already claimed by another host")
		}
	}

	return Transition{Previous: prev, Record: e.rec}, true
}

// absorbLocked folds the discovered record other into the static record e,
// which has just learned that both describe unitID. The discovered record is
// removed so the unit has one record and one worker. t.mu and e.mu must be held.
func (t *Table) absorbLocked(e *entry, other models.HostID, unitID string) bool {
	o, ok := t.records[other]
	if !ok {
		return false
	}

	o.mu.Lock()
	dup := o.rec
	o.mu.Unlock()

	if dup.Origin != models.OriginDiscovered {
		return false
	}

	e.rec.UnitID = unitID
	t.byUnit[unitID] = e.rec.ID

	if e.rec.Name == "" {
		e.rec.Name = dup.Name
	}

	if dup.LastSeen.After(e.rec.LastSeen) {
		e.rec.LastSeen = dup.LastSeen
	}

	if owner, ok := t.byAddress[dup.Address]; ok && owner == other {
		delete(t.byAddress, dup.Address)
	}

	if e.rec.Address != "" {
		t.byAddress[e.rec.Address] = e.rec.ID
	}

	delete(t.records, other)

	for i, id := range t.order {
		if id == other {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}

	t.logger.Info().
		Str("host_id", string(e.rec.ID)).
		Str("merged", string(other)).
		Str("unit_id", unitID).
		Msg("Merged discovered record into static host")

	return true
}

// RecordFailure marks id unreachable and bumps its failure count.
func (t *Table) RecordFailure(id models.HostID, at time.Time) (Transition, bool) {
	e, ok := t.lookup(id)
	if !ok {
		return Transition{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.rec.Liveness

	e.rec.Liveness = models.LivenessUnreachable
	e.rec.ConsecutiveFailures++
	e.rec.LastAttempt = at

	return Transition{Previous: prev, Record: e.rec}, true
}

// Get returns a copy of the record for id.
func (t *Table) Get(id models.HostID) (models.HostRecord, bool) {
	e, ok := t.lookup(id)
	if !ok {
		return models.HostRecord{}, false
	}

	return e.snapshot(), true
}

// List returns copies of all records in insertion order.
func (t *Table) List() []models.HostRecord {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.order))

	for _, id := range t.order {
		entries = append(entries, t.records[id])
	}
	t.mu.RUnlock()

	out := make([]models.HostRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}

	return out
}

// Len returns the number of records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.records)
}

func (t *Table) lookup(id models.HostID) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.records[id]

	return e, ok
}

func (t *Table) insertLocked(rec models.HostRecord) {
	t.records[rec.ID] = &entry{rec: rec}
	t.order = append(t.order, rec.ID)
}

func (e *entry) snapshot() models.HostRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.rec
}

func announce(watchers []func(Transition), tr Transition) {
	if !tr.Changed() {
		return
	}

	for _, fn := range watchers {
		fn(tr)
	}
}

func notify(listeners []func(models.HostRecord), rec models.HostRecord) {
	for _, fn := range listeners {
		fn(rec)
	}
}
