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

package hosttable

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/hvacradar/pkg/logger"
	"github.com/carverauto/hvacradar/pkg/models"
	"github.com/carverauto/hvacradar/pkg/protocol"
)

func discovery(mac, address, name string) protocol.DiscoveryReply {
	return protocol.DiscoveryReply{UnitID: mac, Address: address, Name: name}
}

func TestAddStatic(t *testing.T) {
	table := New(0, logger.NewTestLogger())

	rec, created := table.AddStatic("192.168.1.20")
	require.True(t, created)
	assert.Equal(t, models.HostID("192.168.1.20"), rec.ID)
	assert.Equal(t, "192.168.1.20:30050", rec.Target)
	assert.Equal(t, "192.168.1.20:30050", rec.Address)
	assert.Equal(t, models.OriginStatic, rec.Origin)
	assert.Equal(t, models.LivenessUnknown, rec.Liveness)

	_, created = table.AddStatic("192.168.1.20")
	assert.False(t, created)

	rec, created = table.AddStatic("hvac-den.lan:4000")
	require.True(t, created)
	assert.Equal(t, "hvac-den.lan:4000", rec.Target)
	assert.Empty(t, rec.Address, "hostnames are resolved on refresh")

	assert.Equal(t, 2, table.Len())
}

func TestObserve_IdempotentAcrossAddresses(t *testing.T) {
	table := New(0, logger.NewTestLogger())

	var added atomic.Int32
	table.OnAdd(func(models.HostRecord) { added.Add(1) })

	rec, created := table.Observe(discovery("A0B1C2D3E4F5", "192.168.1.20:30050", "Lounge"))
	require.True(t, created)
	assert.Equal(t, models.HostID("A0B1C2D3E4F5"), rec.ID)
	assert.Equal(t, models.OriginDiscovered, rec.Origin)

	_, created = table.Observe(discovery("A0B1C2D3E4F5", "192.168.1.20:30050", "Lounge"))
	assert.False(t, created)

	rec, created = table.Observe(discovery("A0B1C2D3E4F5", "192.168.1.44:30050", ""))
	assert.False(t, created)
	assert.Equal(t, "192.168.1.44:30050", rec.Address)
	assert.Equal(t, "192.168.1.44:30050", rec.Target)
	assert.Equal(t, "Lounge", rec.Name)

	require.Equal(t, 1, table.Len())
	assert.Equal(t, int32(1), added.Load())
}

func TestObserve_AdoptsStaticHostByAddress(t *testing.T) {
	table := New(0, logger.NewTestLogger())

	static, _ := table.AddStatic("192.168.1.20")

	var added atomic.Int32
	table.OnAdd(func(models.HostRecord) { added.Add(1) })

	rec, created := table.Observe(discovery("A0B1C2D3E4F5", "192.168.1.20:30050", "Lounge"))
	assert.False(t, created)
	assert.Equal(t, static.ID, rec.ID)
	assert.Equal(t, "A0B1C2D3E4F5", rec.UnitID)
	assert.Equal(t, models.OriginStatic, rec.Origin)

	// the unit moves: matched by unit id now, the static target stays configured
	rec, created = table.Observe(discovery("A0B1C2D3E4F5", "192.168.1.21:30050", "Lounge"))
	assert.False(t, created)
	assert.Equal(t, static.ID, rec.ID)
	assert.Equal(t, "192.168.1.21:30050", rec.Address)
	assert.Equal(t, "192.168.1.20:30050", rec.Target)

	assert.Equal(t, 1, table.Len())
	assert.Equal(t, int32(0), added.Load())
}

func TestObserve_DoesNotAdoptIdentifiedHost(t *testing.T) {
	table := New(0, logger.NewTestLogger())

	table.Observe(discovery("A0B1C2D3E4F5", "192.168.1.20:30050", "Lounge"))

	// another unit took over the address
	rec, created := table.Observe(discovery("001122334455", "192.168.1.20:30050", "Den"))
	assert.True(t, created)
	assert.Equal(t, models.HostID("001122334455"), rec.ID)
	assert.Equal(t, 2, table.Len())
}

func TestRecordSuccessAndFailure(t *testing.T) {
	table := New(0, logger.NewTestLogger())
	rec, _ := table.AddStatic("hvac-den.lan")

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tr, ok := table.RecordFailure(rec.ID, now)
	require.True(t, ok)
	assert.Equal(t, models.LivenessUnknown, tr.Previous)
	assert.Equal(t, models.LivenessUnreachable, tr.Record.Liveness)
	assert.Equal(t, 1, tr.Record.ConsecutiveFailures)
	assert.True(t, tr.Changed())

	tr, _ = table.RecordFailure(rec.ID, now.Add(time.Second))
	assert.False(t, tr.Changed())
	assert.Equal(t, 2, tr.Record.ConsecutiveFailures)

	tr, ok = table.RecordSuccess(rec.ID, Observation{
		At:      now.Add(2 * time.Second),
		Address: "192.168.1.30:30050",
		UnitID:  "A0B1C2D3E4F5",
		Name:    "Den",
	})
	require.True(t, ok)
	assert.True(t, tr.Changed())
	assert.Equal(t, models.LivenessResponding, tr.Record.Liveness)
	assert.Equal(t, 0, tr.Record.ConsecutiveFailures)
	assert.Equal(t, "192.168.1.30:30050", tr.Record.Address)
	assert.Equal(t, "hvac-den.lan:30050", tr.Record.Target)
	assert.Equal(t, "A0B1C2D3E4F5", tr.Record.UnitID)
	assert.Equal(t, "Den", tr.Record.Name)

	// discovery now matches the learned unit id
	got, created := table.Observe(discovery("A0B1C2D3E4F5", "192.168.1.30:30050", "Den"))
	assert.False(t, created)
	assert.Equal(t, rec.ID, got.ID)

	_, ok = table.RecordFailure("missing", now)
	assert.False(t, ok)
}

func TestRecordSuccess_MergesDiscoveredDuplicate(t *testing.T) {
	table := New(0, logger.NewTestLogger())

	static, _ := table.AddStatic("unit.lan")
	table.Observe(discovery("A0B1C2D3E4F5", "10.0.0.5:30050", "Lounge"))
	require.Equal(t, 2, table.Len())

	tr, ok := table.RecordSuccess(static.ID, Observation{
		At:      time.Now(),
		Address: "10.0.0.5:30050",
		UnitID:  "A0B1C2D3E4F5",
	})
	require.True(t, ok)
	assert.Equal(t, static.ID, tr.Record.ID)
	assert.Equal(t, "A0B1C2D3E4F5", tr.Record.UnitID)
	assert.Equal(t, "Lounge", tr.Record.Name)
	assert.Equal(t, "10.0.0.5:30050", tr.Record.Address)

	require.Equal(t, 1, table.Len())
	_, ok = table.Get("A0B1C2D3E4F5")
	assert.False(t, ok)

	list := table.List()
	require.Len(t, list, 1)
	assert.Equal(t, static.ID, list[0].ID)

	// later replies land on the static record
	rec, created := table.Observe(discovery("A0B1C2D3E4F5", "10.0.0.5:30050", "Lounge"))
	assert.False(t, created)
	assert.Equal(t, static.ID, rec.ID)
	assert.Equal(t, 1, table.Len())
}

func TestRecordSuccess_UnitIDClaimedByStaticHost(t *testing.T) {
	table := New(0, logger.NewTestLogger())

	first, _ := table.AddStatic("192.168.1.20")
	table.Observe(discovery("A0B1C2D3E4F5", "192.168.1.20:30050", "Lounge"))

	second, _ := table.AddStatic("lounge.lan")

	tr, ok := table.RecordSuccess(second.ID, Observation{At: time.Now(), UnitID: "A0B1C2D3E4F5"})
	require.True(t, ok)
	assert.Empty(t, tr.Record.UnitID)

	rec, _ := table.Get(first.ID)
	assert.Equal(t, "A0B1C2D3E4F5", rec.UnitID)
	assert.Equal(t, 2, table.Len())
}

func TestObserve_MarksResponding(t *testing.T) {
	table := New(0, logger.NewTestLogger())

	var changes []Transition
	table.OnLivenessChange(func(tr Transition) { changes = append(changes, tr) })

	rec, _ := table.Observe(discovery("A0B1C2D3E4F5", "10.0.0.5:30050", "Lounge"))
	assert.Equal(t, models.LivenessUnknown, rec.Liveness)

	table.RecordFailure(rec.ID, time.Now())

	rec, created := table.Observe(discovery("A0B1C2D3E4F5", "10.0.0.6:30050", "Lounge"))
	assert.False(t, created)
	assert.Equal(t, models.LivenessResponding, rec.Liveness)
	assert.Equal(t, "10.0.0.6:30050", rec.Address)

	got, _ := table.Get(rec.ID)
	assert.Equal(t, models.LivenessResponding, got.Liveness)
	assert.Equal(t, 1, got.ConsecutiveFailures, "failure count is only reset by a refresh")

	table.Observe(discovery("A0B1C2D3E4F5", "10.0.0.6:30050", "Lounge"))

	require.Len(t, changes, 1)
	assert.Equal(t, models.LivenessUnreachable, changes[0].Previous)
	assert.Equal(t, models.LivenessResponding, changes[0].Record.Liveness)
}

func TestStaticHostSurvivesFailures(t *testing.T) {
	table := New(0, logger.NewTestLogger())
	rec, _ := table.AddStatic("192.168.1.99")

	for i := 0; i < 1000; i++ {
		table.RecordFailure(rec.ID, time.Now())
	}

	got, ok := table.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, 1000, got.ConsecutiveFailures)
	assert.Equal(t, models.LivenessUnreachable, got.Liveness)
	assert.Len(t, table.List(), 1)
}

func TestConcurrentObserve(t *testing.T) {
	table := New(0, logger.NewTestLogger())

	var added atomic.Int32
	table.OnAdd(func(models.HostRecord) { added.Add(1) })

	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			table.Observe(discovery("A0B1C2D3E4F5", "192.168.1.20:30050", "Lounge"))
			table.RecordFailure("A0B1C2D3E4F5", time.Now())
			_ = table.List()
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, table.Len())
	assert.Equal(t, int32(1), added.Load())
}

func TestListPreservesInsertionOrder(t *testing.T) {
	table := New(0, logger.NewTestLogger())

	table.AddStatic("b.lan")
	table.Observe(discovery("A0B1C2D3E4F5", "192.168.1.20:30050", ""))
	table.AddStatic("a.lan")

	var ids []models.HostID
	for _, rec := range table.List() {
		ids = append(ids, rec.ID)
	}

	assert.Equal(t, []models.HostID{"b.lan", "A0B1C2D3E4F5", "a.lan"}, ids)
}
