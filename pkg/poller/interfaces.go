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

//go:generate mockgen -destination=mock_poller.go -package=poller github.com/carverauto/hvacradar/pkg/poller Querier,EventSink

package poller

import (
	"context"
	"time"

	"github.com/carverauto/hvacradar/pkg/hosttable"
	"github.com/carverauto/hvacradar/pkg/models"
	"github.com/carverauto/hvacradar/pkg/protocol"
)

// Clock provides time-related functions.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker represents a time.Ticker.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// Querier performs one request/reply exchange with a unit.
type Querier interface {
	Query(ctx context.Context, address string, timeout time.Duration, groups ...protocol.Group) (*protocol.QueryReply, error)
}

// HostTable is the part of the host registry the poller drives.
type HostTable interface {
	List() []models.HostRecord
	Get(id models.HostID) (models.HostRecord, bool)
	OnAdd(fn func(models.HostRecord))
	OnLivenessChange(fn func(hosttable.Transition))
	RecordSuccess(id models.HostID, obs hosttable.Observation) (hosttable.Transition, bool)
	RecordFailure(id models.HostID, at time.Time) (hosttable.Transition, bool)
}

// SnapshotStore receives the values of every successful refresh.
type SnapshotStore interface {
	Put(id models.HostID, values map[string]models.MetricValue, capturedAt time.Time)
}

// EventSink is notified when a host's liveness changes.
type EventSink interface {
	PublishLivenessChange(ctx context.Context, event *models.UnitLivenessEvent) error
}
