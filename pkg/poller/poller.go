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

// Package poller refreshes every known HVAC unit on its own fixed cadence.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/carverauto/hvacradar/pkg/hosttable"
	"github.com/carverauto/hvacradar/pkg/logger"
	"github.com/carverauto/hvacradar/pkg/metrics"
	"github.com/carverauto/hvacradar/pkg/models"
	"github.com/carverauto/hvacradar/pkg/protocol"
)

const tracerName = "github.com/carverauto/hvacradar/pkg/poller"

// Config controls the refresh cadence.
type Config struct {
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration
	Groups          []protocol.Group
}

// Poller runs one worker per host. A worker refreshes immediately, then on
// every tick of its own ticker; ticks of one host never overlap and a failed
// refresh never changes the cadence.
type Poller struct {
	config Config
	table  HostTable
	cache  SnapshotStore
	client Querier
	events EventSink
	clock  Clock
	logger logger.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	workers map[models.HostID]*hostWorker
	runCtx  context.Context
	cancel  context.CancelFunc

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

type hostWorker struct {
	id       models.HostID
	inFlight atomic.Bool
}

// New creates a poller. A nil clock uses the wall clock and a nil events sink
// disables liveness events.
func New(
	config Config, table HostTable, cache SnapshotStore, client Querier, events EventSink, clock Clock, log logger.Logger,
) (*Poller, error) {
	if config.RefreshInterval <= 0 {
		return nil, errInvalidInterval
	}

	if config.RefreshTimeout <= 0 {
		return nil, errInvalidTimeout
	}

	if table == nil || cache == nil || client == nil {
		return nil, errMissingComponent
	}

	if len(config.Groups) == 0 {
		config.Groups = protocol.DefaultGroups()
	}

	if clock == nil {
		clock = realClock{}
	}

	p := &Poller{
		config:  config,
		table:   table,
		cache:   cache,
		client:  client,
		events:  events,
		clock:   clock,
		logger:  log,
		tracer:  logger.GetTracer(tracerName),
		workers: make(map[models.HostID]*hostWorker),
		done:    make(chan struct{}),
	}

	table.OnAdd(p.track)
	table.OnLivenessChange(p.discovered)

	return p, nil
}

// Start implements the lifecycle.Service interface. It blocks until ctx is
// cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.runCtx != nil {
		p.mu.Unlock()
		return errAlreadyStarted
	}

	select {
	case <-p.done:
		p.mu.Unlock()
		return errStopped
	default:
	}

	p.runCtx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.logger.Info().
		Dur("interval", p.config.RefreshInterval).
		Dur("timeout", p.config.RefreshTimeout).
		Msg("Starting poller")

	for _, rec := range p.table.List() {
		p.track(rec)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return nil
	}
}

// Stop implements the lifecycle.Service interface.
func (p *Poller) Stop(ctx context.Context) error {
	p.closeOnce.Do(func() {
		close(p.done)
	})

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	finished := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.logger.Info().Msg("Poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track starts a worker for rec unless one exists or the poller is not running.
func (p *Poller) track(rec models.HostRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.runCtx == nil || p.runCtx.Err() != nil {
		return
	}

	if _, ok := p.workers[rec.ID]; ok {
		return
	}

	w := &hostWorker{id: rec.ID}
	p.workers[rec.ID] = w

	ctx := p.runCtx

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		p.runWorker(ctx, w)
	}()

	p.logger.Debug().Str("host_id", string(rec.ID)).Str("target", rec.Target).Msg("Started host worker")
}

func (p *Poller) runWorker(ctx context.Context, w *hostWorker) {
	p.refresh(ctx, w)

	ticker := p.clock.Ticker(p.config.RefreshInterval)
	defer ticker.Stop()

	for p.hostExists(w) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.refresh(ctx, w)
		}
	}
}

// hostExists reports whether w's record is still in the table. A record merged
// into another one is gone, and its worker is dropped.
func (p *Poller) hostExists(w *hostWorker) bool {
	if _, ok := p.table.Get(w.id); ok {
		return true
	}

	p.mu.Lock()
	delete(p.workers, w.id)
	p.mu.Unlock()

	p.logger.Debug().Str("host_id", string(w.id)).Msg("Host record merged, stopping worker")

	return false
}

// discovered forwards liveness changes caused by discovery replies.
func (p *Poller) discovered(tr hosttable.Transition) {
	p.mu.Lock()
	ctx := p.runCtx
	p.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return
	}

	p.logger.Info().
		Str("host_id", string(tr.Record.ID)).
		Str("previous", string(tr.Previous)).
		Msg("Unit answered discovery")
	p.emit(ctx, tr, "discovery")
}

// refresh performs one tick for w. It returns false when the tick was skipped
// because the previous one is still running.
func (p *Poller) refresh(ctx context.Context, w *hostWorker) bool {
	if !w.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug().Str("host_id", string(w.id)).Msg("Refresh still in flight, skipping tick")
		return false
	}
	defer w.inFlight.Store(false)

	rec, ok := p.table.Get(w.id)
	if !ok {
		return true
	}

	ctx, span := p.tracer.Start(ctx, "poller.refresh")
	defer span.End()

	span.SetAttributes(
		attribute.String("host_id", string(rec.ID)),
		attribute.String("target", rec.Target),
	)

	started := p.clock.Now()

	reply, err := p.client.Query(ctx, rec.Target, p.config.RefreshTimeout, p.config.Groups...)
	if ctx.Err() != nil {
		return true
	}

	now := p.clock.Now()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(protocol.Classify(err)))
		p.recordFailure(ctx, rec, now, err)

		return true
	}

	p.cache.Put(rec.ID, reply.Values(), now)

	tr, ok := p.table.RecordSuccess(rec.ID, hosttable.Observation{
		At:      now,
		Address: reply.Source,
		UnitID:  reply.UnitID(),
		Name:    reply.Name(),
	})
	if !ok {
		return true
	}

	p.logger.Debug().
		Str("host_id", string(rec.ID)).
		Str("address", tr.Record.Address).
		Int("fields", len(reply.Fields)).
		Dur("duration", now.Sub(started)).
		Msg("Refreshed unit")

	if tr.Changed() {
		p.logger.Info().
			Str("host_id", string(rec.ID)).
			Str("name", tr.Record.Name).
			Str("previous", string(tr.Previous)).
			Msg("Unit responding")
		p.emit(ctx, tr, "")
	}

	return true
}

func (p *Poller) recordFailure(ctx context.Context, rec models.HostRecord, now time.Time, err error) {
	tr, ok := p.table.RecordFailure(rec.ID, now)
	if !ok {
		return
	}

	outcome := protocol.Classify(err)

	if !tr.Changed() {
		p.logger.Debug().
			Err(err).
			Str("host_id", string(rec.ID)).
			Str("outcome", string(outcome)).
			Int("consecutive_failures", tr.Record.ConsecutiveFailures).
			Msg("Refresh failed")

		return
	}

	p.logger.Warn().
		Err(err).
		Str("host_id", string(rec.ID)).
		Str("target", rec.Target).
		Str("outcome", string(outcome)).
		Msg("Unit unreachable, serving last known values")
	p.emit(ctx, tr, string(outcome))
}

func (p *Poller) emit(ctx context.Context, tr hosttable.Transition, reason string) {
	metrics.RecordLivenessTransition(ctx, string(tr.Record.Liveness))

	if p.events == nil {
		return
	}

	at := tr.Record.LastAttempt
	if tr.Record.LastSeen.After(at) {
		at = tr.Record.LastSeen
	}

	event := &models.UnitLivenessEvent{
		HostID:              tr.Record.ID,
		UnitID:              tr.Record.UnitID,
		Name:                tr.Record.Name,
		Address:             tr.Record.Address,
		Origin:              tr.Record.Origin,
		Previous:            tr.Previous,
		Current:             tr.Record.Liveness,
		ConsecutiveFailures: tr.Record.ConsecutiveFailures,
		Reason:              reason,
		Timestamp:           at,
	}

	if err := p.events.PublishLivenessChange(ctx, event); err != nil {
		p.logger.Error().Err(err).Str("host_id", string(tr.Record.ID)).Msg("Failed to publish liveness event")
	}
}

// Workers returns the number of running host workers.
func (p *Poller) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.workers)
}
