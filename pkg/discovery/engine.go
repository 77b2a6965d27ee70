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

// Package discovery finds HVAC units on the local network by broadcasting
// basic_info requests in periodic bursts and listening for their replies.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/ipv4"

	"github.com/carverauto/hvacradar/pkg/logger"
	"github.com/carverauto/hvacradar/pkg/metrics"
	"github.com/carverauto/hvacradar/pkg/protocol"
)

const (
	tracerName    = "github.com/carverauto/hvacradar/pkg/discovery"
	maxPacketSize = 2048
)

// Config controls where and how often discovery runs.
type Config struct {
	BindAddress   string
	Port          int
	Targets       []string
	MajorInterval time.Duration
	MinorInterval time.Duration
}

// Engine owns the discovery socket. Each burst sends the request twice,
// MinorInterval apart; bursts start MajorInterval apart.
type Engine struct {
	config   Config
	registry Registry
	logger   logger.Logger
	tracer   trace.Tracer

	mu   sync.Mutex
	conn *ipv4.PacketConn

	started   atomic.Bool
	wg        sync.WaitGroup
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewEngine validates config and creates an engine that reports to registry.
func NewEngine(config Config, registry Registry, log logger.Logger) (*Engine, error) {
	if registry == nil {
		return nil, errMissingRegistry
	}

	if config.Port == 0 {
		config.Port = protocol.DefaultPort
	}

	if config.Port < 0 || config.Port > 65535 {
		return nil, errInvalidPort
	}

	if config.MajorInterval <= 0 || config.MinorInterval <= 0 || config.MinorInterval > config.MajorInterval {
		return nil, errInvalidInterval
	}

	if config.BindAddress == "" {
		config.BindAddress = "0.0.0.0:0"
	}

	return &Engine{
		config:   config,
		registry: registry,
		logger:   log,
		tracer:   logger.GetTracer(tracerName),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Start implements the lifecycle.Service interface. The first burst is sent
// immediately; Start blocks until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}
	defer close(e.stopped)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-e.done:
			cancel()
		case <-runCtx.Done():
		}
	}()

	defer e.wg.Wait()
	defer e.closeSocket()

	e.logger.Info().
		Str("bind_address", e.config.BindAddress).
		Int("port", e.config.Port).
		Dur("major_interval", e.config.MajorInterval).
		Dur("minor_interval", e.config.MinorInterval).
		Msg("Starting discovery")

	for {
		begun := time.Now()

		e.burst(runCtx)

		if !sleep(runCtx, e.config.MajorInterval-time.Since(begun)) {
			break
		}
	}

	select {
	case <-e.done:
		return nil
	default:
		return ctx.Err()
	}
}

// Stop implements the lifecycle.Service interface.
func (e *Engine) Stop(ctx context.Context) error {
	e.closeOnce.Do(func() {
		close(e.done)
	})

	if !e.started.Load() {
		return nil
	}

	select {
	case <-e.stopped:
		e.logger.Info().Msg("Discovery stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// burst runs one discovery cycle. Any socket problem skips the rest of the cycle.
func (e *Engine) burst(ctx context.Context) {
	cycleID := uuid.NewString()

	ctx, span := e.tracer.Start(ctx, "discovery.burst")
	defer span.End()

	span.SetAttributes(attribute.String("cycle_id", cycleID))

	log := e.logger.With().Str("cycle_id", cycleID).Logger()

	targets, err := e.targets()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "target enumeration failed")
		log.Warn().Err(err).Str("outcome", string(protocol.OutcomeSocketError)).Msg("Skipping discovery cycle")

		return
	}

	conn, err := e.socket(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "socket unavailable")
		log.Warn().Err(err).Str("outcome", string(protocol.OutcomeSocketError)).Msg("Skipping discovery cycle")

		return
	}

	log.Debug().Int("targets", len(targets)).Msg("Starting discovery burst")

	if err := e.broadcast(ctx, conn, targets); err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("outcome", string(protocol.OutcomeSocketError)).Msg("Discovery send failed")

		return
	}

	if !sleep(ctx, e.config.MinorInterval) {
		return
	}

	if err := e.broadcast(ctx, conn, targets); err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("outcome", string(protocol.OutcomeSocketError)).Msg("Discovery send failed")
	}
}

func (e *Engine) targets() ([]*net.UDPAddr, error) {
	if len(e.config.Targets) > 0 {
		return resolveTargets(e.config.Targets, e.config.Port)
	}

	return interfaceBroadcasts(e.config.Port)
}

func (e *Engine) broadcast(ctx context.Context, conn *ipv4.PacketConn, targets []*net.UDPAddr) error {
	payload := protocol.EncodeDiscoveryRequest()

	for _, target := range targets {
		if _, err := conn.WriteTo(payload, nil, target); err != nil {
			e.dropSocket(conn)
			return fmt.Errorf("%w: %w", protocol.ErrSocket, err)
		}

		metrics.RecordDiscoveryRequest(ctx, target.String())
	}

	return nil
}

// socket returns the open discovery socket, opening it and starting its
// listener when needed.
func (e *Engine) socket(ctx context.Context) (*ipv4.PacketConn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return e.conn, nil
	}

	lc := net.ListenConfig{Control: setSocketOptions}

	pc, err := lc.ListenPacket(ctx, "udp4", e.config.BindAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrSocket, err)
	}

	conn := ipv4.NewPacketConn(pc)

	if err := conn.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		e.logger.Debug().Err(err).Msg("Receive interface reporting unavailable")
	}

	e.conn = conn

	e.logger.Debug().Str("local_address", pc.LocalAddr().String()).Msg("Opened discovery socket")

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		e.listen(context.WithoutCancel(ctx), conn)
	}()

	return conn, nil
}

// dropSocket closes conn; the next burst opens a fresh one.
func (e *Engine) dropSocket(conn *ipv4.PacketConn) {
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
	}
	e.mu.Unlock()

	_ = conn.Close()
}

func (e *Engine) closeSocket() {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// listen reads replies until conn is closed.
func (e *Engine) listen(ctx context.Context, conn *ipv4.PacketConn) {
	buf := make([]byte, maxPacketSize)

	for {
		n, cm, src, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				e.logger.Warn().Err(err).Str("outcome", string(protocol.OutcomeSocketError)).Msg("Discovery read failed")
				e.dropSocket(conn)
			}

			return
		}

		e.handle(ctx, buf[:n], cm, src)
	}
}

func (e *Engine) handle(ctx context.Context, payload []byte, cm *ipv4.ControlMessage, src net.Addr) {
	udpAddr, ok := src.(*net.UDPAddr)
	if !ok {
		metrics.RecordDiscoveryResponse(ctx, string(protocol.OutcomeMalformed))
		e.logger.Debug().Err(errUnexpectedAddress).Str("source", src.String()).Msg("Dropping discovery reply")

		return
	}

	reply, err := protocol.DecodeDiscoveryReply(payload, udpAddr)
	if err != nil {
		metrics.RecordDiscoveryResponse(ctx, string(protocol.Classify(err)))
		e.logger.Debug().Err(err).Str("source", udpAddr.String()).Msg("Dropping discovery reply")

		return
	}

	metrics.RecordDiscoveryResponse(ctx, string(protocol.OutcomeSuccess))

	rec, created := e.registry.Observe(reply)

	event := e.logger.Debug().
		Str("host_id", string(rec.ID)).
		Str("unit_id", reply.UnitID).
		Str("address", reply.Address).
		Bool("created", created)

	if cm != nil {
		if iface, err := net.InterfaceByIndex(cm.IfIndex); err == nil {
			event = event.Str("interface", iface.Name)
		}
	}

	event.Msg("Discovery reply")
}

// sleep waits for d or until ctx is done, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
