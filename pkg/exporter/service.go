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

// Package exporter wires discovery, refresh and rendering into one service.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/hvacradar/pkg/cache"
	"github.com/carverauto/hvacradar/pkg/discovery"
	"github.com/carverauto/hvacradar/pkg/hosttable"
	"github.com/carverauto/hvacradar/pkg/logger"
	"github.com/carverauto/hvacradar/pkg/natsutil"
	"github.com/carverauto/hvacradar/pkg/poller"
	"github.com/carverauto/hvacradar/pkg/unitclient"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Service runs the exporter. It implements lifecycle.Service.
type Service struct {
	config *Config
	logger logger.Logger

	table     *hosttable.Table
	cache     *cache.Cache
	poller    *poller.Poller
	discovery *discovery.Engine
	registry  *prometheus.Registry
	server    *http.Server
	nc        *nats.Conn

	mu        sync.Mutex
	listener  net.Listener
	started   bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewService builds every component from a validated config. A NATS block
// that cannot be reached disables events rather than failing the exporter.
func NewService(ctx context.Context, config *Config, log logger.Logger) (*Service, error) {
	s := &Service{
		config: config,
		logger: log,
		done:   make(chan struct{}),
	}

	interval := time.Duration(config.RefreshInterval)

	s.table = hosttable.New(config.DiscoverPort, logger.New(log.WithComponent("hosttable")))
	s.cache = cache.New(s.table, interval)

	for _, host := range config.Hosts {
		s.table.AddStatic(host)
	}

	var events poller.EventSink

	if config.NATS != nil {
		publisher, nc, err := natsutil.ConnectWithEventPublisher(ctx, config.NATS, logger.New(log.WithComponent("events")))
		if err != nil {
			log.Error().Err(err).Str("url", config.NATS.URL).Msg("Unit events disabled")
		} else {
			s.nc = nc
			events = publisher
		}
	}

	client := unitclient.New(config.DiscoverPort, logger.New(log.WithComponent("unitclient")))

	p, err := poller.New(poller.Config{
		RefreshInterval: interval,
		RefreshTimeout:  time.Duration(config.RefreshTimeout),
		Groups:          config.Groups(),
	}, s.table, s.cache, client, events, nil, logger.New(log.WithComponent("poller")))
	if err != nil {
		s.closeNATS()
		return nil, fmt.Errorf("failed to create poller: %w", err)
	}

	s.poller = p

	if !config.DiscoverDisabled {
		engine, err := discovery.NewEngine(discovery.Config{
			BindAddress:   config.DiscoverBindAddress,
			Port:          config.DiscoverPort,
			Targets:       config.DiscoverTargets,
			MajorInterval: time.Duration(config.DiscoverMajorInterval),
			MinorInterval: time.Duration(config.DiscoverMinorInterval),
		}, s.table, logger.New(log.WithComponent("discovery")))
		if err != nil {
			s.closeNATS()
			return nil, fmt.Errorf("failed to create discovery engine: %w", err)
		}

		s.discovery = engine
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		NewCollector(s.table, s.cache),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.server = &http.Server{
		Handler:           NewRouter(s.registry, s.table, s.cache, log),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s, nil
}

// Start binds the HTTP listener and runs the poller, discovery and the HTTP
// server until ctx is cancelled, Stop is called, or one of them fails.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errServiceStarted
	}

	s.started = true
	s.mu.Unlock()

	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().
		Str("listen_addr", ln.Addr().String()).
		Int("static_hosts", len(s.config.Hosts)).
		Bool("discovery", s.discovery != nil).
		Msg("Starting exporter")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(s.poller.Start(gctx))
	})

	if s.discovery != nil {
		g.Go(func() error {
			return ignoreCanceled(s.discovery.Start(gctx))
		})
	}

	g.Go(func() error {
		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.done:
		}

		return s.shutdown()
	})

	return g.Wait()
}

// Stop implements lifecycle.Service.
func (s *Service) Stop(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	var errs []error

	if err := s.poller.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop poller: %w", err))
	}

	if s.discovery != nil {
		if err := s.discovery.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop discovery: %w", err))
		}
	}

	s.closeNATS()

	return errors.Join(errs...)
}

// Addr returns the HTTP listen address once Start has bound it.
func (s *Service) Addr() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil, errNotStarted
	}

	return s.listener.Addr(), nil
}

func (s *Service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down metrics server: %w", err)
	}

	return nil
}

func (s *Service) closeNATS() {
	s.mu.Lock()
	nc := s.nc
	s.nc = nil
	s.mu.Unlock()

	if nc == nil {
		return
	}

	if err := nc.Drain(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to drain NATS connection")
		nc.Close()
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
