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
	"fmt"
	"strings"
	"time"

	"github.com/carverauto/hvacradar/pkg/logger"
	"github.com/carverauto/hvacradar/pkg/models"
	"github.com/carverauto/hvacradar/pkg/protocol"
)

const (
	defaultListenAddr          = "0.0.0.0:9150"
	defaultDiscoverBindAddress = "0.0.0.0:0"
	defaultMajorInterval       = 300000 * time.Millisecond
	defaultMinorInterval       = 200 * time.Millisecond
	defaultRefreshInterval     = 7500 * time.Millisecond
	defaultRefreshTimeout      = 250 * time.Millisecond
)

// Config is the exporter's configuration document. Durations given as JSON
// numbers are milliseconds.
type Config struct {
	ListenAddr            string             `json:"listen_addr"`
	DiscoverBindAddress   string             `json:"discover_bind_address"`
	DiscoverPort          int                `json:"discover_port"`
	DiscoverTargets       []string           `json:"discover_targets,omitempty"`
	DiscoverDisabled      bool               `json:"discover_disabled"`
	DiscoverMajorInterval models.Duration    `json:"discover_major_interval"`
	DiscoverMinorInterval models.Duration    `json:"discover_minor_interval"`
	RefreshInterval       models.Duration    `json:"refresh_interval"`
	RefreshTimeout        models.Duration    `json:"refresh_timeout"`
	QueryGroups           []string           `json:"query_groups,omitempty"`
	Hosts                 []string           `json:"hosts,omitempty"`
	Logging               *logger.Config     `json:"logging,omitempty"`
	Telemetry             *logger.OTelConfig `json:"telemetry,omitempty"`
	NATS                  *models.NATSConfig `json:"nats,omitempty"`

	groups []protocol.Group
}

// Validate fills defaults and rejects values the exporter cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}

	if strings.TrimSpace(c.ListenAddr) == "" {
		return errInvalidListenAddr
	}

	if c.DiscoverBindAddress == "" {
		c.DiscoverBindAddress = defaultDiscoverBindAddress
	}

	if c.DiscoverPort == 0 {
		c.DiscoverPort = protocol.DefaultPort
	}

	if c.DiscoverPort < 0 || c.DiscoverPort > 65535 {
		return errInvalidPort
	}

	defaultDuration(&c.DiscoverMajorInterval, defaultMajorInterval)
	defaultDuration(&c.DiscoverMinorInterval, defaultMinorInterval)
	defaultDuration(&c.RefreshInterval, defaultRefreshInterval)
	defaultDuration(&c.RefreshTimeout, defaultRefreshTimeout)

	for _, d := range []models.Duration{c.DiscoverMajorInterval, c.DiscoverMinorInterval, c.RefreshInterval, c.RefreshTimeout} {
		if d < 0 {
			return errInvalidInterval
		}
	}

	if c.DiscoverMinorInterval > c.DiscoverMajorInterval {
		return errMinorExceedsMajor
	}

	groups, err := parseGroups(c.QueryGroups)
	if err != nil {
		return err
	}

	c.groups = groups

	for i, h := range c.Hosts {
		c.Hosts[i] = strings.TrimSpace(h)
		if c.Hosts[i] == "" {
			return errEmptyHost
		}
	}

	if c.Logging == nil {
		c.Logging = logger.DefaultConfig()
	}

	if c.NATS != nil {
		if err := c.NATS.Validate(); err != nil {
			return fmt.Errorf("invalid nats config: %w", err)
		}
	}

	return nil
}

// Groups returns the parsed query groups. Valid after Validate.
func (c *Config) Groups() []protocol.Group {
	if len(c.groups) == 0 {
		return protocol.DefaultGroups()
	}

	return c.groups
}

func parseGroups(names []string) ([]protocol.Group, error) {
	if len(names) == 0 {
		return protocol.DefaultGroups(), nil
	}

	groups := make([]protocol.Group, 0, len(names))
	seen := make(map[protocol.Group]struct{}, len(names))

	for _, name := range names {
		g, err := protocol.ParseGroup(name)
		if err != nil {
			return nil, fmt.Errorf("invalid query group: %w", err)
		}

		if _, dup := seen[g]; dup {
			continue
		}

		seen[g] = struct{}{}
		groups = append(groups, g)
	}

	return groups, nil
}

func defaultDuration(d *models.Duration, def time.Duration) {
	if *d == 0 {
		*d = models.Duration(def)
	}
}
