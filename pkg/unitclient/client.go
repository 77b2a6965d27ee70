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

// Package unitclient performs request/reply exchanges with a single HVAC unit.
package unitclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/carverauto/hvacradar/pkg/logger"
	"github.com/carverauto/hvacradar/pkg/metrics"
	"github.com/carverauto/hvacradar/pkg/protocol"
)

const (
	maxPacketSize = 2048
	tracerName    = "github.com/carverauto/hvacradar/pkg/unitclient"
)

// Client queries units over UDP. It is safe for concurrent use; every call
// uses its own socket.
type Client struct {
	port   int
	dialer net.Dialer
	logger logger.Logger
	tracer trace.Tracer
}

// New returns a Client that dials port when an address carries none.
func New(port int, log logger.Logger) *Client {
	if port <= 0 {
		port = protocol.DefaultPort
	}

	return &Client{
		port:   port,
		logger: log,
		tracer: logger.GetTracer(tracerName),
	}
}

// Query sends one request per group to address and waits for exactly one reply
// to each. All exchanges share a single deadline of timeout. There are no retries.
// Errors wrap protocol.ErrTimedOut, protocol.ErrMalformedPacket or protocol.ErrSocket.
func (c *Client) Query(
	ctx context.Context, address string, timeout time.Duration, groups ...protocol.Group,
) (*protocol.QueryReply, error) {
	if len(groups) == 0 {
		groups = []protocol.Group{protocol.GroupBasic}
	}

	target := c.withDefaultPort(address)

	ctx, span := c.tracer.Start(ctx, "unitclient.query", trace.WithAttributes(
		attribute.String("target", target),
		attribute.Int("groups", len(groups)),
	))
	defer span.End()

	reply, err := c.query(ctx, target, timeout, groups)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(protocol.Classify(err)))
	}

	return reply, err
}

func (c *Client) query(
	ctx context.Context, target string, timeout time.Duration, groups []protocol.Group,
) (*protocol.QueryReply, error) {
	deadline := time.Now().Add(timeout)

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "udp4", target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: resolving %s: %w", protocol.ErrTimedOut, target, ctx.Err())
		}

		return nil, fmt.Errorf("%w: failed to open socket to %s: %w", protocol.ErrSocket, target, err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: failed to set deadline: %w", protocol.ErrSocket, err)
	}

	reply := &protocol.QueryReply{Source: conn.RemoteAddr().String()}
	buf := make([]byte, maxPacketSize)

	for _, group := range groups {
		started := time.Now()

		part, err := exchange(conn, group, buf)

		metrics.RecordQuery(ctx, string(group), string(protocol.Classify(err)), time.Since(started))

		if err != nil {
			c.logger.Debug().
				Err(err).
				Str("address", reply.Source).
				Str("group", string(group)).
				Msg("Unit query failed")

			return nil, err
		}

		reply.Merge(part)
	}

	return reply, nil
}

func exchange(conn net.Conn, group protocol.Group, buf []byte) (protocol.QueryReply, error) {
	if _, err := conn.Write(protocol.EncodeQueryRequest(group)); err != nil {
		return protocol.QueryReply{}, classifyIOError("send", group, err)
	}

	n, err := conn.Read(buf)
	if err != nil {
		return protocol.QueryReply{}, classifyIOError("receive", group, err)
	}

	reply, err := protocol.DecodeQueryReply(buf[:n])
	if err != nil {
		return protocol.QueryReply{}, fmt.Errorf("group %s: %w", group, err)
	}

	return reply, nil
}

func classifyIOError(op string, group protocol.Group, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %s %s", protocol.ErrTimedOut, op, group)
	}

	return fmt.Errorf("%w: %s %s: %w", protocol.ErrSocket, op, group, err)
}

func (c *Client) withDefaultPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}

	return net.JoinHostPort(address, strconv.Itoa(c.port))
}
