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

package unitclient

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/carverauto/hvacradar/pkg/logger"
	"github.com/carverauto/hvacradar/pkg/protocol"
)

// fakeUnit answers requests on a loopback UDP socket using respond. A nil
// response means the request is ignored.
type fakeUnit struct {
	conn     net.PacketConn
	mu       sync.Mutex
	requests []string
}

func newFakeUnit(t *testing.T, respond func(request string) []byte) *fakeUnit {
	t.Helper()

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	u := &fakeUnit{conn: conn}

	go func() {
		buf := make([]byte, 1024)

		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}

			req := string(buf[:n])

			u.mu.Lock()
			u.requests = append(u.requests, req)
			u.mu.Unlock()

			if resp := respond(req); resp != nil {
				_, _ = conn.WriteTo(resp, addr)
			}
		}
	}()

	t.Cleanup(func() { _ = conn.Close() })

	return u
}

func (u *fakeUnit) addr() string {
	return u.conn.LocalAddr().String()
}

func (u *fakeUnit) received() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	return append([]string(nil), u.requests...)
}

func daikinResponder(request string) []byte {
	switch strings.TrimPrefix(request, "DAIKIN_UDP/") {
	case "common/basic_info":
		return []byte("ret=OK,type=aircon,pow=1,name=%4c%6f%75%6e%67%65,mac=A0B1C2D3E4F5")
	case "aircon/get_control_info":
		return []byte("ret=OK,pow=1,mode=3,stemp=21.5,shum=0,f_rate=A,f_dir=0")
	case "aircon/get_sensor_info":
		return []byte("ret=OK,htemp=22.0,hhum=-,otemp=14.5,err=0,cmpfreq=28")
	default:
		return []byte("ret=PARAM NG")
	}
}

func TestQuery_Success(t *testing.T) {
	unit := newFakeUnit(t, daikinResponder)
	client := New(0, logger.NewTestLogger())

	reply, err := client.Query(context.Background(), unit.addr(), 500*time.Millisecond,
		protocol.GroupBasic, protocol.GroupControl, protocol.GroupSensor)
	require.NoError(t, err)

	assert.Equal(t, unit.addr(), reply.Source)
	assert.Equal(t, "A0B1C2D3E4F5", reply.UnitID())
	assert.Equal(t, "Lounge", reply.Name())
	assert.Equal(t, "21.5", reply.Fields["stemp"])
	assert.Equal(t, "14.5", reply.Fields["otemp"])

	assert.Equal(t, []string{
		"DAIKIN_UDP/common/basic_info",
		"DAIKIN_UDP/aircon/get_control_info",
		"DAIKIN_UDP/aircon/get_sensor_info",
	}, unit.received())
}

func TestQuery_DefaultsToBasicGroup(t *testing.T) {
	unit := newFakeUnit(t, daikinResponder)
	client := New(0, logger.NewTestLogger())

	reply, err := client.Query(context.Background(), unit.addr(), 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "aircon", reply.Fields["type"])
	assert.Len(t, unit.received(), 1)
}

func TestQuery_TimesOut(t *testing.T) {
	unit := newFakeUnit(t, func(string) []byte { return nil })
	client := New(0, logger.NewTestLogger())

	started := time.Now()
	_, err := client.Query(context.Background(), unit.addr(), 50*time.Millisecond, protocol.GroupBasic)
	elapsed := time.Since(started)

	require.ErrorIs(t, err, protocol.ErrTimedOut)
	assert.Equal(t, protocol.OutcomeTimedOut, protocol.Classify(err))
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestQuery_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	answering := newFakeUnit(t, daikinResponder)
	silent := newFakeUnit(t, func(string) []byte { return nil })

	client := New(0, logger.NewTestLogger())
	client.tracer = tp.Tracer("test")

	_, err := client.Query(context.Background(), answering.addr(), 500*time.Millisecond, protocol.GroupBasic)
	require.NoError(t, err)

	_, err = client.Query(context.Background(), silent.addr(), 20*time.Millisecond, protocol.GroupBasic)
	require.ErrorIs(t, err, protocol.ErrTimedOut)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "unitclient.query", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, string(protocol.OutcomeTimedOut), spans[1].Status().Description)
}

func TestQuery_SharedDeadlineAcrossGroups(t *testing.T) {
	// basic answers, control never does: the whole call still ends at the deadline.
	unit := newFakeUnit(t, func(req string) []byte {
		if strings.HasSuffix(req, "basic_info") {
			return daikinResponder(req)
		}

		return nil
	})
	client := New(0, logger.NewTestLogger())

	started := time.Now()
	_, err := client.Query(context.Background(), unit.addr(), 80*time.Millisecond,
		protocol.GroupBasic, protocol.GroupControl, protocol.GroupSensor)

	require.ErrorIs(t, err, protocol.ErrTimedOut)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
	assert.Len(t, unit.received(), 2)
}

func TestQuery_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{name: "error status", reply: "ret=PARAM NG"},
		{name: "garbage", reply: "hello"},
		{name: "missing marker", reply: "pow=1,ret=OK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit := newFakeUnit(t, func(string) []byte { return []byte(tt.reply) })
			client := New(0, logger.NewTestLogger())

			_, err := client.Query(context.Background(), unit.addr(), 200*time.Millisecond, protocol.GroupBasic)
			require.ErrorIs(t, err, protocol.ErrMalformedPacket)
		})
	}
}

func TestQuery_CancelledContext(t *testing.T) {
	unit := newFakeUnit(t, func(string) []byte { return nil })
	client := New(0, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	_, err := client.Query(ctx, unit.addr(), 5*time.Second, protocol.GroupBasic)

	require.Error(t, err)
	assert.Less(t, time.Since(started), time.Second)
}

func TestQuery_SocketError(t *testing.T) {
	client := New(0, logger.NewTestLogger())

	_, err := client.Query(context.Background(), "127.0.0.1:notaport", 100*time.Millisecond)
	require.ErrorIs(t, err, protocol.ErrSocket)
}

func TestWithDefaultPort(t *testing.T) {
	client := New(30050, logger.NewTestLogger())

	assert.Equal(t, "192.168.1.20:30050", client.withDefaultPort("192.168.1.20"))
	assert.Equal(t, "192.168.1.20:4000", client.withDefaultPort("192.168.1.20:4000"))
	assert.Equal(t, "hvac-lounge.lan:30050", client.withDefaultPort("hvac-lounge.lan"))
}
