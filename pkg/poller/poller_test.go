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

package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/hvacradar/pkg/cache"
	"github.com/carverauto/hvacradar/pkg/hosttable"
	"github.com/carverauto/hvacradar/pkg/logger"
	"github.com/carverauto/hvacradar/pkg/models"
	"github.com/carverauto/hvacradar/pkg/protocol"
)

func unitReply(source string) *protocol.QueryReply {
	return &protocol.QueryReply{
		Source: source,
		Fields: map[string]string{
			"ret":   "OK",
			"pow":   "1",
			"stemp": "21.5",
			"htemp": "22.0",
			"name":  "%4c%6f%75%6e%67%65",
			"mac":   "A0B1C2D3E4F5",
		},
	}
}

// funcQuerier adapts a function to the Querier interface.
type funcQuerier func(ctx context.Context, address string, timeout time.Duration) (*protocol.QueryReply, error)

func (f funcQuerier) Query(
	ctx context.Context, address string, timeout time.Duration, _ ...protocol.Group,
) (*protocol.QueryReply, error) {
	return f(ctx, address, timeout)
}

// manualClock delivers ticks only when Tick is called. Like time.Ticker, a
// tick is dropped when the previous one has not been received yet.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

type manualTicker struct {
	ch chan time.Time
}

func (t *manualTicker) Chan() <-chan time.Time { return t.ch }
func (*manualTicker) Stop()                    {}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *manualClock) Ticker(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &manualTicker{ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)

	return t
}

func (c *manualClock) tickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.tickers)
}

func (c *manualClock) Tick(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)

	for _, t := range c.tickers {
		select {
		case t.ch <- c.now:
		default:
		}
	}
}

type fixture struct {
	table  *hosttable.Table
	cache  *cache.Cache
	poller *Poller
}

func newFixture(t *testing.T, interval, timeout time.Duration, client Querier, events EventSink, clock Clock) *fixture {
	t.Helper()

	log := logger.NewTestLogger()
	table := hosttable.New(0, log)
	c := cache.New(table, interval)

	p, err := New(Config{RefreshInterval: interval, RefreshTimeout: timeout}, table, c, client, events, clock, log)
	require.NoError(t, err)

	return &fixture{table: table, cache: c, poller: p}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- f.poller.Start(ctx) }()

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()

		require.NoError(t, f.poller.Stop(stopCtx))
		cancel()
		<-errCh
	})
}

func TestNew_Validation(t *testing.T) {
	log := logger.NewTestLogger()
	table := hosttable.New(0, log)
	c := cache.New(table, time.Second)
	q := funcQuerier(nil)

	_, err := New(Config{RefreshTimeout: time.Millisecond}, table, c, q, nil, nil, log)
	require.ErrorIs(t, err, errInvalidInterval)

	_, err = New(Config{RefreshInterval: time.Second}, table, c, q, nil, nil, log)
	require.ErrorIs(t, err, errInvalidTimeout)

	_, err = New(Config{RefreshInterval: time.Second, RefreshTimeout: time.Millisecond}, table, c, nil, nil, nil, log)
	require.ErrorIs(t, err, errMissingComponent)

	p, err := New(Config{RefreshInterval: time.Second, RefreshTimeout: time.Millisecond}, table, c, q, nil, nil, log)
	require.NoError(t, err)
	assert.Equal(t, protocol.DefaultGroups(), p.config.Groups)
}

func TestRefresh_SuccessStoresSnapshotAndEmitsEvent(t *testing.T) {
	ctrl := gomock.NewController(t)
	querier := NewMockQuerier(ctrl)
	events := NewMockEventSink(ctrl)

	f := newFixture(t, time.Second, 250*time.Millisecond, querier, events, nil)
	rec, _ := f.table.AddStatic("192.168.1.20")

	querier.EXPECT().
		Query(gomock.Any(), "192.168.1.20:30050", 250*time.Millisecond, gomock.Any()).
		Return(unitReply("192.168.1.20:30050"), nil)

	events.EXPECT().
		PublishLivenessChange(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, ev *models.UnitLivenessEvent) error {
			assert.Equal(t, rec.ID, ev.HostID)
			assert.Equal(t, models.LivenessUnknown, ev.Previous)
			assert.Equal(t, models.LivenessResponding, ev.Current)
			assert.Equal(t, "A0B1C2D3E4F5", ev.UnitID)

			return nil
		})

	require.True(t, f.poller.refresh(context.Background(), &hostWorker{id: rec.ID}))

	snap, ok := f.cache.Get(rec.ID)
	require.True(t, ok)
	assert.False(t, snap.Stale)
	assert.Equal(t, models.NumberValue(21.5), snap.Values["stemp"])
	assert.Equal(t, models.TextValue("Lounge"), snap.Values["name"])
	assert.NotContains(t, snap.Values, "ret")

	got, _ := f.table.Get(rec.ID)
	assert.Equal(t, models.LivenessResponding, got.Liveness)
	assert.Equal(t, "A0B1C2D3E4F5", got.UnitID)
	assert.Equal(t, "Lounge", got.Name)
}

func TestRefresh_FailureKeepsLastSnapshot(t *testing.T) {
	ctrl := gomock.NewController(t)
	querier := NewMockQuerier(ctrl)

	f := newFixture(t, time.Second, 250*time.Millisecond, querier, nil, nil)
	rec, _ := f.table.AddStatic("192.168.1.20")

	gomock.InOrder(
		querier.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(unitReply("192.168.1.20:30050"), nil),
		querier.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, protocol.ErrTimedOut).Times(3),
		querier.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, protocol.ErrMalformedPacket),
		querier.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, protocol.ErrSocket),
	)

	w := &hostWorker{id: rec.ID}
	for i := 0; i < 6; i++ {
		f.poller.refresh(context.Background(), w)
	}

	snap, ok := f.cache.Get(rec.ID)
	require.True(t, ok, "last known values survive failures")
	assert.Equal(t, models.NumberValue(22), snap.Values["htemp"])

	got, _ := f.table.Get(rec.ID)
	assert.Equal(t, models.LivenessUnreachable, got.Liveness)
	assert.Equal(t, 5, got.ConsecutiveFailures)
}

func TestRefresh_StaticHostSurvivesThousandTimeouts(t *testing.T) {
	var calls atomic.Int32

	querier := funcQuerier(func(context.Context, string, time.Duration) (*protocol.QueryReply, error) {
		calls.Add(1)
		return nil, protocol.ErrTimedOut
	})

	f := newFixture(t, time.Second, time.Millisecond, querier, nil, nil)
	rec, _ := f.table.AddStatic("192.168.1.99")

	w := &hostWorker{id: rec.ID}
	for i := 0; i < 1000; i++ {
		require.True(t, f.poller.refresh(context.Background(), w))
	}

	got, ok := f.table.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, 1000, got.ConsecutiveFailures)
	assert.Equal(t, int32(1000), calls.Load())

	_, ok = f.cache.Get(rec.ID)
	assert.False(t, ok)
}

func TestRefresh_SkipsWhenInFlight(t *testing.T) {
	ctrl := gomock.NewController(t)
	querier := NewMockQuerier(ctrl)

	f := newFixture(t, time.Second, time.Millisecond, querier, nil, nil)
	rec, _ := f.table.AddStatic("192.168.1.20")

	w := &hostWorker{id: rec.ID}
	w.inFlight.Store(true)

	assert.False(t, f.poller.refresh(context.Background(), w))
}

func TestRefresh_PublishErrorDoesNotAffectRefresh(t *testing.T) {
	ctrl := gomock.NewController(t)
	querier := NewMockQuerier(ctrl)
	events := NewMockEventSink(ctrl)

	f := newFixture(t, time.Second, time.Millisecond, querier, events, nil)
	rec, _ := f.table.AddStatic("192.168.1.20")

	querier.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, protocol.ErrTimedOut)
	events.EXPECT().PublishLivenessChange(gomock.Any(), gomock.Any()).Return(assert.AnError)

	f.poller.refresh(context.Background(), &hostWorker{id: rec.ID})

	got, _ := f.table.Get(rec.ID)
	assert.Equal(t, models.LivenessUnreachable, got.Liveness)
}

func TestWorker_ImmediateThenEveryTick(t *testing.T) {
	var calls atomic.Int32

	querier := funcQuerier(func(_ context.Context, address string, _ time.Duration) (*protocol.QueryReply, error) {
		calls.Add(1)
		return unitReply(address), nil
	})

	clock := &manualClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	f := newFixture(t, 100*time.Millisecond, 20*time.Millisecond, querier, nil, clock)
	f.table.AddStatic("192.168.1.20")
	f.start(t)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return clock.tickerCount() == 1 }, time.Second, 5*time.Millisecond)

	for want := int32(2); want <= 4; want++ {
		clock.Tick(100 * time.Millisecond)
		require.Eventually(t, func() bool { return calls.Load() == want }, time.Second, 5*time.Millisecond)
	}
}

func TestScenario_NeverReplyingStaticHost(t *testing.T) {
	var answering atomic.Bool

	querier := funcQuerier(func(ctx context.Context, address string, timeout time.Duration) (*protocol.QueryReply, error) {
		if answering.Load() {
			return unitReply(address), nil
		}

		select {
		case <-time.After(timeout):
		case <-ctx.Done():
		}

		return nil, protocol.ErrTimedOut
	})

	f := newFixture(t, 100*time.Millisecond, 20*time.Millisecond, querier, nil, nil)
	rec, _ := f.table.AddStatic("192.168.1.20")
	f.start(t)

	time.Sleep(250 * time.Millisecond)

	got, _ := f.table.Get(rec.ID)
	assert.Equal(t, models.LivenessUnreachable, got.Liveness)
	assert.GreaterOrEqual(t, got.ConsecutiveFailures, 2)

	_, ok := f.cache.Get(rec.ID)
	assert.False(t, ok)

	for _, e := range f.cache.SnapshotAll() {
		assert.NotEqual(t, rec.ID, e.Host.ID)
	}

	answering.Store(true)

	require.Eventually(t, func() bool {
		snap, ok := f.cache.Get(rec.ID)
		return ok && !snap.Stale && snap.Values["pow"] == models.NumberValue(1)
	}, 150*time.Millisecond, 5*time.Millisecond, "recovered within one refresh interval")

	got, _ = f.table.Get(rec.ID)
	assert.Equal(t, models.LivenessResponding, got.Liveness)
}

func TestScenario_NoOverlappingRefreshes(t *testing.T) {
	const interval = 20 * time.Millisecond

	var (
		inFlight    atomic.Int32
		maxInFlight atomic.Int32
		calls       atomic.Int32
	)

	querier := funcQuerier(func(ctx context.Context, address string, _ time.Duration) (*protocol.QueryReply, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}

		calls.Add(1)

		select {
		case <-time.After(3 * interval):
		case <-ctx.Done():
		}

		return unitReply(address), nil
	})

	f := newFixture(t, interval, 3*interval, querier, nil, nil)
	f.table.AddStatic("192.168.1.20")
	f.start(t)

	time.Sleep(400 * time.Millisecond)

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Less(t, calls.Load(), int32(400*time.Millisecond/interval))
}

func TestScenario_DiscoveredHostGetsWorker(t *testing.T) {
	var targets sync.Map

	querier := funcQuerier(func(_ context.Context, address string, _ time.Duration) (*protocol.QueryReply, error) {
		targets.Store(address, true)
		return unitReply(address), nil
	})

	f := newFixture(t, time.Second, 20*time.Millisecond, querier, nil, nil)
	f.start(t)

	require.Eventually(t, func() bool {
		return f.poller.runCtxSet()
	}, time.Second, 5*time.Millisecond)

	f.table.Observe(protocol.DiscoveryReply{UnitID: "A0B1C2D3E4F5", Address: "192.168.1.44:30050"})
	f.table.Observe(protocol.DiscoveryReply{UnitID: "A0B1C2D3E4F5", Address: "192.168.1.44:30050"})

	require.Eventually(t, func() bool {
		_, ok := targets.Load("192.168.1.44:30050")
		return ok
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, f.poller.Workers())

	_, ok := f.cache.Get("A0B1C2D3E4F5")
	assert.True(t, ok)
}

func TestDiscovery_EmitsLivenessEvent(t *testing.T) {
	ctrl := gomock.NewController(t)
	events := NewMockEventSink(ctrl)

	f := newFixture(t, time.Second, time.Millisecond, funcQuerier(nil), events, nil)

	rec, _ := f.table.Observe(protocol.DiscoveryReply{UnitID: "A0B1C2D3E4F5", Address: "10.0.0.5:30050"})
	f.table.RecordFailure(rec.ID, time.Now())

	// running, but without workers for records that already exist
	f.poller.mu.Lock()
	f.poller.runCtx = context.Background()
	f.poller.mu.Unlock()

	events.EXPECT().
		PublishLivenessChange(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, ev *models.UnitLivenessEvent) error {
			assert.Equal(t, rec.ID, ev.HostID)
			assert.Equal(t, models.LivenessUnreachable, ev.Previous)
			assert.Equal(t, models.LivenessResponding, ev.Current)
			assert.Equal(t, "10.0.0.6:30050", ev.Address)
			assert.Equal(t, "discovery", ev.Reason)

			return nil
		})

	f.table.Observe(protocol.DiscoveryReply{UnitID: "A0B1C2D3E4F5", Address: "10.0.0.6:30050"})

	// already responding, nothing to publish
	f.table.Observe(protocol.DiscoveryReply{UnitID: "A0B1C2D3E4F5", Address: "10.0.0.6:30050"})
}

func TestWorker_StopsWhenRecordMerged(t *testing.T) {
	var calls sync.Map

	querier := funcQuerier(func(_ context.Context, address string, _ time.Duration) (*protocol.QueryReply, error) {
		calls.Store(address, true)
		return unitReply("10.0.0.5:30050"), nil
	})

	clock := &manualClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	f := newFixture(t, time.Second, 20*time.Millisecond, querier, nil, clock)

	// discovery saw the unit before its configured hostname was ever resolved
	f.table.Observe(protocol.DiscoveryReply{UnitID: "A0B1C2D3E4F5", Address: "10.0.0.5:30050"})
	static, _ := f.table.AddStatic("unit.lan")

	f.start(t)

	require.Eventually(t, func() bool {
		_, staticQueried := calls.Load("unit.lan:30050")
		return staticQueried
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		clock.Tick(time.Second)
		return f.poller.Workers() == 1 && f.table.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, ok := f.table.Get(static.ID)
	require.True(t, ok)
	assert.Equal(t, "A0B1C2D3E4F5", got.UnitID)

	_, ok = f.table.Get("A0B1C2D3E4F5")
	assert.False(t, ok)
}

func TestStartAfterStop(t *testing.T) {
	f := newFixture(t, time.Second, time.Millisecond, funcQuerier(nil), nil, nil)
	f.table.AddStatic("192.168.1.20")

	require.NoError(t, f.poller.Stop(context.Background()))
	require.ErrorIs(t, f.poller.Start(context.Background()), errStopped)
	assert.Equal(t, 0, f.poller.Workers())
}

func TestStartTwice(t *testing.T) {
	f := newFixture(t, time.Second, time.Millisecond, funcQuerier(nil), nil, nil)
	f.start(t)

	require.Eventually(t, f.poller.runCtxSet, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, f.poller.Start(context.Background()), errAlreadyStarted)
}

func (p *Poller) runCtxSet() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.runCtx != nil
}
