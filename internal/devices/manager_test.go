package devices

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/punchsync/internal/connector"
	"github.com/roach88/punchsync/internal/pipeline"
	"github.com/roach88/punchsync/internal/punch"
	"github.com/roach88/punchsync/internal/store"
	"github.com/roach88/punchsync/internal/testutil"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fastConfig keeps real-time waits short; the silence window is driven by
// the fixed clock.
func fastConfig() Config {
	return Config{
		PollInterval:    10 * time.Millisecond,
		ConnectTimeout:  time.Second,
		PollTimeout:     time.Second,
		ProbeInterval:   10 * time.Millisecond,
		BackoffBase:     5 * time.Millisecond,
		BackoffMax:      10 * time.Millisecond,
		SilenceWindow:   time.Minute,
		RefreshInterval: 20 * time.Millisecond,
	}
}

type fixture struct {
	st      *store.Store
	clock   *testutil.FixedClock
	factory *testutil.FakeFactory
	mgr     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testutil.NewStore(t)
	testutil.SeedAcme(t, st)
	clock := testutil.NewFixedClock(t0)
	factory := testutil.NewFakeFactory()
	p := pipeline.New(st, pipeline.Options{Clock: clock, SweepInterval: -1})
	return &fixture{
		st:      st,
		clock:   clock,
		factory: factory,
		mgr:     NewManager(st, p, factory, fastConfig(), WithClock(clock)),
	}
}

func (f *fixture) addDevice(t *testing.T, d punch.Device) punch.Device {
	t.Helper()
	d.OrgID = testutil.AcmeOrg
	dev, err := f.st.CreateDevice(context.Background(), d)
	require.NoError(t, err)
	return dev
}

// run starts the manager and stops it on cleanup.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mgr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("manager did not stop")
		}
	})
}

func (f *fixture) state(id string) State {
	for _, s := range f.mgr.Status() {
		if s.DeviceID == id {
			return s.State
		}
	}
	return ""
}

func rec(user string, kind punch.EventKind, ts time.Time) connector.Record {
	return connector.Record{DeviceUserID: user, Kind: kind, Timestamp: ts, Raw: `{"user_id":"` + user + `"}`}
}

func TestPollOnce_IngestsAndAdvancesCursor(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, punch.Device{ID: "D2", Mode: punch.ModePoll, Address: "10.0.0.5"})
	poller := testutil.NewFakePoller("https",
		rec("EMP-1", punch.KindCheckIn, t0.Add(-25*time.Hour)), // before the lookback cursor
		rec("EMP-1", punch.KindCheckIn, t0.Add(-6*time.Hour)),
		rec("EMP-1", punch.KindCheckOut, t0.Add(-2*time.Hour)),
	)
	f.factory.Set("D2", poller)
	ctx := context.Background()

	res, err := f.mgr.PollOnce(ctx, "D2")
	require.NoError(t, err)
	assert.Equal(t, "https", res.Transport)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.Accepted)
	assert.True(t, res.Cursor.Equal(t0))

	dev, err := f.st.GetDevice(ctx, "D2")
	require.NoError(t, err)
	require.NotNil(t, dev.LastPullCursor)
	assert.True(t, dev.LastPullCursor.Equal(t0))
	require.NotNil(t, dev.LastSeen)

	rec, err := f.st.GetAttendance(ctx, "e1", "2025-03-01")
	require.NoError(t, err)
	assert.Equal(t, 4.0, rec.TotalHours)

	// The next cycle starts at the committed cursor and skips old records.
	f.clock.Advance(time.Minute)
	res, err = f.mgr.PollOnce(ctx, "D2")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Skipped)

	cursors := poller.Cursors()
	require.Len(t, cursors, 2)
	assert.True(t, cursors[0].Equal(t0.Add(-24*time.Hour)), "first poll uses the lookback")
	assert.True(t, cursors[1].Equal(t0))
}

func TestPollOnce_FallsBackToSecondTransport(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, punch.Device{ID: "D2", Mode: punch.ModePoll, Address: "10.0.0.5"})
	primary := testutil.NewFakePoller("https")
	primary.FailConnect(errors.New("tls handshake failed"))
	fallback := testutil.NewFakePoller("http", rec("EMP-1", punch.KindCheckIn, t0.Add(-time.Hour)))
	f.factory.Set("D2", primary, fallback)

	res, err := f.mgr.PollOnce(context.Background(), "D2")
	require.NoError(t, err)
	assert.Equal(t, "http", res.Transport)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 1, primary.Connects())
}

func TestPollOnce_FailedFetchKeepsCursor(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, punch.Device{ID: "D2", Mode: punch.ModePoll, Address: "10.0.0.5"})
	poller := testutil.NewFakePoller("https")
	poller.FailFetch(errors.New("connection reset"))
	f.factory.Set("D2", poller)
	ctx := context.Background()

	_, err := f.mgr.PollOnce(ctx, "D2")
	require.Error(t, err)

	dev, err := f.st.GetDevice(ctx, "D2")
	require.NoError(t, err)
	assert.Nil(t, dev.LastPullCursor)
}

func TestPollOnce_AllTransportsDown(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, punch.Device{ID: "D2", Mode: punch.ModePoll, Address: "10.0.0.5"})
	a := testutil.NewFakePoller("https")
	a.FailConnect(errors.New("refused"))
	b := testutil.NewFakePoller("http")
	b.FailConnect(errors.New("refused"))
	f.factory.Set("D2", a, b)

	_, err := f.mgr.PollOnce(context.Background(), "D2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "https")
	assert.Contains(t, err.Error(), "http")
}

func TestSync_RequiresRun(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.mgr.Sync(context.Background()), ErrNotRunning)
}

func TestWorker_PollsOnSchedule(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, punch.Device{ID: "D2", Mode: punch.ModePoll, Address: "10.0.0.5"})
	poller := testutil.NewFakePoller("https", rec("EMP-2", punch.KindCheckIn, t0.Add(-time.Hour)))
	f.factory.Set("D2", poller)
	f.run(t)

	require.Eventually(t, func() bool { return len(poller.Cursors()) >= 2 }, 5*time.Second, 5*time.Millisecond)

	n, err := f.st.CountAttendance(context.Background(), "e2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.mgr.Status()[0].LastError)
}

func TestWorker_SilenceDeactivationAndReactivation(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, punch.Device{ID: "D2", Mode: punch.ModePoll, Address: "10.0.0.5"})
	poller := testutil.NewFakePoller("https")
	poller.FailConnect(errors.New("no route to host"))
	f.factory.Set("D2", poller)
	ctx := context.Background()
	f.run(t)

	require.Eventually(t, func() bool { return f.state("D2") == StateBackoff }, 5*time.Second, 5*time.Millisecond)

	dev, err := f.st.GetDevice(ctx, "D2")
	require.NoError(t, err)
	assert.True(t, dev.Active, "still inside the silence window")

	f.clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return f.state("D2") == StateDeactivated }, 5*time.Second, 5*time.Millisecond)

	dev, err = f.st.GetDevice(ctx, "D2")
	require.NoError(t, err)
	assert.False(t, dev.Active)
	assert.Equal(t, punch.DeactivatedBySilence, dev.DeactivatedBy)

	// Silence-deactivated devices keep being retried.
	poller.FailConnect(nil)
	require.Eventually(t, func() bool {
		d, err := f.st.GetDevice(ctx, "D2")
		return err == nil && d.Active
	}, 5*time.Second, 5*time.Millisecond)

	dev, err = f.st.GetDevice(ctx, "D2")
	require.NoError(t, err)
	assert.Empty(t, dev.DeactivatedBy)
}

func TestWorker_StopsOnAdminDeactivationAndDeletion(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, punch.Device{ID: "D2", Mode: punch.ModePoll, Address: "10.0.0.5"})
	f.addDevice(t, punch.Device{ID: "D3", Mode: punch.ModePoll, Address: "10.0.0.6"})
	f.factory.Set("D2", testutil.NewFakePoller("https"))
	f.factory.Set("D3", testutil.NewFakePoller("https"))
	ctx := context.Background()
	f.run(t)

	require.Eventually(t, func() bool { return len(f.mgr.Status()) == 2 }, 5*time.Second, 5*time.Millisecond)

	off := false
	_, err := f.st.UpdateDevice(ctx, "D2", store.DeviceUpdate{Active: &off})
	require.NoError(t, err)
	require.NoError(t, f.st.DeleteDevice(ctx, "D3"))

	require.Eventually(t, func() bool { return len(f.mgr.Status()) == 0 }, 5*time.Second, 5*time.Millisecond)

	// Admin reactivation brings the worker back.
	on := true
	_, err = f.st.UpdateDevice(ctx, "D2", store.DeviceUpdate{Active: &on})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.state("D2") != "" }, 5*time.Second, 5*time.Millisecond)
}

func TestWorker_StreamsRecords(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, punch.Device{ID: "D3", Mode: punch.ModeStream})
	streamer := testutil.NewFakeStreamer("mqtt")
	f.factory.Set("D3", streamer)
	ctx := context.Background()
	f.run(t)

	require.Eventually(t, func() bool { return f.state("D3") == StateStreaming }, 5*time.Second, 5*time.Millisecond)
	streamer.Push(rec("EMP-1", punch.KindCheckIn, t0.Add(-3*time.Hour)))

	require.Eventually(t, func() bool {
		events, err := f.st.RecentEvents(ctx, store.EventFilter{DeviceID: "D3"})
		return err == nil && len(events) == 1 && events[0].Processed
	}, 5*time.Second, 5*time.Millisecond)

	events, err := f.st.RecentEvents(ctx, store.EventFilter{DeviceID: "D3"})
	require.NoError(t, err)
	assert.Equal(t, punch.SourceStream, events[0].Source)

	// A dropped stream is reconnected.
	streamer.Drop(errors.New("broker went away"))
	require.Eventually(t, func() bool { return streamer.Streams() >= 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestWorker_FailedProbeReconnects(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, punch.Device{ID: "D3", Mode: punch.ModeStream})
	streamer := testutil.NewFakeStreamer("mqtt")
	streamer.FailProbe(errors.New("keepalive timeout"))
	f.factory.Set("D3", streamer)
	f.run(t)

	require.Eventually(t, func() bool { return streamer.Streams() >= 2 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st := f.mgr.Status()
		return len(st) == 1 && st[0].LastError != ""
	}, 5*time.Second, 5*time.Millisecond)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{BackoffBase: time.Minute, BackoffMax: time.Second}.withDefaults()
	assert.Equal(t, time.Minute, cfg.BackoffMax, "cap never below base")
	assert.Equal(t, 24*time.Hour, cfg.Lookback)
	assert.Equal(t, time.Minute, cfg.SilenceWindow)
}
