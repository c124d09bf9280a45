package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/punchsync/internal/connector"
	"github.com/roach88/punchsync/internal/dedup"
	"github.com/roach88/punchsync/internal/metrics"
	"github.com/roach88/punchsync/internal/pipeline"
	"github.com/roach88/punchsync/internal/punch"
	"github.com/roach88/punchsync/internal/store"
)

// ErrNotRunning is returned by Sync when Run is not active.
var ErrNotRunning = errors.New("device manager not running")

// Registry is the device registry the manager reads and updates.
type Registry interface {
	ListDevices(ctx context.Context, orgID string) ([]punch.Device, error)
	GetDevice(ctx context.Context, id string) (punch.Device, error)
	GetOrganization(ctx context.Context, id string) (punch.Organization, error)
	TouchDevice(ctx context.Context, id string, at time.Time) (store.Contact, error)
	MarkDeviceSilent(ctx context.Context, id string) (bool, error)
	AdvanceCursor(ctx context.Context, id string, cursor time.Time) error
}

// Sink receives the punches read from devices.
type Sink interface {
	Ingest(ctx context.Context, ev punch.RawPunchEvent) (pipeline.Outcome, error)
}

// Config holds the manager's timing parameters.
type Config struct {
	PollInterval    time.Duration
	Lookback        time.Duration
	ConnectTimeout  time.Duration
	PollTimeout     time.Duration
	ProbeInterval   time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	SilenceWindow   time.Duration
	RefreshInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    time.Minute,
		Lookback:        24 * time.Hour,
		ConnectTimeout:  10 * time.Second,
		PollTimeout:     time.Minute,
		ProbeInterval:   30 * time.Second,
		BackoffBase:     10 * time.Second,
		BackoffMax:      5 * time.Minute,
		SilenceWindow:   time.Minute,
		RefreshInterval: 30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&c.PollInterval, d.PollInterval)
	fill(&c.Lookback, d.Lookback)
	fill(&c.ConnectTimeout, d.ConnectTimeout)
	fill(&c.PollTimeout, d.PollTimeout)
	fill(&c.ProbeInterval, d.ProbeInterval)
	fill(&c.BackoffBase, d.BackoffBase)
	fill(&c.BackoffMax, d.BackoffMax)
	fill(&c.SilenceWindow, d.SilenceWindow)
	fill(&c.RefreshInterval, d.RefreshInterval)
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	return c
}

// Manager runs and supervises the device workers.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	reg     Registry
	sink    Sink
	factory connector.Factory
	cfg     Config
	clock   punch.Clock
	metrics *metrics.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	group   *errgroup.Group
	gctx    context.Context
	workers map[string]*worker
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock sets the clock used for cursors, contact times and the silence window.
func WithClock(c punch.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithMetrics publishes worker states and poll results.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a manager. Zero config fields take their defaults.
func NewManager(reg Registry, sink Sink, factory connector.Factory, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		reg:     reg,
		sink:    sink,
		factory: factory,
		cfg:     cfg.withDefaults(),
		clock:   punch.SystemClock{},
		log:     slog.Default(),
		workers: make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts workers for every managed device and keeps them in line with
// the registry until ctx is cancelled. Returns nil on cancellation.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	m.mu.Lock()
	if m.group != nil {
		m.mu.Unlock()
		return errors.New("device manager already running")
	}
	m.group, m.gctx = g, gctx
	m.mu.Unlock()

	m.log.Info("device manager starting", "refresh_interval", m.cfg.RefreshInterval)

	g.Go(func() error {
		ticker := time.NewTicker(m.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			if err := m.Sync(gctx); err != nil && gctx.Err() == nil {
				m.log.Error("device sync failed", "err", err)
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()

	m.mu.Lock()
	m.group, m.gctx = nil, nil
	for id := range m.workers {
		m.metrics.ForgetDevice(id)
		delete(m.workers, id)
	}
	m.mu.Unlock()
	m.log.Info("device manager stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// wanted reports whether a device should have a running worker.
func wanted(d punch.Device) bool {
	if !d.Managed() {
		return false
	}
	return d.Active || d.DeactivatedBy == punch.DeactivatedBySilence
}

// Sync starts workers for managed devices without one and stops workers of
// devices that were deleted, admin-deactivated or switched to push mode.
func (m *Manager) Sync(ctx context.Context) error {
	devices, err := m.reg.ListDevices(ctx, "")
	if err != nil {
		return fmt.Errorf("sync devices: %w", err)
	}
	want := make(map[string]punch.Device, len(devices))
	for _, d := range devices {
		if wanted(d) {
			want[d.ID] = d
		}
	}

	m.mu.Lock()
	if m.group == nil {
		m.mu.Unlock()
		return ErrNotRunning
	}
	var stopping []*worker
	for id, w := range m.workers {
		if _, ok := want[id]; !ok {
			stopping = append(stopping, w)
			delete(m.workers, id)
		}
	}
	var started []string
	for id, d := range want {
		if _, ok := m.workers[id]; ok {
			continue
		}
		w := newWorker(m, d)
		m.workers[id] = w
		wctx, cancel := context.WithCancel(m.gctx)
		w.cancel = cancel
		m.group.Go(func() error {
			defer close(w.done)
			w.run(wctx)
			m.forget(w)
			return nil
		})
		started = append(started, id)
	}
	m.mu.Unlock()

	for _, w := range stopping {
		w.stop()
		m.metrics.ForgetDevice(w.deviceID)
		m.log.Info("device worker stopped", "device", w.deviceID)
	}
	for _, id := range started {
		m.log.Info("device worker started", "device", id)
	}
	return nil
}

// forget drops a worker that exited on its own, so a later Sync can start a
// new one for the same device.
func (m *Manager) forget(w *worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workers[w.deviceID] == w {
		delete(m.workers, w.deviceID)
		m.metrics.ForgetDevice(w.deviceID)
	}
}

// WorkerStatus is a snapshot of one device worker.
type WorkerStatus struct {
	DeviceID    string     `json:"device_id"`
	Mode        string     `json:"mode"`
	State       State      `json:"state"`
	Transport   string     `json:"transport,omitempty"`
	LastContact *time.Time `json:"last_contact,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Failures    int        `json:"consecutive_failures"`
}

// Status returns a snapshot of all running workers, ordered by device id.
func (m *Manager) Status() []WorkerStatus {
	m.mu.Lock()
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	out := make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// PollResult summarizes one poll cycle.
type PollResult struct {
	DeviceID   string    `json:"device_id"`
	Transport  string    `json:"transport"`
	Fetched    int       `json:"fetched"`
	Skipped    int       `json:"skipped"`
	Accepted   int       `json:"accepted"`
	Duplicates int       `json:"duplicates"`
	Cursor     time.Time `json:"cursor"`
}

// PollOnce runs a single connect and poll cycle against a device, outside
// the worker schedule. Stream devices are connected and probed only.
func (m *Manager) PollOnce(ctx context.Context, deviceID string) (PollResult, error) {
	dev, err := m.reg.GetDevice(ctx, deviceID)
	if err != nil {
		return PollResult{}, err
	}
	conn, err := m.connect(ctx, dev)
	if err != nil {
		return PollResult{DeviceID: dev.ID}, err
	}
	defer conn.Disconnect()

	switch c := conn.(type) {
	case connector.Poller:
		return m.pollCycle(ctx, dev, c)
	case connector.Streamer:
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
		if err := c.Probe(pctx); err != nil {
			return PollResult{DeviceID: dev.ID, Transport: c.Name()}, err
		}
		m.touch(ctx, dev.ID)
		return PollResult{DeviceID: dev.ID, Transport: c.Name()}, nil
	default:
		return PollResult{DeviceID: dev.ID}, fmt.Errorf("transport %s is neither poller nor streamer", conn.Name())
	}
}

// location is the zone naive device timestamps are read in: the device's
// own zone, else its organization's.
func (m *Manager) location(ctx context.Context, dev punch.Device) *time.Location {
	if dev.Timezone != "" {
		return punch.LoadLocation(dev.Timezone)
	}
	org, err := m.reg.GetOrganization(ctx, dev.OrgID)
	if err != nil {
		m.log.Warn("organization lookup failed, reading device times as UTC", "device", dev.ID, "err", err)
		return time.UTC
	}
	return org.Location()
}

// connect tries each transport in order, each bounded by the connect timeout.
func (m *Manager) connect(ctx context.Context, dev punch.Device) (connector.Connector, error) {
	conns, err := m.factory.Transports(dev, m.location(ctx, dev))
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, c := range conns {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		err := c.Connect(cctx)
		cancel()
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.log.Warn("transport connect failed", "device", dev.ID, "transport", c.Name(), "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
	}
	return nil, fmt.Errorf("connect %s: %w", dev.ID, errors.Join(errs...))
}

// pollCycle fetches, ingests and commits one batch.
func (m *Manager) pollCycle(ctx context.Context, dev punch.Device, p connector.Poller) (PollResult, error) {
	started := m.clock.Now().UTC()
	cursor := started.Add(-m.cfg.Lookback)
	if dev.LastPullCursor != nil {
		cursor = *dev.LastPullCursor
	}
	res := PollResult{DeviceID: dev.ID, Transport: p.Name(), Cursor: cursor}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
	defer cancel()

	records, err := p.FetchSince(pctx, cursor)
	if err != nil {
		m.metrics.PollCycle(dev.ID, "fetch_error")
		return res, fmt.Errorf("fetch %s: %w", dev.ID, err)
	}
	res.Fetched = len(records)

	for _, rec := range records {
		if rec.Timestamp.Before(cursor) {
			res.Skipped++
			continue
		}
		out, err := m.sink.Ingest(pctx, rec.Event(dev, punch.SourcePoll))
		if err != nil {
			m.metrics.PollCycle(dev.ID, "ingest_error")
			return res, fmt.Errorf("ingest %s: %w", dev.ID, err)
		}
		if out.Status == dedup.Duplicate {
			res.Duplicates++
		} else {
			res.Accepted++
		}
	}

	if err := m.reg.AdvanceCursor(ctx, dev.ID, started); err != nil {
		m.metrics.PollCycle(dev.ID, "commit_error")
		return res, err
	}
	res.Cursor = started
	m.touch(ctx, dev.ID)
	m.metrics.PollCycle(dev.ID, "ok")

	m.log.Info("poll cycle complete",
		"device", dev.ID,
		"transport", p.Name(),
		"fetched", res.Fetched,
		"accepted", res.Accepted,
		"duplicates", res.Duplicates,
		"skipped", res.Skipped,
	)
	return res, nil
}

// touch records a successful contact and logs a reactivation.
func (m *Manager) touch(ctx context.Context, deviceID string) {
	c, err := m.reg.TouchDevice(ctx, deviceID, m.clock.Now().UTC())
	if err != nil {
		m.log.Error("record device contact failed", "device", deviceID, "err", err)
		return
	}
	if c.Reactivated {
		m.log.Info("device reactivated", "device", deviceID, "silence_gap", c.Gap.Round(time.Second))
	}
}
