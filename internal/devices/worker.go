package devices

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/punchsync/internal/connector"
	"github.com/roach88/punchsync/internal/punch"
	"github.com/roach88/punchsync/internal/store"
)

// worker owns the connection to one device.
type worker struct {
	m        *Manager
	deviceID string
	mode     punch.DeviceMode
	cancel   context.CancelFunc
	done     chan struct{}

	mu          sync.Mutex
	state       State
	transport   string
	lastContact *time.Time
	lastErr     string
	failures    int
	deactivated bool
}

func newWorker(m *Manager, d punch.Device) *worker {
	w := &worker{
		m:           m,
		deviceID:    d.ID,
		mode:        d.Mode,
		done:        make(chan struct{}),
		state:       StateIdle,
		lastContact: d.LastSeen,
		deactivated: !d.Active,
	}
	return w
}

func (w *worker) stop() {
	w.cancel()
	<-w.done
}

func (w *worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.m.metrics.DeviceState(w.deviceID, string(s), metricStates)
}

func (w *worker) status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStatus{
		DeviceID:    w.deviceID,
		Mode:        string(w.mode),
		State:       w.state,
		Transport:   w.transport,
		LastContact: w.lastContact,
		LastError:   w.lastErr,
		Failures:    w.failures,
	}
}

// contacted records a successful contact.
func (w *worker) contacted(transport string) {
	now := w.m.clock.Now().UTC()
	w.mu.Lock()
	w.transport = transport
	w.lastContact = &now
	w.failures = 0
	w.deactivated = false
	w.mu.Unlock()
}

func (w *worker) failed(err error) {
	w.mu.Lock()
	w.lastErr = err.Error()
	w.failures++
	w.mu.Unlock()
}

// run loops until ctx is cancelled or the device disappears.
func (w *worker) run(ctx context.Context) {
	log := w.m.log.With("device", w.deviceID)
	started := w.m.clock.Now().UTC()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.m.cfg.BackoffBase
	bo.MaxInterval = w.m.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	defer w.setState(StateStopped)

	for ctx.Err() == nil {
		dev, err := w.m.reg.GetDevice(ctx, w.deviceID)
		if errors.Is(err, store.ErrNotFound) {
			log.Info("device removed, worker exiting")
			return
		}
		if err == nil && !wanted(dev) {
			log.Info("device no longer managed, worker exiting")
			return
		}
		if err == nil {
			w.mu.Lock()
			w.mode = dev.Mode
			w.mu.Unlock()
			var reached bool
			reached, err = w.cycle(ctx, dev)
			if reached {
				bo.Reset()
			}
		}

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			w.setState(StateIdle)
			sleep(ctx, w.m.cfg.PollInterval)
			continue
		}

		w.failed(err)
		log.Warn("device cycle failed", "err", err)
		w.enterBackoff(ctx, started)
		sleep(ctx, bo.NextBackOff())
	}
}

// cycle connects and runs one poll cycle or one stream session. reached
// reports whether the device answered at all. A stream session always ends
// in an error, so the worker reconnects via Backoff.
func (w *worker) cycle(ctx context.Context, dev punch.Device) (reached bool, err error) {
	w.setState(StateConnecting)
	conn, err := w.m.connect(ctx, dev)
	if err != nil {
		return false, err
	}
	defer conn.Disconnect()

	w.contacted(conn.Name())
	w.m.touch(ctx, dev.ID)

	switch c := conn.(type) {
	case connector.Poller:
		w.setState(StatePolling)
		if _, err := w.m.pollCycle(ctx, dev, c); err != nil {
			return true, err
		}
		w.contacted(conn.Name())
		return true, nil
	case connector.Streamer:
		w.setState(StateStreaming)
		return true, w.stream(ctx, dev, c)
	default:
		return true, errors.New("transport is neither poller nor streamer")
	}
}

// stream pumps records into the pipeline and probes the link until it fails.
func (w *worker) stream(ctx context.Context, dev punch.Device, s connector.Streamer) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Stream(sctx, func(rec connector.Record) error {
			if _, err := w.m.sink.Ingest(sctx, rec.Event(dev, punch.SourceStream)); err != nil {
				return err
			}
			w.contacted(s.Name())
			w.m.touch(sctx, dev.ID)
			return nil
		})
	}()

	ticker := time.NewTicker(w.m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			if err == nil {
				err = errors.New("stream ended")
			}
			return err
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(sctx, w.m.cfg.ConnectTimeout)
			err := s.Probe(pctx)
			pcancel()
			if err != nil {
				cancel()
				<-errCh
				return err
			}
			w.contacted(s.Name())
			w.m.touch(ctx, dev.ID)
		}
	}
}

// enterBackoff moves to Backoff, or to Deactivated once the silence window
// has passed without contact.
func (w *worker) enterBackoff(ctx context.Context, started time.Time) {
	w.mu.Lock()
	since := started
	if w.lastContact != nil && w.lastContact.After(since) {
		since = *w.lastContact
	}
	deactivated := w.deactivated
	w.mu.Unlock()

	if deactivated {
		w.setState(StateDeactivated)
		return
	}
	silent := w.m.clock.Now().Sub(since)
	if silent < w.m.cfg.SilenceWindow {
		w.setState(StateBackoff)
		return
	}

	changed, err := w.m.reg.MarkDeviceSilent(ctx, w.deviceID)
	if err != nil {
		w.m.log.Error("deactivate silent device failed", "device", w.deviceID, "err", err)
		w.setState(StateBackoff)
		return
	}
	w.mu.Lock()
	w.deactivated = true
	w.mu.Unlock()
	w.setState(StateDeactivated)
	if changed {
		w.m.log.Warn("device deactivated after silence", "device", w.deviceID, "silent_for", silent.Round(time.Second))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
