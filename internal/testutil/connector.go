package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roach88/punchsync/internal/connector"
	"github.com/roach88/punchsync/internal/punch"
)

// FakePoller is a scriptable connector.Poller.
type FakePoller struct {
	TransportName string

	mu         sync.Mutex
	connectErr error
	fetchErr   error
	records    []connector.Record
	cursors    []time.Time
	connects   int
	connected  bool
}

// NewFakePoller creates a poller that returns records from every fetch.
func NewFakePoller(name string, records ...connector.Record) *FakePoller {
	return &FakePoller{TransportName: name, records: records}
}

func (p *FakePoller) Name() string { return p.TransportName }

func (p *FakePoller) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if p.connectErr != nil {
		return p.connectErr
	}
	p.connected = true
	return ctx.Err()
}

func (p *FakePoller) FetchSince(ctx context.Context, cursor time.Time) ([]connector.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors = append(p.cursors, cursor)
	if !p.connected {
		return nil, errors.New("fake poller: not connected")
	}
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return append([]connector.Record(nil), p.records...), nil
}

func (p *FakePoller) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// FailConnect makes subsequent connects fail with err; nil heals.
func (p *FakePoller) FailConnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// FailFetch makes subsequent fetches fail with err; nil heals.
func (p *FakePoller) FailFetch(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchErr = err
}

// SetRecords replaces the records returned by fetches.
func (p *FakePoller) SetRecords(records ...connector.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = records
}

// Cursors returns the cursor of every fetch so far.
func (p *FakePoller) Cursors() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.cursors...)
}

// Connects returns the number of connect attempts.
func (p *FakePoller) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// FakeStreamer is a connector.Streamer fed through Push.
type FakeStreamer struct {
	TransportName string

	mu       sync.Mutex
	probeErr error
	records  chan connector.Record
	ended    chan error
	streams  int
}

// NewFakeStreamer creates a streamer with a buffered record feed.
func NewFakeStreamer(name string) *FakeStreamer {
	return &FakeStreamer{
		TransportName: name,
		records:       make(chan connector.Record, 64),
		ended:         make(chan error, 1),
	}
}

func (s *FakeStreamer) Name() string { return s.TransportName }

func (s *FakeStreamer) Connect(ctx context.Context) error { return ctx.Err() }

func (s *FakeStreamer) Stream(ctx context.Context, handle func(connector.Record) error) error {
	s.mu.Lock()
	s.streams++
	s.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.ended:
			return err
		case rec := <-s.records:
			if err := handle(rec); err != nil {
				return err
			}
		}
	}
}

func (s *FakeStreamer) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probeErr
}

func (s *FakeStreamer) Disconnect() error { return nil }

// Push delivers a record to the running stream.
func (s *FakeStreamer) Push(rec connector.Record) {
	s.records <- rec
}

// Drop ends the running stream with err.
func (s *FakeStreamer) Drop(err error) {
	s.ended <- err
}

// FailProbe makes probes fail with err; nil heals.
func (s *FakeStreamer) FailProbe(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeErr = err
}

// Streams returns how many times Stream was entered.
func (s *FakeStreamer) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams
}

// FakeFactory hands out fixed transports per device id.
type FakeFactory struct {
	mu         sync.Mutex
	transports map[string][]connector.Connector
}

// NewFakeFactory creates an empty factory.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{transports: make(map[string][]connector.Connector)}
}

// Set registers the transports of a device, primary first.
func (f *FakeFactory) Set(deviceID string, conns ...connector.Connector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transports[deviceID] = conns
}

// Transports implements connector.Factory.
func (f *FakeFactory) Transports(dev punch.Device, _ *time.Location) ([]connector.Connector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns, ok := f.transports[dev.ID]
	if !ok {
		return nil, connector.ErrUnsupported
	}
	return conns, nil
}
