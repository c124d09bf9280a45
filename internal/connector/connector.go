// Package connector defines the transport contract between the device
// connection manager and biometric terminals, and ships the transports
// punchsync supports out of the box.
//
// A connector never speaks a vendor binary protocol: it yields
// (deviceUserId, kind, timestamp) records obtained from an HTTP relay in
// front of a terminal (polling) or from an MQTT relay (streaming).
package connector

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/punchsync/internal/punch"
)

// ErrUnsupported is returned by a Factory for devices it cannot reach.
var ErrUnsupported = errors.New("no transport for device")

// Record is one punch reported by a device. Timestamp is in UTC.
type Record struct {
	DeviceUserID string
	Kind         punch.EventKind
	// Code is the raw punch code when the device reported one.
	Code       *int
	Timestamp  time.Time
	ExternalID string
	// Raw is the record as received, kept as the event's source payload.
	Raw string
}

// Event converts the record into a raw punch of dev delivered via source.
func (r Record) Event(dev punch.Device, source punch.Source) punch.RawPunchEvent {
	payload := r.Raw
	if payload == "" {
		payload = "{}"
	}
	return punch.RawPunchEvent{
		OrgID:           dev.OrgID,
		DeviceID:        dev.ID,
		DeviceUserID:    r.DeviceUserID,
		Kind:            r.Kind,
		Timestamp:       r.Timestamp,
		ExternalEventID: r.ExternalID,
		Source:          source,
		Payload:         payload,
	}
}

// Connector is a transport to one device.
type Connector interface {
	// Name identifies the transport in logs, e.g. "https" or "mqtt-fallback".
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
}

// Poller fetches punches recorded since a cursor.
type Poller interface {
	Connector
	FetchSince(ctx context.Context, cursor time.Time) ([]Record, error)
}

// Streamer delivers punches as they happen.
type Streamer interface {
	Connector
	// Stream calls handle for every record until ctx is cancelled or the
	// transport fails. An error from handle stops the stream.
	Stream(ctx context.Context, handle func(Record) error) error
	// Probe checks that the transport is still alive.
	Probe(ctx context.Context) error
}

// Factory builds the transports of a device, primary first. loc is the zone
// naive device timestamps are read in.
type Factory interface {
	Transports(dev punch.Device, loc *time.Location) ([]Connector, error)
}
