package connector

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/roach88/punchsync/internal/punch"
)

// DefaultFactory builds the transports punchsync ships with.
//
// Poll devices get an HTTPS relay transport with a plain HTTP fallback on the
// same address. Stream devices get the configured MQTT broker, with the
// fallback broker when one is set.
type DefaultFactory struct {
	Client     *http.Client
	Classifier *punch.Classifier
	MQTT       MQTTConfig
	Log        *slog.Logger
}

// NewDefaultFactory creates the default factory.
func NewDefaultFactory(client *http.Client, classifier *punch.Classifier, mqttCfg MQTTConfig, log *slog.Logger) *DefaultFactory {
	if classifier == nil {
		classifier = punch.NewClassifier(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &DefaultFactory{Client: client, Classifier: classifier, MQTT: mqttCfg, Log: log}
}

// Transports implements Factory.
func (f *DefaultFactory) Transports(dev punch.Device, loc *time.Location) ([]Connector, error) {
	if loc == nil {
		loc = time.UTC
	}
	dec := decoder{brand: dev.Brand, loc: loc, classifier: f.Classifier}
	log := f.Log.With("device", dev.ID)

	switch dev.Mode {
	case punch.ModePoll:
		if dev.Address == "" {
			return nil, fmt.Errorf("%w: poll device %s has no address", ErrUnsupported, dev.ID)
		}
		port := dev.Port
		if port == 0 {
			port = punch.DefaultPort
		}
		hostPort := net.JoinHostPort(dev.Address, strconv.Itoa(port))
		return []Connector{
			newHTTPPoller(HTTPPollerConfig{Name: "https", BaseURL: "https://" + hostPort, CommKey: dev.CommKey, Client: f.Client, Log: log}, dec),
			newHTTPPoller(HTTPPollerConfig{Name: "http", BaseURL: "http://" + hostPort, CommKey: dev.CommKey, Client: f.Client, Log: log}, dec),
		}, nil

	case punch.ModeStream:
		if f.MQTT.Broker == "" {
			return nil, fmt.Errorf("%w: stream device %s but no mqtt broker configured", ErrUnsupported, dev.ID)
		}
		key := dev.Serial
		if key == "" {
			key = dev.ID
		}
		conns := []Connector{newMQTTStreamer("mqtt", f.MQTT.Broker, key, f.MQTT, dec, log)}
		if f.MQTT.FallbackBroker != "" {
			conns = append(conns, newMQTTStreamer("mqtt-fallback", f.MQTT.FallbackBroker, key, f.MQTT, dec, log))
		}
		return conns, nil

	default:
		return nil, fmt.Errorf("%w: device %s in %s mode", ErrUnsupported, dev.ID, dev.Mode)
	}
}
