package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the streaming transport. Relays publish one JSON
// record per message on {TopicPrefix}/{device}/punch.
type MQTTConfig struct {
	Broker         string
	FallbackBroker string
	ClientID       string
	TopicPrefix    string
	Username       string
	Password       string
}

// DefaultTopicPrefix is used when MQTTConfig.TopicPrefix is empty.
const DefaultTopicPrefix = "punchsync"

// MQTTStreamer subscribes to a device's punch topic on a broker.
type MQTTStreamer struct {
	name     string
	broker   string
	clientID string
	topic    string
	cfg      MQTTConfig
	dec      decoder
	log      *slog.Logger
	dial     func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
	lost   chan error
}

func newMQTTStreamer(name, broker, deviceKey string, cfg MQTTConfig, dec decoder, log *slog.Logger) *MQTTStreamer {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "punchsync"
	}
	if log == nil {
		log = slog.Default()
	}
	return &MQTTStreamer{
		name:     name,
		broker:   broker,
		clientID: fmt.Sprintf("%s-%s", clientID, deviceKey),
		topic:    fmt.Sprintf("%s/%s/punch", prefix, deviceKey),
		cfg:      cfg,
		dec:      dec,
		log:      log,
		dial:     mqtt.NewClient,
	}
}

func (s *MQTTStreamer) Name() string { return s.name }

// Topic returns the subscription topic.
func (s *MQTTStreamer) Topic() string { return s.topic }

// Connect dials the broker. Automatic reconnects are disabled: the
// connection manager owns retry and backoff.
func (s *MQTTStreamer) Connect(ctx context.Context) error {
	lost := make(chan error, 1)
	opts := mqtt.NewClientOptions().AddBroker(s.broker).SetClientID(s.clientID)
	opts = opts.SetOrderMatters(false).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case lost <- err:
			default:
			}
		})
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username).SetPassword(s.cfg.Password)
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}

	client := s.dial(opts)
	token := client.Connect()
	if err := waitToken(ctx, token); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("%s: connect %s: %w", s.name, s.broker, err)
	}

	s.mu.Lock()
	s.client = client
	s.lost = lost
	s.mu.Unlock()
	return nil
}

// Stream subscribes to the device topic and hands every decodable message
// to handle, in arrival order.
func (s *MQTTStreamer) Stream(ctx context.Context, handle func(Record) error) error {
	s.mu.Lock()
	client, lost := s.client, s.lost
	s.mu.Unlock()
	if client == nil {
		return fmt.Errorf("%s: not connected", s.name)
	}

	msgs := make(chan mqtt.Message, 64)
	token := client.Subscribe(s.topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		select {
		case msgs <- m:
		case <-ctx.Done():
		}
	})
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("%s: subscribe %s: %w", s.name, s.topic, err)
	}
	defer client.Unsubscribe(s.topic)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-lost:
			return fmt.Errorf("%s: connection lost: %w", s.name, err)
		case m := <-msgs:
			rec, err := s.dec.decode(m.Payload())
			if err != nil {
				s.log.Warn("skipping undecodable message", "transport", s.name, "topic", m.Topic(), "err", err)
				continue
			}
			if err := handle(rec); err != nil {
				return err
			}
		}
	}
}

// Probe reports whether the broker connection is still open.
func (s *MQTTStreamer) Probe(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return fmt.Errorf("%s: connection closed", s.name)
	}
	return ctx.Err()
}

func (s *MQTTStreamer) Disconnect() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

var errTokenTimeout = errors.New("timed out")

// waitToken waits for an MQTT token or ctx.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return errors.Join(errTokenTimeout, ctx.Err())
	}
}
