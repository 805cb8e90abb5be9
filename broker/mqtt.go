// Package broker publishes occupancy transitions to an MQTT broker so other
// home automation can react to them.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/mjasion/balena-home/office-status/pkg/types"
	"go.uber.org/zap"
)

const disconnectQuiesceMillis = 250

// Config contains MQTT connection settings.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
	MaxRetries     uint64
}

// Event is the retained payload published on every transition.
type Event struct {
	Occupied  bool      `json:"occupied"`
	Reading   float64   `json:"reading"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent converts a classified reading into a payload.
func NewEvent(r types.OccupancyReading) Event {
	return Event{
		Occupied:  r.Occupied,
		Reading:   r.Reading,
		Timestamp: r.Timestamp.UTC(),
	}
}

// client is the subset of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Publisher sends occupancy events to one topic.
type Publisher struct {
	client  client
	topic   string
	qos     byte
	timeout time.Duration
	logger  *zap.Logger
}

// Connect dials the broker, retrying with exponential backoff.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 4
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = time.Minute

	var c mqtt.Client
	err := backoff.RetryNotify(func() error {
		c = mqtt.NewClient(opts)
		token := c.Connect()
		if !token.WaitTimeout(cfg.ConnectTimeout) {
			return fmt.Errorf("timed out after %s", cfg.ConnectTimeout)
		}
		return token.Error()
	}, backoff.WithContext(backoff.WithMaxRetries(bo, cfg.MaxRetries), ctx), func(err error, next time.Duration) {
		logger.Warn("Failed to connect to MQTT broker, retrying",
			zap.String("broker", cfg.Broker),
			zap.Duration("retryIn", next),
			zap.Error(err))
	})
	if err != nil {
		return nil, fmt.Errorf("could not connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	return NewPublisher(c, cfg.Topic, cfg.QoS, cfg.ConnectTimeout, logger), nil
}

// NewPublisher wraps an already connected client.
func NewPublisher(c client, topic string, qos byte, timeout time.Duration, logger *zap.Logger) *Publisher {
	return &Publisher{client: c, topic: topic, qos: qos, timeout: timeout, logger: logger}
}

// Publish sends r as a retained message, so late subscribers see the
// current state.
func (p *Publisher) Publish(ctx context.Context, r types.OccupancyReading) error {
	payload, err := json.Marshal(NewEvent(r))
	if err != nil {
		return fmt.Errorf("failed to encode occupancy event: %w", err)
	}

	token := p.client.Publish(p.topic, p.qos, true, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	case <-time.After(p.timeout):
		return fmt.Errorf("publish to %s timed out after %s", p.topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topic, err)
	}

	p.logger.Debug("Occupancy published", zap.String("topic", p.topic), zap.ByteString("payload", payload))
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(disconnectQuiesceMillis)
		p.logger.Info("MQTT client disconnected")
	}
}
