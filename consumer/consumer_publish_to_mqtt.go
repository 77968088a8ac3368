package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
)

const (
	mqttQoS            = 1
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 10 * time.Second
)

// MQTTConfig holds the broker URL. Credentials travel in the URL's userinfo.
type MQTTConfig struct {
	URL string
}

// MQTTPublisher is the narrow broker capability the sink needs.
type MQTTPublisher interface {
	Publish(topic string, payload []byte) error
	Disconnect()
}

// PublishToMQTT publishes each event to its transmitter's topic.
type PublishToMQTT struct {
	config MQTTConfig
	logger *slog.Logger
	dial   func(MQTTConfig) (MQTTPublisher, error)

	mu     sync.Mutex
	client MQTTPublisher
}

func NewPublishToMQTT(config MQTTConfig, logger *slog.Logger) (*PublishToMQTT, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("missing environment MQTT_URL")
	}
	if _, err := brokerURL(config.URL); err != nil {
		return nil, err
	}
	return &PublishToMQTT{
		config: config,
		logger: loggerOrDefault(logger),
		dial:   newPahoPublisher,
	}, nil
}

// MQTTTopic is the topic an event is published to, or false when the event
// has no tenant or transmitter identifier.
func MQTTTopic(event types.Event) (string, bool) {
	tenantID := event.String("tenantId")
	idType, idValue, ok := event.Identifier()
	if tenantID == "" || !ok {
		return "", false
	}
	return fmt.Sprintf("tenants/%s/transmitters/%s/%s/events/rtls", tenantID, idType, idValue), true
}

func (p *PublishToMQTT) Name() string { return NameMQTT }

func (p *PublishToMQTT) Process(ctx context.Context, events []types.Event) error {
	client, err := p.connection()
	if err != nil {
		return err
	}

	p.logger.Info(fmt.Sprintf("Processing %d messages", len(events)))
	for _, event := range events {
		topic, ok := MQTTTopic(event)
		if !ok {
			p.logger.Warn("Skipping event without transmitter identifier", "deviceId", event.String("deviceId"))
			continue
		}
		payload, err := encodeEvent(event)
		if err != nil {
			return err
		}

		p.logger.Info("Publishing event to topic " + topic)
		if err := client.Publish(topic, payload); err != nil {
			return fmt.Errorf("error publishing to %s: %w", topic, err)
		}
	}
	return nil
}

func (p *PublishToMQTT) connection() (MQTTPublisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		client, err := p.dial(p.config)
		if err != nil {
			return nil, err
		}
		p.client = client
	}
	return p.client, nil
}

func (p *PublishToMQTT) Reset() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		go client.Disconnect()
	}
}

func (p *PublishToMQTT) Close() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	return nil
}

// SetMQTTClientLoggers routes the paho client's internal warnings and errors
// to the given loggers. paho discards them by default.
func SetMQTTClientLoggers(warn, errs mqtt.Logger) {
	mqtt.WARN = warn
	mqtt.ERROR = errs
	mqtt.CRITICAL = errs
}

// brokerURL maps mqtt:// and mqtts:// onto the schemes paho dials.
func brokerURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid MQTT_URL: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp", "":
		u.Scheme = "tcp"
	case "mqtts", "ssl", "tls":
		u.Scheme = "ssl"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported MQTT_URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("MQTT_URL has no host")
	}
	return u, nil
}

type pahoPublisher struct {
	client mqtt.Client
}

func newPahoPublisher(config MQTTConfig) (MQTTPublisher, error) {
	u, err := brokerURL(config.URL)
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions().
		SetClientID("pareto-event-router-" + uuid.NewString()[:8]).
		SetCleanSession(true).
		SetProtocolVersion(4).
		SetAutoReconnect(false).
		SetConnectTimeout(mqttConnectTimeout)
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if password, ok := u.User.Password(); ok {
			opts.SetPassword(password)
		}
		u.User = nil
	}
	opts.AddBroker(u.String())

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return &pahoPublisher{client: client}, nil
}

func (p *pahoPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, mqttQoS, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("timed out waiting for publish acknowledgement")
	}
	return token.Error()
}

func (p *pahoPublisher) Disconnect() {
	p.client.Disconnect(250)
}
