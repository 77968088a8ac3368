package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
)

const (
	defaultNATSPrefix = "rtls"
	natsFlushTimeout  = 5 * time.Second
)

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// NATSPublisher is the narrow NATS capability the sink needs.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// PublishToNATS publishes each event on a subject derived from its tenant
// and transmitter, flushing once per batch.
type PublishToNATS struct {
	config NATSConfig
	logger *slog.Logger
	dial   func(NATSConfig) (NATSPublisher, error)

	mu     sync.Mutex
	client NATSPublisher
}

func NewPublishToNATS(config NATSConfig, logger *slog.Logger) (*PublishToNATS, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("missing environment NATS_URL")
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = defaultNATSPrefix
	}
	return &PublishToNATS{
		config: config,
		logger: loggerOrDefault(logger),
		dial:   newNATSConn,
	}, nil
}

// Subject is the subject an event is published on, or false when the event
// has no tenant or transmitter identifier. Dots and wildcards in tokens are
// replaced so they cannot split or widen the subject.
func (p *PublishToNATS) Subject(event types.Event) (string, bool) {
	tenantID := event.String("tenantId")
	idType, idValue, ok := event.Identifier()
	if tenantID == "" || !ok {
		return "", false
	}
	return strings.Join([]string{
		p.config.SubjectPrefix, "tenants", subjectToken(tenantID),
		"transmitters", subjectToken(idType), subjectToken(idValue), "rtls",
	}, "."), true
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func subjectToken(s string) string {
	return subjectReplacer.Replace(s)
}

func (p *PublishToNATS) Name() string { return NameNATS }

func (p *PublishToNATS) Process(ctx context.Context, events []types.Event) error {
	client, err := p.connection()
	if err != nil {
		return err
	}

	published := 0
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		subject, ok := p.Subject(event)
		if !ok {
			p.logger.Warn("Skipping event without transmitter identifier", "deviceId", event.String("deviceId"))
			continue
		}
		data, err := encodeEvent(event)
		if err != nil {
			return err
		}
		if err := client.Publish(subject, data); err != nil {
			return fmt.Errorf("error publishing to %s: %w", subject, err)
		}
		published++
	}

	if err := client.FlushTimeout(natsFlushTimeout); err != nil {
		return fmt.Errorf("error flushing NATS connection: %w", err)
	}
	p.logger.Debug(fmt.Sprintf("Published %d messages to NATS", published))
	return nil
}

func (p *PublishToNATS) connection() (NATSPublisher, error) {
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

func (p *PublishToNATS) Reset() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		go client.Close()
	}
}

func (p *PublishToNATS) Close() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		client.Close()
	}
	return nil
}

func newNATSConn(config NATSConfig) (NATSPublisher, error) {
	conn, err := nats.Connect(config.URL,
		nats.Name("pareto-event-router"),
		nats.Timeout(10*time.Second),
		nats.NoReconnect(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}
