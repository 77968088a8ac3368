// Package runner wires the source, broker and sink workers together and owns
// their lifecycle.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/withObsrvr/pareto-event-router/consumer"
	"github.com/withObsrvr/pareto-event-router/internal/cli/config"
	"github.com/withObsrvr/pareto-event-router/pkg/broker"
	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
	"github.com/withObsrvr/pareto-event-router/pkg/logging"
	"github.com/withObsrvr/pareto-event-router/pkg/metrics"
	"github.com/withObsrvr/pareto-event-router/pkg/pipeline"
	"github.com/withObsrvr/pareto-event-router/pkg/source/pareto"
	"github.com/withObsrvr/pareto-event-router/pkg/worker"
	"github.com/withObsrvr/pareto-event-router/processor"
)

// Component is anything the runner starts and stops.
type Component interface {
	Name() string
	Run(ctx context.Context) error
}

// Options override the runner's defaults, mainly for tests.
type Options struct {
	// Stdout and Stderr receive console log output.
	Stdout io.Writer
	Stderr io.Writer
	// SinkOutput receives the stdout sink's events.
	SinkOutput io.Writer
	// Dialer replaces the websocket transport.
	Dialer pareto.Dialer
	// PollInterval overrides the worker poll interval.
	PollInterval time.Duration
}

// Runner is the orchestrator. Components start in the order logger, source,
// workers, metrics and stop in reverse.
type Runner struct {
	console    *logging.Console
	logger     *slog.Logger
	broker     *broker.Broker
	source     *pareto.Source
	consumers  []types.Consumer
	components []Component
}

// handlerNames are the log sources used for each sink's worker.
var handlerNames = map[string]string{
	consumer.NameElasticsearch: "ElasticsearchHandler",
	consumer.NameMQTT:          "MQTTHandler",
	consumer.NameRabbitMQ:      "RabbitMQHandler",
	consumer.NameRedis:         "RedisHandler",
	consumer.NameNATS:          "NATSHandler",
	consumer.NameMongoDB:       "MongoDBHandler",
	consumer.NamePostgreSQL:    "PostgreSQLHandler",
	consumer.NameWebSocket:     "WebSocketHandler",
	consumer.NameStdout:        "StdoutHandler",
}

func handlerName(name string) string {
	if h, ok := handlerNames[name]; ok {
		return h
	}
	return name
}

// New validates cfg and builds every component. Nothing is started.
func New(cfg *config.Config, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	console := logging.NewConsole(logging.Options{
		Format: cfg.FormatLogging,
		Level:  logging.ParseLevel(cfg.LogLevel),
		Stdout: opts.Stdout,
		Stderr: opts.Stderr,
	})
	r := &Runner{
		console: console,
		logger:  console.Logger("Main"),
		broker:  broker.New(broker.WithMaxBuffer(cfg.BrokerMaxBuffer)),
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = pareto.NewWebsocketDialer(console.Logger("SocketClient"))
	}
	source, err := pareto.NewSource(pareto.Config{URL: cfg.ParetoURL, Token: cfg.ParetoAPIToken}, dialer, console.Logger("SocketClient"))
	if err != nil {
		return nil, err
	}
	r.source = source
	pipeline.BuildProcessorChain(console.Logger("Pipeline"), source,
		[]types.Processor{processor.NewNormalizeRTLS(console.Logger("SocketClient"))},
		r.broker.Inlet())

	consumers, err := BuildConsumers(cfg, console, opts.SinkOutput)
	if err != nil {
		return nil, err
	}
	r.consumers = consumers

	r.components = append(r.components, console, source)

	var workerOpts []worker.Option
	if opts.PollInterval > 0 {
		workerOpts = append(workerOpts, worker.WithPollInterval(opts.PollInterval))
	}
	// Subscriptions exist before the source starts so no event is missed.
	for _, c := range consumers {
		if err := r.broker.Subscribe(c.Name()); err != nil {
			return nil, err
		}
		r.components = append(r.components,
			worker.New(r.broker, c.Name(), c, console.Logger(handlerName(c.Name())), workerOpts...))
	}

	if cfg.MetricsAddr != "" {
		r.components = append(r.components, metrics.NewServer(cfg.MetricsAddr, r.Health, console.Logger("MetricsServer")))
	}
	return r, nil
}

// BuildConsumers creates a consumer for every enabled sink.
func BuildConsumers(cfg *config.Config, console *logging.Console, sinkOutput io.Writer) ([]types.Consumer, error) {
	logger := func(name string) *slog.Logger { return console.Logger(handlerName(name)) }

	var consumers []types.Consumer
	add := func(c types.Consumer, err error) error {
		if err != nil {
			return err
		}
		consumers = append(consumers, c)
		return nil
	}

	if cfg.ElasticsearchEnabled() {
		c, err := consumer.NewSaveToElasticsearch(consumer.ElasticsearchConfig{
			URL: cfg.ElasticsearchURL, Index: cfg.ElasticsearchIndex, Type: cfg.ElasticsearchType,
		}, logger(consumer.NameElasticsearch))
		if err := add(c, err); err != nil {
			return nil, err
		}
	}
	if cfg.MQTTEnabled() {
		c, err := consumer.NewPublishToMQTT(consumer.MQTTConfig{URL: cfg.MQTTURL}, logger(consumer.NameMQTT))
		if err := add(c, err); err != nil {
			return nil, err
		}
		consumer.SetMQTTClientLoggers(
			console.StdLogger("MQTTClient", slog.LevelWarn),
			console.StdLogger("MQTTClient", slog.LevelError))
	}
	if cfg.RabbitMQEnabled() {
		c, err := consumer.NewPublishToRabbitMQ(consumer.RabbitMQConfig{
			URL: cfg.RabbitMQURL, Queue: cfg.RabbitMQQueue,
		}, logger(consumer.NameRabbitMQ))
		if err := add(c, err); err != nil {
			return nil, err
		}
	}
	if cfg.RedisEnabled() {
		c, err := consumer.NewSaveToRedis(consumer.RedisConfig{
			URL: cfg.RedisURL, Prefix: cfg.RedisChannelPrefix, StreamMaxLen: cfg.RedisStreamMaxLen,
		}, logger(consumer.NameRedis))
		if err := add(c, err); err != nil {
			return nil, err
		}
	}
	if cfg.NATSEnabled() {
		c, err := consumer.NewPublishToNATS(consumer.NATSConfig{
			URL: cfg.NATSURL, SubjectPrefix: cfg.NATSSubjectPrefix,
		}, logger(consumer.NameNATS))
		if err := add(c, err); err != nil {
			return nil, err
		}
	}
	if cfg.MongoDBEnabled() {
		c, err := consumer.NewSaveToMongoDB(consumer.MongoDBConfig{
			URI: cfg.MongoDBURI, Database: cfg.MongoDBDatabase, Collection: cfg.MongoDBCollection,
		}, logger(consumer.NameMongoDB))
		if err := add(c, err); err != nil {
			return nil, err
		}
	}
	if cfg.PostgresEnabled() {
		c, err := consumer.NewSaveToPostgreSQL(consumer.PostgresConfig{
			URL: cfg.PostgresURL, Table: cfg.PostgresTable,
		}, logger(consumer.NamePostgreSQL))
		if err := add(c, err); err != nil {
			return nil, err
		}
	}
	if cfg.WebsocketEnabled() {
		c, err := consumer.NewSaveToWebSocket(consumer.WebSocketConfig{Addr: cfg.WebsocketAddr}, logger(consumer.NameWebSocket))
		if err := add(c, err); err != nil {
			return nil, err
		}
	}
	if cfg.StdoutSink {
		consumers = append(consumers, consumer.NewStdoutConsumer(sinkOutput))
	}
	return consumers, nil
}

// Components returns every component in start order.
func (r *Runner) Components() []Component { return r.components }

// Health is the payload served on /healthz.
func (r *Runner) Health() interface{} {
	buffers := make(map[string]int)
	dropped := make(map[string]uint64)
	for _, id := range r.broker.Subscriptions() {
		buffers[id] = r.broker.Len(id)
		dropped[id] = r.broker.Dropped(id)
	}
	return map[string]interface{}{
		"upstream": r.source.Status(),
		"buffers":  buffers,
		"dropped":  dropped,
	}
}

// Run starts every component and blocks until ctx is done, then stops them
// in reverse start order and waits for each to exit.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.startConsumers(); err != nil {
		return err
	}

	sup := &supervisor{logger: r.logger}
	for _, c := range r.components {
		sup.start(c)
	}
	r.logger.Info(fmt.Sprintf("Started %d sinks", len(r.consumers)))

	<-ctx.Done()
	r.logger.Info("Shutting down")
	sup.stop()
	return nil
}

// startConsumers starts sinks that own a listener. If one fails, the ones
// already started are closed again.
func (r *Runner) startConsumers() error {
	var started []types.Consumer
	for _, c := range r.consumers {
		starter, ok := c.(interface{ Start() error })
		if !ok {
			continue
		}
		if err := starter.Start(); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if cerr := started[i].Close(); cerr != nil {
					r.logger.Error("Error closing "+started[i].Name(), "error", cerr)
				}
			}
			return fmt.Errorf("error starting %s: %w", c.Name(), err)
		}
		started = append(started, c)
	}
	return nil
}

type running struct {
	component Component
	cancel    context.CancelFunc
	done      chan struct{}
}

// supervisor runs each component with its own cancel so they can be stopped
// one at a time.
type supervisor struct {
	logger  *slog.Logger
	running []*running
}

func (s *supervisor) start(c Component) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{component: c, cancel: cancel, done: make(chan struct{})}
	s.running = append(s.running, r)

	go func() {
		defer close(r.done)
		if err := c.Run(ctx); err != nil {
			s.logger.Error("Component exited", "component", c.Name(), "error", err)
		}
	}()
}

func (s *supervisor) stop() {
	for i := len(s.running) - 1; i >= 0; i-- {
		r := s.running[i]
		s.logger.Debug("Stopping " + r.component.Name())
		r.cancel()
		<-r.done
	}
}
