// Package config loads the router configuration from the environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"github.com/withObsrvr/pareto-event-router/consumer"
)

// ErrMissing is wrapped by every missing-key validation error.
var ErrMissing = errors.New("missing environment")

// Config holds every recognised key. Environment variables use the upper
// case form of each key; a config file uses the lower case form.
type Config struct {
	ParetoURL      string `mapstructure:"pareto_url" yaml:"pareto_url"`
	ParetoAPIToken string `mapstructure:"pareto_api_token" yaml:"pareto_api_token"`

	// FormatLogging is set only by the exact value "true"; see Load.
	FormatLogging   bool   `mapstructure:"-" yaml:"format_logging"`
	LogLevel        string `mapstructure:"log_level" yaml:"log_level"`
	BrokerMaxBuffer int    `mapstructure:"broker_max_buffer" yaml:"broker_max_buffer"`
	MetricsAddr     string `mapstructure:"metrics_addr" yaml:"metrics_addr,omitempty"`

	ElasticsearchURL   string `mapstructure:"elasticsearch_url" yaml:"elasticsearch_url,omitempty"`
	ElasticsearchIndex string `mapstructure:"elasticsearch_index" yaml:"elasticsearch_index,omitempty"`
	ElasticsearchType  string `mapstructure:"elasticsearch_type" yaml:"elasticsearch_type,omitempty"`

	MQTTURL string `mapstructure:"mqtt_url" yaml:"mqtt_url,omitempty"`

	RabbitMQURL   string `mapstructure:"rabbitmq_url" yaml:"rabbitmq_url,omitempty"`
	RabbitMQQueue string `mapstructure:"rabbitmq_queue" yaml:"rabbitmq_queue,omitempty"`

	RedisURL           string `mapstructure:"redis_url" yaml:"redis_url,omitempty"`
	RedisChannelPrefix string `mapstructure:"redis_channel_prefix" yaml:"redis_channel_prefix,omitempty"`
	RedisStreamMaxLen  int64  `mapstructure:"redis_stream_maxlen" yaml:"redis_stream_maxlen,omitempty"`

	NATSURL           string `mapstructure:"nats_url" yaml:"nats_url,omitempty"`
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix" yaml:"nats_subject_prefix,omitempty"`

	MongoDBURI        string `mapstructure:"mongodb_uri" yaml:"mongodb_uri,omitempty"`
	MongoDBDatabase   string `mapstructure:"mongodb_database" yaml:"mongodb_database,omitempty"`
	MongoDBCollection string `mapstructure:"mongodb_collection" yaml:"mongodb_collection,omitempty"`

	PostgresURL   string `mapstructure:"postgres_url" yaml:"postgres_url,omitempty"`
	PostgresTable string `mapstructure:"postgres_table" yaml:"postgres_table,omitempty"`

	WebsocketAddr string `mapstructure:"websocket_addr" yaml:"websocket_addr,omitempty"`
	StdoutSink    bool   `mapstructure:"stdout_sink" yaml:"stdout_sink,omitempty"`
}

// Keys lists every configuration key. Viper only unmarshals keys it knows
// about, so each one is bound to its environment variable.
var Keys = []string{
	"pareto_url", "pareto_api_token",
	"format_logging", "log_level", "broker_max_buffer", "metrics_addr",
	"elasticsearch_url", "elasticsearch_index", "elasticsearch_type",
	"mqtt_url",
	"rabbitmq_url", "rabbitmq_queue",
	"redis_url", "redis_channel_prefix", "redis_stream_maxlen",
	"nats_url", "nats_subject_prefix",
	"mongodb_uri", "mongodb_database", "mongodb_collection",
	"postgres_url", "postgres_table",
	"websocket_addr", "stdout_sink",
}

// Bind registers the environment bindings and defaults on v.
func Bind(v *viper.Viper) {
	v.AutomaticEnv()
	for _, key := range Keys {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}
	v.SetDefault("log_level", "info")
	v.SetDefault("broker_max_buffer", 0)
}

// Load reads the configuration from v. It does not validate.
func Load(v *viper.Viper) (*Config, error) {
	Bind(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding configuration: %w", err)
	}
	cfg.FormatLogging = isTrue(v.Get("format_logging"))
	return &cfg, nil
}

// isTrue accepts the string "true" and a YAML boolean true. Any other value,
// including "TRUE" or "1", leaves formatting off.
func isTrue(value interface{}) bool {
	switch val := value.(type) {
	case bool:
		return val
	case string:
		return val == "true"
	}
	return false
}

func missing(key string) error {
	return fmt.Errorf("%w %s", ErrMissing, strings.ToUpper(key))
}

// Validate reports every missing required key. A sink is enabled by its URL;
// once enabled, its remaining keys are required.
func (c *Config) Validate() error {
	var errs []error
	require := func(key, value string) {
		if value == "" {
			errs = append(errs, missing(key))
		}
	}

	require("pareto_url", c.ParetoURL)
	require("pareto_api_token", c.ParetoAPIToken)

	if c.ElasticsearchEnabled() {
		require("elasticsearch_index", c.ElasticsearchIndex)
		require("elasticsearch_type", c.ElasticsearchType)
	}
	if c.RabbitMQEnabled() {
		require("rabbitmq_queue", c.RabbitMQQueue)
	}
	if c.MongoDBEnabled() {
		require("mongodb_database", c.MongoDBDatabase)
		require("mongodb_collection", c.MongoDBCollection)
	}
	if c.BrokerMaxBuffer < 0 {
		errs = append(errs, fmt.Errorf("BROKER_MAX_BUFFER must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) ElasticsearchEnabled() bool { return c.ElasticsearchURL != "" }

func (c *Config) MQTTEnabled() bool { return c.MQTTURL != "" }

func (c *Config) RabbitMQEnabled() bool { return c.RabbitMQURL != "" }

func (c *Config) RedisEnabled() bool { return c.RedisURL != "" }

func (c *Config) NATSEnabled() bool { return c.NATSURL != "" }

func (c *Config) MongoDBEnabled() bool { return c.MongoDBURI != "" }

func (c *Config) PostgresEnabled() bool { return c.PostgresURL != "" }

func (c *Config) WebsocketEnabled() bool { return c.WebsocketAddr != "" }

// EnabledSinks lists the names of the sinks the configuration turns on.
func (c *Config) EnabledSinks() []string {
	var names []string
	add := func(enabled bool, name string) {
		if enabled {
			names = append(names, name)
		}
	}
	add(c.ElasticsearchEnabled(), consumer.NameElasticsearch)
	add(c.MQTTEnabled(), consumer.NameMQTT)
	add(c.RabbitMQEnabled(), consumer.NameRabbitMQ)
	add(c.RedisEnabled(), consumer.NameRedis)
	add(c.NATSEnabled(), consumer.NameNATS)
	add(c.MongoDBEnabled(), consumer.NameMongoDB)
	add(c.PostgresEnabled(), consumer.NamePostgreSQL)
	add(c.WebsocketEnabled(), consumer.NameWebSocket)
	add(c.StdoutSink, consumer.NameStdout)
	return names
}

// Masked returns a copy safe to print: the API token is hidden and
// passwords are removed from every URL.
func (c Config) Masked() Config {
	if c.ParetoAPIToken != "" {
		c.ParetoAPIToken = "********"
	}
	for _, u := range []*string{
		&c.ParetoURL, &c.ElasticsearchURL, &c.MQTTURL, &c.RabbitMQURL,
		&c.RedisURL, &c.NATSURL, &c.MongoDBURI, &c.PostgresURL,
	} {
		*u = redactURL(*u)
	}
	return c
}

func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
