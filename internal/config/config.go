// Package config loads the busd YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/next-trace/scg-message-bus/rest"
	"github.com/next-trace/scg-message-bus/servicebus"
)

// EnvPath names the environment variable holding the config file path.
const EnvPath = "BUS_CONFIG"

// DefaultPath is used when EnvPath is unset.
const DefaultPath = "bus.yaml"

type Config struct {
	Bus struct {
		RequestTimeout time.Duration `yaml:"request_timeout"`
		MonitorDump    bool          `yaml:"monitor_dump"`
	} `yaml:"bus"`
	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
	Bridge struct {
		Addr            string   `yaml:"addr"`
		JWTSecret       string   `yaml:"jwt_secret"`
		AllowedOrigins  []string `yaml:"allowed_origins"`
		ChannelPrefixes []string `yaml:"channel_prefixes"`
	} `yaml:"bridge"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Brokers  Brokers    `yaml:"brokers"`
	Galactic []Galactic `yaml:"galactic"`
	Samples  struct {
		Pong         bool          `yaml:"pong"`
		TickInterval time.Duration `yaml:"tick_interval"`
	} `yaml:"samples"`
	Services struct {
		Rest Rest `yaml:"rest"`
	} `yaml:"services"`
}

// Rest configures the REST operation service. BaseHost and BasePort seed its host
// config store.
type Rest struct {
	Enabled  bool          `yaml:"enabled"`
	Timeout  time.Duration `yaml:"timeout"`
	BaseHost string        `yaml:"base_host"`
	BasePort string        `yaml:"base_port"`
}

// Brokers holds one optional block per broker kind. A nil block disables the broker.
type Brokers struct {
	InMemory bool      `yaml:"inmemory"`
	NATS     *NATS     `yaml:"nats"`
	RabbitMQ *RabbitMQ `yaml:"rabbitmq"`
	Kafka    *Kafka    `yaml:"kafka"`
}

type NATS struct {
	Name          string        `yaml:"name"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	QueueGroup    string        `yaml:"queue_group"`
	ConnTimeout   time.Duration `yaml:"conn_timeout"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

type RabbitMQ struct {
	Name        string        `yaml:"name"`
	URL         string        `yaml:"url"`
	Exchange    string        `yaml:"exchange"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
}

type Kafka struct {
	Name             string   `yaml:"name"`
	Brokers          []string `yaml:"brokers"`
	ClientID         string   `yaml:"client_id"`
	Acks             string   `yaml:"acks"`
	TopicPrefix      string   `yaml:"topic_prefix"`
	AutoCreateTopics bool     `yaml:"auto_create_topics"`
}

// Galactic links a channel to a named broker at startup.
type Galactic struct {
	Channel string `yaml:"channel"`
	Broker  string `yaml:"broker"`
}

// Path returns the config path from the environment, or DefaultPath.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}

	return DefaultPath
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(b)
}

// Parse decodes YAML and applies defaults.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	c.applyDefaults()

	return &c, nil
}

// Default returns a configuration with only defaults set.
func Default() *Config {
	var c Config
	c.applyDefaults()

	return &c
}

func (c *Config) applyDefaults() {
	if c.Bus.RequestTimeout == 0 {
		c.Bus.RequestTimeout = servicebus.DefaultRequestTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Bridge.Addr == "" {
		c.Bridge.Addr = "0.0.0.0:8080"
	}
	if len(c.Bridge.AllowedOrigins) == 0 {
		c.Bridge.AllowedOrigins = []string{"*"}
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Samples.TickInterval == 0 {
		c.Samples.TickInterval = 300 * time.Millisecond
	}
	if c.Services.Rest.Timeout == 0 {
		c.Services.Rest.Timeout = rest.DefaultTimeout
	}

	if n := c.Brokers.NATS; n != nil && n.Name == "" {
		n.Name = "nats"
	}
	if r := c.Brokers.RabbitMQ; r != nil && r.Name == "" {
		r.Name = "rabbitmq"
	}
	if k := c.Brokers.Kafka; k != nil && k.Name == "" {
		k.Name = "kafka"
	}
}

// BrokerNames lists the names of the configured brokers.
func (c *Config) BrokerNames() []string {
	var names []string
	if c.Brokers.InMemory {
		names = append(names, "inmemory")
	}
	if c.Brokers.NATS != nil {
		names = append(names, c.Brokers.NATS.Name)
	}
	if c.Brokers.RabbitMQ != nil {
		names = append(names, c.Brokers.RabbitMQ.Name)
	}
	if c.Brokers.Kafka != nil {
		names = append(names, c.Brokers.Kafka.Name)
	}

	return names
}

// Validate reports every inconsistency found.
func (c *Config) Validate() error {
	var errs []error

	if c.Bus.RequestTimeout < 0 {
		errs = append(errs, errors.New("bus.request_timeout must not be negative"))
	}
	if c.Services.Rest.Timeout < 0 {
		errs = append(errs, errors.New("services.rest.timeout must not be negative"))
	}

	known := map[string]bool{}
	for _, n := range c.BrokerNames() {
		if known[n] {
			errs = append(errs, fmt.Errorf("brokers: duplicate name %q", n))
		}
		known[n] = true
	}

	if n := c.Brokers.NATS; n != nil && n.URL == "" {
		errs = append(errs, errors.New("brokers.nats.url is required"))
	}
	if r := c.Brokers.RabbitMQ; r != nil && r.URL == "" {
		errs = append(errs, errors.New("brokers.rabbitmq.url is required"))
	}
	if k := c.Brokers.Kafka; k != nil && len(k.Brokers) == 0 {
		errs = append(errs, errors.New("brokers.kafka.brokers is required"))
	}

	for i, g := range c.Galactic {
		if g.Channel == "" {
			errs = append(errs, fmt.Errorf("galactic[%d]: channel is required", i))
		}
		if !known[g.Broker] {
			errs = append(errs, fmt.Errorf("galactic[%d]: unknown broker %q", i, g.Broker))
		}
	}

	return errors.Join(errs...)
}
