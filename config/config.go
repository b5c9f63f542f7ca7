package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type FeedKind string

const (
	FeedNATS     FeedKind = "nats"
	FeedPostgres FeedKind = "postgres"
)

// DefaultReconnectDelay is the flat delay between reconnect attempts. There
// is deliberately no exponential growth, no attempt cap and no circuit
// breaker; production hardening may want all three.
const DefaultReconnectDelay = 2 * time.Second

type Config struct {
	Feed   FeedConfig   `yaml:"feed"`
	Store  StoreConfig  `yaml:"store"`
	Logger LoggerConfig `yaml:"logging"`
}

type FeedConfig struct {
	Kind           FeedKind       `yaml:"kind"`
	NATS           NATSConfig     `yaml:"nats"`
	Postgres       PostgresConfig `yaml:"postgres"`
	ReconnectDelay time.Duration  `yaml:"reconnect_delay"`
}

// UnmarshalYAML accepts reconnect_delay in time.ParseDuration form ("2s").
func (f *FeedConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Kind           FeedKind       `yaml:"kind"`
		NATS           NATSConfig     `yaml:"nats"`
		Postgres       PostgresConfig `yaml:"postgres"`
		ReconnectDelay string         `yaml:"reconnect_delay"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}

	f.Kind = r.Kind
	f.NATS = r.NATS
	f.Postgres = r.Postgres
	if r.ReconnectDelay != "" {
		d, err := time.ParseDuration(r.ReconnectDelay)
		if err != nil {
			return fmt.Errorf("parse feed.reconnect_delay: %w", err)
		}
		f.ReconnectDelay = d
	}
	return nil
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Channel string `yaml:"channel"`
}

type StoreConfig struct {
	DSN      string `yaml:"dsn"`
	Schema   string `yaml:"schema"`
	PageSize int32  `yaml:"page_size"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
}

func (l LoggerConfig) LogrusLevel() logrus.Level {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

type Option func(*Config)

func NewConfig(opts ...Option) *Config {
	c := &Config{}
	for _, opt := range opts {
		opt(c)
	}
	c.SetDefault()
	return c
}

// Load reads a YAML config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	c.SetDefault()
	return &c, nil
}

func WithFeedKind(kind FeedKind) Option {
	return func(c *Config) {
		c.Feed.Kind = kind
	}
}

func WithNATSURL(url string) Option {
	return func(c *Config) {
		c.Feed.NATS.URL = url
	}
}

func WithNATSSubject(subject string) Option {
	return func(c *Config) {
		c.Feed.NATS.Subject = subject
	}
}

func WithPostgresDSN(dsn string) Option {
	return func(c *Config) {
		c.Feed.Postgres.DSN = dsn
	}
}

func WithPostgresChannel(channel string) Option {
	return func(c *Config) {
		c.Feed.Postgres.Channel = channel
	}
}

func WithReconnectDelay(delay time.Duration) Option {
	return func(c *Config) {
		c.Feed.ReconnectDelay = delay
	}
}

func WithStoreDSN(dsn string) Option {
	return func(c *Config) {
		c.Store.DSN = dsn
	}
}

func WithStoreSchema(schema string) Option {
	return func(c *Config) {
		c.Store.Schema = schema
	}
}

func WithPageSize(size int32) Option {
	return func(c *Config) {
		c.Store.PageSize = size
	}
}

func WithLogLevel(level logrus.Level) Option {
	return func(c *Config) {
		c.Logger.Level = level.String()
	}
}

func (c *Config) SetDefault() {
	if c.Feed.Kind == "" {
		c.Feed.Kind = FeedNATS
	}
	if c.Feed.ReconnectDelay == 0 {
		c.Feed.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Store.Schema == "" {
		c.Store.Schema = "public"
	}
	if c.Store.PageSize == 0 {
		c.Store.PageSize = 100
	}
	if c.Logger.Level == "" {
		c.Logger.Level = logrus.InfoLevel.String()
	}
}

func (c *Config) Validate() error {
	var err error

	switch c.Feed.Kind {
	case FeedNATS:
		if isEmpty(c.Feed.NATS.URL) {
			err = errors.Join(err, errors.New("feed.nats.url cannot be empty"))
		}
	case FeedPostgres:
		if isEmpty(c.Feed.Postgres.DSN) {
			err = errors.Join(err, errors.New("feed.postgres.dsn cannot be empty"))
		}
	default:
		err = errors.Join(err, fmt.Errorf("feed.kind must be %q or %q", FeedNATS, FeedPostgres))
	}

	if c.Feed.ReconnectDelay <= 0 {
		err = errors.Join(err, errors.New("feed.reconnect_delay must be greater than 0"))
	}

	if c.Store.PageSize <= 0 {
		err = errors.Join(err, errors.New("store.page_size must be greater than 0"))
	}

	return err
}

func isEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
