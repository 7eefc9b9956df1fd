// Package config provides validated, option-constructed configuration for
// Server and Client, covering every row of spec section 6's options table
// plus the domain-stack additions (metrics hook, logger injection).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Defaults, named directly after spec section 6's table.
const (
	DefaultMaxConnectionsPerClient = 16
	DefaultMaxConnectionsPerServer = 128
	DefaultWriteQueueSize          = 128
	DefaultReadBufferSize          = 4 << 20
	DefaultWriteBufferSize         = 4 << 20
	DefaultAcceptBacklog           = 128
	DefaultShutdownTimeout         = 30 * time.Second
)

// Config is the validated, immutable-after-construction configuration
// shared by Server and Client. Fields carry validator tags so New can
// reject an invalid combination before any socket is opened.
type Config struct {
	// Address is the listen address for a Server, or the dial address for
	// a Client's lazily created connections.
	Address string `yaml:"address" validate:"required,hostname_port"`

	MaxConnectionsPerServer int `yaml:"max_connections_per_server" validate:"min=1"`
	MaxConnectionsPerClient int `yaml:"max_connections_per_client" validate:"min=1"`

	WriteQueueSize  int `yaml:"write_queue_size" validate:"min=1"`
	ReadBufferSize  int `yaml:"read_buffer_size" validate:"min=1"`
	WriteBufferSize int `yaml:"write_buffer_size" validate:"min=1"`

	AcceptBacklog int `yaml:"accept_backlog" validate:"min=1"`

	// ShutdownTimeout bounds how long Close(ctx) waits for in-flight
	// per-connection tasks to drain before returning, when the caller's
	// context carries no deadline of its own. The core itself has no
	// timeout notion (spec section 5); this is purely a caller-facing
	// convenience around deinit's cleanup_counter.wait().
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`

	// Logger receives lifecycle and error events. Nil falls back to a
	// no-op logger.
	Logger *zap.Logger `yaml:"-" validate:"-"`

	// OnPoolUsageChanged, if set, is invoked whenever a Server or Client's
	// pool length changes, with the new length. Grounded in the systemli
	// tcpserver example's TCPServerConfig.OnPoolUsageChanged hook.
	OnPoolUsageChanged func(n int) `yaml:"-" validate:"-"`
}

var validate = validator.New()

// Option mutates a Config under construction.
type Option func(*Config)

// WithAddress sets the listen/dial address.
func WithAddress(addr string) Option {
	return func(c *Config) { c.Address = addr }
}

// WithMaxConnectionsPerServer overrides the server pool capacity.
func WithMaxConnectionsPerServer(n int) Option {
	return func(c *Config) { c.MaxConnectionsPerServer = n }
}

// WithMaxConnectionsPerClient overrides the client pool capacity.
func WithMaxConnectionsPerClient(n int) Option {
	return func(c *Config) { c.MaxConnectionsPerClient = n }
}

// WithWriteQueueSize overrides the per-connection write queue capacity.
func WithWriteQueueSize(n int) Option {
	return func(c *Config) { c.WriteQueueSize = n }
}

// WithBufferSizes overrides the reader and writer buffer capacities.
func WithBufferSizes(read, write int) Option {
	return func(c *Config) { c.ReadBufferSize, c.WriteBufferSize = read, write }
}

// WithAcceptBacklog overrides the listen backlog.
func WithAcceptBacklog(n int) Option {
	return func(c *Config) { c.AcceptBacklog = n }
}

// WithShutdownTimeout overrides the default Close(ctx) deadline applied
// when the caller's context carries none.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) { c.ShutdownTimeout = d }
}

// WithLogger injects a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithPoolUsageHook installs a callback invoked on every pool length
// change.
func WithPoolUsageHook(fn func(n int)) Option {
	return func(c *Config) { c.OnPoolUsageChanged = fn }
}

func defaults() Config {
	return Config{
		MaxConnectionsPerServer: DefaultMaxConnectionsPerServer,
		MaxConnectionsPerClient: DefaultMaxConnectionsPerClient,
		WriteQueueSize:          DefaultWriteQueueSize,
		ReadBufferSize:          DefaultReadBufferSize,
		WriteBufferSize:         DefaultWriteBufferSize,
		AcceptBacklog:           DefaultAcceptBacklog,
		ShutdownTimeout:         DefaultShutdownTimeout,
	}
}

// New builds a Config from documented defaults plus the given options,
// and validates the result.
func New(opts ...Option) (*Config, error) {
	c := defaults()
	for _, opt := range opts {
		opt(&c)
	}
	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}

// Load reads a YAML document from path into a Config seeded with
// documented defaults, applies any additional options on top (so
// programmatic overrides win over the file), and validates the result.
// Logger and OnPoolUsageChanged are never sourced from YAML; set them via
// options.
func Load(path string, opts ...Option) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	c := defaults()
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	for _, opt := range opts {
		opt(&c)
	}
	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}
