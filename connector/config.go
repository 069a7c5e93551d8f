package connector

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config binds a Connector's tunables from the environment (via
// caarlos0/env), with defaults matching the teacher's own server
// defaults where one exists (e.g. DefaultMaxHeaderBytes).
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `env:"HTTPENGINE_ADDR" envDefault:":8080"`

	// AcceptorCount is the number of acceptor goroutines in the pool.
	AcceptorCount int `env:"HTTPENGINE_ACCEPTORS" envDefault:"2"`

	// OutputBufferSize/OutputCommitSize size the per-channel HttpOutput
	// aggregation buffer and direct-flush threshold (spec §4.5).
	OutputBufferSize int `env:"HTTPENGINE_OUTPUT_BUFFER_SIZE" envDefault:"16384"`
	OutputCommitSize int `env:"HTTPENGINE_OUTPUT_COMMIT_SIZE" envDefault:"8192"`

	// ReadBufferSize bounds each body chunk leased from the shared
	// buffer pool while pumping a request body into its HttpInput.
	ReadBufferSize int `env:"HTTPENGINE_READ_BUFFER_SIZE" envDefault:"4096"`

	ReadHeaderTimeout time.Duration `env:"HTTPENGINE_READ_HEADER_TIMEOUT" envDefault:"10s"`
	ReadTimeout       time.Duration `env:"HTTPENGINE_READ_TIMEOUT" envDefault:"60s"`
	WriteTimeout      time.Duration `env:"HTTPENGINE_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout       time.Duration `env:"HTTPENGINE_IDLE_TIMEOUT" envDefault:"120s"`
	MaxHeaderBytes    int           `env:"HTTPENGINE_MAX_HEADER_BYTES" envDefault:"1048576"`

	// AcceptorStopTimeout bounds how long Stop waits for acceptor
	// goroutines to exit before giving up.
	AcceptorStopTimeout time.Duration `env:"HTTPENGINE_ACCEPTOR_STOP_TIMEOUT" envDefault:"5s"`
}

// Option customizes a Config after environment binding, for programmatic
// overrides in tests or embedders.
type Option func(*Config)

func WithAddr(addr string) Option { return func(c *Config) { c.Addr = addr } }

func WithAcceptorCount(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.AcceptorCount = n
		}
	}
}

func WithOutputSizing(bufferSize, commitSize int) Option {
	return func(c *Config) {
		if bufferSize > 0 {
			c.OutputBufferSize = bufferSize
		}
		if commitSize > 0 {
			c.OutputCommitSize = commitSize
		}
	}
}

// LoadConfig binds Config from the environment and applies opts in order.
func LoadConfig(opts ...Option) (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}
