package lirc_relay

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const EnvPrefix = "LIRC_RELAY_"

type (
	// Config holds the relay settings. By default the relay listens on 8765,
	// reaches lircd on the loopback port 8764, and uses 4 KiB command and
	// reply buffers.
	Config struct {
		// ListenAddress is the relay's listen address (host:port)
		ListenAddress string `env:"LISTEN" envDefault:":8765"`

		// BackendAddress is the lircd address the relay connects to at startup
		BackendAddress string `env:"BACKEND" envDefault:"127.0.0.1:8764"`

		// BackendDialAttempts bounds the startup connect retries
		BackendDialAttempts int `env:"BACKEND_DIAL_ATTEMPTS" envDefault:"5"`

		// CommandBufferSize is the per-connection inbound buffer; it is also the
		// capacity of the buffer a rewritten command is built in
		CommandBufferSize int `env:"COMMAND_BUFFER_SIZE" envDefault:"4096"`

		// RewriteReserve is held back from the inbound buffer for rewrite growth
		RewriteReserve int `env:"REWRITE_RESERVE" envDefault:"16"`

		// ReplyBufferSize is the capacity for one backend reply
		ReplyBufferSize int `env:"REPLY_BUFFER_SIZE" envDefault:"4096"`

		// ResyncLimit is how many bytes may be discarded to find the sentinel
		// after an oversized reply before the backend is declared lost
		ResyncLimit int `env:"RESYNC_LIMIT" envDefault:"1048576"`

		// BackendTimeout bounds the wait for a backend reply; 0 disables
		BackendTimeout time.Duration `env:"BACKEND_TIMEOUT" envDefault:"5s"`

		// IdleTimeout closes a client that sends nothing for this long; 0 disables
		IdleTimeout time.Duration `env:"IDLE_TIMEOUT" envDefault:"0s"`

		// WriteTimeout bounds writing a reply to a client; 0 disables
		WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`

		// ShutdownTimeout is how long sessions may drain before being forced closed
		ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

		// LedgerPath persists the activity ledger; "" keeps it in memory only
		LedgerPath string `env:"LEDGER"`

		// MetricsAddress serves /metrics when non-empty
		MetricsAddress string `env:"METRICS"`

		Trace bool `env:"TRACE" envDefault:"false"`
	}
)

// DefaultConfig returns the envDefault settings without consulting the environment.
func DefaultConfig() Config {
	var cfg Config
	opts := env.Options{
		Prefix:      EnvPrefix,
		Environment: map[string]string{},
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		// only a malformed envDefault tag can fail here
		panic(err)
	}
	return cfg
}

// LoadConfig reads an optional .env file, then the LIRC_RELAY_* environment.
func LoadConfig() (cfg Config, err error) {
	// .env is optional
	_ = godotenv.Load()

	if err = env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		err = fmt.Errorf("failed to parse config: %w", err)
		return
	}

	err = cfg.Validate()
	return
}

func (cfg *Config) Validate() error {
	if cfg.CommandBufferSize <= 0 {
		return fmt.Errorf("command buffer size must be positive, got %d", cfg.CommandBufferSize)
	}
	if cfg.RewriteReserve < 0 || cfg.RewriteReserve >= cfg.CommandBufferSize {
		return fmt.Errorf("rewrite reserve %d leaves no room in a %d byte command buffer", cfg.RewriteReserve, cfg.CommandBufferSize)
	}
	if cfg.ReplyBufferSize < len(replySentinel) {
		return fmt.Errorf("reply buffer size %d cannot hold the sentinel", cfg.ReplyBufferSize)
	}
	if cfg.ResyncLimit < 0 {
		return fmt.Errorf("resync limit must not be negative, got %d", cfg.ResyncLimit)
	}
	return nil
}

// framerCapacity is the space available to an unterminated command.
func (cfg *Config) framerCapacity() int {
	return cfg.CommandBufferSize - cfg.RewriteReserve
}
