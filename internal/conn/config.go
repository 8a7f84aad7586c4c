package conn

import (
	"time"

	"github.com/danmuck/msgconn/internal/transport"
)

// Config defines per-connection limits and defaults.
type Config struct {
	// MaxPayload bounds one inbound or outbound datagram payload.
	MaxPayload int
	// WriteTimeout bounds Write. Negative leaves it unbounded; zero takes the
	// default.
	WriteTimeout time.Duration
	// Token pins the correlation token. Zero generates a random one.
	Token    uint32
	Recorder Recorder
}

func DefaultConfig() Config {
	return Config{
		MaxPayload:   transport.DefaultMaxPayload,
		WriteTimeout: 5 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.MaxPayload <= 0 {
		c.MaxPayload = def.MaxPayload
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Recorder == nil {
		c.Recorder = nopRecorder{}
	}
	return c
}
