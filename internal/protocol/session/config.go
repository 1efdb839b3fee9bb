package session

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// ReconnectPolicy controls adapter-level reconnects after an unexpected drop.
// Interval is the first retry delay; Timeout bounds the whole reconnect window.
type ReconnectPolicy struct {
	Enabled     bool
	Interval    time.Duration
	Timeout     time.Duration
	Multiplier  float64
	MaxInterval time.Duration
	Jitter      bool
}

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout     time.Duration
	TransactionTimeout time.Duration
	WriteTimeout       time.Duration
	Reconnect          ReconnectPolicy
	TLS                TLSConfig
}

// DefaultConfig returns defaults aligned with the terminal's 120s on-wire timeout.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     10 * time.Second,
		TransactionTimeout: 120 * time.Second,
		WriteTimeout:       5 * time.Second,
		Reconnect: ReconnectPolicy{
			Enabled:     true,
			Interval:    2 * time.Second,
			Timeout:     60 * time.Second,
			Multiplier:  2.0,
			MaxInterval: 15 * time.Second,
			Jitter:      true,
		},
	}
}

// WithDefaults fills zero durations from DefaultConfig. Reconnect.Enabled is kept as set.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.TransactionTimeout == 0 {
		c.TransactionTimeout = def.TransactionTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Reconnect.Interval == 0 {
		c.Reconnect.Interval = def.Reconnect.Interval
	}
	if c.Reconnect.Timeout == 0 {
		c.Reconnect.Timeout = def.Reconnect.Timeout
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = def.Reconnect.Multiplier
	}
	if c.Reconnect.MaxInterval == 0 {
		c.Reconnect.MaxInterval = def.Reconnect.MaxInterval
	}
	return c
}

func (c Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect_timeout must be positive", ErrInvalidConfig)
	}
	if c.TransactionTimeout <= 0 {
		return fmt.Errorf("%w: transaction_timeout must be positive", ErrInvalidConfig)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("%w: write_timeout must not be negative", ErrInvalidConfig)
	}
	if c.Reconnect.Enabled {
		if c.Reconnect.Interval <= 0 {
			return fmt.Errorf("%w: reconnect interval must be positive", ErrInvalidConfig)
		}
		if c.Reconnect.Timeout <= 0 {
			return fmt.Errorf("%w: reconnect timeout must be positive", ErrInvalidConfig)
		}
	}
	return c.TLS.Validate()
}
