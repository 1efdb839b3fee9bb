package terminal

import (
	"fmt"

	"github.com/danmuck/ecrlink/internal/protocol/session"
)

const DefaultTerminalID = "terminal-1"

// Config is what Initialize needs to build a Session.
type Config struct {
	TerminalID string
	Endpoint   session.Endpoint
	Session    session.Config
}

func DefaultConfig() Config {
	return Config{
		TerminalID: DefaultTerminalID,
		Session:    session.DefaultConfig(),
	}
}

func (c Config) WithDefaults() Config {
	if c.TerminalID == "" {
		c.TerminalID = DefaultTerminalID
	}
	c.Session = c.Session.WithDefaults()
	return c
}

func (c Config) Validate() error {
	if err := c.Endpoint.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}
