package terminal

import "errors"

var (
	ErrConfig         = errors.New("terminal: invalid config")
	ErrNotInitialized = errors.New("terminal: not initialized")
	ErrNotConnected   = errors.New("terminal: not connected")
	ErrBusy           = errors.New("terminal: transaction already outstanding")
	ErrTimeout        = errors.New("terminal: timeout")
	ErrTransport      = errors.New("terminal: transport error")
	ErrCancelled      = errors.New("terminal: cancelled")
	ErrInvalidState   = errors.New("terminal: invalid state")
	ErrInvalidRequest = errors.New("terminal: invalid request")
)
