package api

import (
	"errors"
	"net/http"

	"github.com/danmuck/ecrlink/internal/journal"
	"github.com/danmuck/ecrlink/internal/terminal"
)

var ErrBadRequest = errors.New("api: bad request")

type errorKind struct {
	err    error
	kind   string
	status int
}

// errorKinds is checked in order; a connect timeout wraps both ErrTransport
// and ErrTimeout and must map to timeout.
var errorKinds = []errorKind{
	{ErrBadRequest, "bad_request", http.StatusBadRequest},
	{terminal.ErrConfig, "config_error", http.StatusBadRequest},
	{terminal.ErrInvalidRequest, "invalid_request", http.StatusBadRequest},
	{terminal.ErrNotInitialized, "not_initialized", http.StatusPreconditionFailed},
	{terminal.ErrBusy, "busy", http.StatusConflict},
	{terminal.ErrInvalidState, "invalid_state", http.StatusConflict},
	{terminal.ErrCancelled, "cancelled", http.StatusConflict},
	{terminal.ErrNotConnected, "not_connected", http.StatusServiceUnavailable},
	{terminal.ErrTimeout, "timeout", http.StatusGatewayTimeout},
	{terminal.ErrTransport, "transport_error", http.StatusBadGateway},
	{journal.ErrNotFound, "not_found", http.StatusNotFound},
}

func classify(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.kind
		}
	}
	return http.StatusInternalServerError, "internal"
}
