package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/ecrlink/internal/protocol/ecr"
	"github.com/danmuck/ecrlink/internal/terminal"
)

type reconnectBody struct {
	Enabled  *bool  `json:"enabled"`
	Interval string `json:"interval"`
	Timeout  string `json:"timeout"`
}

type initializeRequest struct {
	Host               string         `json:"host"`
	Port               int            `json:"port"`
	ConnectTimeout     string         `json:"connect_timeout"`
	TransactionTimeout string         `json:"transaction_timeout"`
	Reconnect          *reconnectBody `json:"reconnect"`
}

type connectRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// submitRequest is either a typed request or the terminal's ";"-separated,
// "!"-terminated request string for Type.
type submitRequest struct {
	ecr.Request
	RequestString string `json:"request"`
	// SignatureInput is hashed into the signature field when set.
	SignatureInput string `json:"signature_input"`
}

func (r submitRequest) build() (ecr.Request, error) {
	req := r.Request
	if raw := strings.TrimSpace(r.RequestString); raw != "" {
		parsed, err := ecr.ParseRequest(r.Type, raw)
		if err != nil {
			return ecr.Request{}, fmt.Errorf("%w: %w", terminal.ErrInvalidRequest, err)
		}
		parsed.Signature = r.Signature
		req = parsed
	}
	if r.SignatureInput != "" {
		if req.Signature != "" {
			return ecr.Request{}, fmt.Errorf("%w: signature and signature_input are exclusive", terminal.ErrInvalidRequest)
		}
		req.Signature = ecr.ComputeSignature(r.SignatureInput)
	}
	return req, nil
}

// config overlays the request onto base. Unset fields keep base values;
// durations use Go duration syntax.
func (r initializeRequest) config(base terminal.Config) (terminal.Config, error) {
	cfg := base
	if host := strings.TrimSpace(r.Host); host != "" {
		cfg.Endpoint.Host = host
	}
	if r.Port != 0 {
		cfg.Endpoint.Port = r.Port
	}
	if err := setDuration(&cfg.Session.ConnectTimeout, "connect_timeout", r.ConnectTimeout); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.Session.TransactionTimeout, "transaction_timeout", r.TransactionTimeout); err != nil {
		return cfg, err
	}
	if rc := r.Reconnect; rc != nil {
		if rc.Enabled != nil {
			cfg.Session.Reconnect.Enabled = *rc.Enabled
		}
		if err := setDuration(&cfg.Session.Reconnect.Interval, "reconnect.interval", rc.Interval); err != nil {
			return cfg, err
		}
		if err := setDuration(&cfg.Session.Reconnect.Timeout, "reconnect.timeout", rc.Timeout); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func setDuration(dst *time.Duration, name, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", terminal.ErrConfig, name, err)
	}
	*dst = d
	return nil
}
