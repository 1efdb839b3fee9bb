package service

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/danmuck/ecrlink/internal/api"
	"github.com/danmuck/ecrlink/internal/auth"
	"github.com/rs/zerolog/log"
)

// Service runs the bridge behind its HTTP API.
type Service struct {
	cfg    ServiceConfig
	bridge *Bridge
	api    *api.Server
}

func NewService(cfg ServiceConfig, opts ...Option) (*Service, error) {
	b, err := NewBridge(cfg, opts...)
	if err != nil {
		return nil, err
	}
	cfg = b.Config()
	apiOpts := api.Options{
		CORSOrigins: cfg.CORSOrigins,
		Defaults:    cfg.Terminal,
		EventBuffer: cfg.EventBuffer,
	}
	if cfg.APIToken != "" {
		apiOpts.Auth = auth.StaticToken{Token: cfg.APIToken}
	}
	return &Service{
		cfg:    cfg,
		bridge: b,
		api:    api.New(cfg.NodeID, b, apiOpts),
	}, nil
}

func (s *Service) Bridge() *Bridge { return s.bridge }

func (s *Service) Handler() http.Handler { return s.api.Router() }

// Run blocks until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve runs until ctx ends, then shuts the HTTP server and bridge down.
func (s *Service) Serve(ctx context.Context) error {
	defer func() {
		if err := s.bridge.Close(); err != nil {
			log.Warn().Err(err).Msg("service.Service bridge close")
		}
	}()
	if err := s.bridge.Start(); err != nil {
		return err
	}
	if s.cfg.AutoInitialize {
		if _, err := s.bridge.Initialize(s.cfg.Terminal); err != nil {
			return err
		}
		if s.cfg.AutoConnect {
			go func() {
				if err := s.bridge.Connect(ctx, s.cfg.Terminal.Endpoint); err != nil {
					log.Warn().Err(err).Msg("service.Service auto-connect failed")
				}
			}()
		}
	}

	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.api.Router()}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.ListenAddr).Str("transport", s.cfg.Transport).Msg("service.Service listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	log.Info().Msg("service.Service shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
