// Package api is the HTTP surface of the bridge: request/response calls for
// the session operations plus a websocket event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/ecrlink/internal/auth"
	"github.com/danmuck/ecrlink/internal/journal"
	"github.com/danmuck/ecrlink/internal/observability"
	"github.com/danmuck/ecrlink/internal/protocol/ecr"
	"github.com/danmuck/ecrlink/internal/protocol/session"
	"github.com/danmuck/ecrlink/internal/sink"
	"github.com/danmuck/ecrlink/internal/terminal"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Controller is the bridge surface the routes drive.
type Controller interface {
	Initialize(cfg terminal.Config) (terminal.Status, error)
	Connect(ctx context.Context, ep session.Endpoint) error
	Disconnect() error
	Status() terminal.Status
	Submit(req ecr.Request) (string, error)
	Ready() error
	Transaction(ctx context.Context, id string, wait time.Duration) (journal.Record, error)
	Transactions(limit int) ([]journal.Record, error)
	AttachWebSocket(ws *sink.WebSocket)
}

type Options struct {
	CORSOrigins []string
	// Defaults seeds the initialize body; unset request fields keep these values.
	Defaults    terminal.Config
	EventBuffer int
	// Auth guards /v1 when set.
	Auth auth.Validator
}

type Server struct {
	ID       string
	Appeared time.Time

	ctl    Controller
	opts   Options
	router *gin.Engine
}

func New(id string, ctl Controller, opts Options) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       id,
		Appeared: time.Now(),
		ctl:      ctl,
		opts:     opts,
		router:   r,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": version,
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		st := s.ctl.Status()
		body := gin.H{
			"ready":   true,
			"state":   st.State,
			"service": s.ID,
			"version": version,
		}
		if err := s.ctl.Ready(); err != nil {
			body["ready"] = false
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		c.JSON(http.StatusOK, body)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", auth.Middleware(s.opts.Auth))
	v1.POST("/initialize", s.handleInitialize)
	v1.POST("/connect", s.handleConnect)
	v1.POST("/disconnect", s.handleDisconnect)
	v1.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.ctl.Status())
	})
	v1.POST("/transactions", s.handleSubmit)
	v1.GET("/transactions", s.handleList)
	v1.GET("/transactions/:id", s.handleTransaction)
	v1.GET("/events", s.handleEvents)
}

func fail(c *gin.Context, err error) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Warn().Str("path", c.FullPath()).Str("kind", kind).Err(err).Msg("api.Server request failed")
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func (s *Server) handleInitialize(c *gin.Context) {
	var body initializeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	cfg, err := body.config(s.opts.Defaults)
	if err != nil {
		fail(c, err)
		return
	}
	st, err := s.ctl.Initialize(cfg)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleConnect(c *gin.Context) {
	var body connectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			fail(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
			return
		}
	}
	ep := session.Endpoint{Host: body.Host, Port: body.Port}
	if err := s.ctl.Connect(c.Request.Context(), ep); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.ctl.Status())
}

func (s *Server) handleDisconnect(c *gin.Context) {
	if err := s.ctl.Disconnect(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.ctl.Status())
}

func (s *Server) handleSubmit(c *gin.Context) {
	var body submitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	req, err := body.build()
	if err != nil {
		fail(c, err)
		return
	}
	id, err := s.ctl.Submit(req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) handleTransaction(c *gin.Context) {
	var wait time.Duration
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			fail(c, fmt.Errorf("%w: wait=%q", ErrBadRequest, raw))
			return
		}
		wait = d
	}
	rec, err := s.ctl.Transaction(c.Request.Context(), c.Param("id"), wait)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if rec.CompletedAt.IsZero() {
		status = http.StatusAccepted
	}
	c.JSON(status, rec)
}

func (s *Server) handleList(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fail(c, fmt.Errorf("%w: limit=%q", ErrBadRequest, raw))
			return
		}
		limit = n
	}
	records, err := s.ctl.Transactions(limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": records})
}

// handleEvents upgrades to a websocket that replaces the current subscriber.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := sink.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("api.Server websocket upgrade failed")
		return
	}
	ws := sink.NewWebSocket(conn, s.opts.EventBuffer)
	s.ctl.AttachWebSocket(ws)
	go ws.ReadPump()
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
