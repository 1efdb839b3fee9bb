package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/ecrlink/internal/journal"
	"github.com/danmuck/ecrlink/internal/protocol/frame"
	"github.com/danmuck/ecrlink/internal/sink"
	"github.com/danmuck/ecrlink/internal/terminal"
	"github.com/danmuck/ecrlink/internal/transport/sim"
)

const (
	TransportTCP = "tcp"
	TransportSim = "sim"
)

type MQTTConfig struct {
	Enabled bool
	sink.MQTTConfig
}

// ServiceConfig is the bridge process configuration.
type ServiceConfig struct {
	NodeID          string
	ListenAddr      string
	CORSOrigins     []string
	// APIToken, when set, is required as a bearer token on /v1.
	APIToken        string
	Transport       string
	AutoInitialize  bool
	AutoConnect     bool
	MaxFrameBytes   int
	EventBuffer     int
	MaxWait         time.Duration
	ShutdownTimeout time.Duration
	Terminal        terminal.Config
	Sim             sim.Config
	Journal         journal.Options
	MQTT            MQTTConfig
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		NodeID:          "ecrbridge",
		ListenAddr:      ":8087",
		CORSOrigins:     []string{"http://localhost:3000"},
		Transport:       TransportTCP,
		MaxFrameBytes:   frame.DefaultLimits().MaxPayloadBytes,
		EventBuffer:     sink.DefaultSendBuffer,
		MaxWait:         150 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Terminal:        terminal.DefaultConfig(),
		Sim:             sim.DefaultConfig(),
		Journal: journal.Options{
			TTL:        journal.DefaultTTL,
			GCInterval: journal.DefaultGCInterval,
		},
		MQTT: MQTTConfig{
			MQTTConfig: sink.MQTTConfig{
				BrokerURL:      "tcp://127.0.0.1:1883",
				TopicPrefix:    sink.DefaultTopicPrefix,
				ConnectTimeout: 10 * time.Second,
			},
		},
	}
}

func (c ServiceConfig) WithDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = def.NodeID
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = def.Transport
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.MaxWait <= 0 {
		c.MaxWait = def.MaxWait
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	c.Terminal = c.Terminal.WithDefaults()
	return c
}

func (c ServiceConfig) Validate() error {
	switch c.Transport {
	case TransportTCP, TransportSim:
	default:
		return fmt.Errorf("%w: unknown transport %q", terminal.ErrConfig, c.Transport)
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.BrokerURL) == "" {
		return fmt.Errorf("%w: mqtt enabled without broker_url", terminal.ErrConfig)
	}
	return nil
}
