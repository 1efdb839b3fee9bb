package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ecrlink/internal/service"
	gotoml "github.com/pelletier/go-toml/v2"
)

// ecrbridge config.toml key mapping to bridge runtime settings.
type fileConfig struct {
	ID               string   `toml:"id"`
	Addr             string   `toml:"addr"`
	CorsOrigins      []string `toml:"cors_origins"`
	APIToken         string   `toml:"api_token"`
	Transport        string   `toml:"transport"`
	AutoInitialize   bool     `toml:"auto_initialize"`
	AutoConnect      bool     `toml:"auto_connect"`
	MaxFrameBytes    int      `toml:"max_frame_bytes"`
	EventBuffer      int      `toml:"event_buffer"`
	MaxWait          string   `toml:"max_wait"`
	ShutdownTimeout  string   `toml:"shutdown_timeout"`
	TerminalID       string   `toml:"terminal_id"`
	TerminalHost     string   `toml:"terminal_host"`
	TerminalPort     int      `toml:"terminal_port"`
	ConnectTimeout   string   `toml:"connect_timeout"`
	TxnTimeout       string   `toml:"transaction_timeout"`
	WriteTimeout     string   `toml:"write_timeout"`
	ReconnectEnabled bool     `toml:"reconnect_enabled"`
	ReconnectEvery   string   `toml:"reconnect_interval"`
	ReconnectWithin  string   `toml:"reconnect_timeout"`
	TLSEnabled       bool     `toml:"tls_enabled"`
	TLSMutual        bool     `toml:"tls_mutual"`
	TLSServerName    string   `toml:"tls_server_name"`
	TLSCAFile        string   `toml:"tls_ca_file"`
	TLSCertFile      string   `toml:"tls_cert_file"`
	TLSKeyFile       string   `toml:"tls_key_file"`
	SimResponseDelay string   `toml:"sim_response_delay"`
	SimResponseCode  string   `toml:"sim_response_code"`
	JournalDir       string   `toml:"journal_dir"`
	JournalTTL       string   `toml:"journal_ttl"`
	MQTTEnabled      bool     `toml:"mqtt_enabled"`
	MQTTBrokerURL    string   `toml:"mqtt_broker_url"`
	MQTTClientID     string   `toml:"mqtt_client_id"`
	MQTTTopicPrefix  string   `toml:"mqtt_topic_prefix"`
	MQTTQoS          int      `toml:"mqtt_qos"`
}

// loadServiceConfig overlays the keys present in path onto the defaults.
func loadServiceConfig(path string) (service.ServiceConfig, error) {
	cfg := service.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return service.ServiceConfig{}, fmt.Errorf("load ecrbridge config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return service.ServiceConfig{}, fmt.Errorf("load ecrbridge config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("id") {
		cfg.NodeID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("api_token") {
		cfg.APIToken = strings.TrimSpace(raw.APIToken)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.TrimSpace(raw.Transport)
	}
	if meta.IsDefined("auto_initialize") {
		cfg.AutoInitialize = raw.AutoInitialize
	}
	if meta.IsDefined("auto_connect") {
		cfg.AutoConnect = raw.AutoConnect
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("event_buffer") {
		cfg.EventBuffer = raw.EventBuffer
	}
	if meta.IsDefined("terminal_id") {
		cfg.Terminal.TerminalID = strings.TrimSpace(raw.TerminalID)
	}
	if meta.IsDefined("terminal_host") {
		cfg.Terminal.Endpoint.Host = strings.TrimSpace(raw.TerminalHost)
	}
	if meta.IsDefined("terminal_port") {
		cfg.Terminal.Endpoint.Port = raw.TerminalPort
	}
	if meta.IsDefined("reconnect_enabled") {
		cfg.Terminal.Session.Reconnect.Enabled = raw.ReconnectEnabled
	}
	if meta.IsDefined("tls_enabled") {
		cfg.Terminal.Session.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_mutual") {
		cfg.Terminal.Session.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("tls_server_name") {
		cfg.Terminal.Session.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.Terminal.Session.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.Terminal.Session.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.Terminal.Session.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("sim_response_code") {
		cfg.Sim.ResponseCode = strings.TrimSpace(raw.SimResponseCode)
	}
	if meta.IsDefined("journal_dir") {
		cfg.Journal.Dir = strings.TrimSpace(raw.JournalDir)
	}
	if meta.IsDefined("mqtt_enabled") {
		cfg.MQTT.Enabled = raw.MQTTEnabled
	}
	if meta.IsDefined("mqtt_broker_url") {
		cfg.MQTT.BrokerURL = strings.TrimSpace(raw.MQTTBrokerURL)
	}
	if meta.IsDefined("mqtt_client_id") {
		cfg.MQTT.ClientID = strings.TrimSpace(raw.MQTTClientID)
	}
	if meta.IsDefined("mqtt_topic_prefix") {
		cfg.MQTT.TopicPrefix = strings.TrimSpace(raw.MQTTTopicPrefix)
	}
	if meta.IsDefined("mqtt_qos") {
		if raw.MQTTQoS < 0 || raw.MQTTQoS > 2 {
			return service.ServiceConfig{}, fmt.Errorf("load ecrbridge config: mqtt_qos must be 0, 1 or 2")
		}
		cfg.MQTT.QoS = byte(raw.MQTTQoS)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"max_wait", raw.MaxWait, &cfg.MaxWait},
		{"shutdown_timeout", raw.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Terminal.Session.ConnectTimeout},
		{"transaction_timeout", raw.TxnTimeout, &cfg.Terminal.Session.TransactionTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Terminal.Session.WriteTimeout},
		{"reconnect_interval", raw.ReconnectEvery, &cfg.Terminal.Session.Reconnect.Interval},
		{"reconnect_timeout", raw.ReconnectWithin, &cfg.Terminal.Session.Reconnect.Timeout},
		{"sim_response_delay", raw.SimResponseDelay, &cfg.Sim.ResponseDelay},
		{"journal_ttl", raw.JournalTTL, &cfg.Journal.TTL},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil || v <= 0 {
			return service.ServiceConfig{}, fmt.Errorf("load ecrbridge config: %s: invalid duration %q", d.key, d.raw)
		}
		*d.dst = v
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return service.ServiceConfig{}, fmt.Errorf("load ecrbridge config: %w", err)
	}
	return cfg, nil
}

// templateConfig renders the defaults as a config file.
func templateConfig() ([]byte, error) {
	def := service.DefaultServiceConfig()
	s := def.Terminal.Session
	raw := fileConfig{
		ID:               def.NodeID,
		Addr:             def.ListenAddr,
		CorsOrigins:      def.CORSOrigins,
		Transport:        def.Transport,
		MaxFrameBytes:    def.MaxFrameBytes,
		EventBuffer:      def.EventBuffer,
		MaxWait:          def.MaxWait.String(),
		ShutdownTimeout:  def.ShutdownTimeout.String(),
		TerminalID:       def.Terminal.TerminalID,
		TerminalHost:     "127.0.0.1",
		TerminalPort:     6100,
		ConnectTimeout:   s.ConnectTimeout.String(),
		TxnTimeout:       s.TransactionTimeout.String(),
		WriteTimeout:     s.WriteTimeout.String(),
		ReconnectEnabled: s.Reconnect.Enabled,
		ReconnectEvery:   s.Reconnect.Interval.String(),
		ReconnectWithin:  s.Reconnect.Timeout.String(),
		SimResponseDelay: def.Sim.ResponseDelay.String(),
		SimResponseCode:  def.Sim.ResponseCode,
		JournalTTL:       def.Journal.TTL.String(),
		MQTTBrokerURL:    def.MQTT.BrokerURL,
		MQTTTopicPrefix:  def.MQTT.TopicPrefix,
	}
	return gotoml.Marshal(raw)
}

func writeTemplate(path string, overwrite bool) error {
	data, err := templateConfig()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}
