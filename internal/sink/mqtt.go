package sink

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/ecrlink/internal/terminal"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultTopicPrefix = "ecrlink"

// Publisher is the slice of an MQTT client the sink needs.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type MQTTConfig struct {
	BrokerURL      string
	ClientID       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTTClient wraps a paho client. Publish does not wait for the broker ack.
type MQTTClient struct {
	cli mqtt.Client
	qos byte
}

func DialMQTT(cfg MQTTConfig) (*MQTTClient, error) {
	u, err := url.Parse(cfg.BrokerURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("sink: invalid broker url %q", cfg.BrokerURL)
	}
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + server
	case "ssl", "tls", "mqtts":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	default:
		return nil, fmt.Errorf("sink: unsupported broker scheme %q", u.Scheme)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "ecrlink-" + uuid.NewString()[:8]
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(server)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(timeout)
	opts.OnConnect = func(mqtt.Client) { log.Info().Str("broker", server).Msg("sink.MQTTClient connected") }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Str("broker", server).Err(err).Msg("sink.MQTTClient connection lost")
	}
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if strings.HasPrefix(server, "ssl://") || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	cli := mqtt.NewClient(opts)
	t := cli.Connect()
	if !t.WaitTimeout(timeout) {
		// stop the in-flight attempt so auto-reconnect never takes over
		cli.Disconnect(0)
		return nil, fmt.Errorf("sink: mqtt connect to %s timed out", server)
	}
	if err := t.Error(); err != nil {
		cli.Disconnect(0)
		return nil, fmt.Errorf("sink: mqtt connect to %s: %w", server, err)
	}
	return &MQTTClient{cli: cli, qos: cfg.QoS}, nil
}

func (c *MQTTClient) Publish(topic string, payload []byte) error {
	t := c.cli.Publish(topic, c.qos, false, payload)
	go func() {
		if t.WaitTimeout(10*time.Second) && t.Error() != nil {
			log.Warn().Str("topic", topic).Err(t.Error()).Msg("sink.MQTTClient publish failed")
		}
	}()
	return nil
}

func (c *MQTTClient) Close() {
	c.cli.Disconnect(250)
}

// MQTT publishes relay events to <prefix>/<terminal>/events/<kind>.
type MQTT struct {
	pub    Publisher
	prefix string
}

var _ terminal.Subscriber = (*MQTT)(nil)

func NewMQTT(pub Publisher, topicPrefix string) *MQTT {
	prefix := strings.Trim(topicPrefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTT{pub: pub, prefix: prefix}
}

func (m *MQTT) Topic(ev terminal.Event) string {
	return fmt.Sprintf("%s/%s/events/%s", m.prefix, ev.Terminal, ev.Kind)
}

func (m *MQTT) Deliver(ev terminal.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Msg("sink.MQTT marshal failed")
		return
	}
	if err := m.pub.Publish(m.Topic(ev), data); err != nil {
		log.Warn().Str("kind", string(ev.Kind)).Err(err).Msg("sink.MQTT publish failed")
	}
}
