package mqtt

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/avivais/parking-gate-remote/internal/config"
)

// Broker is the minimal surface area the gate dispatch and status
// ingestion paths need. It enables unit testing without a live broker.
//
// Reconnection is owned by the implementation, not the caller: Client dials
// with auto-reconnect and resumed subscriptions, so callers seeing
// IsConnected() == false report a transport failure and let the next request
// find the restored connection. They must not attempt to redial themselves.
type Broker interface {
	IsConnected() bool
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(Message)) error
}

// Message mirrors the subset of paho's message accessors handlers use.
type Message interface {
	Topic() string
	Payload() []byte
}

type Client struct {
	client mqtt.Client
}

// Connect dials the broker and blocks until the initial connection attempt
// resolves. onLost is invoked whenever an established connection drops, so
// the dispatch path can fail its in-flight waits.
func Connect(cfg config.MQTTConfig, onLost func(error)) (*Client, error) {
	opts := mqtt.NewClientOptions()
	url := strings.TrimSpace(cfg.BrokerURL)
	if url == "" {
		url = "mqtt://localhost:1883"
	}
	if strings.HasPrefix(url, "mqtt://") {
		url = "tcp://" + strings.TrimPrefix(url, "mqtt://")
	} else if strings.HasPrefix(url, "mqtts://") {
		url = "ssl://" + strings.TrimPrefix(url, "mqtts://")
	}
	opts.AddBroker(url)

	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = "pgr-server-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetResumeSubs(true)
	if strings.HasPrefix(url, "ssl://") {
		// The broker runs with a self-signed CA on site. Tighten when a
		// proper chain is provisioned.
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}

	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected", "broker", cfg.BrokerURL, "client_id", clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
		if onLost != nil {
			onLost(err)
		}
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		if err := tok.Error(); err != nil {
			return nil, err
		}
		return nil, errors.New("mqtt connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Client{client: c}, nil
}

func (c *Client) IsConnected() bool {
	return c != nil && c.client != nil && c.client.IsConnectionOpen()
}

// Publish sends payload at QoS 1, not retained.
func (c *Client) Publish(topic string, payload []byte) error {
	tok := c.client.Publish(topic, 1, false, payload)
	tok.Wait()
	return tok.Error()
}

func (c *Client) Subscribe(topic string, handler func(Message)) error {
	tok := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg)
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		return err
	}
	slog.Info("mqtt subscribed", "topic", topic)
	return nil
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}
