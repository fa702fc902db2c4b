package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"

	"github.com/eclipse/paho.golang/paho"
)

// errNotConnected is returned by PahoTransport operations issued
// without an established client.
var errNotConnected = errors.New("mqtt transport not connected")

// PahoTransport is a [Transport] backed by the Eclipse Paho MQTT v5
// client. It performs no reconnection of its own; the session decides
// when to dial again.
type PahoTransport struct {
	broker *url.URL
	logger *slog.Logger

	mu     sync.Mutex
	client *paho.Client
}

// NewPahoTransport parses the broker URL (mqtt://, tcp://, mqtts://,
// ssl:// or tls://) and returns a disconnected transport.
func NewPahoTransport(broker string, logger *slog.Logger) (*PahoTransport, error) {
	u, err := url.Parse(broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PahoTransport{broker: u, logger: logger}, nil
}

// Broker returns the broker address for status reporting.
func (t *PahoTransport) Broker() string {
	return t.broker.Host
}

func (t *PahoTransport) secure() bool {
	switch t.broker.Scheme {
	case "mqtts", "ssl", "tls":
		return true
	}
	return false
}

func (t *PahoTransport) dial(ctx context.Context) (net.Conn, error) {
	host := t.broker.Host
	if t.broker.Port() == "" {
		port := "1883"
		if t.secure() {
			port = "8883"
		}
		host = net.JoinHostPort(t.broker.Hostname(), port)
	}

	if t.secure() {
		d := &tls.Dialer{Config: &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: t.broker.Hostname(),
		}}
		return d.DialContext(ctx, "tcp", host)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", host)
}

// Connect dials the broker and performs the MQTT CONNECT handshake with
// a clean session.
func (t *PahoTransport) Connect(ctx context.Context, opts ConnectOptions, onMessage func(Message), onLost func(error)) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.broker.Host, err)
	}

	var once sync.Once
	lost := func(err error) {
		once.Do(func() { onLost(err) })
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: opts.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				onMessage(Message{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload})
				return true, nil
			},
		},
		OnClientError: func(err error) {
			lost(err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			lost(fmt.Errorf("server disconnect (reason %d)", d.ReasonCode))
		},
	})

	cp := &paho.Connect{
		ClientID:   opts.ClientID,
		KeepAlive:  opts.KeepAliveSec,
		CleanStart: true,
	}
	if opts.Username != "" {
		cp.Username = opts.Username
		cp.UsernameFlag = true
	}
	if opts.Password != "" {
		cp.Password = []byte(opts.Password)
		cp.PasswordFlag = true
	}

	ca, err := client.Connect(ctx, cp)
	if err != nil {
		conn.Close()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	if ca != nil && ca.ReasonCode >= 0x80 {
		conn.Close()
		return fmt.Errorf("mqtt connect refused (reason %d)", ca.ReasonCode)
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	t.logger.Debug("mqtt transport connected",
		"broker", t.broker.Host,
		"client_id", opts.ClientID,
	)
	return nil
}

func (t *PahoTransport) current() (*paho.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, errNotConnected
	}
	return t.client, nil
}

// Subscribe issues one SUBSCRIBE packet covering every topic at QoS 0.
func (t *PahoTransport) Subscribe(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	client, err := t.current()
	if err != nil {
		return err
	}

	subs := make([]paho.SubscribeOptions, 0, len(topics))
	for _, topic := range topics {
		subs = append(subs, paho.SubscribeOptions{Topic: topic, QoS: 0})
	}
	if _, err := client.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}
	return nil
}

// Publish sends msg at QoS 0 without the retain flag.
func (t *PahoTransport) Publish(ctx context.Context, msg Message) error {
	client, err := t.current()
	if err != nil {
		return err
	}
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     0,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Disconnect sends DISCONNECT and drops the client.
func (t *PahoTransport) Disconnect() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
