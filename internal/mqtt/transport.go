package mqtt

import "context"

// Message is one broker message. Payloads are opaque to the session;
// their interpretation belongs to the registered handler.
type Message struct {
	Topic   string
	Payload []byte
}

// ConnectOptions are the session parameters presented to the broker.
type ConnectOptions struct {
	ClientID     string
	Username     string
	Password     string
	KeepAliveSec uint16
}

// Transport is the blocking broker client the session drives from its
// worker goroutines. Implementations deliver inbound messages through
// onMessage and report the end of an established connection exactly
// once through onLost.
type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions, onMessage func(Message), onLost func(error)) error
	Subscribe(ctx context.Context, topics []string) error
	Publish(ctx context.Context, msg Message) error
	Disconnect() error
}
