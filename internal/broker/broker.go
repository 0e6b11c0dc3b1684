// Package broker runs an optional in-process MQTT broker so the bridge and a
// GPIO rig can work without external infrastructure.
package broker

import (
	"fmt"
	"sync"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog"

	"github.com/doncaruana/zwave-switch/internal/logging"
)

// Handler receives messages delivered to an inline subscription.
type Handler func(topic string, payload []byte)

// Broker wraps a mochi server with a single TCP listener. All clients are
// allowed; it is meant for a trusted local network.
type Broker struct {
	server *mochi.Server
	addr   string
	log    zerolog.Logger

	mu     sync.Mutex
	nextID int
}

// New creates a broker listening on addr once started.
func New(addr string) (*Broker, error) {
	server := mochi.New(&mochi.Options{
		InlineClient: true,
	})

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("broker: add auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("broker: listen %s: %w", addr, err)
	}

	return &Broker{
		server: server,
		addr:   addr,
		log:    logging.For("broker"),
		nextID: 1,
	}, nil
}

// Start begins accepting connections.
func (b *Broker) Start() error {
	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("broker: serve: %w", err)
	}
	b.log.Info().Str("addr", b.addr).Msg("embedded broker started")
	return nil
}

// Addr returns the configured listen address.
func (b *Broker) Addr() string {
	return b.addr
}

// Publish sends a message from the inline client.
func (b *Broker) Publish(topic string, payload []byte, retain bool, qos byte) error {
	return b.server.Publish(topic, payload, retain, qos)
}

// Subscribe registers an inline subscription.
func (b *Broker) Subscribe(filter string, handler Handler) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.mu.Unlock()

	return b.server.Subscribe(filter, id, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		handler(pk.TopicName, pk.Payload)
	})
}

// Close stops the broker and disconnects every client.
func (b *Broker) Close() error {
	return b.server.Close()
}
