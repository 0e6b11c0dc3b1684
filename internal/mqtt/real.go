package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/doncaruana/zwave-switch/internal/logging"
	"github.com/doncaruana/zwave-switch/internal/prefs"
)

const publishTimeout = 5 * time.Second

// Options configures a RealClient.
type Options struct {
	Broker     string
	ClientID   string
	Topics     Topics
	BufferSize int
}

// RealClient talks to an actual MQTT broker. Publishes made while the
// connection is down are buffered and replayed on reconnect.
type RealClient struct {
	client paho.Client
	topics Topics
	log    zerolog.Logger

	mu        sync.Mutex
	queue     *outbox
	handler   Handler
	connected bool
	connects  int
}

// NewRealClient starts connecting in the background and returns immediately.
// The broker's last will marks the bridge OFFLINE on an unclean disconnect.
func NewRealClient(opts Options) *RealClient {
	c := &RealClient{
		topics: opts.Topics,
		log:    logging.For("mqtt"),
		queue:  newOutbox(opts.BufferSize),
	}

	will, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "LWT"})

	pahoOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(opts.Topics.System(), string(will), 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	c.client = paho.NewClient(pahoOpts)
	c.client.Connect()
	return c
}

func (c *RealClient) onConnect(client paho.Client) {
	c.mu.Lock()
	c.connected = true
	c.connects++
	reconnect := c.connects > 1
	handler := c.handler
	pending := c.queue.drainAll()
	c.mu.Unlock()

	c.log.Info().Int("buffered", len(pending)).Bool("reconnect", reconnect).Msg("connected")

	if handler != nil {
		if err := c.subscribe(handler); err != nil {
			c.log.Error().Err(err).Msg("resubscribe failed")
		}
	}

	for _, m := range pending {
		if err := c.send(m); err != nil {
			c.log.Warn().Err(err).Str("topic", m.topic).Msg("replay failed")
		}
	}

	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
		if err := c.send(queuedMsg{topic: c.topics.System(), payload: payload, qos: 1}); err != nil {
			c.log.Warn().Err(err).Msg("publish reconnected event failed")
		}
	}
}

func (c *RealClient) onConnectionLost(client paho.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.log.Warn().Err(err).Msg("connection lost")
}

// IsConnected reports whether the broker connection is up.
func (c *RealClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *RealClient) publish(m queuedMsg) error {
	c.mu.Lock()
	if !c.connected {
		c.queue.push(m)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.send(m)
}

// publishNow sends m only if the connection is up; nothing is kept for a
// later reconnect.
func (c *RealClient) publishNow(m queuedMsg) error {
	if !c.IsConnected() {
		return fmt.Errorf("%w: dropped %s", ErrNotConnected, m.topic)
	}
	return c.send(m)
}

func (c *RealClient) send(m queuedMsg) error {
	token := c.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

// PublishState sends the retained logical state. QoS 1 so observers do not
// miss a transition.
func (c *RealClient) PublishState(change StateChange) error {
	payload, err := FormatState(change)
	if err != nil {
		return fmt.Errorf("format state: %w", err)
	}
	return c.publish(queuedMsg{topic: c.topics.State(change.Device), payload: payload, qos: 1, retained: true})
}

// PublishSet sends a set command to the gateway. It is dropped, not queued,
// while disconnected.
func (c *RealClient) PublishSet(device string, on bool) error {
	payload, err := FormatSet(on)
	if err != nil {
		return fmt.Errorf("format set: %w", err)
	}
	return c.publishNow(queuedMsg{topic: c.topics.Set(device), payload: payload, qos: 1})
}

// PublishConfig sends one message per configuration parameter.
func (c *RealClient) PublishConfig(device string, params []prefs.Parameter) error {
	for _, p := range params {
		payload, err := FormatConfig(p)
		if err != nil {
			return fmt.Errorf("format config: %w", err)
		}
		if err := c.publish(queuedMsg{topic: c.topics.Config(device), payload: payload, qos: 1}); err != nil {
			return err
		}
	}
	return nil
}

// PublishSystem sends a system lifecycle event.
func (c *RealClient) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return c.publish(queuedMsg{topic: c.topics.System(), payload: payload, qos: 1, retained: event.Retained})
}

// Subscribe registers the handler. If the connection is not up yet the
// subscription is made by the next connect.
func (c *RealClient) Subscribe(handler Handler) error {
	c.mu.Lock()
	c.handler = handler
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.subscribe(handler)
}

func (c *RealClient) subscribe(handler Handler) error {
	filters := map[string]byte{
		c.topics.ReportFilter():    1,
		c.topics.LifecycleFilter(): 1,
		c.topics.CommandFilter():   1,
	}
	token := c.client.SubscribeMultiple(filters, func(_ paho.Client, m paho.Message) {
		msg, err := Decode(c.topics, m.Topic(), m.Payload())
		if err != nil {
			c.log.Warn().Err(err).Str("topic", m.Topic()).Msg("dropping message")
			return
		}
		handler(msg)
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe: timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (c *RealClient) Close() error {
	c.client.Disconnect(1000) // 1 second timeout
	return nil
}

// Buffered returns the number of messages waiting for a connection.
func (c *RealClient) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.len()
}
