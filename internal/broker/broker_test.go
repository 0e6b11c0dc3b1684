package broker

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doncaruana/zwave-switch/internal/bridge"
	"github.com/doncaruana/zwave-switch/internal/logic"
	"github.com/doncaruana/zwave-switch/internal/mqtt"
	"github.com/doncaruana/zwave-switch/internal/prefs"
)

type received struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
}

func (r *received) handle(topic string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

func (r *received) countPayload(payload string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.payloads {
		if string(p) == payload {
			n++
		}
	}
	return n
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New(freeAddr(t))
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(func() { b.Close() })
	return b
}

func TestInlinePublishSubscribe(t *testing.T) {
	b := startBroker(t)

	r := &received{}
	require.NoError(t, b.Subscribe("switch/+/state", r.handle))
	require.NoError(t, b.Publish("switch/hall/state", []byte(`{"switch":{}}`), false, 0))

	assert.Eventually(t, func() bool { return r.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, "switch/hall/state", r.topics[0])
}

func TestRealClientRoundTrip(t *testing.T) {
	b := startBroker(t)

	states := &received{}
	require.NoError(t, b.Subscribe("switch/+/state", states.handle))

	client := mqtt.NewRealClient(mqtt.Options{
		Broker:     "tcp://" + b.Addr(),
		ClientID:   "test-bridge",
		Topics:     mqtt.DefaultTopics,
		BufferSize: 10,
	})
	t.Cleanup(func() { client.Close() })

	var mu sync.Mutex
	var msgs []mqtt.Message
	require.NoError(t, client.Subscribe(func(m mqtt.Message) {
		mu.Lock()
		msgs = append(msgs, m)
		mu.Unlock()
	}))

	require.Eventually(t, client.IsConnected, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, client.PublishState(mqtt.StateChange{Device: "hall", State: logic.StateOn, Timestamp: time.Now()}))
	assert.Eventually(t, func() bool { return states.count() == 1 }, 5*time.Second, 20*time.Millisecond)

	// Subscriptions are made by the connect handler; give it a moment.
	require.Eventually(t, func() bool {
		if err := b.Publish("zwave/hall/report", []byte(`{"value":255,"source":"basic"}`), false, 1); err != nil {
			return false
		}
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		return len(msgs) > 0
	}, 5*time.Second, 100*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, mqtt.KindReport, msgs[0].Kind)
	assert.Equal(t, "hall", msgs[0].Device)
	assert.Equal(t, logic.SourceBasic, msgs[0].Report.Source)
	assert.True(t, msgs[0].Report.ReportedOn)
}

func TestRealClientReplaysOutboxOnConnect(t *testing.T) {
	addr := freeAddr(t)

	client := mqtt.NewRealClient(mqtt.Options{
		Broker:     "tcp://" + addr,
		ClientID:   "test-outbox",
		Topics:     mqtt.DefaultTopics,
		BufferSize: 10,
	})
	t.Cleanup(func() { client.Close() })

	// No broker yet: state queues up coalesced per device, sets are refused.
	require.False(t, client.IsConnected())
	require.NoError(t, client.PublishState(mqtt.StateChange{Device: "hall", State: logic.StateOn, Timestamp: time.Now()}))
	assert.ErrorIs(t, client.PublishSet("hall", false), mqtt.ErrNotConnected)
	require.NoError(t, client.PublishState(mqtt.StateChange{Device: "hall", State: logic.StateOff, Timestamp: time.Now()}))
	assert.Equal(t, 1, client.Buffered())

	b, err := New(addr)
	require.NoError(t, err)
	states := &received{}
	sets := &received{}
	require.NoError(t, b.Subscribe("switch/+/state", states.handle))
	require.NoError(t, b.Subscribe("zwave/+/set", sets.handle))
	require.NoError(t, b.Start())
	t.Cleanup(func() { b.Close() })

	require.Eventually(t, client.IsConnected, 15*time.Second, 50*time.Millisecond)
	assert.Eventually(t, func() bool { return states.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Never(t, func() bool { return sets.count() > 0 }, 500*time.Millisecond, 20*time.Millisecond,
		"a set made while offline must not reach the device after reconnect")
	assert.Equal(t, 0, client.Buffered())

	states.mu.Lock()
	defer states.mu.Unlock()
	assert.Contains(t, string(states.payloads[0]), `"state":"OFF"`)
}

// TestBridgeCommandsInterleavedWithReports runs automation commands and
// device reports through one client connection. Each command publishes a set
// at QoS 1 from the dispatcher while further messages are still arriving.
func TestBridgeCommandsInterleavedWithReports(t *testing.T) {
	b := startBroker(t)

	sets := &received{}
	require.NoError(t, b.Subscribe("zwave/+/set", sets.handle))

	client := mqtt.NewRealClient(mqtt.Options{
		Broker:     "tcp://" + b.Addr(),
		ClientID:   "test-dispatch",
		Topics:     mqtt.DefaultTopics,
		BufferSize: 10,
	})
	t.Cleanup(func() { client.Close() })

	br := bridge.New(bridge.Options{
		Client:  client,
		Prefs:   prefs.NewStore(prefs.Preferences{LED: "normal"}),
		Conn:    client,
		Devices: []string{"hall"},
		Tick:    make(chan time.Time),
	})
	require.NoError(t, client.Subscribe(br.HandleMessage))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- br.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, client.IsConnected, 5*time.Second, 20*time.Millisecond)
	// Wait for the connect handler's subscriptions.
	require.Eventually(t, func() bool {
		if err := b.Publish("switch/hall/command", []byte(`{"state":"ON"}`), false, 1); err != nil {
			return false
		}
		return sets.count() > 0
	}, 5*time.Second, 200*time.Millisecond)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish("switch/hall/command", []byte(`{"state":"OFF"}`), false, 1))
		require.NoError(t, b.Publish("zwave/hall/report", []byte(`{"value":0,"source":"binary"}`), false, 1))
		require.NoError(t, b.Publish("zwave/hall/report", []byte(`{"value":0,"source":"binary"}`), false, 1))
	}
	require.Eventually(t, func() bool { return sets.countPayload(`{"value":0}`) == 5 }, 3*time.Second, 10*time.Millisecond)
	assert.Less(t, time.Since(start), 3*time.Second)
}
