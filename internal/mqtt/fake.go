package mqtt

import (
	"sync"

	"github.com/doncaruana/zwave-switch/internal/prefs"
)

// SetCommand is a recorded PublishSet call.
type SetCommand struct {
	Device string
	On     bool
}

// ConfigWrite is a recorded PublishConfig call.
type ConfigWrite struct {
	Device string
	Params []prefs.Parameter
}

// FakeClient records published messages for test assertions. It is safe
// for concurrent use so tests can inspect it while the bridge runs.
type FakeClient struct {
	mu sync.Mutex

	states       []StateChange
	sets         []SetCommand
	configs      []ConfigWrite
	systemEvents []SystemEvent
	handler      Handler
	closed       bool

	// Topics is used by Deliver to decode inbound messages.
	Topics Topics

	// PublishError, if set, is returned by every publish call.
	PublishError error

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakeClient creates a FakeClient using DefaultTopics.
func NewFakeClient() *FakeClient {
	return &FakeClient{Topics: DefaultTopics, Connected: true}
}

// PublishState records the state change.
func (f *FakeClient) PublishState(change StateChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	if _, err := FormatState(change); err != nil {
		return err
	}
	f.states = append(f.states, change)
	return nil
}

// PublishSet records the set command.
func (f *FakeClient) PublishSet(device string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	if !f.Connected {
		return ErrNotConnected
	}
	f.sets = append(f.sets, SetCommand{Device: device, On: on})
	return nil
}

// PublishConfig records the parameter write.
func (f *FakeClient) PublishConfig(device string, params []prefs.Parameter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.configs = append(f.configs, ConfigWrite{Device: device, Params: append([]prefs.Parameter(nil), params...)})
	return nil
}

// PublishSystem records the system event.
func (f *FakeClient) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	if _, err := FormatSystemPayload(event); err != nil {
		return err
	}
	f.systemEvents = append(f.systemEvents, event)
	return nil
}

// Subscribe stores the handler for Deliver.
func (f *FakeClient) Subscribe(handler Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

// Deliver decodes an inbound message as the real client would and passes
// it to the subscribed handler.
func (f *FakeClient) Deliver(topic string, payload []byte) error {
	f.mu.Lock()
	handler := f.handler
	topics := f.Topics
	f.mu.Unlock()

	msg, err := Decode(topics, topic, payload)
	if err != nil {
		return err
	}
	if handler != nil {
		handler(msg)
	}
	return nil
}

// Close marks the client as closed.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// IsConnected reports whether the fake client is "connected".
func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// SetConnected changes the value reported by IsConnected. While
// disconnected, set commands are dropped as by RealClient.
func (f *FakeClient) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connected = connected
}

// States returns a copy of recorded state changes.
func (f *FakeClient) States() []StateChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StateChange(nil), f.states...)
}

// Sets returns a copy of recorded set commands.
func (f *FakeClient) Sets() []SetCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SetCommand(nil), f.sets...)
}

// Configs returns a copy of recorded parameter writes.
func (f *FakeClient) Configs() []ConfigWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ConfigWrite(nil), f.configs...)
}

// SystemEvents returns a copy of recorded system events.
func (f *FakeClient) SystemEvents() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemEvent(nil), f.systemEvents...)
}

// Closed reports whether Close was called.
func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Reset clears recorded messages.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = nil
	f.sets = nil
	f.configs = nil
	f.systemEvents = nil
	f.closed = false
	f.PublishError = nil
}
