package mqtt

import (
	"github.com/rs/zerolog"

	"github.com/doncaruana/zwave-switch/internal/logging"
)

// queuedMsg is a serialized message waiting for the connection to return.
type queuedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox holds state and system publishes made while disconnected, oldest
// first. Set commands are never queued.
// A retained message replaces any queued retained message on the same topic,
// so a device's state is replayed once with its latest value. When full the
// oldest message is dropped.
// Not safe for concurrent use; RealClient holds its mutex around every call.
type outbox struct {
	msgs     []queuedMsg
	capacity int
	dropped  int // since the last drain
	log      zerolog.Logger
}

func newOutbox(capacity int) *outbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &outbox{capacity: capacity, log: logging.For("mqtt")}
}

func (o *outbox) push(msg queuedMsg) {
	if msg.retained {
		for i, m := range o.msgs {
			if m.retained && m.topic == msg.topic {
				o.msgs = append(o.msgs[:i], o.msgs[i+1:]...)
				break
			}
		}
	}

	if len(o.msgs) == o.capacity {
		if o.dropped == 0 {
			o.log.Warn().Int("capacity", o.capacity).Msg("outbox full, dropping oldest")
		}
		o.dropped++
		o.msgs = o.msgs[1:]
	}
	o.msgs = append(o.msgs, msg)
}

// drainAll returns every queued message and empties the outbox.
func (o *outbox) drainAll() []queuedMsg {
	if len(o.msgs) == 0 {
		return nil
	}
	out := o.msgs
	o.msgs = nil
	o.dropped = 0
	return out
}

func (o *outbox) len() int {
	return len(o.msgs)
}
