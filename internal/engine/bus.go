package engine

import "sync"

// Topic names the message streams flowing between engine components. Using
// one bus with explicit topics keeps the ConnectionManager -> pipeline ->
// reconciler flow visible in one place instead of scattered callbacks.
type Topic string

const (
	// TopicConnState carries ConnState values on every transition.
	TopicConnState Topic = "conn_state"
	// TopicQuality carries Quality values, published only on change.
	TopicQuality Topic = "quality"
	// TopicOperationApplied carries canvas.Operation values after a remote
	// operation mutates local state.
	TopicOperationApplied Topic = "operation_applied"
	// TopicFlush signals that a batch finished and one redraw is due.
	TopicFlush Topic = "flush"
	// TopicUndoState carries wire.UndoState mirror updates.
	TopicUndoState Topic = "undo_state"
	// TopicNotification carries user-visible Notification values.
	TopicNotification Topic = "notification"
	// TopicHighlight carries []string node ids for transient highlights.
	TopicHighlight Topic = "highlight"
	// TopicResynced signals that a full snapshot replaced local state.
	TopicResynced Topic = "resynced"
)

// Notification is a low-emphasis, non-blocking message for the host UI.
type Notification struct {
	Level   string
	Message string
}

type Event struct {
	Topic   Topic
	Payload any
}

// Bus is a small fan-out pub/sub. Publish never blocks: a subscriber whose
// buffer is full misses the event, which is acceptable because every topic
// carries state that is either re-published or re-derivable.
type Bus struct {
	mu   sync.Mutex
	subs map[Topic][]chan Event
}

func NewBus() *Bus {
	return &Bus{subs: map[Topic][]chan Event{}}
}

func (b *Bus) Subscribe(topic Topic, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[topic]
		for i, sub := range subs {
			if sub == ch {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.Lock()
	subs := append([]chan Event(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub <- Event{Topic: topic, Payload: payload}:
		default:
		}
	}
}
