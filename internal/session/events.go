package session

import "github.com/kandev/kandev-core/internal/parser"

// EventType is the closed set of channels Session.On can subscribe to
// (spec.md §4.1.1's event emitter: "stdout"|"stderr"|"content"|"lifecycle").
type EventType string

const (
	EventStdout    EventType = "stdout"
	EventStderr    EventType = "stderr"
	EventContent   EventType = "content"
	EventLifecycle EventType = "lifecycle"
)

// Listener receives events of one EventType. Exactly one of the fields on
// the delivered payload is meaningful per EventType.
type Listener func(Payload)

// Payload carries whichever data matches the EventType a Listener was
// registered for.
type Payload struct {
	Bytes     []byte
	Content   parser.Event
	Lifecycle LifecycleEvent
}

type emitter struct {
	listeners map[EventType][]Listener
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[EventType][]Listener)}
}

// On registers listener for events of typ. Returns nothing removable by
// design — Sessions are short-lived and listeners are expected to live
// for the Session's whole lifetime.
func (e *emitter) On(typ EventType, listener Listener) {
	e.listeners[typ] = append(e.listeners[typ], listener)
}

func (e *emitter) emit(typ EventType, payload Payload) {
	for _, l := range e.listeners[typ] {
		l(payload)
	}
}
