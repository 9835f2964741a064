package telemetry

// Scheduling events emitted by the queue engine.
const (
	EventQueued    = "message.queued"
	EventAutoAcked = "message.auto_acked"
	EventPromoted  = "message.promoted"
	EventCoalesced = "message.coalesced"
)

// Fields carries the event payload: id, source, priority, priority_label,
// wait_time_ms, plus event-specific extras.
type Fields map[string]any

// Notifier receives scheduling events. Implementations must not block; the
// engine treats every notification as fire-and-forget.
type Notifier interface {
	Notify(event string, fields Fields)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(event string, fields Fields)

func (f NotifierFunc) Notify(event string, fields Fields) { f(event, fields) }

// Nop discards all events.
var Nop Notifier = NotifierFunc(func(string, Fields) {})

// Multi fans an event out to several sinks. A panicking sink is swallowed so
// telemetry can never fail the operation it instruments.
type Multi []Notifier

func (m Multi) Notify(event string, fields Fields) {
	for _, n := range m {
		if n == nil {
			continue
		}
		emit(n, event, fields)
	}
}

func emit(n Notifier, event string, fields Fields) {
	defer func() { _ = recover() }()
	n.Notify(event, fields)
}

// Emit sends one event to n, tolerating a nil sink and panics.
func Emit(n Notifier, event string, fields Fields) {
	if n == nil {
		return
	}
	emit(n, event, fields)
}
