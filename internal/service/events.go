package service

import "github.com/rs/zerolog"

// Event represents a service lifecycle event.
// Minimal and stable: name + model ID and optional fields via key/values.
type Event struct {
	Name    string
	ModelID string
	Fields  map[string]any
}

// Event names.
const (
	EventInitializeStart  = "initialize_start"
	EventInitializeReady  = "initialize_ready"
	EventInitializeFailed = "initialize_failed"
	EventEngineReplaced   = "engine_replaced"
	EventChatStart        = "chat_start"
	EventChatDone         = "chat_done"
	EventChatFailed       = "chat_failed"
)

// EventPublisher receives events from the service. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// LogPublisher writes events to a zerolog logger at debug level.
type LogPublisher struct{ log zerolog.Logger }

// NewLogPublisher returns a publisher logging to l.
func NewLogPublisher(l zerolog.Logger) LogPublisher { return LogPublisher{log: l} }

func (p LogPublisher) Publish(e Event) {
	ev := p.log.Debug().Str("event", e.Name)
	if e.ModelID != "" {
		ev = ev.Str("model", e.ModelID)
	}
	ev.Fields(e.Fields).Msg("lifecycle")
}
