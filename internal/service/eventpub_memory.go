package service

import (
	"slices"
	"sync"
)

// MemoryPublisher records lifecycle events in publish order. Tests use it
// to assert initialize and chat sequences.
type MemoryPublisher struct {
	mu  sync.Mutex
	log []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = append(p.log, e)
}

// Events returns recorded events, restricted to the given names when any
// are passed.
func (p *MemoryPublisher) Events(names ...string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.log {
		if len(names) == 0 || slices.Contains(names, e.Name) {
			out = append(out, e)
		}
	}
	return out
}

// Names returns event names in publish order.
func (p *MemoryPublisher) Names() []string {
	evs := p.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Name
	}
	return out
}

// ForModel returns the events published for one model id.
func (p *MemoryPublisher) ForModel(id string) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.ModelID == id {
			out = append(out, e)
		}
	}
	return out
}
