package chat

// History is a turn-bounded conversation log. Its length never exceeds
// 2*maxTurns, counting the system message. It is not safe for concurrent
// use; the owning Engine serializes access.
type History struct {
	maxTurns int
	msgs     []Message
}

// NewHistory returns an empty history. maxTurns <= 0 disables the bound.
func NewHistory(maxTurns int) *History {
	return &History{maxTurns: maxTurns}
}

// MaxTurns returns the configured bound.
func (h *History) MaxTurns() int { return h.maxTurns }

// Append pushes msg and evicts the oldest non-system messages past the
// bound. A system message replaces the current system prompt instead.
func (h *History) Append(msg Message) {
	if msg.Role == RoleSystem {
		h.SetSystemPrompt(msg.Content)
		return
	}
	h.msgs = append(h.msgs, msg)
	h.evict()
}

// SetSystemPrompt replaces any system message with text at index 0.
func (h *History) SetSystemPrompt(text string) {
	kept := make([]Message, 0, len(h.msgs)+1)
	kept = append(kept, SystemMessage(text))
	for _, m := range h.msgs {
		if m.Role != RoleSystem {
			kept = append(kept, m)
		}
	}
	h.msgs = kept
	h.evict()
}

// SystemPrompt returns the current system prompt, if any.
func (h *History) SystemPrompt() (string, bool) {
	if len(h.msgs) > 0 && h.msgs[0].Role == RoleSystem {
		return h.msgs[0].Content, true
	}
	return "", false
}

// Clear removes every message, including the system prompt.
func (h *History) Clear() { h.msgs = nil }

// Len returns the number of stored messages.
func (h *History) Len() int { return len(h.msgs) }

// Snapshot returns a copy of the messages in conversation order.
func (h *History) Snapshot() []Message {
	out := make([]Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

func (h *History) evict() {
	if h.maxTurns <= 0 {
		return
	}
	limit := 2 * h.maxTurns
	excess := len(h.msgs) - limit
	if excess <= 0 {
		return
	}
	start := 0
	if h.msgs[0].Role == RoleSystem {
		start = 1
	}
	kept := make([]Message, 0, limit)
	kept = append(kept, h.msgs[:start]...)
	kept = append(kept, h.msgs[start+excess:]...)
	h.msgs = kept
}
