package types

// Model represents a known or discovered chat model.
type Model struct {
	// Stable identifier for the model, as accepted by initialize.
	ID string `json:"id"`
	// Human-friendly name.
	Name string `json:"name,omitempty"`
	// Path to the checkpoint on disk; empty for catalog entries not found locally.
	Path string `json:"path,omitempty"`
	// Model family derived from the identifier or path (qwen2.5, qwen3).
	Family string `json:"family,omitempty"`
	// Short description for built-in catalog entries.
	Description string `json:"description,omitempty"`
}
