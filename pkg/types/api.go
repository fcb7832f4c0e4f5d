package types

import json "github.com/goccy/go-json"

// Request is one line of input on the command stream.
type Request struct {
	// Method name: initialize, chat, list_models, status, set_system_prompt, clear_history.
	Method string `json:"method"`
	// Method parameters; may be omitted for methods without any.
	Params json.RawMessage `json:"params,omitempty"`
	// Optional correlation id echoed back in the response.
	ID json.RawMessage `json:"id,omitempty"`
}

// InitializeRequest carries initialize params.
type InitializeRequest struct {
	// Checkpoint file, directory containing one .gguf, or a path under models_dir.
	ModelPath string `json:"model_path"`
}

// ChatMessage is a role/content pair on the wire. Unknown roles are treated as user.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest carries chat params. The last message is the new turn; earlier
// messages replace the engine's history.
type ChatRequest struct {
	// Informational model name; the loaded model always serves the request.
	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages"`
	// Sampling temperature override for this call.
	Temperature *float64 `json:"temperature,omitempty"`
	// Maximum new tokens override for this call.
	MaxTokens *int `json:"max_tokens,omitempty"`
	// If true, partial responses with done=false precede the final one.
	Stream bool `json:"stream,omitempty"`
}

// ChatResponse is the chat result payload.
type ChatResponse struct {
	Message ChatMessage `json:"message"`
	Done    bool        `json:"done"`
}

// SystemPromptRequest carries set_system_prompt params.
type SystemPromptRequest struct {
	Prompt string `json:"prompt"`
}

// StatusResponse is the status result payload.
type StatusResponse struct {
	// Engine slot state: uninitialized or ready.
	State string `json:"state"`
	// Identifier of the loaded model.
	Model string `json:"model,omitempty"`
	// Resolved checkpoint path of the loaded model.
	ModelPath string `json:"model_path,omitempty"`
	Family string `json:"family,omitempty"`
	// Concrete device requested for the loaded model.
	Device string `json:"device,omitempty"`
	// Whether warmup has completed.
	Warmed bool `json:"warmed"`
	// Load time in unix seconds; 0 when uninitialized.
	LoadedAtUnix int64 `json:"loaded_at_unix,omitempty"`
	// Chat requests completed successfully since start.
	RequestsServed uint64 `json:"requests_served"`
	// Uptime of the service in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// Response is one line of output. Exactly one of Result or Error is set.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
