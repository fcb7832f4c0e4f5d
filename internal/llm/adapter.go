// Package llm defines the model runtime surface consumed by the chat engine
// and implements it on top of a llama.cpp llama-server subprocess.
package llm

import "context"

// TokenID identifies a vocabulary entry of the loaded model.
type TokenID int32

// Message is a role/content pair handed to the chat template.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationConfig controls one generation call. Nil pointers defer to the
// runtime's own defaults.
type GenerationConfig struct {
	MaxNewTokens      int
	Temperature       *float64
	TopP              *float64
	RepetitionPenalty float64
	RepeatLastN       int
	DoSample          bool
	PadTokenID        *TokenID
	EOSTokenID        *TokenID
	ReportSpeed       bool
}

// Observer receives every produced token id in order. A non-nil return
// aborts generation with that error.
type Observer func(TokenID) error

// Model runs generation over prepared token ids.
type Model interface {
	// PrepareInputs encodes a rendered prompt into model input ids.
	PrepareInputs(ctx context.Context, prompt string) ([]TokenID, error)
	// Generate produces new token ids (prompt excluded). Implementations
	// check ctx between token steps and stop at MaxNewTokens or EOS.
	Generate(ctx context.Context, input []TokenID, cfg GenerationConfig, obs Observer) ([]TokenID, error)
	// Warmup runs a throwaway pass so the first real request is not cold.
	Warmup(ctx context.Context) error
	Close() error
}

// Tokenizer renders chat templates and maps ids back to text.
type Tokenizer interface {
	ApplyChatTemplate(ctx context.Context, msgs []Message, addGenerationPrompt bool) (string, error)
	Decode(ctx context.Context, ids []TokenID, skipSpecial bool) (string, error)
	// TokenID looks up a special token. ok is false when the vocabulary
	// does not encode it as a single id.
	TokenID(ctx context.Context, special string) (id TokenID, ok bool)
}

// LoadOptions selects the checkpoint and placement for a model.
type LoadOptions struct {
	Path   string
	Device DeviceType
	DType  DType
}

// Loader turns a checkpoint into a ready model and its tokenizer.
type Loader interface {
	Load(ctx context.Context, opts LoadOptions) (Model, Tokenizer, error)
}
