// Package chat binds a loaded model and tokenizer to a bounded History and
// turns one user utterance into a full or streamed reply.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/apperr"
	"chatd/internal/llm"
)

// Stats describes the most recent generation.
type Stats struct {
	PromptTokens    int
	GeneratedTokens int
	Duration        time.Duration
}

// TokensPerSecond returns the generation throughput, 0 when unknown.
func (s Stats) TokensPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.GeneratedTokens) / s.Duration.Seconds()
}

// Engine owns one model, its tokenizer and the conversation history.
// Methods are not safe for concurrent use; callers serialize them.
type Engine struct {
	cfg     Config
	model   llm.Model
	tok     llm.Tokenizer
	history *History
	log     zerolog.Logger

	warmMu sync.Mutex
	warmed bool

	last Stats
}

// New loads the model and tokenizer described by cfg. Either a ready
// Engine or an error is returned; there is no partial state.
func New(ctx context.Context, cfg Config, loader llm.Loader, log zerolog.Logger) (*Engine, error) {
	if loader == nil {
		return nil, apperr.New(apperr.ConfigError, "no model loader configured")
	}
	log = log.With().Str("model", cfg.ModelPath).Logger()
	log.Info().Str("device", cfg.Device.String()).Str("dtype", string(cfg.DType)).Msg("loading chat model")
	start := time.Now()
	model, tok, err := loader.Load(ctx, llm.LoadOptions{Path: cfg.ModelPath, Device: cfg.Device, DType: cfg.DType})
	if err != nil {
		return nil, apperr.Wrapf(apperr.ModelError, err, "load %s", cfg.ModelPath)
	}
	if model == nil || tok == nil {
		if model != nil {
			_ = model.Close()
		}
		return nil, apperr.Newf(apperr.ModelError, "loader returned no model or tokenizer for %s", cfg.ModelPath)
	}
	log.Info().Dur("took", time.Since(start)).Msg("chat model loaded")
	return &Engine{
		cfg:     cfg,
		model:   model,
		tok:     tok,
		history: NewHistory(cfg.MaxTurns),
		log:     log,
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Warmup runs one throwaway pass. Once a warmup succeeds, later calls are
// no-ops.
func (e *Engine) Warmup(ctx context.Context) (err error) {
	e.warmMu.Lock()
	defer e.warmMu.Unlock()
	if e.warmed {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = apperr.Newf(apperr.ModelError, "panic in Warmup: %v", rec)
		}
	}()
	e.log.Info().Msg("warming up chat model")
	start := time.Now()
	if err := e.model.Warmup(ctx); err != nil {
		return apperr.Wrapf(apperr.ModelError, err, "warmup")
	}
	e.warmed = true
	e.log.Info().Dur("took", time.Since(start)).Msg("warmup complete")
	return nil
}

// Warmed reports whether a warmup has completed.
func (e *Engine) Warmed() bool {
	e.warmMu.Lock()
	defer e.warmMu.Unlock()
	return e.warmed
}

// Chat records text as a user turn, generates synchronously and records
// the reply. On failure the user turn stays recorded.
func (e *Engine) Chat(ctx context.Context, text string, ov Overrides) (string, error) {
	e.last = Stats{}
	e.history.Append(UserMessage(text))
	req, ids, err := e.prepare(ctx, ov)
	if err != nil {
		return "", err
	}
	start := time.Now()
	out, err := e.safeGenerate(ctx, ids, req.Config, nil)
	e.record(len(ids), len(out), time.Since(start), req.Config.ReportSpeed)
	if err != nil {
		return "", err
	}
	reply, err := e.safeDecode(ctx, out)
	if err != nil {
		return "", err
	}
	e.history.Append(AssistantMessage(reply))
	return reply, nil
}

// ChatStreaming is Chat with onToken invoked for every decoded fragment, in
// order, before it returns. The returned reply is the concatenation of the
// fragments. onToken runs on the calling goroutine; a slow callback stalls
// generation.
func (e *Engine) ChatStreaming(ctx context.Context, text string, ov Overrides, onToken func(string)) (string, error) {
	e.last = Stats{}
	e.history.Append(UserMessage(text))
	req, ids, err := e.prepare(ctx, ov)
	if err != nil {
		return "", err
	}
	start := time.Now()
	reply, n, err := e.stream(ctx, ids, req.Config, onToken)
	e.record(len(ids), n, time.Since(start), req.Config.ReportSpeed)
	if err != nil {
		return "", err
	}
	e.history.Append(AssistantMessage(reply))
	return reply, nil
}

func (e *Engine) prepare(ctx context.Context, ov Overrides) (GenerationRequest, []llm.TokenID, error) {
	if err := ctx.Err(); err != nil {
		return GenerationRequest{}, nil, err
	}
	req, err := e.buildRequest(ctx, ov)
	if err != nil {
		return GenerationRequest{}, nil, err
	}
	ids, err := e.safePrepare(ctx, req.Prompt)
	if err != nil {
		return GenerationRequest{}, nil, err
	}
	return req, ids, nil
}

func (e *Engine) record(promptN, genN int, d time.Duration, report bool) {
	e.last = Stats{PromptTokens: promptN, GeneratedTokens: genN, Duration: d}
	if report && genN > 0 {
		e.log.Info().Int("prompt_tokens", promptN).Int("tokens", genN).
			Int64("dur_ms", d.Milliseconds()).Float64("tokens_per_sec", e.last.TokensPerSecond()).
			Msg("generation speed")
	}
}

// LastStats returns statistics for the most recent chat call. A call that
// fails before generating reports zero.
func (e *Engine) LastStats() Stats { return e.last }

// SetSystemPrompt replaces the system prompt.
func (e *Engine) SetSystemPrompt(text string) { e.history.SetSystemPrompt(text) }

// ClearHistory drops every message, system prompt included.
func (e *Engine) ClearHistory() { e.history.Clear() }

// AppendHistory records msg without generating.
func (e *Engine) AppendHistory(msg Message) { e.history.Append(msg) }

// History returns a copy of the conversation.
func (e *Engine) History() []Message { return e.history.Snapshot() }

// Close releases the model.
func (e *Engine) Close() error {
	if e == nil || e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	if err != nil {
		return apperr.Wrapf(apperr.ModelError, err, "close %s", e.cfg.ModelPath)
	}
	return nil
}

// IsCanceled reports whether err stems from context cancellation or a
// deadline.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
