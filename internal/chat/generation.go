package chat

import (
	"context"
	"fmt"

	"chatd/internal/apperr"
	"chatd/internal/llm"
)

// Special tokens resolved per request from the loaded vocabulary.
const (
	PadToken = "<|end_of_text|>"
	EOSToken = "<|im_end|>"
)

// GenerationRequest is built fresh for every call and never stored.
type GenerationRequest struct {
	Prompt string
	Config llm.GenerationConfig
}

// buildRequest renders the current history and resolves generation
// parameters against ov.
func (e *Engine) buildRequest(ctx context.Context, ov Overrides) (GenerationRequest, error) {
	msgs := e.history.Snapshot()
	tmsgs := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		tmsgs[i] = llm.Message{Role: string(m.Role), Content: m.Content}
	}
	prompt, err := e.safeApplyTemplate(ctx, tmsgs)
	if err != nil {
		return GenerationRequest{}, err
	}
	return GenerationRequest{Prompt: prompt, Config: e.generationConfig(ctx, ov)}, nil
}

// generationConfig merges engine defaults with per-call overrides. Pad and
// eos ids are looked up every time; a new model may map them differently.
func (e *Engine) generationConfig(ctx context.Context, ov Overrides) llm.GenerationConfig {
	gc := llm.GenerationConfig{
		MaxNewTokens:      e.cfg.MaxNewTokens,
		Temperature:       e.cfg.Temperature,
		TopP:              e.cfg.TopP,
		RepetitionPenalty: e.cfg.RepetitionPenalty,
		RepeatLastN:       e.cfg.RepeatLastN,
		DoSample:          e.cfg.DoSample,
		ReportSpeed:       e.cfg.ReportSpeed,
	}
	if ov.Temperature != nil {
		t := *ov.Temperature
		gc.Temperature = &t
	}
	if ov.MaxNewTokens != nil && *ov.MaxNewTokens > 0 {
		gc.MaxNewTokens = *ov.MaxNewTokens
	}
	if id, ok := e.safeTokenID(ctx, PadToken); ok {
		gc.PadTokenID = &id
	}
	if id, ok := e.safeTokenID(ctx, EOSToken); ok {
		gc.EOSTokenID = &id
	}
	return gc
}

func (e *Engine) safeApplyTemplate(ctx context.Context, msgs []llm.Message) (prompt string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = apperr.New(apperr.TokenizationError, fmt.Sprintf("panic in ApplyChatTemplate: %v", rec))
		}
	}()
	prompt, err = e.tok.ApplyChatTemplate(ctx, msgs, true)
	return prompt, apperr.Wrap(apperr.TokenizationError, err)
}

func (e *Engine) safeTokenID(ctx context.Context, special string) (id llm.TokenID, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Warn().Str("token", special).Interface("panic", rec).Msg("special token lookup panicked")
			id, ok = 0, false
		}
	}()
	return e.tok.TokenID(ctx, special)
}

func (e *Engine) safePrepare(ctx context.Context, prompt string) (ids []llm.TokenID, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = apperr.New(apperr.ModelError, fmt.Sprintf("panic in PrepareInputs: %v", rec))
		}
	}()
	ids, err = e.model.PrepareInputs(ctx, prompt)
	return ids, apperr.Wrap(apperr.ModelError, err)
}

func (e *Engine) safeGenerate(ctx context.Context, ids []llm.TokenID, gc llm.GenerationConfig, obs llm.Observer) (out []llm.TokenID, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = apperr.New(apperr.ModelError, fmt.Sprintf("panic in Generate: %v", rec))
		}
	}()
	out, err = e.model.Generate(ctx, ids, gc, obs)
	return out, apperr.Wrap(apperr.ModelError, err)
}

func (e *Engine) safeDecode(ctx context.Context, ids []llm.TokenID) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = apperr.New(apperr.TokenizationError, fmt.Sprintf("panic in Decode: %v", rec))
		}
	}()
	text, err = e.tok.Decode(ctx, ids, true)
	return text, apperr.Wrap(apperr.TokenizationError, err)
}
