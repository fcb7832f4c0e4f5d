package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/apperr"
	"chatd/internal/common/fsutil"
)

// LlamaLoader loads checkpoints by spawning one llama-server per model.
type LlamaLoader struct {
	cfg ProcessConfig
	hc  *http.Client
	log zerolog.Logger
}

// NewLlamaLoader constructs a subprocess-backed loader.
func NewLlamaLoader(cfg ProcessConfig, log zerolog.Logger) *LlamaLoader {
	return &LlamaLoader{cfg: cfg, hc: &http.Client{Timeout: 0}, log: log.With().Str("component", "llama").Logger()}
}

// Load resolves the device, starts llama-server on the checkpoint and
// waits until it reports healthy.
func (l *LlamaLoader) Load(ctx context.Context, opts LoadOptions) (Model, Tokenizer, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, nil, apperr.New(apperr.ConfigError, "model path is empty")
	}
	if !fsutil.PathExists(path) {
		return nil, nil, apperr.Newf(apperr.ModelError, "model file not found: %s", path)
	}
	dev, err := ResolveDevice(opts.Device)
	if err != nil {
		return nil, nil, err
	}
	proc, err := startProcess(ctx, l.cfg, path, dev, opts.DType, l.hc, l.log)
	if err != nil {
		return nil, nil, apperr.Wrapf(apperr.ModelError, err, "start llama-server")
	}
	cl := newClient(proc.baseURL, l.hc)
	return &llamaModel{cl: cl, proc: proc, log: proc.log}, newLlamaTokenizer(cl), nil
}

// llamaModel generates through a running llama-server.
type llamaModel struct {
	cl   *client
	proc *process
	log  zerolog.Logger
}

func (m *llamaModel) PrepareInputs(ctx context.Context, prompt string) ([]TokenID, error) {
	ids, err := m.cl.tokenize(ctx, prompt, false, true)
	if err != nil {
		return nil, apperr.Wrapf(apperr.TokenizationError, err, "encode prompt")
	}
	if len(ids) == 0 {
		return nil, apperr.New(apperr.TokenizationError, "prompt encodes to no tokens")
	}
	return ids, nil
}

// completionParams maps a GenerationConfig onto the server's sampling
// fields. DoSample=false forces greedy decoding.
func completionParams(input []TokenID, cfg GenerationConfig) completionRequest {
	req := completionRequest{
		Prompt:        input,
		NPredict:      cfg.MaxNewTokens,
		RepeatPenalty: cfg.RepetitionPenalty,
		RepeatLastN:   cfg.RepeatLastN,
		CachePrompt:   true,
	}
	if cfg.DoSample {
		req.Temperature = cfg.Temperature
		req.TopP = cfg.TopP
	} else {
		zero, one := 0.0, 1
		req.Temperature = &zero
		req.TopK = &one
	}
	return req
}

func (m *llamaModel) Generate(ctx context.Context, input []TokenID, cfg GenerationConfig, obs Observer) ([]TokenID, error) {
	if len(input) == 0 {
		return nil, apperr.New(apperr.ModelError, "empty input")
	}
	if m.proc != nil && !m.proc.alive() {
		return nil, apperr.New(apperr.ModelError, "llama-server is not running")
	}
	if cfg.PadTokenID != nil {
		m.log.Debug().Int32("pad_token_id", int32(*cfg.PadTokenID)).Msg("pad token not used by llama-server")
	}
	out := make([]TokenID, 0, 64)
	var timings completionTimings
	err := m.cl.completion(ctx, completionParams(input, cfg), func(ch completionChunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, id := range ch.Tokens {
			out = append(out, id)
			if obs != nil {
				if err := obs(id); err != nil {
					return err
				}
			}
			if cfg.EOSTokenID != nil && id == *cfg.EOSTokenID {
				return errStopStream
			}
			if cfg.MaxNewTokens > 0 && len(out) >= cfg.MaxNewTokens {
				return errStopStream
			}
		}
		if ch.Timings != nil {
			timings = *ch.Timings
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return out, err
		}
		return out, apperr.Wrapf(apperr.ModelError, err, "generate")
	}
	if timings.PredictedN > 0 {
		m.log.Debug().Int("prompt_n", timings.PromptN).Int("predicted_n", timings.PredictedN).
			Float64("predicted_per_second", timings.PredictedPerSecond).Msg("llama-server timings")
	}
	return out, nil
}

func (m *llamaModel) Warmup(ctx context.Context) error {
	start := time.Now()
	ids, err := m.PrepareInputs(ctx, "Hello")
	if err != nil {
		return err
	}
	if _, err := m.Generate(ctx, ids, GenerationConfig{MaxNewTokens: 1}, nil); err != nil {
		return err
	}
	m.log.Debug().Dur("took", time.Since(start)).Msg("warmup done")
	return nil
}

func (m *llamaModel) Close() error {
	if m.proc == nil {
		return nil
	}
	return m.proc.stop()
}

// knownSpecialTokens are the control tokens stripped by Decode when
// skipSpecial is set, if the vocabulary encodes them as single ids.
var knownSpecialTokens = []string{
	"<|im_start|>",
	"<|im_end|>",
	"<|endoftext|>",
	"<|end_of_text|>",
	"<|begin_of_text|>",
	"<|eot_id|>",
}

type tokenLookup struct {
	id TokenID
	ok bool
}

// llamaTokenizer memoizes special-token lookups per loaded model.
type llamaTokenizer struct {
	cl *client

	mu       sync.Mutex
	specials map[string]tokenLookup
}

func newLlamaTokenizer(cl *client) *llamaTokenizer {
	return &llamaTokenizer{cl: cl, specials: make(map[string]tokenLookup)}
}

func (t *llamaTokenizer) ApplyChatTemplate(ctx context.Context, msgs []Message, addGenerationPrompt bool) (string, error) {
	if !addGenerationPrompt {
		return "", apperr.New(apperr.TokenizationError, "llama-server always appends the generation prompt")
	}
	prompt, err := t.cl.applyTemplate(ctx, msgs)
	if err != nil {
		return "", apperr.Wrapf(apperr.TokenizationError, err, "apply chat template")
	}
	return prompt, nil
}

func (t *llamaTokenizer) Decode(ctx context.Context, ids []TokenID, skipSpecial bool) (string, error) {
	if skipSpecial {
		skip := t.specialSet(ctx)
		kept := make([]TokenID, 0, len(ids))
		for _, id := range ids {
			if _, drop := skip[id]; !drop {
				kept = append(kept, id)
			}
		}
		ids = kept
	}
	s, err := t.cl.detokenize(ctx, ids)
	if err != nil {
		return "", apperr.Wrapf(apperr.TokenizationError, err, "decode")
	}
	return s, nil
}

func (t *llamaTokenizer) TokenID(ctx context.Context, special string) (TokenID, bool) {
	t.mu.Lock()
	if v, ok := t.specials[special]; ok {
		t.mu.Unlock()
		return v.id, v.ok
	}
	t.mu.Unlock()

	ids, err := t.cl.tokenize(ctx, special, false, true)
	if err != nil {
		// not memoized: a transient failure may succeed next time
		return 0, false
	}
	v := tokenLookup{}
	if len(ids) == 1 {
		v = tokenLookup{id: ids[0], ok: true}
	}
	t.mu.Lock()
	t.specials[special] = v
	t.mu.Unlock()
	return v.id, v.ok
}

func (t *llamaTokenizer) specialSet(ctx context.Context) map[TokenID]struct{} {
	set := make(map[TokenID]struct{}, len(knownSpecialTokens))
	for _, s := range knownSpecialTokens {
		if id, ok := t.TokenID(ctx, s); ok {
			set[id] = struct{}{}
		}
	}
	return set
}
