package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/llm"
)

const (
	fakeImEnd   llm.TokenID = 2
	fakeByteOff llm.TokenID = 256
)

// fakeTokenizer maps every byte to its own id and knows one control token.
type fakeTokenizer struct {
	mu          sync.Mutex
	templates   [][]llm.Message
	lookups     int
	panicDecode bool
}

func encodeBytes(s string) []llm.TokenID {
	out := make([]llm.TokenID, 0, len(s))
	for i := 0; i < len(s); i++ {
		out = append(out, fakeByteOff+llm.TokenID(s[i]))
	}
	return out
}

func (t *fakeTokenizer) ApplyChatTemplate(_ context.Context, msgs []llm.Message, addGen bool) (string, error) {
	t.mu.Lock()
	t.templates = append(t.templates, append([]llm.Message(nil), msgs...))
	t.mu.Unlock()
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Role + ": " + m.Content + "\n")
	}
	if addGen {
		b.WriteString("assistant: ")
	}
	return b.String(), nil
}

func (t *fakeTokenizer) Decode(_ context.Context, ids []llm.TokenID, skipSpecial bool) (string, error) {
	if t.panicDecode {
		panic("decode exploded")
	}
	var b []byte
	for _, id := range ids {
		if id == fakeImEnd {
			if !skipSpecial {
				b = append(b, "<|im_end|>"...)
			}
			continue
		}
		b = append(b, byte(id-fakeByteOff))
	}
	return strings.ToValidUTF8(string(b), "\uFFFD"), nil
}

func (t *fakeTokenizer) TokenID(_ context.Context, special string) (llm.TokenID, bool) {
	t.mu.Lock()
	t.lookups++
	t.mu.Unlock()
	if special == EOSToken {
		return fakeImEnd, true
	}
	return 0, false
}

func (t *fakeTokenizer) lastTemplate() []llm.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.templates) == 0 {
		return nil
	}
	return t.templates[len(t.templates)-1]
}

// fakeModel replies with a fixed text followed by eos.
type fakeModel struct {
	mu       sync.Mutex
	reply    string
	genErr   error
	panicAt  string
	delay    time.Duration
	warmups  int
	closed   bool
	lastCfg  llm.GenerationConfig
	inflight int
	maxSeen  int
}

func (m *fakeModel) PrepareInputs(_ context.Context, prompt string) ([]llm.TokenID, error) {
	if m.panicAt == "prepare" {
		panic("prepare exploded")
	}
	return encodeBytes(prompt), nil
}

func (m *fakeModel) Generate(ctx context.Context, input []llm.TokenID, cfg llm.GenerationConfig, obs llm.Observer) ([]llm.TokenID, error) {
	m.mu.Lock()
	m.lastCfg = cfg
	m.inflight++
	if m.inflight > m.maxSeen {
		m.maxSeen = m.inflight
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}()
	if m.panicAt == "generate" {
		panic("generate exploded")
	}
	if m.genErr != nil {
		return nil, m.genErr
	}
	var out []llm.TokenID
	for _, id := range append(encodeBytes(m.reply), fakeImEnd) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if m.delay > 0 {
			time.Sleep(m.delay)
		}
		out = append(out, id)
		if obs != nil {
			if err := obs(id); err != nil {
				return out, err
			}
		}
		if cfg.EOSTokenID != nil && id == *cfg.EOSTokenID {
			break
		}
		if cfg.MaxNewTokens > 0 && len(out) >= cfg.MaxNewTokens {
			break
		}
	}
	return out, nil
}

func (m *fakeModel) Warmup(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warmups++
	return nil
}

func (m *fakeModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type fakeLoader struct {
	model *fakeModel
	tok   *fakeTokenizer
	err   error
	opts  llm.LoadOptions
}

func (l *fakeLoader) Load(_ context.Context, opts llm.LoadOptions) (llm.Model, llm.Tokenizer, error) {
	l.opts = opts
	if l.err != nil {
		return nil, nil, l.err
	}
	return l.model, l.tok, nil
}

var errFake = errors.New("fake failure")

func newTestEngine(t *testing.T, reply string) (*Engine, *fakeModel, *fakeTokenizer) {
	t.Helper()
	m := &fakeModel{reply: reply}
	tok := &fakeTokenizer{}
	cfg := DefaultConfig()
	cfg.ModelPath = "fake.gguf"
	e, err := New(testCtx(t), cfg, &fakeLoader{model: m, tok: tok}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, m, tok
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
