package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"chatd/internal/chat"
	"chatd/internal/llm"
)

const (
	fakeEOS     llm.TokenID = 2
	fakeByteOff llm.TokenID = 256
)

func encodeBytes(s string) []llm.TokenID {
	out := make([]llm.TokenID, 0, len(s))
	for i := 0; i < len(s); i++ {
		out = append(out, fakeByteOff+llm.TokenID(s[i]))
	}
	return out
}

// fakeTokenizer fails to render any conversation containing failOn.
type fakeTokenizer struct {
	mu        sync.Mutex
	templates [][]llm.Message
	failOn    string
}

func (t *fakeTokenizer) ApplyChatTemplate(_ context.Context, msgs []llm.Message, _ bool) (string, error) {
	t.mu.Lock()
	t.templates = append(t.templates, append([]llm.Message(nil), msgs...))
	t.mu.Unlock()
	for _, m := range msgs {
		if t.failOn != "" && m.Content == t.failOn {
			return "", errors.New("template failure")
		}
	}
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Role + ": " + m.Content + "\n")
	}
	return b.String(), nil
}

func (t *fakeTokenizer) Decode(_ context.Context, ids []llm.TokenID, _ bool) (string, error) {
	var b []byte
	for _, id := range ids {
		if id != fakeEOS {
			b = append(b, byte(id-fakeByteOff))
		}
	}
	return string(b), nil
}

func (t *fakeTokenizer) TokenID(_ context.Context, special string) (llm.TokenID, bool) {
	if special == chat.EOSToken {
		return fakeEOS, true
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

// inflight tracks concurrent Generate calls across every fake model.
type inflight struct {
	mu      sync.Mutex
	cur     int
	maxSeen int
}

func (f *inflight) enter() {
	f.mu.Lock()
	f.cur++
	if f.cur > f.maxSeen {
		f.maxSeen = f.cur
	}
	f.mu.Unlock()
}

func (f *inflight) leave() {
	f.mu.Lock()
	f.cur--
	f.mu.Unlock()
}

func (f *inflight) max() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeen
}

type fakeModel struct {
	reply     string
	delay     time.Duration
	warmErr   error
	track     *inflight
	mu        sync.Mutex
	closed    bool
	warmedCnt int
}

func (m *fakeModel) PrepareInputs(_ context.Context, prompt string) ([]llm.TokenID, error) {
	return encodeBytes(prompt), nil
}

func (m *fakeModel) Generate(ctx context.Context, _ []llm.TokenID, cfg llm.GenerationConfig, obs llm.Observer) ([]llm.TokenID, error) {
	if m.track != nil {
		m.track.enter()
		defer m.track.leave()
	}
	var out []llm.TokenID
	for _, id := range append(encodeBytes(m.reply), fakeEOS) {
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
	m.warmedCnt++
	return m.warmErr
}

func (m *fakeModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeModel) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// fakeLoader hands out one fakeModel per load, replying with a text that
// names the checkpoint file.
type fakeLoader struct {
	mu      sync.Mutex
	delay   time.Duration
	warmErr error
	track   *inflight
	failOn  string
	loads   []string
	models  []*fakeModel
	toks    []*fakeTokenizer
}

func (l *fakeLoader) Load(_ context.Context, opts llm.LoadOptions) (llm.Model, llm.Tokenizer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads = append(l.loads, opts.Path)
	m := &fakeModel{
		reply:   "reply from " + filepath.Base(filepath.Dir(opts.Path)),
		delay:   l.delay,
		warmErr: l.warmErr,
		track:   l.track,
	}
	tok := &fakeTokenizer{failOn: l.failOn}
	l.models = append(l.models, m)
	l.toks = append(l.toks, tok)
	return m, tok, nil
}

func (l *fakeLoader) loadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.loads)
}

func (l *fakeLoader) model(i int) *fakeModel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.models[i]
}

func (l *fakeLoader) tokenizer(i int) *fakeTokenizer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.toks[i]
}

// writeCheckpoint creates <dir>/<rel>/model.gguf.
func writeCheckpoint(t *testing.T, dir, rel string) {
	t.Helper()
	p := filepath.Join(dir, rel, "model.gguf")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte("gguf"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newTestService(t *testing.T, loader *fakeLoader, opts ...Option) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	writeCheckpoint(t, dir, "checkpoints/X")
	writeCheckpoint(t, dir, "checkpoints/Y")
	cfg := Config{Engine: chat.DefaultConfig(), ModelsDir: dir, Warmup: true}
	return New(cfg, loader, opts...), dir
}

// serveLines runs Serve over the given input lines and returns the output
// lines.
func serveLines(t *testing.T, s *Service, in ...string) []string {
	t.Helper()
	var out bytes.Buffer
	if err := s.Serve(testCtx(t), strings.NewReader(strings.Join(in, "\n")+"\n"), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	text := strings.TrimRight(out.String(), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func decodeLine(t *testing.T, line string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	return m
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }
