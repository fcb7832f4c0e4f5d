package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

// Fake vocabulary: two control tokens, everything else one id per byte.
const (
	fakeImStart TokenID = 1
	fakeImEnd   TokenID = 2
	fakeByteOff TokenID = 256
)

func fakeEncode(s string) []TokenID {
	var out []TokenID
	for len(s) > 0 {
		switch {
		case strings.HasPrefix(s, "<|im_start|>"):
			out = append(out, fakeImStart)
			s = s[len("<|im_start|>"):]
		case strings.HasPrefix(s, "<|im_end|>"):
			out = append(out, fakeImEnd)
			s = s[len("<|im_end|>"):]
		default:
			out = append(out, fakeByteOff+TokenID(s[0]))
			s = s[1:]
		}
	}
	return out
}

func fakeDecode(ids []TokenID) string {
	var b strings.Builder
	for _, id := range ids {
		switch id {
		case fakeImStart:
			b.WriteString("<|im_start|>")
		case fakeImEnd:
			b.WriteString("<|im_end|>")
		default:
			b.WriteByte(byte(id - fakeByteOff))
		}
	}
	return b.String()
}

// fakeLlamaServer emulates llama-server's native endpoints. Completions
// stream reply one byte token per chunk, then im_end, then a stop chunk.
type fakeLlamaServer struct {
	*httptest.Server
	reply string

	mu          sync.Mutex
	tokenizeN   int
	lastRequest completionRequest
	chunkDelay  time.Duration
}

func newFakeLlamaServer(t *testing.T, reply string) *fakeLlamaServer {
	t.Helper()
	f := &fakeLlamaServer{reply: reply}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		var in tokenizeRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		f.mu.Lock()
		f.tokenizeN++
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(tokenizeResponse{Tokens: fakeEncode(in.Content)})
	})
	mux.HandleFunc("/detokenize", func(w http.ResponseWriter, r *http.Request) {
		var in detokenizeRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(detokenizeResponse{Content: fakeDecode(in.Tokens)})
	})
	mux.HandleFunc("/apply-template", func(w http.ResponseWriter, r *http.Request) {
		var in applyTemplateRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		var b strings.Builder
		for _, m := range in.Messages {
			fmt.Fprintf(&b, "<|im_start|>%s\n%s<|im_end|>\n", m.Role, m.Content)
		}
		b.WriteString("<|im_start|>assistant\n")
		_ = json.NewEncoder(w).Encode(applyTemplateResponse{Prompt: b.String()})
	})
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		var in completionRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		f.mu.Lock()
		f.lastRequest = in
		delay := f.chunkDelay
		f.mu.Unlock()
		if len(in.Prompt) == 0 {
			http.Error(w, `{"error":{"code":400,"message":"empty prompt","type":"invalid_request_error"}}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl, _ := w.(http.Flusher)
		send := func(c completionChunk) bool {
			b, _ := json.Marshal(c)
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return false
			}
			if fl != nil {
				fl.Flush()
			}
			return true
		}
		ids := append(fakeEncode(f.reply), fakeImEnd)
		for i, id := range ids {
			if in.NPredict > 0 && i >= in.NPredict {
				break
			}
			if delay > 0 {
				select {
				case <-r.Context().Done():
					return
				case <-time.After(delay):
				}
			}
			if !send(completionChunk{Content: fakeDecode([]TokenID{id}), Tokens: []TokenID{id}}) {
				return
			}
		}
		send(completionChunk{Stop: true, StopType: "eos", Timings: &completionTimings{PromptN: len(in.Prompt), PredictedN: len(ids)}})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeLlamaServer) lastCompletion() completionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRequest
}

func (f *fakeLlamaServer) tokenizeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenizeN
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
