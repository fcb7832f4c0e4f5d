package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Byte vocabulary: ids 256+b are bytes, 1 and 2 are <|im_start|> and
// <|im_end|>.
const (
	imStart = 1
	imEnd   = 2
	byteOff = 256
)

func encode(s string) []int {
	if s == "<|im_end|>" {
		return []int{imEnd}
	}
	if s == "<|im_start|>" {
		return []int{imStart}
	}
	out := []int{}
	for _, b := range []byte(s) {
		out = append(out, byteOff+int(b))
	}
	return out
}

func decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		switch {
		case id == imStart:
			b.WriteString("<|im_start|>")
		case id == imEnd:
			b.WriteString("<|im_end|>")
		case id >= byteOff:
			b.WriteByte(byte(id - byteOff))
		}
	}
	return b.String()
}

// Accepts the subset of llama-server flags the loader passes and serves the
// native endpoints the client uses. /completion streams "hello from <model>"
// one token per event, then <|im_end|>.
func main() {
	var model, host, port string
	flag.StringVar(&model, "m", "", "model path")
	flag.StringVar(&host, "host", "127.0.0.1", "host")
	flag.StringVar(&port, "port", "0", "port")
	flag.String("c", "", "context size")
	flag.String("t", "", "threads")
	flag.String("ngl", "", "gpu layers")
	flag.String("main-gpu", "", "main gpu")
	flag.String("cache-type-k", "", "k cache type")
	flag.String("cache-type-v", "", "v cache type")
	flag.Parse()

	reply := "hello from " + strings.TrimSuffix(filepath.Base(model), ".gguf")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]any{"tokens": encode(in.Content)})
	})
	mux.HandleFunc("/detokenize", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Tokens []int `json:"tokens"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]any{"content": decode(in.Tokens)})
	})
	mux.HandleFunc("/apply-template", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		var b strings.Builder
		for _, m := range in.Messages {
			fmt.Fprintf(&b, "<|im_start|>%s\n%s<|im_end|>\n", m.Role, m.Content)
		}
		b.WriteString("<|im_start|>assistant\n")
		_ = json.NewEncoder(w).Encode(map[string]any{"prompt": b.String()})
	})
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Prompt   []int `json:"prompt"`
			NPredict int   `json:"n_predict"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		if len(in.Prompt) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":400,"message":"empty prompt","type":"invalid_request_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl, _ := w.(http.Flusher)
		ids := append(encode(reply), imEnd)
		for i, id := range ids {
			if in.NPredict > 0 && i >= in.NPredict {
				break
			}
			b, _ := json.Marshal(map[string]any{"content": decode([]int{id}), "tokens": []int{id}, "stop": false})
			fmt.Fprintf(w, "data: %s\n\n", b)
			if fl != nil {
				fl.Flush()
			}
		}
		fmt.Fprintf(w, "data: %s\n\n", `{"content":"","tokens":[],"stop":true,"stop_type":"eos"}`)
	})

	srv := &http.Server{Addr: fmt.Sprintf("%s:%s", host, port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
