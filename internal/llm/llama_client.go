package llm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
)

// client speaks llama-server's native token-level endpoints.
type client struct {
	baseURL string
	hc      *http.Client
}

func newClient(baseURL string, hc *http.Client) *client {
	if hc == nil {
		// Timeout=0: every call carries its own context deadline.
		hc = &http.Client{Timeout: 0}
	}
	return &client{baseURL: strings.TrimRight(baseURL, "/"), hc: hc}
}

type tokenizeRequest struct {
	Content      string `json:"content"`
	AddSpecial   bool   `json:"add_special"`
	ParseSpecial bool   `json:"parse_special"`
}

type tokenizeResponse struct {
	Tokens []TokenID `json:"tokens"`
}

type detokenizeRequest struct {
	Tokens []TokenID `json:"tokens"`
}

type detokenizeResponse struct {
	Content string `json:"content"`
}

type applyTemplateRequest struct {
	Messages []Message `json:"messages"`
}

type applyTemplateResponse struct {
	Prompt string `json:"prompt"`
}

type completionRequest struct {
	Prompt        []TokenID `json:"prompt"`
	NPredict      int       `json:"n_predict,omitempty"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	TopK          *int      `json:"top_k,omitempty"`
	RepeatPenalty float64   `json:"repeat_penalty,omitempty"`
	RepeatLastN   int       `json:"repeat_last_n,omitempty"`
	Stream        bool      `json:"stream"`
	ReturnTokens  bool      `json:"return_tokens"`
	CachePrompt   bool      `json:"cache_prompt"`
}

type completionTimings struct {
	PromptN            int     `json:"prompt_n"`
	PromptPerSecond    float64 `json:"prompt_per_second"`
	PredictedN         int     `json:"predicted_n"`
	PredictedPerSecond float64 `json:"predicted_per_second"`
	PredictedMS        float64 `json:"predicted_ms"`
}

type completionChunk struct {
	Content  string             `json:"content"`
	Tokens   []TokenID          `json:"tokens"`
	Stop     bool               `json:"stop"`
	StopType string             `json:"stop_type,omitempty"`
	Timings  *completionTimings `json:"timings,omitempty"`
}

type serverError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// errStopStream is returned by chunk callbacks to end a stream early
// without reporting a failure.
var errStopStream = errors.New("stop stream")

func (c *client) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("llama-server health: %s", resp.Status)
	}
	return nil
}

func (c *client) do(ctx context.Context, path string, in any) (*http.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var se serverError
		if json.Unmarshal(b, &se) == nil && se.Error.Message != "" {
			return nil, fmt.Errorf("llama-server %s: %s: %s", path, resp.Status, se.Error.Message)
		}
		return nil, fmt.Errorf("llama-server %s: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

func (c *client) postJSON(ctx context.Context, path string, in, out any) error {
	resp, err := c.do(ctx, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("llama-server %s: decode response: %w", path, err)
	}
	return nil
}

func (c *client) tokenize(ctx context.Context, content string, addSpecial, parseSpecial bool) ([]TokenID, error) {
	var out tokenizeResponse
	err := c.postJSON(ctx, "/tokenize", tokenizeRequest{Content: content, AddSpecial: addSpecial, ParseSpecial: parseSpecial}, &out)
	return out.Tokens, err
}

func (c *client) detokenize(ctx context.Context, ids []TokenID) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	var out detokenizeResponse
	err := c.postJSON(ctx, "/detokenize", detokenizeRequest{Tokens: ids}, &out)
	return out.Content, err
}

func (c *client) applyTemplate(ctx context.Context, msgs []Message) (string, error) {
	var out applyTemplateResponse
	err := c.postJSON(ctx, "/apply-template", applyTemplateRequest{Messages: msgs}, &out)
	return out.Prompt, err
}

// completion streams server-sent chunks to fn until the server reports
// stop, the body ends, or fn returns an error. errStopStream from fn ends
// the stream cleanly.
func (c *client) completion(ctx context.Context, in completionRequest, fn func(completionChunk) error) error {
	in.Stream = true
	in.ReturnTokens = true
	resp, err := c.do(ctx, "/completion", in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	for {
		line, rerr := r.ReadString('\n')
		if l := strings.TrimSpace(line); l != "" {
			switch {
			case strings.HasPrefix(l, "data:"):
				var chunk completionChunk
				if e := json.Unmarshal([]byte(strings.TrimSpace(l[len("data:"):])), &chunk); e != nil {
					return fmt.Errorf("llama-server /completion: decode chunk: %w", e)
				}
				if e := fn(chunk); e != nil {
					if errors.Is(e, errStopStream) {
						return nil
					}
					return e
				}
				if chunk.Stop {
					return nil
				}
			case strings.HasPrefix(l, "error:"):
				var se serverError
				if e := json.Unmarshal([]byte(strings.TrimSpace(l[len("error:"):])), &se); e == nil && se.Error.Message != "" {
					return fmt.Errorf("llama-server /completion: %s", se.Error.Message)
				}
				return fmt.Errorf("llama-server /completion: %s", l)
			}
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}
