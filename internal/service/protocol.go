package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	json "github.com/goccy/go-json"

	"chatd/internal/apperr"
	"chatd/pkg/types"
)

// Method names.
const (
	MethodInitialize      = "initialize"
	MethodChat            = "chat"
	MethodListModels      = "list_models"
	MethodStatus          = "status"
	MethodSetSystemPrompt = "set_system_prompt"
	MethodClearHistory    = "clear_history"
)

type resultEnvelope struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result"`
}

type errorEnvelope struct {
	ID    json.RawMessage `json:"id,omitempty"`
	Error string          `json:"error"`
}

type unknownMethodError struct{ method string }

func (e unknownMethodError) Error() string { return "Unknown method: " + e.method }

// lineWriter serializes one JSON object per line.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return apperr.Wrap(apperr.SerializationError, err)
	}
	b = append(b, '\n')
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(b); err != nil {
		return apperr.Wrap(apperr.IoError, err)
	}
	return nil
}

func (lw *lineWriter) result(id json.RawMessage, v any) error {
	return lw.write(resultEnvelope{ID: id, Result: v})
}

func (lw *lineWriter) fail(id json.RawMessage, err error) error {
	return lw.write(errorEnvelope{ID: id, Error: err.Error()})
}

// decodeRequest parses one input line.
func decodeRequest(line []byte) (types.Request, error) {
	var req types.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return req, apperr.Wrap(apperr.SerializationError, err)
	}
	if req.Method == "" {
		return req, apperr.New(apperr.ConfigError, "Missing method")
	}
	return req, nil
}

// decodeParams unmarshals params into v. Absent or null params leave v zero.
func decodeParams(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Wrapf(apperr.SerializationError, err, "invalid params")
	}
	return nil
}

// dispatch routes one request. Streaming chat writes partial results through
// out before the final result is returned.
func (s *Service) dispatch(ctx context.Context, req types.Request, out *lineWriter) (any, error) {
	switch req.Method {
	case MethodInitialize:
		var p types.InitializeRequest
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.Initialize(ctx, p.ModelPath)
	case MethodChat:
		var p types.ChatRequest
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if !p.Stream {
			return s.Chat(ctx, p, nil)
		}
		sctx, cancel := context.WithCancel(ctx)
		defer cancel()
		var werr error
		resp, err := s.Chat(sctx, p, func(frag string) {
			if werr != nil {
				return
			}
			werr = out.result(req.ID, types.ChatResponse{
				Message: types.ChatMessage{Role: "assistant", Content: frag},
				Done:    false,
			})
			if werr != nil {
				cancel()
			}
		})
		if werr != nil {
			return nil, fmt.Errorf("%w: %w", errOutput, werr)
		}
		return resp, err
	case MethodListModels:
		return s.ListModels(), nil
	case MethodStatus:
		return s.Status(), nil
	case MethodSetSystemPrompt:
		var p types.SystemPromptRequest
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.SetSystemPrompt(ctx, p.Prompt)
	case MethodClearHistory:
		return s.ClearHistory(ctx)
	default:
		return nil, unknownMethodError{method: req.Method}
	}
}
