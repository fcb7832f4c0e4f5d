package service

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/apperr"
	"chatd/internal/chat"
	"chatd/internal/registry"
	"chatd/pkg/types"
)

// InitializedMessage is the initialize success result.
const InitializedMessage = "Model initialized successfully"

// Initialize loads the checkpoint at modelPath and swaps it into the slot.
// On failure the previous engine, if any, stays in place.
func (s *Service) Initialize(ctx context.Context, modelPath string) (string, error) {
	if strings.TrimSpace(modelPath) == "" {
		return "", apperr.New(apperr.ConfigError, "Missing model_path parameter")
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	id := modelID(modelPath)
	s.pub.Publish(Event{Name: EventInitializeStart, ModelID: id, Fields: map[string]any{"model_path": modelPath}})
	next, info, err := s.load(ctx, id, modelPath)
	if err != nil {
		s.pub.Publish(Event{Name: EventInitializeFailed, ModelID: id, Fields: map[string]any{"error": err.Error()}})
		return "", err
	}

	prev := s.state
	s.state = ready{engine: next, info: info}
	s.systemPrompt = ""
	s.snapshot.Store(&statusSnapshot{state: stateReady, model: info, warmed: next.Warmed()})
	s.metrics.loaded()
	s.pub.Publish(Event{Name: EventInitializeReady, ModelID: id, Fields: map[string]any{"path": info.Path, "device": info.Device}})

	if old, ok := prev.(ready); ok {
		if cerr := old.engine.Close(); cerr != nil {
			zerolog.Ctx(ctx).Warn().Err(cerr).Str("model", old.info.ID).Msg("close replaced engine")
		}
		s.pub.Publish(Event{Name: EventEngineReplaced, ModelID: id, Fields: map[string]any{"previous": old.info.ID}})
	}
	return InitializedMessage, nil
}

func (s *Service) load(ctx context.Context, id, modelPath string) (*chat.Engine, loadedModel, error) {
	path, err := registry.ResolveCheckpoint(modelPath, s.cfg.ModelsDir)
	if err != nil {
		return nil, loadedModel{}, err
	}
	ecfg := s.cfg.Engine
	ecfg.ModelPath = path
	ecfg.Family = registry.Family(modelPath)
	eng, err := chat.New(ctx, ecfg, s.loader, s.log)
	if err != nil {
		return nil, loadedModel{}, err
	}
	if s.cfg.Warmup {
		if err := eng.Warmup(ctx); err != nil {
			_ = eng.Close()
			return nil, loadedModel{}, err
		}
	}
	return eng, loadedModel{
		ID:       id,
		Path:     path,
		Family:   ecfg.Family,
		Device:   ecfg.Device.String(),
		LoadedAt: time.Now(),
	}, nil
}

// modelID names a model by the last element of its path, without .gguf.
func modelID(modelPath string) string {
	base := filepath.Base(filepath.Clean(strings.TrimSpace(modelPath)))
	if strings.EqualFold(filepath.Ext(base), ".gguf") {
		base = base[:len(base)-len(".gguf")]
	}
	return base
}

// Chat replaces the engine history with every message but the last, then
// generates a reply to the last. onToken, when set, receives streamed
// fragments in order.
func (s *Service) Chat(ctx context.Context, req types.ChatRequest, onToken func(string)) (types.ChatResponse, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	release, err := s.acquire(ctx)
	if err != nil {
		return types.ChatResponse{}, err
	}
	defer release()

	r, ok := s.state.(ready)
	if !ok {
		return types.ChatResponse{}, apperr.New(apperr.ConfigError, "Model not initialized")
	}
	if len(req.Messages) == 0 {
		return types.ChatResponse{}, apperr.New(apperr.ConfigError, "No messages provided")
	}

	eng := r.engine
	eng.ClearHistory()
	if s.systemPrompt != "" {
		eng.SetSystemPrompt(s.systemPrompt)
	}
	for _, m := range req.Messages[:len(req.Messages)-1] {
		eng.AppendHistory(chat.NewMessage(chat.ParseRole(m.Role), m.Content))
	}
	last := req.Messages[len(req.Messages)-1]
	zerolog.Ctx(ctx).Debug().Str("model", req.Model).Int("replayed", len(req.Messages)-1).Bool("stream", onToken != nil).Msg("chat")
	ov := chat.Overrides{Temperature: req.Temperature, MaxNewTokens: req.MaxTokens}

	s.pub.Publish(Event{Name: EventChatStart, ModelID: r.info.ID, Fields: map[string]any{"messages": len(req.Messages), "stream": onToken != nil}})
	var reply string
	if onToken != nil {
		reply, err = eng.ChatStreaming(ctx, last.Content, ov, onToken)
	} else {
		reply, err = eng.Chat(ctx, last.Content, ov)
	}
	stats := eng.LastStats()
	s.metrics.addTokens(stats.GeneratedTokens)
	if err != nil {
		s.pub.Publish(Event{Name: EventChatFailed, ModelID: r.info.ID, Fields: map[string]any{"error": err.Error()}})
		return types.ChatResponse{}, err
	}
	s.served.Add(1)
	s.pub.Publish(Event{Name: EventChatDone, ModelID: r.info.ID, Fields: map[string]any{"tokens": stats.GeneratedTokens}})
	return types.ChatResponse{
		Message: types.ChatMessage{Role: string(chat.RoleAssistant), Content: reply},
		Done:    true,
	}, nil
}

// ListModels returns the identifiers of known models. It never fails and
// never takes the model lock.
func (s *Service) ListModels() []string {
	return registry.IDs(s.Models())
}

// Models returns the catalog with descriptions and discovered paths.
func (s *Service) Models() []types.Model {
	return registry.Catalog(s.cfg.ModelsDir, s.log)
}

// Status reports the engine slot without taking the model lock.
func (s *Service) Status() types.StatusResponse {
	snap := s.snapshot.Load()
	out := types.StatusResponse{
		State:          snap.state,
		RequestsServed: s.served.Load(),
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
	}
	if snap.state == stateReady {
		out.Model = snap.model.ID
		out.ModelPath = snap.model.Path
		out.Family = snap.model.Family
		out.Device = snap.model.Device
		out.Warmed = snap.warmed
		out.LoadedAtUnix = snap.model.LoadedAt.Unix()
	}
	return out
}

// SetSystemPrompt sets a system prompt for the loaded model. chat applies
// it before replaying messages, so a system message in the request still
// replaces it. Loading another model drops it.
func (s *Service) SetSystemPrompt(ctx context.Context, prompt string) (string, error) {
	return s.withEngine(ctx, func(e *chat.Engine) string {
		s.systemPrompt = prompt
		e.SetSystemPrompt(prompt)
		return "System prompt set"
	})
}

// ClearHistory empties the loaded engine's history and drops the system
// prompt set by SetSystemPrompt.
func (s *Service) ClearHistory(ctx context.Context) (string, error) {
	return s.withEngine(ctx, func(e *chat.Engine) string {
		s.systemPrompt = ""
		e.ClearHistory()
		return "History cleared"
	})
}

func (s *Service) withEngine(ctx context.Context, fn func(*chat.Engine) string) (string, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	r, ok := s.state.(ready)
	if !ok {
		return "", apperr.New(apperr.ConfigError, "Model not initialized")
	}
	return fn(r.engine), nil
}
