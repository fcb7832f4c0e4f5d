package service

import (
	"context"
	"time"

	"chatd/internal/chat"
)

// engineState is the engine slot: uninitialized or ready.
type engineState interface{ isEngineState() }

type uninitialized struct{}

type ready struct {
	engine *chat.Engine
	info   loadedModel
}

func (uninitialized) isEngineState() {}
func (ready) isEngineState()         {}

type loadedModel struct {
	ID       string
	Path     string
	Family   string
	Device   string
	LoadedAt time.Time
}

const (
	stateUninitialized = "uninitialized"
	stateReady         = "ready"
)

// statusSnapshot is published after every state change so status can be
// answered without the model lock.
type statusSnapshot struct {
	state  string
	model  loadedModel
	warmed bool
}

// acquire takes the model lock. It returns a release func to be deferred.
func (s *Service) acquire(ctx context.Context) (func(), error) {
	select {
	case s.lock <- struct{}{}:
		return func() { <-s.lock }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	}
}

// withTimeout applies the per-request deadline, if configured.
func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}
