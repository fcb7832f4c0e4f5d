// Package service implements the line-delimited JSON command service: one
// engine slot behind the model lock, dispatch of initialize, chat and
// list_models, and the stdio read/write loop.
package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/chat"
	"chatd/internal/config"
	"chatd/internal/llm"
)

// Config holds service runtime parameters.
type Config struct {
	// Engine is the template for every loaded engine; ModelPath and Family
	// are set per initialize.
	Engine         chat.Config
	ModelsDir      string
	Warmup         bool
	RequestTimeout time.Duration
}

// ConfigFrom derives service parameters from the loaded configuration.
func ConfigFrom(c config.Config) (Config, error) {
	ec, err := chat.ConfigFrom(c)
	if err != nil {
		return Config{}, err
	}
	warm := true
	if c.Warmup != nil {
		warm = *c.Warmup
	}
	return Config{
		Engine:         ec,
		ModelsDir:      c.ModelsDir,
		Warmup:         warm,
		RequestTimeout: c.RequestTimeout(),
	}, nil
}

// Service owns the engine slot. initialize and chat hold the model lock for
// their whole duration; list_models and status never take it.
type Service struct {
	cfg     Config
	loader  llm.Loader
	log     zerolog.Logger
	pub     EventPublisher
	metrics *Metrics

	// lock is the model lock: a one-slot semaphore so waiters can give up
	// when their context ends.
	lock         chan struct{}
	state        engineState // guarded by lock
	systemPrompt string      // guarded by lock

	snapshot atomic.Pointer[statusSnapshot]
	served   atomic.Uint64
	started  time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// WithPublisher installs an EventPublisher for lifecycle events.
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) {
		if p == nil {
			p = noopPublisher{}
		}
		s.pub = p
	}
}

// WithMetrics installs metrics collectors.
func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

// New returns an uninitialized service.
func New(cfg Config, loader llm.Loader, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		loader:  loader,
		log:     zerolog.Nop(),
		pub:     noopPublisher{},
		lock:    make(chan struct{}, 1),
		state:   uninitialized{},
		started: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics("")
	}
	s.snapshot.Store(&statusSnapshot{state: stateUninitialized})
	return s
}

// Close waits for the model lock and releases any loaded engine.
func (s *Service) Close(ctx context.Context) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	r, ok := s.state.(ready)
	if !ok {
		return nil
	}
	s.state = uninitialized{}
	s.snapshot.Store(&statusSnapshot{state: stateUninitialized})
	return r.engine.Close()
}
