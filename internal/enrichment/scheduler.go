// Package enrichment derives conversation metadata (title, topic
// signals) in the background, off the turn's critical path. Tasks are
// fire-and-forget: they are scheduled when a turn completes, tolerate
// concurrent conversation deletion, and absorb every failure.
package enrichment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"atelier/internal/conversation"
	"atelier/internal/llm"
)

// Clock abstracts timer creation so tests can drive schedules with a
// fake clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending task.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Store is the slice of the conversation store enrichment needs.
type Store interface {
	Get(ctx context.Context, id string) (*conversation.Conversation, error)
	Messages(ctx context.Context, id string) ([]conversation.Message, error)
	UserTurns(ctx context.Context, id string) (int, error)
	SetTitle(ctx context.Context, id, title string) (bool, error)
	SetSignals(ctx context.Context, id string, signals []conversation.StudioSignal) (bool, error)
}

// UpdateListener is notified when an enrichment write lands, so the
// API layer can push the change to connected clients.
type UpdateListener interface {
	EnrichmentUpdated(kind, conversationID string, payload any)
}

// Config holds scheduler timings and bounds.
type Config struct {
	SignalsDelay     time.Duration
	TitleDelay       time.Duration
	MinTurnsForTitle int
	MaxConcurrent    int64
	Model            string
	Timeout          time.Duration
}

func (c *Config) applyDefaults() {
	if c.SignalsDelay <= 0 {
		c.SignalsDelay = 5 * time.Second
	}
	if c.TitleDelay <= 0 {
		c.TitleDelay = 30 * time.Second
	}
	if c.MinTurnsForTitle <= 0 {
		c.MinTurnsForTitle = 2
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
}

// Scheduler schedules the per-turn enrichment tasks. One pending task
// exists per (conversation, kind); a newer turn replaces the pending
// timer rather than stacking another.
type Scheduler struct {
	cfg      Config
	client   llm.Client
	store    Store
	clock    Clock
	sem      *semaphore.Weighted
	listener UpdateListener
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	timers  map[string]Timer
	wg      sync.WaitGroup
}

// Option configures optional scheduler collaborators.
type Option func(*Scheduler)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithUpdateListener attaches a listener for landed writes.
func WithUpdateListener(l UpdateListener) Option {
	return func(s *Scheduler) { s.listener = l }
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg Config, client llm.Client, store Store, logger *slog.Logger, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		cfg:     cfg,
		client:  client,
		store:   store,
		clock:   realClock{},
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:  logger.With("component", "enrichment"),
		running: true,
		timers:  make(map[string]Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnTurnCompleted schedules the signals and title tasks for a
// conversation. Returns immediately; the turn result already returned
// to the caller is never affected by anything that happens here.
func (s *Scheduler) OnTurnCompleted(conversationID string) {
	s.schedule(conversationID, "signals", s.cfg.SignalsDelay, s.deriveSignals)
	s.schedule(conversationID, "title", s.cfg.TitleDelay, s.deriveTitle)
}

func (s *Scheduler) schedule(convID, kind string, delay time.Duration, task func(ctx context.Context, convID string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	key := convID + "/" + kind
	if old, ok := s.timers[key]; ok {
		if old.Stop() {
			s.wg.Done()
		}
	}
	// Each pending timer holds one waitgroup count, added here rather
	// than in the fired callback so Stop's Wait can never race a
	// timer that has fired but not yet registered. The count is
	// released by runTask, or by whoever stops the timer first.
	s.wg.Add(1)
	s.timers[key] = s.clock.AfterFunc(delay, func() {
		s.runTask(key, convID, kind, task)
	})
}

func (s *Scheduler) runTask(key, convID, kind string, task func(ctx context.Context, convID string) error) {
	defer s.wg.Done()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.logger.Warn("enrichment task skipped", "kind", kind, "conversation_id", convID, "error", err)
		return
	}
	defer s.sem.Release(1)

	if err := task(ctx, convID); err != nil {
		s.logger.Warn("enrichment task failed", "kind", kind, "conversation_id", convID, "error", err)
	}
}

// Cancel stops any pending tasks for a conversation. Called when the
// conversation is deleted; tasks already running will notice the
// missing row themselves.
func (s *Scheduler) Cancel(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range []string{"signals", "title"} {
		key := conversationID + "/" + kind
		if timer, ok := s.timers[key]; ok {
			if timer.Stop() {
				s.wg.Done()
			}
			delete(s.timers, key)
		}
	}
}

// Stop cancels pending timers and waits for in-flight tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for key, timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, key)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("enrichment scheduler stopped")
}

func (s *Scheduler) notify(kind, convID string, payload any) {
	if s.listener != nil {
		s.listener.EnrichmentUpdated(kind, convID, payload)
	}
}
