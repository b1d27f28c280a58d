package enrichment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"atelier/internal/conversation"
	"atelier/internal/llm"
)

// fakeClock fires timers synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{deadline: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock and runs every due, unstopped timer inline.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.deadline.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

// fakeClient returns one scripted response per call, or an error.
type fakeClient struct {
	mu        sync.Mutex
	responses map[string]string // system prompt prefix -> content
	err       error
	calls     int
}

func (f *fakeClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	for prefix, content := range f.responses {
		if len(messages) > 0 && messages[0].Role == "system" &&
			len(messages[0].Content) >= len(prefix) && messages[0].Content[:len(prefix)] == prefix {
			return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: content}}, nil
		}
	}
	return nil, fmt.Errorf("unscripted prompt")
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

// fakeStore is an in-memory enrichment.Store.
type fakeStore struct {
	mu       sync.Mutex
	conv     *conversation.Conversation
	msgs     []conversation.Message
	deleted  bool
	titleSet string
	signals  []conversation.StudioSignal
}

func (f *fakeStore) Get(ctx context.Context, id string) (*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted || f.conv == nil {
		return nil, conversation.ErrNotFound
	}
	c := *f.conv
	return &c, nil
}

func (f *fakeStore) Messages(ctx context.Context, id string) ([]conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted {
		return nil, conversation.ErrNotFound
	}
	return f.msgs, nil
}

func (f *fakeStore) UserTurns(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.Role == "user" {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) SetTitle(ctx context.Context, id, title string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted || f.conv.Title != "" {
		return false, nil
	}
	f.conv.Title = title
	f.titleSet = title
	return true, nil
}

func (f *fakeStore) SetSignals(ctx context.Context, id string, signals []conversation.StudioSignal) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted {
		return false, nil
	}
	f.signals = signals
	return true, nil
}

type recordingListener struct {
	mu      sync.Mutex
	updates []string // "kind:convID"
}

func (r *recordingListener) EnrichmentUpdated(kind, convID string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, kind+":"+convID)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func twoTurnStore() *fakeStore {
	return &fakeStore{
		conv: &conversation.Conversation{ID: "c1"},
		msgs: []conversation.Message{
			{Role: "user", Content: "Summarize the report"},
			{Role: "assistant", Content: "It covers Q3 revenue."},
			{Role: "user", Content: "What about costs?"},
			{Role: "assistant", Content: "Costs held flat."},
		},
	}
}

func newTestScheduler(t *testing.T, client llm.Client, store Store, clock Clock, listener UpdateListener) *Scheduler {
	t.Helper()
	s := NewScheduler(Config{
		SignalsDelay:     5 * time.Second,
		TitleDelay:       30 * time.Second,
		MinTurnsForTitle: 2,
	}, client, store, testLogger(),
		WithClock(clock), WithUpdateListener(listener))
	t.Cleanup(s.Stop)
	return s
}

func TestSignalsDerivedAfterDelay(t *testing.T) {
	clock := newFakeClock()
	store := twoTurnStore()
	listener := &recordingListener{}
	client := &fakeClient{responses: map[string]string{
		"Analyze": `[{"label": "revenue", "score": 0.9}, {"label": "costs", "score": 0.6}]`,
	}}
	s := newTestScheduler(t, client, store, clock, listener)

	s.OnTurnCompleted("c1")

	// Before the delay nothing has run.
	clock.Advance(4 * time.Second)
	if store.signals != nil {
		t.Fatal("signals written before delay elapsed")
	}

	clock.Advance(2 * time.Second)
	if len(store.signals) != 2 || store.signals[0].Label != "revenue" {
		t.Fatalf("signals = %v", store.signals)
	}
	if len(listener.updates) != 1 || listener.updates[0] != "signals:c1" {
		t.Errorf("listener updates = %v", listener.updates)
	}
}

func TestTitleDerivedWhenEnoughTurns(t *testing.T) {
	clock := newFakeClock()
	store := twoTurnStore()
	client := &fakeClient{responses: map[string]string{
		"Analyze": `[{"label": "x", "score": 1}]`,
		"Write":   `{"title": "Q3 financial review"}`,
	}}
	s := newTestScheduler(t, client, store, clock, &recordingListener{})

	s.OnTurnCompleted("c1")
	clock.Advance(31 * time.Second)

	if store.titleSet != "Q3 financial review" {
		t.Errorf("title = %q", store.titleSet)
	}
}

func TestTitleGatedOnMinTurns(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{
		conv: &conversation.Conversation{ID: "c1"},
		msgs: []conversation.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	}
	client := &fakeClient{responses: map[string]string{
		"Analyze": `[{"label": "x", "score": 1}]`,
		"Write":   `{"title": "should not land"}`,
	}}
	s := newTestScheduler(t, client, store, clock, &recordingListener{})

	s.OnTurnCompleted("c1")
	clock.Advance(time.Minute)

	if store.titleSet != "" {
		t.Errorf("title set with only one user turn: %q", store.titleSet)
	}
}

func TestTitleNotOverwritten(t *testing.T) {
	clock := newFakeClock()
	store := twoTurnStore()
	store.conv.Title = "User chose this"
	client := &fakeClient{responses: map[string]string{
		"Analyze": `[{"label": "x", "score": 1}]`,
	}}
	s := newTestScheduler(t, client, store, clock, &recordingListener{})

	s.OnTurnCompleted("c1")
	calls := client.calls
	clock.Advance(time.Minute)

	if store.conv.Title != "User chose this" {
		t.Errorf("title = %q", store.conv.Title)
	}
	// Only the signals call happened; the title task bailed before
	// reaching the model.
	if client.calls != calls+1 {
		t.Errorf("model calls = %d, want %d", client.calls, calls+1)
	}
}

func TestFailureIsIsolated(t *testing.T) {
	clock := newFakeClock()
	store := twoTurnStore()
	listener := &recordingListener{}
	client := &fakeClient{responses: map[string]string{
		"Write": `{"title": "Still works"}`,
		// "Analyze" unscripted: signals call fails.
	}}
	s := newTestScheduler(t, client, store, clock, listener)

	s.OnTurnCompleted("c1")
	clock.Advance(time.Minute)

	if store.signals != nil {
		t.Errorf("signals written despite failure: %v", store.signals)
	}
	if store.titleSet != "Still works" {
		t.Errorf("title task affected by signals failure: %q", store.titleSet)
	}
}

func TestDeletedConversationTolerated(t *testing.T) {
	clock := newFakeClock()
	store := twoTurnStore()
	listener := &recordingListener{}
	client := &fakeClient{responses: map[string]string{
		"Analyze": `[{"label": "x", "score": 1}]`,
		"Write":   `{"title": "t"}`,
	}}
	s := newTestScheduler(t, client, store, clock, listener)

	s.OnTurnCompleted("c1")
	store.mu.Lock()
	store.deleted = true
	store.mu.Unlock()
	clock.Advance(time.Minute)

	if len(listener.updates) != 0 {
		t.Errorf("updates after deletion = %v", listener.updates)
	}
}

func TestReschedulingReplacesPendingTimer(t *testing.T) {
	clock := newFakeClock()
	store := twoTurnStore()
	client := &fakeClient{responses: map[string]string{
		"Analyze": `[{"label": "x", "score": 1}]`,
		"Write":   `{"title": "t"}`,
	}}
	s := newTestScheduler(t, client, store, clock, &recordingListener{})

	s.OnTurnCompleted("c1")
	clock.Advance(3 * time.Second)
	s.OnTurnCompleted("c1") // replaces both pending timers
	clock.Advance(3 * time.Second)

	// The original signals timer (due at t+5s) was replaced; nothing
	// has fired yet.
	if client.calls != 0 {
		t.Fatalf("calls after replaced timer's deadline = %d, want 0", client.calls)
	}

	clock.Advance(3 * time.Second)
	if client.calls != 1 {
		t.Errorf("signals calls = %d, want 1", client.calls)
	}
}

func TestCancelStopsConversationTasks(t *testing.T) {
	clock := newFakeClock()
	store := twoTurnStore()
	client := &fakeClient{responses: map[string]string{
		"Analyze": `[{"label": "x", "score": 1}]`,
		"Write":   `{"title": "t"}`,
	}}
	s := newTestScheduler(t, client, store, clock, &recordingListener{})

	s.OnTurnCompleted("c1")
	s.Cancel("c1")
	clock.Advance(time.Minute)

	if client.calls != 0 {
		t.Errorf("calls after Cancel = %d, want 0", client.calls)
	}

	// Cancel only removes pending timers; a later turn reschedules.
	s.OnTurnCompleted("c1")
	clock.Advance(time.Minute)
	if client.calls == 0 {
		t.Error("rescheduling after Cancel should fire")
	}
}

func TestStopCancelsPending(t *testing.T) {
	clock := newFakeClock()
	store := twoTurnStore()
	client := &fakeClient{responses: map[string]string{
		"Analyze": `[{"label": "x", "score": 1}]`,
	}}
	s := NewScheduler(Config{SignalsDelay: 5 * time.Second, TitleDelay: 30 * time.Second},
		client, store, testLogger(), WithClock(clock))

	s.OnTurnCompleted("c1")
	s.Stop()
	clock.Advance(time.Minute)

	if client.calls != 0 {
		t.Errorf("calls after Stop = %d, want 0", client.calls)
	}

	// Scheduling after Stop is a no-op.
	s.OnTurnCompleted("c1")
	clock.Advance(time.Minute)
	if client.calls != 0 {
		t.Errorf("calls after post-Stop schedule = %d, want 0", client.calls)
	}
}

func TestStopAccountsForStoppedAndFiredTimers(t *testing.T) {
	clock := newFakeClock()
	store := twoTurnStore()
	client := &fakeClient{responses: map[string]string{
		"Analyze": `[{"label": "x", "score": 1}]`,
		"Write":   `{"title": "t"}`,
	}}
	s := newTestScheduler(t, client, store, clock, &recordingListener{})

	// Mix every way a pending timer can die: replaced, cancelled,
	// fired, and stopped at shutdown. Unbalanced waitgroup counts
	// panic or hang Stop.
	s.OnTurnCompleted("c1")
	s.OnTurnCompleted("c1") // replaces both pending timers
	s.OnTurnCompleted("c2")
	s.Cancel("c2")
	clock.Advance(10 * time.Second) // fires c1 signals, leaves c1 title pending

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	if client.calls != 1 {
		t.Errorf("model calls = %d, want 1 (c1 signals only)", client.calls)
	}
}

func TestParseSignalsFallback(t *testing.T) {
	logger := testLogger()

	signals := parseSignalsResponse("```json\n[{\"label\": \"a\", \"score\": 0.5}]\n```", logger)
	if len(signals) != 1 || signals[0].Label != "a" {
		t.Errorf("fenced parse = %v", signals)
	}

	signals = parseSignalsResponse("revenue, costs, outlook", logger)
	if len(signals) != 3 || signals[1].Label != "costs" {
		t.Errorf("raw fallback = %v", signals)
	}
}

func TestParseTitleFallback(t *testing.T) {
	logger := testLogger()

	if got := parseTitleResponse(`{"title": "Clean JSON"}`, logger); got != "Clean JSON" {
		t.Errorf("json parse = %q", got)
	}
	if got := parseTitleResponse(`"A plain quoted title"`, logger); got != "A plain quoted title" {
		t.Errorf("raw fallback = %q", got)
	}
}
