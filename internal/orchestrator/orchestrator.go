// Package orchestrator owns the agentic loop for one conversation
// turn: it alternates between calling the model and dispatching the
// tools the model asks for, bounded by an iteration cap, and persists
// exactly one (user, assistant) message pair per successful turn.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"atelier/internal/citation"
	"atelier/internal/config"
	"atelier/internal/conversation"
	"atelier/internal/llm"
	"atelier/internal/tools"
	"atelier/internal/usage"
)

// Config holds the immutable loop parameters, fixed at construction.
type Config struct {
	Model           string
	MaxIterations   int
	CallTimeout     time.Duration
	ToolTimeout     time.Duration
	LeaseTTL        time.Duration
	TerminationTool string
	SystemPrompt    string
	Pricing         map[string]config.PricingEntry
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Minute
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.TerminationTool == "" {
		c.TerminationTool = "finalize_document"
	}
}

// ConversationStore is the slice of the conversation store the loop
// needs: read history, append one completed turn.
type ConversationStore interface {
	Messages(ctx context.Context, convID string) ([]conversation.Message, error)
	AppendTurn(ctx context.Context, convID, userText, assistantText string, u conversation.TurnUsage) (*conversation.Message, *conversation.Message, error)
}

// UsageRecorder receives one usage record per successful turn.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// TurnObserver is notified after a turn has been persisted and its
// lease released. Implemented by the enrichment scheduler.
type TurnObserver interface {
	OnTurnCompleted(conversationID string)
}

// TurnOutcome is the result of one successful turn.
type TurnOutcome struct {
	UserMessage      *conversation.Message
	AssistantMessage *conversation.Message
	Citations        []citation.Citation
	Iterations       int
	Usage            conversation.TurnUsage
}

// Orchestrator runs turns. Safe for concurrent use across
// conversations; turns within one conversation are serialized by the
// lease table.
type Orchestrator struct {
	cfg       Config
	client    llm.Client
	registry  *tools.Registry
	store     ConversationStore
	citations *citation.Resolver
	recorder  UsageRecorder
	observer  TurnObserver
	leases    *leaseTable
	logger    *slog.Logger
}

// Option configures optional orchestrator collaborators.
type Option func(*Orchestrator)

// WithUsageRecorder attaches a per-turn usage recorder.
func WithUsageRecorder(r UsageRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithTurnObserver attaches a post-turn observer.
func WithTurnObserver(obs TurnObserver) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// New creates an orchestrator.
func New(cfg Config, client llm.Client, registry *tools.Registry, store ConversationStore, resolver *citation.Resolver, logger *slog.Logger, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:       cfg,
		client:    client,
		registry:  registry,
		store:     store,
		citations: resolver,
		leases:    newLeaseTable(cfg.LeaseTTL),
		logger:    logger.With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunTurn executes one turn: the user text goes into the working
// transcript, the loop runs until the model stops asking for tools or
// the termination tool fires, and on success exactly the user message
// and the final assistant message are appended durably. On any
// loop-fatal error nothing is persisted and the conversation is left
// as it was.
func (o *Orchestrator) RunTurn(ctx context.Context, convID, userText string) (outcome *TurnOutcome, err error) {
	if userText == "" {
		return nil, fmt.Errorf("empty user text")
	}

	token, ok := o.leases.TryAcquire(convID)
	if !ok {
		return nil, fmt.Errorf("%w for conversation %s", ErrTurnInProgress, convID)
	}
	defer func() {
		o.leases.Release(convID, token)
		// Enrichment starts only after the lease is gone, so its
		// reads see the completed turn and never contend with it.
		if outcome != nil && o.observer != nil {
			o.observer.OnTurnCompleted(convID)
		}
	}()

	history, err := o.store.Messages(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	transcript := make([]llm.Message, 0, len(history)+2)
	if o.cfg.SystemPrompt != "" {
		transcript = append(transcript, llm.Message{Role: "system", Content: o.cfg.SystemPrompt})
	}
	for _, m := range history {
		transcript = append(transcript, llm.Message{Role: m.Role, Content: m.Content})
	}
	transcript = append(transcript, llm.Message{Role: "user", Content: userText})

	finalText, iterations, turnUsage, err := o.runLoop(ctx, convID, transcript)
	if err != nil {
		return nil, err
	}

	annotated, citations := o.citations.Resolve(finalText)
	turnUsage.CostUSD = usage.ComputeCost(o.cfg.Model, turnUsage.InputTokens, turnUsage.OutputTokens, o.cfg.Pricing)

	userMsg, assistantMsg, err := o.store.AppendTurn(ctx, convID, userText, annotated, turnUsage)
	if err != nil {
		return nil, fmt.Errorf("persist turn: %w", err)
	}

	o.recordUsage(ctx, convID, assistantMsg.ID, turnUsage)
	o.logger.Info("turn completed",
		"conversation_id", convID,
		"iterations", iterations,
		"citations", len(citations),
		"input_tokens", turnUsage.InputTokens,
		"output_tokens", turnUsage.OutputTokens,
	)

	return &TurnOutcome{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Citations:        citations,
		Iterations:       iterations,
		Usage:            turnUsage,
	}, nil
}

// runLoop drives the model/tool alternation and returns the final
// assistant text. All intermediate tool results live only in the
// working transcript passed through here.
func (o *Orchestrator) runLoop(ctx context.Context, convID string, transcript []llm.Message) (string, int, conversation.TurnUsage, error) {
	defs := o.registry.Definitions()
	tc := &tools.TurnContext{ConversationID: convID}
	turnUsage := conversation.TurnUsage{Model: o.cfg.Model}

	for iteration := 1; iteration <= o.cfg.MaxIterations; iteration++ {
		tc.Iteration = iteration

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		resp, err := o.client.Chat(callCtx, o.cfg.Model, transcript, defs)
		cancel()
		if err != nil {
			return "", iteration, turnUsage, fmt.Errorf("%w: %v", ErrModelTransport, err)
		}
		turnUsage.InputTokens += resp.InputTokens
		turnUsage.OutputTokens += resp.OutputTokens
		transcript = append(transcript, resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			return resp.Message.Content, iteration, turnUsage, nil
		}

		o.logger.Debug("dispatching tools",
			"conversation_id", convID,
			"iteration", iteration,
			"calls", len(resp.Message.ToolCalls),
		)

		// Emission order, sequentially: later calls may depend on
		// earlier side effects.
		for _, call := range resp.Message.ToolCalls {
			inv := tools.Invocation{ID: call.ID, Name: call.Name, Input: call.Arguments}

			toolCtx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
			res := o.registry.Execute(toolCtx, inv, tc)
			cancel()

			if !res.OK {
				o.logger.Warn("tool failed",
					"conversation_id", convID,
					"tool", call.Name,
					"error", res.Err,
				)
			}
			transcript = append(transcript, llm.Message{
				Role:       "tool",
				Content:    res.Summary,
				ToolCallID: call.ID,
			})

			if res.OK && call.Name == o.cfg.TerminationTool {
				// Terminal: the tool's declared output is the final
				// answer. Remaining calls in this response are skipped.
				finalText, _ := res.Data["final_text"].(string)
				if finalText == "" {
					finalText = res.Summary
				}
				return finalText, iteration, turnUsage, nil
			}
		}
	}

	return "", o.cfg.MaxIterations, turnUsage, fmt.Errorf("%w (%d iterations)", ErrIterationCap, o.cfg.MaxIterations)
}

func (o *Orchestrator) recordUsage(ctx context.Context, convID, turnID string, u conversation.TurnUsage) {
	if o.recorder == nil {
		return
	}
	err := o.recorder.Record(ctx, usage.Record{
		ConversationID: convID,
		TurnID:         turnID,
		Model:          u.Model,
		InputTokens:    u.InputTokens,
		OutputTokens:   u.OutputTokens,
		CostUSD:        u.CostUSD,
	})
	if err != nil {
		o.logger.Warn("usage record failed", "conversation_id", convID, "error", err)
	}
}
