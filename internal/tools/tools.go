// Package tools defines the capabilities the orchestrator can dispatch
// mid-turn: the invocation/result contract, the executor interface,
// and the registry that maps tool names to executors.
package tools

import (
	"context"
	"fmt"
)

// Invocation is one tool call emitted by the model. ID is opaque and
// correlates the call with its Result in the working transcript.
type Invocation struct {
	ID    string
	Name  string
	Input map[string]any
}

// Result is the outcome of one invocation. Summary is the text fed
// back to the model; Data carries structured fields for the caller.
type Result struct {
	InvocationID string
	OK           bool
	Summary      string
	Data         map[string]any
	Err          string
}

// Definition describes one tool for the model: its name, what it
// does, and a JSON schema for its input.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// TurnContext carries per-turn state into executors. Document is
// mutated by the document executor across iterations of one turn and
// discarded when the turn ends.
type TurnContext struct {
	ConversationID string
	Iteration      int
	Document       *DocumentState
}

// Executor handles one capability family. Execute is called once per
// invocation; executors keep no state of their own between calls.
type Executor interface {
	Definitions() []Definition
	Execute(ctx context.Context, inv Invocation, tc *TurnContext) Result
}

// Registry maps tool names to their executors. Built once at startup;
// read-only afterwards.
type Registry struct {
	executors map[string]Executor
	defs      []Definition
}

// NewRegistry builds a registry from the given executors. Two
// executors claiming the same tool name is a construction error.
func NewRegistry(executors ...Executor) (*Registry, error) {
	r := &Registry{executors: make(map[string]Executor)}
	for _, ex := range executors {
		for _, def := range ex.Definitions() {
			if _, dup := r.executors[def.Name]; dup {
				return nil, fmt.Errorf("duplicate tool name %q", def.Name)
			}
			r.executors[def.Name] = ex
			r.defs = append(r.defs, def)
		}
	}
	return r, nil
}

// Resolve returns the executor responsible for a tool name.
func (r *Registry) Resolve(name string) (Executor, bool) {
	ex, ok := r.executors[name]
	return ex, ok
}

// Definitions returns the tool list in OpenAI function format, ready
// for llm.Client.Chat.
func (r *Registry) Definitions() []map[string]any {
	out := make([]map[string]any, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        def.Name,
				"description": def.Description,
				"parameters":  def.Parameters,
			},
		})
	}
	return out
}

// Execute resolves and dispatches one invocation. Unknown tools and
// executor failures both come back as failed Results so the caller can
// feed them to the model instead of aborting the turn.
func (r *Registry) Execute(ctx context.Context, inv Invocation, tc *TurnContext) Result {
	ex, ok := r.Resolve(inv.Name)
	if !ok {
		err := &ErrToolUnavailable{ToolName: inv.Name}
		return Result{InvocationID: inv.ID, OK: false, Err: err.Error(), Summary: err.Error()}
	}
	res := ex.Execute(ctx, inv, tc)
	res.InvocationID = inv.ID
	return res
}

// failure builds a failed Result for an invocation.
func failure(inv Invocation, format string, args ...any) Result {
	msg := fmt.Sprintf(format, args...)
	return Result{InvocationID: inv.ID, OK: false, Err: msg, Summary: "Error: " + msg}
}

// stringArg extracts a required non-empty string argument.
func stringArg(inv Invocation, key string) (string, error) {
	v, ok := inv.Input[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}

// optStringArg extracts an optional string argument, empty if absent.
func optStringArg(inv Invocation, key string) string {
	s, _ := inv.Input[key].(string)
	return s
}

// intArg extracts an optional integer argument with a default. JSON
// numbers decode as float64.
func intArg(inv Invocation, key string, def int) int {
	switch v := inv.Input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
