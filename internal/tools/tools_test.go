package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"atelier/internal/artifact"
	"atelier/internal/source"
)

type echoExecutor struct {
	names []string
}

func (e *echoExecutor) Definitions() []Definition {
	defs := make([]Definition, 0, len(e.names))
	for _, name := range e.names {
		defs = append(defs, Definition{
			Name:       name,
			Parameters: map[string]any{"type": "object"},
		})
	}
	return defs
}

func (e *echoExecutor) Execute(ctx context.Context, inv Invocation, tc *TurnContext) Result {
	return Result{OK: true, Summary: "echo " + inv.Name}
}

func TestRegistryResolve(t *testing.T) {
	r, err := NewRegistry(&echoExecutor{names: []string{"alpha", "beta"}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if _, ok := r.Resolve("alpha"); !ok {
		t.Error("expected alpha to resolve")
	}
	if _, ok := r.Resolve("gamma"); ok {
		t.Error("expected gamma to be unknown")
	}
}

func TestRegistryDuplicateName(t *testing.T) {
	_, err := NewRegistry(
		&echoExecutor{names: []string{"alpha"}},
		&echoExecutor{names: []string{"alpha"}},
	)
	if err == nil {
		t.Fatal("expected construction error for duplicate tool name")
	}
	if !strings.Contains(err.Error(), "alpha") {
		t.Errorf("error = %v, want it to name the duplicate", err)
	}
}

func TestRegistryDefinitionsFormat(t *testing.T) {
	r, err := NewRegistry(&echoExecutor{names: []string{"alpha"}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	defs := r.Definitions()
	if len(defs) != 1 {
		t.Fatalf("definitions = %d, want 1", len(defs))
	}
	if defs[0]["type"] != "function" {
		t.Errorf("type = %v, want function", defs[0]["type"])
	}
	fn, ok := defs[0]["function"].(map[string]any)
	if !ok {
		t.Fatal("expected function object")
	}
	if fn["name"] != "alpha" {
		t.Errorf("name = %v, want alpha", fn["name"])
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r, _ := NewRegistry(&echoExecutor{names: []string{"alpha"}})

	res := r.Execute(context.Background(), Invocation{ID: "inv-1", Name: "missing"}, &TurnContext{})
	if res.OK {
		t.Error("expected failed result for unknown tool")
	}
	if res.InvocationID != "inv-1" {
		t.Errorf("invocation ID = %q, want inv-1", res.InvocationID)
	}
	if !strings.Contains(res.Err, "missing") {
		t.Errorf("err = %q, want it to name the tool", res.Err)
	}
}

func writeTestSource(t *testing.T, dir, id, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, id+".json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestArtifacts(t *testing.T) *artifact.Store {
	t.Helper()
	s, err := artifact.NewStore(t.TempDir(), "/v1/artifacts")
	if err != nil {
		t.Fatalf("artifact.NewStore: %v", err)
	}
	return s
}

func TestFileExecutorCreateFile(t *testing.T) {
	fe := NewFileExecutor(newTestArtifacts(t))
	ctx := context.Background()

	res := fe.Execute(ctx, Invocation{
		ID:    "inv-1",
		Name:  "create_file",
		Input: map[string]any{"filename": "notes.txt", "content": "hello"},
	}, &TurnContext{})

	if !res.OK {
		t.Fatalf("expected success, got %q", res.Err)
	}
	if res.Data["filename"] != "notes.txt" {
		t.Errorf("filename = %v", res.Data["filename"])
	}
	if res.Data["url"] != "/v1/artifacts/notes.txt" {
		t.Errorf("url = %v", res.Data["url"])
	}
}

func TestFileExecutorRejectsEscape(t *testing.T) {
	fe := NewFileExecutor(newTestArtifacts(t))

	res := fe.Execute(context.Background(), Invocation{
		Name:  "create_file",
		Input: map[string]any{"filename": "../outside.txt", "content": "x"},
	}, &TurnContext{})
	if res.OK {
		t.Error("expected failure for path escape")
	}
}

func TestFileExecutorMissingArgs(t *testing.T) {
	fe := NewFileExecutor(newTestArtifacts(t))

	res := fe.Execute(context.Background(), Invocation{
		Name:  "create_file",
		Input: map[string]any{"filename": "a.txt"},
	}, &TurnContext{})
	if res.OK {
		t.Error("expected failure for missing content")
	}
	if !strings.Contains(res.Err, "content") {
		t.Errorf("err = %q, want it to name the missing argument", res.Err)
	}
}

func TestExtractExecutor(t *testing.T) {
	dir := t.TempDir()
	writeTestSource(t, dir, "report", `{
		"title": "Q3 Report",
		"pages": [
			{"number": 1, "chunks": ["Revenue grew.", "Costs held."]},
			{"number": 2, "chunks": ["Outlook positive."]}
		]
	}`)
	ee := NewExtractExecutor(source.NewStore(dir))
	ctx := context.Background()

	res := ee.Execute(ctx, Invocation{
		Name:  "extract_data",
		Input: map[string]any{"source_id": "report"},
	}, &TurnContext{})
	if !res.OK {
		t.Fatalf("expected success, got %q", res.Err)
	}
	if !strings.Contains(res.Summary, "report_page_1_chunk_0") {
		t.Errorf("summary missing locator labels: %q", res.Summary)
	}
	if res.Data["chunks"] != 3 {
		t.Errorf("chunks = %v, want 3", res.Data["chunks"])
	}

	// Page filter, JSON-shaped float input.
	res = ee.Execute(ctx, Invocation{
		Name:  "extract_data",
		Input: map[string]any{"source_id": "report", "page": float64(2)},
	}, &TurnContext{})
	if !res.OK {
		t.Fatalf("expected success, got %q", res.Err)
	}
	if strings.Contains(res.Summary, "Revenue grew.") {
		t.Errorf("page filter leaked page 1 content: %q", res.Summary)
	}

	res = ee.Execute(ctx, Invocation{
		Name:  "extract_data",
		Input: map[string]any{"source_id": "nope"},
	}, &TurnContext{})
	if res.OK {
		t.Error("expected failure for unknown source")
	}
}

func TestChartExecutor(t *testing.T) {
	ce := NewChartExecutor(newTestArtifacts(t))
	ctx := context.Background()

	res := ce.Execute(ctx, Invocation{
		Name: "generate_chart",
		Input: map[string]any{
			"title":      "Revenue by quarter",
			"chart_type": "bar",
			"series": []any{
				map[string]any{"label": "Q1", "value": float64(10)},
				map[string]any{"label": "Q2", "value": float64(14)},
			},
		},
	}, &TurnContext{})
	if !res.OK {
		t.Fatalf("expected success, got %q", res.Err)
	}
	name, _ := res.Data["filename"].(string)
	if !strings.HasPrefix(name, "charts/") || !strings.HasSuffix(name, ".json") {
		t.Errorf("filename = %q", name)
	}
	if res.Data["points"] != 2 {
		t.Errorf("points = %v, want 2", res.Data["points"])
	}
}

func TestChartExecutorValidation(t *testing.T) {
	ce := NewChartExecutor(newTestArtifacts(t))
	ctx := context.Background()

	tests := []struct {
		name  string
		input map[string]any
	}{
		{"bad type", map[string]any{"title": "t", "chart_type": "scatter", "series": []any{map[string]any{"label": "a", "value": 1.0}}}},
		{"empty series", map[string]any{"title": "t", "chart_type": "bar", "series": []any{}}},
		{"missing value", map[string]any{"title": "t", "chart_type": "bar", "series": []any{map[string]any{"label": "a"}}}},
		{"missing title", map[string]any{"chart_type": "bar", "series": []any{map[string]any{"label": "a", "value": 1.0}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ce.Execute(ctx, Invocation{Name: "generate_chart", Input: tt.input}, &TurnContext{})
			if res.OK {
				t.Error("expected validation failure")
			}
		})
	}
}

func TestDocumentExecutorFlow(t *testing.T) {
	artifacts := newTestArtifacts(t)
	de := NewDocumentExecutor(artifacts)
	ctx := context.Background()
	tc := &TurnContext{ConversationID: "c1"}

	res := de.Execute(ctx, Invocation{
		Name:  "plan_document",
		Input: map[string]any{"title": "Q3 Review", "sections": []any{"Revenue", "Costs"}},
	}, tc)
	if !res.OK {
		t.Fatalf("plan: %q", res.Err)
	}

	res = de.Execute(ctx, Invocation{
		Name:  "write_section",
		Input: map[string]any{"heading": "Revenue", "content": "Revenue grew 12%."},
	}, tc)
	if !res.OK {
		t.Fatalf("write: %q", res.Err)
	}
	if res.Data["sections_written"] != 1 {
		t.Errorf("sections_written = %v, want 1", res.Data["sections_written"])
	}

	de.Execute(ctx, Invocation{
		Name:  "write_section",
		Input: map[string]any{"heading": "Costs", "content": "Costs held flat."},
	}, tc)

	res = de.Execute(ctx, Invocation{Name: "finalize_document", Input: map[string]any{}}, tc)
	if !res.OK {
		t.Fatalf("finalize: %q", res.Err)
	}
	if res.Data["filename"] != "documents/q3-review.md" {
		t.Errorf("filename = %v", res.Data["filename"])
	}
	finalText, _ := res.Data["final_text"].(string)
	if !strings.Contains(finalText, "Q3 Review") {
		t.Errorf("final_text = %q", finalText)
	}

	f, err := artifacts.Open("documents/q3-review.md")
	if err != nil {
		t.Fatalf("document artifact not saved: %v", err)
	}
	f.Close()
}

func TestDocumentExecutorOrdering(t *testing.T) {
	de := NewDocumentExecutor(newTestArtifacts(t))
	ctx := context.Background()

	// Writing before planning is an error fed back to the model.
	res := de.Execute(ctx, Invocation{
		Name:  "write_section",
		Input: map[string]any{"heading": "h", "content": "c"},
	}, &TurnContext{})
	if res.OK {
		t.Error("expected failure writing without a plan")
	}

	// Finalizing an empty draft is an error too.
	res = de.Execute(ctx, Invocation{Name: "finalize_document", Input: map[string]any{}}, &TurnContext{})
	if res.OK {
		t.Error("expected failure finalizing without sections")
	}
}

func TestExecutorsHonorCanceledContext(t *testing.T) {
	artifacts := newTestArtifacts(t)
	dir := t.TempDir()
	writeTestSource(t, dir, "rpt", `{"content": "Revenue grew."}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	execs := []struct {
		name string
		exec Executor
		inv  Invocation
	}{
		{"file", NewFileExecutor(artifacts), Invocation{
			Name:  "create_file",
			Input: map[string]any{"filename": "late.txt", "content": "x"},
		}},
		{"extract", NewExtractExecutor(source.NewStore(dir)), Invocation{
			Name:  "extract_data",
			Input: map[string]any{"source_id": "rpt"},
		}},
		{"chart", NewChartExecutor(artifacts), Invocation{
			Name: "generate_chart",
			Input: map[string]any{
				"title": "t", "chart_type": "bar",
				"series": []any{map[string]any{"label": "a", "value": 1.0}},
			},
		}},
		{"document", NewDocumentExecutor(artifacts), Invocation{
			Name:  "plan_document",
			Input: map[string]any{"title": "T", "sections": []any{"Intro"}},
		}},
	}

	for _, tc := range execs {
		res := tc.exec.Execute(ctx, tc.inv, &TurnContext{})
		if res.OK {
			t.Errorf("%s: expected failure with canceled context", tc.name)
		}
	}

	// The canceled calls must not have written any artifacts.
	arts, err := artifacts.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(arts) != 0 {
		t.Errorf("artifacts after canceled calls = %v, want none", arts)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Q3 Review", "q3-review"},
		{"Hello, World!", "hello-world"},
		{"---", "document"},
		{"Already-Slugged", "already-slugged"},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
