package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"atelier/internal/source"
)

// ExtractExecutor pulls readable text out of stored source documents
// so the model can quote and cite them.
type ExtractExecutor struct {
	sources *source.Store
}

// NewExtractExecutor creates an extract executor over the source store.
func NewExtractExecutor(sources *source.Store) *ExtractExecutor {
	return &ExtractExecutor{sources: sources}
}

// Definitions implements Executor.
func (ee *ExtractExecutor) Definitions() []Definition {
	return []Definition{{
		Name:        "extract_data",
		Description: "Extract the readable text of a stored source document, or of one page of it. Cite extracted chunks as [[cite:<sourceId>_page_<N>_chunk_<M>]].",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"source_id": map[string]any{
					"type":        "string",
					"description": "ID of the source document to extract from.",
				},
				"page": map[string]any{
					"type":        "integer",
					"description": "Page number to extract (1-based). Omit for the whole document.",
				},
			},
			"required": []string{"source_id"},
		},
	}}
}

// Execute implements Executor.
func (ee *ExtractExecutor) Execute(ctx context.Context, inv Invocation, tc *TurnContext) Result {
	if err := ctx.Err(); err != nil {
		return failure(inv, "extract: %v", err)
	}
	sourceID, err := stringArg(inv, "source_id")
	if err != nil {
		return failure(inv, "%v", err)
	}
	page := intArg(inv, "page", 0)

	src, err := ee.sources.Content(sourceID)
	if errors.Is(err, source.ErrNotFound) {
		return failure(inv, "unknown source %q", sourceID)
	}
	if err != nil {
		return failure(inv, "extract source %q: %v", sourceID, err)
	}

	var b strings.Builder
	chunks := 0
	for _, p := range src.Pages {
		if page != 0 && p.Number != page {
			continue
		}
		for i, chunk := range p.Chunks {
			fmt.Fprintf(&b, "[%s_page_%d_chunk_%d]\n%s\n\n", src.ID, p.Number, i, chunk)
			chunks++
		}
	}
	if chunks == 0 {
		return failure(inv, "source %q has no page %d", sourceID, page)
	}

	scope := "full document"
	if page != 0 {
		scope = fmt.Sprintf("page %d", page)
	}
	return Result{
		InvocationID: inv.ID,
		OK:           true,
		Summary:      fmt.Sprintf("Extracted %d chunks from %q (%s):\n\n%s", chunks, src.Title, scope, b.String()),
		Data: map[string]any{
			"source_id": src.ID,
			"title":     src.Title,
			"chunks":    chunks,
		},
	}
}
