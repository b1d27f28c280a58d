package tools

import (
	"context"
	"fmt"
	"strings"

	"atelier/internal/artifact"
)

// DocumentState is the per-turn draft the document executor builds
// across iterations. It lives on the TurnContext and never outlasts
// the turn.
type DocumentState struct {
	Title    string
	Outline  []string
	Sections []DocumentSection
}

// DocumentSection is one written section of the draft.
type DocumentSection struct {
	Heading string
	Body    string
}

// DocumentExecutor lets the model plan, write, and finalize a document
// over several loop iterations. finalize_document is the termination
// tool: its result carries the final answer text for the turn.
type DocumentExecutor struct {
	artifacts *artifact.Store
}

// NewDocumentExecutor creates a document executor backed by the
// artifact store.
func NewDocumentExecutor(artifacts *artifact.Store) *DocumentExecutor {
	return &DocumentExecutor{artifacts: artifacts}
}

// Definitions implements Executor.
func (de *DocumentExecutor) Definitions() []Definition {
	return []Definition{
		{
			Name:        "plan_document",
			Description: "Start a document by recording its title and section outline. Call once, before writing sections.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{
						"type":        "string",
						"description": "Document title.",
					},
					"sections": map[string]any{
						"type":        "array",
						"description": "Planned section headings, in order.",
						"items":       map[string]any{"type": "string"},
					},
				},
				"required": []string{"title", "sections"},
			},
		},
		{
			Name:        "write_section",
			Description: "Write the next section of the planned document. Sections are appended in call order.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"heading": map[string]any{
						"type":        "string",
						"description": "Section heading.",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Section body in markdown.",
					},
				},
				"required": []string{"heading", "content"},
			},
		},
		{
			Name:        "finalize_document",
			Description: "Finish the document and end the turn. The written sections are assembled and saved as a markdown artifact.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"closing_remarks": map[string]any{
						"type":        "string",
						"description": "Optional short remarks to present alongside the finished document.",
					},
				},
			},
		},
	}
}

// Execute implements Executor.
func (de *DocumentExecutor) Execute(ctx context.Context, inv Invocation, tc *TurnContext) Result {
	if err := ctx.Err(); err != nil {
		return failure(inv, "%s: %v", inv.Name, err)
	}
	switch inv.Name {
	case "plan_document":
		return de.plan(inv, tc)
	case "write_section":
		return de.writeSection(inv, tc)
	case "finalize_document":
		return de.finalize(inv, tc)
	}
	return failure(inv, "document executor cannot handle %q", inv.Name)
}

func (de *DocumentExecutor) plan(inv Invocation, tc *TurnContext) Result {
	title, err := stringArg(inv, "title")
	if err != nil {
		return failure(inv, "%v", err)
	}

	rawSections, ok := inv.Input["sections"].([]any)
	if !ok || len(rawSections) == 0 {
		return failure(inv, "argument %q must be a non-empty array", "sections")
	}
	outline := make([]string, 0, len(rawSections))
	for i, s := range rawSections {
		heading, ok := s.(string)
		if !ok || heading == "" {
			return failure(inv, "sections[%d] must be a non-empty string", i)
		}
		outline = append(outline, heading)
	}

	if tc.Document != nil && tc.Document.Title != "" {
		return failure(inv, "a document is already planned for this turn: %q", tc.Document.Title)
	}
	tc.Document = &DocumentState{Title: title, Outline: outline}

	return Result{
		InvocationID: inv.ID,
		OK:           true,
		Summary:      fmt.Sprintf("Planned document %q with %d sections. Write them with write_section, then call finalize_document.", title, len(outline)),
		Data:         map[string]any{"title": title, "planned_sections": len(outline)},
	}
}

func (de *DocumentExecutor) writeSection(inv Invocation, tc *TurnContext) Result {
	heading, err := stringArg(inv, "heading")
	if err != nil {
		return failure(inv, "%v", err)
	}
	content, err := stringArg(inv, "content")
	if err != nil {
		return failure(inv, "%v", err)
	}
	if tc.Document == nil {
		return failure(inv, "no document planned; call plan_document first")
	}

	doc := tc.Document
	doc.Sections = append(doc.Sections, DocumentSection{Heading: heading, Body: content})

	// The draft's own section count is authoritative. Models sometimes
	// lose track after long iterations, so progress is reported from
	// here, not from anything the model claims.
	written := len(doc.Sections)
	return Result{
		InvocationID: inv.ID,
		OK:           true,
		Summary:      fmt.Sprintf("Wrote section %d of %d: %q.", written, len(doc.Outline), heading),
		Data:         map[string]any{"sections_written": written, "sections_planned": len(doc.Outline)},
	}
}

func (de *DocumentExecutor) finalize(inv Invocation, tc *TurnContext) Result {
	if tc.Document == nil || len(tc.Document.Sections) == 0 {
		return failure(inv, "nothing to finalize; plan the document and write at least one section first")
	}
	doc := tc.Document

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", doc.Title)
	for _, sec := range doc.Sections {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", sec.Heading, sec.Body)
	}

	filename := "documents/" + slugify(doc.Title) + ".md"
	a, err := de.artifacts.Save(filename, []byte(b.String()))
	if err != nil {
		return failure(inv, "save document: %v", err)
	}
	url, _ := de.artifacts.URL(a.Name)

	finalText := fmt.Sprintf("I've finished %q (%d sections). It is saved as %s.", doc.Title, len(doc.Sections), a.Name)
	if remarks := optStringArg(inv, "closing_remarks"); remarks != "" {
		finalText += "\n\n" + remarks
	}

	return Result{
		InvocationID: inv.ID,
		OK:           true,
		Summary:      fmt.Sprintf("Finalized document %q as %s.", doc.Title, a.Name),
		Data: map[string]any{
			"title":      doc.Title,
			"filename":   a.Name,
			"url":        url,
			"sections":   len(doc.Sections),
			"final_text": finalText,
		},
	}
}

// slugify reduces a title to a filesystem-safe lowercase slug.
func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		slug = "document"
	}
	return slug
}
