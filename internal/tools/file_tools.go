package tools

import (
	"context"
	"fmt"

	"atelier/internal/artifact"
)

// FileExecutor creates files in the artifact workspace on the model's
// behalf.
type FileExecutor struct {
	artifacts *artifact.Store
}

// NewFileExecutor creates a file executor backed by the artifact store.
func NewFileExecutor(artifacts *artifact.Store) *FileExecutor {
	return &FileExecutor{artifacts: artifacts}
}

// Definitions implements Executor.
func (fe *FileExecutor) Definitions() []Definition {
	return []Definition{{
		Name:        "create_file",
		Description: "Create a file with the given content. The file becomes a downloadable artifact of this conversation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filename": map[string]any{
					"type":        "string",
					"description": "File name, optionally with a subdirectory (e.g. notes/summary.md). Must not escape the workspace.",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "The full file content.",
				},
			},
			"required": []string{"filename", "content"},
		},
	}}
}

// Execute implements Executor.
func (fe *FileExecutor) Execute(ctx context.Context, inv Invocation, tc *TurnContext) Result {
	if err := ctx.Err(); err != nil {
		return failure(inv, "create file: %v", err)
	}
	filename, err := stringArg(inv, "filename")
	if err != nil {
		return failure(inv, "%v", err)
	}
	content, ok := inv.Input["content"].(string)
	if !ok {
		return failure(inv, "missing required argument %q", "content")
	}

	a, err := fe.artifacts.Save(filename, []byte(content))
	if err != nil {
		return failure(inv, "create file: %v", err)
	}

	url, _ := fe.artifacts.URL(a.Name)
	return Result{
		InvocationID: inv.ID,
		OK:           true,
		Summary:      fmt.Sprintf("Created file %s (%d bytes).", a.Name, a.Size),
		Data: map[string]any{
			"filename": a.Name,
			"size":     a.Size,
			"url":      url,
		},
	}
}
