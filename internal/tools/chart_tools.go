package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"atelier/internal/artifact"
)

var chartTypes = map[string]bool{
	"bar":  true,
	"line": true,
	"pie":  true,
}

// ChartExecutor turns tabular data from the model into chart-definition
// artifacts that the client renders.
type ChartExecutor struct {
	artifacts *artifact.Store
}

// NewChartExecutor creates a chart executor backed by the artifact store.
func NewChartExecutor(artifacts *artifact.Store) *ChartExecutor {
	return &ChartExecutor{artifacts: artifacts}
}

// Definitions implements Executor.
func (ce *ChartExecutor) Definitions() []Definition {
	return []Definition{{
		Name:        "generate_chart",
		Description: "Generate a chart from labeled numeric data. The chart is stored as an artifact; reference it in your answer with [[image:<filename>]].",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Chart title.",
				},
				"chart_type": map[string]any{
					"type":        "string",
					"description": "One of: bar, line, pie.",
				},
				"series": map[string]any{
					"type":        "array",
					"description": "Data points in display order.",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"label": map[string]any{"type": "string"},
							"value": map[string]any{"type": "number"},
						},
						"required": []string{"label", "value"},
					},
				},
			},
			"required": []string{"title", "chart_type", "series"},
		},
	}}
}

type chartPoint struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

type chartDefinition struct {
	Title  string       `json:"title"`
	Type   string       `json:"type"`
	Series []chartPoint `json:"series"`
}

// Execute implements Executor.
func (ce *ChartExecutor) Execute(ctx context.Context, inv Invocation, tc *TurnContext) Result {
	if err := ctx.Err(); err != nil {
		return failure(inv, "generate chart: %v", err)
	}
	title, err := stringArg(inv, "title")
	if err != nil {
		return failure(inv, "%v", err)
	}
	chartType, err := stringArg(inv, "chart_type")
	if err != nil {
		return failure(inv, "%v", err)
	}
	if !chartTypes[chartType] {
		return failure(inv, "unsupported chart type %q (want bar, line, or pie)", chartType)
	}

	series, err := parseSeries(inv.Input["series"])
	if err != nil {
		return failure(inv, "%v", err)
	}

	def := chartDefinition{Title: title, Type: chartType, Series: series}
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return failure(inv, "encode chart: %v", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return failure(inv, "generate chart ID: %v", err)
	}
	filename := fmt.Sprintf("charts/%s.json", id)

	a, err := ce.artifacts.Save(filename, data)
	if err != nil {
		return failure(inv, "save chart: %v", err)
	}

	url, _ := ce.artifacts.URL(a.Name)
	return Result{
		InvocationID: inv.ID,
		OK:           true,
		Summary:      fmt.Sprintf("Generated %s chart %q as %s (%d points).", chartType, title, a.Name, len(series)),
		Data: map[string]any{
			"filename": a.Name,
			"url":      url,
			"points":   len(series),
		},
	}
}

func parseSeries(raw any) ([]chartPoint, error) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("argument %q must be a non-empty array", "series")
	}

	series := make([]chartPoint, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("series[%d] must be an object", i)
		}
		label, ok := obj["label"].(string)
		if !ok || label == "" {
			return nil, fmt.Errorf("series[%d] is missing a label", i)
		}
		value, ok := obj["value"].(float64)
		if !ok {
			return nil, fmt.Errorf("series[%d] is missing a numeric value", i)
		}
		series = append(series, chartPoint{Label: label, Value: value})
	}
	return series, nil
}
