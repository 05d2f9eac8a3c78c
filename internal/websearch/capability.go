package websearch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lbianco/butlerd/internal/capability"
)

// Descriptor exposes the client as the web_search capability.
func Descriptor(c *Client) *capability.Descriptor {
	return &capability.Descriptor{
		Name:        "web_search",
		Description: "Search the web for current information. Returns a JSON list of results with title, url, and snippet.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query string.",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results to return (1-10). Default: 5.",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "ISO 639-1 language code for results (e.g., 'en', 'it').",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (capability.Result, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return capability.Result{}, fmt.Errorf("web_search: query is required")
			}

			opts := Options{}
			if count, ok := args["count"].(float64); ok && count > 0 {
				opts.Count = int(count)
			}
			if lang, ok := args["language"].(string); ok {
				opts.Language = lang
			}

			results, err := c.Search(ctx, query, opts)
			if err != nil {
				return capability.Result{}, err
			}

			// JSON for structured consumption by the model; fall back to
			// the human-readable form if marshaling fails.
			out, err := json.Marshal(results)
			if err != nil {
				return capability.Result{Content: FormatResults(results)}, nil
			}
			return capability.Result{Content: string(out)}, nil
		},
	}
}
