package webpage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lbianco/butlerd/internal/capability"
)

// Descriptor exposes the fetcher as the web_fetch capability.
func Descriptor(f *Fetcher) *capability.Descriptor {
	return &capability.Descriptor{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its title and readable text content as JSON.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to fetch and extract content from.",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": "Maximum characters to return. Default: 50000.",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any) (capability.Result, error) {
			url, _ := args["url"].(string)
			if url == "" {
				return capability.Result{}, fmt.Errorf("web_fetch: url is required")
			}

			maxChars := 0
			if mc, ok := args["max_chars"].(float64); ok && mc > 0 {
				maxChars = int(mc)
			}

			page, err := f.Fetch(ctx, url, maxChars)
			if err != nil {
				return capability.Result{}, err
			}

			out, err := json.Marshal(page)
			if err != nil {
				return capability.Result{Content: fmt.Sprintf("Title: %s\n\n%s", page.Title, page.Content)}, nil
			}
			return capability.Result{Content: string(out)}, nil
		},
	}
}
