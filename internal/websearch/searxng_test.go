package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lbianco/butlerd/internal/capability"
)

func searxngServer(t *testing.T, results []searxngResult) (*httptest.Server, *http.Request) {
	t.Helper()
	var captured http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = *r
		json.NewEncoder(w).Encode(searxngResponse{Results: results})
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestSearch(t *testing.T) {
	srv, captured := searxngServer(t, []searxngResult{
		{Title: "First", URL: "https://a.example", Content: "Snippet A"},
		{Title: "Second", URL: "https://b.example", Content: "Snippet B"},
	})

	c := NewClient(srv.URL, 5)
	results, err := c.Search(context.Background(), "weather torino", Options{Language: "it"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if captured.URL.Path != "/search" {
		t.Errorf("path = %q, want /search", captured.URL.Path)
	}
	q := captured.URL.Query()
	if q.Get("q") != "weather torino" {
		t.Errorf("q = %q", q.Get("q"))
	}
	if q.Get("format") != "json" {
		t.Errorf("format = %q, want json", q.Get("format"))
	}
	if q.Get("language") != "it" {
		t.Errorf("language = %q, want it", q.Get("language"))
	}

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Title != "First" || results[0].Snippet != "Snippet A" {
		t.Errorf("first result = %+v", results[0])
	}
}

func TestSearchCapsResults(t *testing.T) {
	many := make([]searxngResult, 10)
	for i := range many {
		many[i] = searxngResult{Title: "r", URL: "https://example.com"}
	}
	srv, _ := searxngServer(t, many)

	c := NewClient(srv.URL, 3)

	// Configured cap applies when no count is requested.
	results, err := c.Search(context.Background(), "q", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("got %d results, want 3", len(results))
	}

	// A requested count above the cap is clamped to it.
	results, err = c.Search(context.Background(), "q", Options{Count: 8})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("got %d results, want 3 (clamped)", len(results))
	}
}

func TestSearchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, 5)
	_, err := c.Search(context.Background(), "q", Options{})
	if err == nil {
		t.Fatal("expected error for HTTP 429")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error should mention status code: %v", err)
	}
}

func TestCapabilityHandler(t *testing.T) {
	srv, _ := searxngServer(t, []searxngResult{
		{Title: "Hit", URL: "https://hit.example", Content: "snippet"},
	})

	desc := Descriptor(NewClient(srv.URL, 5))
	if desc.Name != "web_search" {
		t.Errorf("Name = %q, want web_search", desc.Name)
	}

	// Dispatch through a registry, the way the daemon wires it up.
	reg := capability.NewRegistry()
	if err := reg.Register(desc); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := reg.Invoke(context.Background(), "web_search", map[string]any{"query": "anything"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Direct {
		t.Error("search results should not be a direct result")
	}

	var results []Result
	if err := json.Unmarshal([]byte(res.Content), &results); err != nil {
		t.Fatalf("content is not JSON: %v\n%s", err, res.Content)
	}
	if len(results) != 1 || results[0].Title != "Hit" {
		t.Errorf("results = %+v", results)
	}
}

func TestCapabilityHandlerMissingQuery(t *testing.T) {
	desc := Descriptor(NewClient("http://unused.invalid", 5))
	if _, err := desc.Handler(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected error for missing query")
	}
}

func TestFormatResults(t *testing.T) {
	out := FormatResults([]Result{
		{Title: "First", URL: "https://a.example", Snippet: "Snippet A"},
		{Title: "Second", URL: "https://b.example"},
	})
	if !strings.Contains(out, "1. First") || !strings.Contains(out, "2. Second") {
		t.Errorf("unexpected formatting:\n%s", out)
	}

	if got := FormatResults(nil); got != "No results found." {
		t.Errorf("empty = %q", got)
	}
}
