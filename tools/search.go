package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultSearchEndpoint  = "https://api.tavily.com/search"
	defaultSearchResults   = 5
	defaultSearchTimeout   = 15 * time.Second
	maxSearchErrorBodySize = 512
)

// WebSearchTool runs web searches through a Tavily-compatible HTTP API.
// Without an API key every invocation fails, which surfaces in the step
// trace rather than aborting the task.
type WebSearchTool struct {
	Endpoint   string
	APIKey     string
	MaxResults int
	HTTPClient *http.Client
}

func (WebSearchTool) Name() string { return "web_search" }
func (WebSearchTool) Description() string {
	return "search the web for real-time information"
}

type searchResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (t WebSearchTool) Execute(ctx context.Context, params Params) (any, error) {
	if op, _ := params["operation"].(string); op != "" && op != "search" {
		return nil, fmt.Errorf("web_search: unsupported operation %q", op)
	}

	query, _ := params["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("web_search: missing query parameter")
	}

	if t.APIKey == "" {
		return nil, fmt.Errorf("web_search: search API key not configured")
	}

	maxResults := t.MaxResults
	if maxResults <= 0 {
		maxResults = defaultSearchResults
	}
	if n, ok := params["max_results"].(float64); ok && n > 0 {
		maxResults = int(n)
	}

	body, err := json.Marshal(map[string]any{
		"api_key":        t.APIKey,
		"query":          query,
		"max_results":    maxResults,
		"search_depth":   "basic",
		"include_answer": true,
	})
	if err != nil {
		return nil, fmt.Errorf("web_search: encode request: %w", err)
	}

	endpoint := t.Endpoint
	if endpoint == "" {
		endpoint = defaultSearchEndpoint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("web_search: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpc := t.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultSearchTimeout}
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web_search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxSearchErrorBodySize))
		return nil, fmt.Errorf("web_search: endpoint returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("web_search: decode response: %w", err)
	}

	results := make([]map[string]any, 0, len(out.Results))
	for _, r := range out.Results {
		results = append(results, map[string]any{
			"title":   r.Title,
			"url":     r.URL,
			"content": r.Content,
		})
	}
	return map[string]any{"query": query, "answer": out.Answer, "results": results}, nil
}
