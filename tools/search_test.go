package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSearchTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-key", req["api_key"])
		assert.Equal(t, "golang generics", req["query"])
		assert.Equal(t, 5.0, req["max_results"])

		json.NewEncoder(w).Encode(map[string]any{
			"answer": "generics arrived in go 1.18",
			"results": []map[string]any{
				{"title": "Go 1.18 release notes", "url": "https://go.dev/doc/go1.18", "content": "type parameters"},
			},
		})
	}))
	defer srv.Close()

	tool := WebSearchTool{Endpoint: srv.URL, APIKey: "test-key"}
	out, err := tool.Execute(context.Background(), Params{"operation": "search", "query": "golang generics"})
	require.NoError(t, err)

	data := out.(map[string]any)
	assert.Equal(t, "golang generics", data["query"])
	assert.Equal(t, "generics arrived in go 1.18", data["answer"])

	results := data["results"].([]map[string]any)
	require.Len(t, results, 1)
	assert.Equal(t, "Go 1.18 release notes", results[0]["title"])
	assert.Equal(t, "https://go.dev/doc/go1.18", results[0]["url"])
}

func TestWebSearchToolValidation(t *testing.T) {
	tool := WebSearchTool{APIKey: "test-key"}
	ctx := context.Background()

	_, err := tool.Execute(ctx, Params{"query": "   "})
	assert.ErrorContains(t, err, "missing query")

	_, err = tool.Execute(ctx, Params{"operation": "get_page_content", "query": "q"})
	assert.ErrorContains(t, err, "unsupported operation")
}

func TestWebSearchToolRequiresAPIKey(t *testing.T) {
	_, err := WebSearchTool{}.Execute(context.Background(), Params{"query": "anything"})
	assert.ErrorContains(t, err, "not configured")
}

func TestWebSearchToolServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tool := WebSearchTool{Endpoint: srv.URL, APIKey: "test-key"}
	_, err := tool.Execute(context.Background(), Params{"query": "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestDefaultRegistryIncludesWebSearch(t *testing.T) {
	reg := DefaultRegistry(t.TempDir(), "")
	assert.Equal(t, []string{"echo", "file_operations", "math", "web_search"}, reg.Names())

	// Planner search plans resolve to a registered tool; without a key the
	// failure lands in the step trace as a tool error, not an unknown tool.
	exec := NewExecutor(reg, nil)
	res := exec.Execute(context.Background(), "web_search", Params{"operation": "search", "query": "q"})
	assert.False(t, res.Success())
	assert.Contains(t, res.Error, "not configured")
}
