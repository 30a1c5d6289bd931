package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen3:8b", req["model"])
		assert.Equal(t, false, req["stream"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"response": `{"source":"tokens"}`,
			"done":     true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "qwen3:8b", 5*time.Second)
	out, err := c.Generate(context.Background(), "build a query", Options{Temperature: 0.1, MaxTokens: 256})
	require.NoError(t, err)
	assert.Equal(t, `{"source":"tokens"}`, out)
}

func TestGenerate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "missing-model", 5*time.Second)
	_, err := c.Generate(context.Background(), "prompt", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestGenerate_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "", "done": true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "qwen3:8b", 5*time.Second)
	_, err := c.Generate(context.Background(), "prompt", Options{})
	require.Error(t, err)
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("", "qwen3:8b", 0)
	assert.Equal(t, "http://localhost:11434", c.baseURL)
	assert.Equal(t, 30*time.Second, c.httpClient.Timeout)
}
