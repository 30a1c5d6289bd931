package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// embedServer mocks Ollama's embedding endpoint with a fixed-dimension vector.
func embedServer(t *testing.T, dims int, requests *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		require.Equal(t, "/api/embeddings", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.Prompt)

		vec := make([]float32, dims)
		for i := range vec {
			vec[i] = float32(i) * 0.001
		}
		require.NoError(t, json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: vec}))
	}))
}

func TestOllamaProvider_Embed(t *testing.T) {
	server := embedServer(t, 1024, nil)
	defer server.Close()

	p := NewOllamaProvider(server.URL, "mxbai-embed-large", 1024)
	assert.Equal(t, 1024, p.Dimensions())

	vec, err := p.Embed(context.Background(), "total API spend in USD")
	require.NoError(t, err)
	slice := vec.Slice()
	require.Len(t, slice, 1024)
	assert.InDelta(t, 0.1, slice[100], 1e-6)
}

func TestOllamaProvider_EmbedBatch(t *testing.T) {
	var requests atomic.Int64
	server := embedServer(t, 64, &requests)
	defer server.Close()

	p := NewOllamaProvider(server.URL, "mxbai-embed-large", 64)

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, vec := range vecs {
		assert.Len(t, vec.Slice(), 64)
	}
	// One request per text; there is no native batch endpoint.
	assert.Equal(t, int64(3), requests.Load())
}

func TestOllamaProvider_EmbedBatchEmpty(t *testing.T) {
	p := NewOllamaProvider("http://localhost:1", "mxbai-embed-large", 64)
	vecs, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestOllamaProvider_Errors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}))
		defer server.Close()

		p := NewOllamaProvider(server.URL, "mxbai-embed-large", 1024)
		_, err := p.Embed(context.Background(), "text")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
	})

	t.Run("empty embedding", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{})
		}))
		defer server.Close()

		p := NewOllamaProvider(server.URL, "mxbai-embed-large", 1024)
		_, err := p.Embed(context.Background(), "text")
		require.Error(t, err)
	})

	t.Run("batch propagates failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
		}))
		defer server.Close()

		p := NewOllamaProvider(server.URL, "mxbai-embed-large", 1024)
		_, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "batch item")
	})
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(8)

	vec, err := p.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Len(t, vec.Slice(), 8)

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
}
