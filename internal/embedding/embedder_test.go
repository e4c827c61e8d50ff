package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kensaku/internal/config"
)

func TestEmbeddingID(t *testing.T) {
	a := EmbeddingID("x", "m1")
	assert.Len(t, a, 64)
	assert.Equal(t, a, EmbeddingID("x", "m1"))
	assert.NotEqual(t, a, EmbeddingID("x", "m2"))
	// The separator keeps (version, content) pairs from colliding.
	assert.NotEqual(t, EmbeddingID("bc", "a"), EmbeddingID("c", "ab"))
}

func TestMockEmbedder(t *testing.T) {
	e := NewMockEmbedder(16, "mock-test")
	ctx := context.Background()
	v1, err := e.Embed(ctx, "hello")
	require.NoError(t, err)
	v2, err := e.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Len(t, v1, 16)

	var norm float64
	for _, v := range v1 {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)

	other, err := e.Embed(ctx, "world")
	require.NoError(t, err)
	assert.NotEqual(t, v1, other)

	batch, err := e.EmbedBatch(ctx, []string{"hello", "world"})
	require.NoError(t, err)
	assert.Equal(t, v1, batch[0])
	assert.Equal(t, int64(5), e.Calls())
	assert.Equal(t, "mock-test", e.ModelVersion())
}

func TestRateLimited(t *testing.T) {
	inner := NewMockEmbedder(4, "m")
	r := NewRateLimited(inner, 1000, 1)
	_, err := r.Embed(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "m", r.ModelVersion())
	assert.Equal(t, 4, r.Dimensions())

	slow := NewRateLimited(inner, 0.001, 1)
	_, err = slow.Embed(context.Background(), "first")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = slow.Embed(ctx, "second")
	assert.Error(t, err, "second call must wait past the deadline")
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		data := make([]map[string]any, len(body.Input))
		for i := range body.Input {
			// Reverse order to check index handling.
			idx := len(body.Input) - 1 - i
			data[i] = map[string]any{"object": "embedding", "index": idx, "embedding": []float64{float64(idx + 1), 0, 0}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  body.Model,
			"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1/", Model: "local-code", Dimensions: 3})
	require.NoError(t, err)
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.InDelta(t, 1.0, vecs[0][0], 1e-6, "vectors are normalised")
	assert.Equal(t, "local-code", e.ModelVersion())

	v, err := e.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, v, 3)
}

func TestOpenAIEmbedder_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1,2]}],"model":"m","usage":{"prompt_tokens":1,"total_tokens":1}}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/", Model: "m", Dimensions: 3})
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "x")
	assert.Error(t, err)
}

func TestNewOpenAIEmbedder_RequiresKeyOrBaseURL(t *testing.T) {
	_, err := NewOpenAIEmbedder(OpenAIConfig{Dimensions: 3})
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	e, err := FromConfig(config.EmbeddingConfig{Provider: "mock", Model: "mock-x", Dimensions: 8})
	require.NoError(t, err)
	assert.Equal(t, "mock-x", e.ModelVersion())
	assert.Equal(t, 8, e.Dimensions())

	t.Setenv("KENSAKU_TEST_KEY", "k")
	e, err = FromConfig(config.EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small", Dimensions: 8,
		APIKeyEnv: "KENSAKU_TEST_KEY", RequestsPerSecond: 5, Burst: 1})
	require.NoError(t, err)
	_, ok := e.(*RateLimited)
	assert.True(t, ok, "remote embedders are rate limited")

	_, err = FromConfig(config.EmbeddingConfig{Provider: "nope"})
	assert.Error(t, err)
}
