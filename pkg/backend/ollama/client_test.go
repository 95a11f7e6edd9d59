package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpat9/MasterChef-Claude/pkg/backend"
	"github.com/rpat9/MasterChef-Claude/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "mistral", srv.Client(), WithTokenEstimator(backend.NewTokenEstimator("")))
	require.NoError(t, err)
	return c
}

func TestGenerate(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"mistral","response":"Crepes.","done":true,"prompt_eval_count":12,"eval_count":30}` + "\n"))
	})

	temp := 0.7
	completion, err := c.Generate(context.Background(), models.Prompt{Text: "eggs, flour, milk", Temperature: temp, MaxTokens: 256})
	require.NoError(t, err)

	assert.Equal(t, "Crepes.", completion.Content)
	assert.Equal(t, "mistral", completion.Model)
	assert.Equal(t, 42, completion.TokensUsed)
	assert.Equal(t, models.StatusSuccess, completion.Status)

	assert.Equal(t, "mistral", got["model"])
	assert.Equal(t, "eggs, flour, milk", got["prompt"])
	assert.Equal(t, false, got["stream"])
	options, ok := got["options"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.7, options["temperature"])
	assert.EqualValues(t, 256, options["num_predict"])
}

func TestGenerate_EstimatesTokensWhenMissing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"llama3","response":"abcdefgh","done":true}` + "\n"))
	})

	completion, err := c.Generate(context.Background(), models.Prompt{Text: "abcdefgh", Model: "llama3"})
	require.NoError(t, err)
	assert.Equal(t, 4, completion.TokensUsed)
	assert.Equal(t, "llama3", completion.Model)
}

func TestGenerate_ClientErrorIsRejection(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'nope' not found"}` + "\n"))
	})

	_, err := c.Generate(context.Background(), models.Prompt{Text: "hi", Model: "nope"})
	require.Error(t, err)
	assert.True(t, backend.IsRejection(err))
}

func TestGenerate_ServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"out of memory"}` + "\n"))
	})

	_, err := c.Generate(context.Background(), models.Prompt{Text: "hi"})
	require.Error(t, err)
	assert.False(t, backend.IsRejection(err))
}

func TestGenerate_EmptyResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"mistral","response":"","done":true}` + "\n"))
	})

	_, err := c.Generate(context.Background(), models.Prompt{Text: "hi"})
	assert.True(t, errors.Is(err, backend.ErrEmptyResponse))
	assert.False(t, backend.IsRejection(err))
}

func TestGenerate_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := New(addr, "mistral", nil)
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), models.Prompt{Text: "hi"})
	assert.ErrorIs(t, err, backend.ErrUnavailable)
}

func TestIsAvailable(t *testing.T) {
	up := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"mistral:latest"}]}`))
	})
	assert.True(t, up.IsAvailable(context.Background()))

	down := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"loading"}`))
	})
	assert.False(t, down.IsAvailable(context.Background()))
}

func TestModelName(t *testing.T) {
	c, err := New("", "mistral", nil)
	require.NoError(t, err)
	assert.Equal(t, "mistral", c.ModelName())
}
