package httpdriver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vvtv/llmpool/types"
)

func TestDriver_Infer_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse{
			Model:   "test-model",
			Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: "hello there"}}},
		})
	}))
	defer srv.Close()

	d := New(Config{Name: "a", BaseURL: srv.URL, Model: "test-model", Tasks: []types.Task{types.TaskExpandQueries}}, nil)

	resp, err := d.Infer(context.Background(), "hi", 64)
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "test-model", resp.Model)
}

func TestDriver_Infer_ServerErrorIsProviderServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(Config{Name: "a", BaseURL: srv.URL, Model: "m"}, nil)
	_, err := d.Infer(context.Background(), "hi", 64)

	require.Error(t, err)
	kerr, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrProviderServer, kerr.Code)
	assert.True(t, kerr.IsBreakerFailure())
}

func TestDriver_Infer_BadRequestIsInvalidQueryNotBreakerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad prompt"}`))
	}))
	defer srv.Close()

	d := New(Config{Name: "a", BaseURL: srv.URL, Model: "m"}, nil)
	_, err := d.Infer(context.Background(), "hi", 64)

	require.Error(t, err)
	kerr, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrInvalidQuery, kerr.Code)
	assert.False(t, kerr.IsBreakerFailure())
}

func TestDriver_Infer_DeadlineExceededIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Config{Name: "a", BaseURL: srv.URL, Model: "m"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := d.Infer(ctx, "hi", 64)
	require.Error(t, err)
	kerr, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrProviderTimeout, kerr.Code)
}

func TestDriver_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Config{Name: "a", BaseURL: srv.URL, Model: "m"}, nil)
	assert.True(t, d.Health(context.Background()))
}

func TestDriver_NameSupportsWeight(t *testing.T) {
	d := New(Config{Name: "a", BaseURL: "http://x", Model: "m", Tasks: []types.Task{types.TaskJudge}, Weight: 2.5}, nil)
	assert.Equal(t, "a", d.Name())
	assert.True(t, d.Supports(types.TaskJudge))
	assert.False(t, d.Supports(types.TaskExpandQueries))
	assert.Equal(t, 2.5, d.Weight())
}
