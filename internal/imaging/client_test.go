package imaging

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

func TestRender(t *testing.T) {
	var got RenderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/render", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"task_id":"engine-42"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "key", CallbackURL: "http://me/api/render/callback"})
	res, err := c.Render(context.Background(), RenderRequest{PlaceholderID: "ph", Prompt: "beach", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, "engine-42", res.TaskID)
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, "http://me/api/render/callback", got.CallbackURL)
}

func TestRender_FailuresDoNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.Render(context.Background(), RenderRequest{PlaceholderID: "ph"})
	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRender_MissingTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).Render(context.Background(), RenderRequest{})
	assert.ErrorIs(t, err, ErrDispatchFailed)
}

func TestRenderEventValidate(t *testing.T) {
	assert.NoError(t, RenderEvent{PlaceholderID: "ph", Status: StatusFailed}.Validate())
	assert.NoError(t, RenderEvent{PlaceholderID: "ph", Status: StatusCompleted, Images: []RenderedImage{{URL: "a.png"}}}.Validate())
	assert.Error(t, RenderEvent{Status: StatusFailed}.Validate())
	assert.Error(t, RenderEvent{PlaceholderID: "ph", Status: StatusCompleted}.Validate())
	assert.Error(t, RenderEvent{PlaceholderID: "ph", Status: "weird"}.Validate())
}
