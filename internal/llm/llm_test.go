package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/memoryd/internal/memory"
	"github.com/antoniostano/memoryd/internal/reliability"
)

type fakeServer struct {
	chatFailures atomic.Int32
	chatCalls    atomic.Int32
	embedCalls   atomic.Int32
	lastModel    atomic.Value
	lastTemp     atomic.Value
	models       atomic.Value
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		f.chatCalls.Add(1)
		if f.chatFailures.Load() > 0 {
			f.chatFailures.Add(-1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"model loading","type":"server_error"}}`))
			return
		}
		var req struct {
			Model       string  `json:"model"`
			Temperature float32 `json:"temperature"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.lastModel.Store(req.Model)
		f.lastTemp.Store(req.Temperature)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"  a tidy summary \n"},"finish_reason":"stop"}]}`))
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		f.embedCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}],"model":"mini"}`))
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		loaded, _ := f.models.Load().([]string)
		data := make([]map[string]string, 0, len(loaded))
		for _, m := range loaded {
			data = append(data, map[string]string{"id": m, "object": "model"})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL: srv.URL + "/v1/",
		APIKey:  "lm-studio",
		Tasks: map[TaskType]TaskParams{
			TaskChat:    {Model: "chat-model", Temperature: DefaultTemperatures[TaskChat]},
			TaskUtility: {Model: "utility-model", Temperature: DefaultTemperatures[TaskUtility]},
		},
		EmbeddingModel:    "mini",
		Timeout:           5 * time.Second,
		MaxResponseTokens: 256,
		Retry:             reliability.Policy{Attempts: 3, Base: time.Millisecond, Cap: 5 * time.Millisecond},
	}, zerolog.Nop())
}

func TestCompleteUsesTaskParamsAndTrims(t *testing.T) {
	f := &fakeServer{}
	c := newTestClient(t, f)

	out, err := c.Complete(context.Background(), []memory.Message{{Role: memory.RoleUser, Content: "hi"}}, TaskUtility)
	require.NoError(t, err)
	assert.Equal(t, "a tidy summary", out)
	assert.Equal(t, "utility-model", f.lastModel.Load())
	assert.InDelta(t, 0.5, f.lastTemp.Load(), 0.001)
}

func TestCompleteFallsBackToChatModel(t *testing.T) {
	f := &fakeServer{}
	c := newTestClient(t, f)

	_, err := c.Complete(context.Background(), []memory.Message{{Role: memory.RoleUser, Content: "hi"}}, TaskCreative)
	require.NoError(t, err)
	assert.Equal(t, "chat-model", f.lastModel.Load())
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	f := &fakeServer{}
	f.chatFailures.Store(2)
	c := newTestClient(t, f)

	out, err := c.Complete(context.Background(), nil, TaskChat)
	require.NoError(t, err)
	assert.Equal(t, "a tidy summary", out)
	assert.Equal(t, int32(3), f.chatCalls.Load())
}

func TestCompleteWithoutModelFails(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1/v1"}, zerolog.Nop())
	_, err := c.Complete(context.Background(), nil, TaskChat)
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestEmbedAndCache(t *testing.T) {
	f := &fakeServer{}
	c := newTestClient(t, f)

	cached, err := NewCachedEmbedder(c, 0)
	require.NoError(t, err)
	defer cached.Close()

	vec, err := cached.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	cached.Wait()

	_, err = cached.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.embedCalls.Load())
}

func TestOnlineRequiresLoadedModel(t *testing.T) {
	f := &fakeServer{}
	c := newTestClient(t, f)
	assert.False(t, c.Online(context.Background()))

	f.models.Store([]string{"chat-model"})
	assert.True(t, c.Online(context.Background()))

	down := NewClient(Config{BaseURL: "http://127.0.0.1:1/v1"}, zerolog.Nop())
	assert.False(t, down.Online(context.Background()))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(errors.New("connection reset")))
}

func TestParseTaskType(t *testing.T) {
	assert.Equal(t, TaskUtility, ParseTaskType(" Utility "))
	assert.Equal(t, TaskChat, ParseTaskType("unknown"))
}
