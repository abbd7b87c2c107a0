package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// embeddingServer answers /embeddings with vectors [len(text), position]
// and returns the items in reverse order.
func embeddingServer(t *testing.T, batches *[][]string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		*batches = append(*batches, req.Input)
		mu.Unlock()

		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Index: i, Embedding: []float32{float32(len(req.Input[i])), float32(i)}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
}

func TestEmbedBatchSplitsAndPreservesOrder(t *testing.T) {
	var batches [][]string
	srv := embeddingServer(t, &batches)
	defer srv.Close()

	client := NewEmbeddingClient(EmbeddingConfig{BaseURL: srv.URL + "/v1/", APIKey: "key", Model: "m", BatchSize: 3}, time.Second)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff", "g"}
	vectors, err := client.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vectors[i][0], "vector %d", i)
	}

	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a", "bb", "ccc"}, batches[0])
	assert.Equal(t, []string{"dddd", "eeeee", "ffffff"}, batches[1])
	assert.Equal(t, []string{"g"}, batches[2])
}

func TestEmbedBatchUpstreamErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}},
		{"malformed", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{not json"))
		}},
		{"count mismatch", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1]}]}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			client := NewEmbeddingClient(EmbeddingConfig{BaseURL: srv.URL, Model: "m"}, time.Second)
			_, err := client.EmbedBatch(context.Background(), []string{"x", "y"})
			assert.ErrorIs(t, err, ErrEmbeddingService)
		})
	}
}

type flakyEmbedder struct {
	failures int
	calls    int
}

func (f *flakyEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("%w: attempt %d", ErrEmbeddingService, f.calls)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}

func TestRetryingEmbedder(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	recovering := &flakyEmbedder{failures: 2}
	vectors, err := NewRetryingEmbedder(recovering, policy, nil).EmbedBatch(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, 3, recovering.calls)

	broken := &flakyEmbedder{failures: 10}
	_, err = NewRetryingEmbedder(broken, policy, nil).EmbedBatch(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrEmbeddingService)
	assert.Equal(t, 3, broken.calls)
}

func TestRetryPolicyStopsOnPermanentAndCancel(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}

	calls := 0
	sentinel := errors.New("bad request")
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	calls = 0
	err = policy.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestCompleteParsesChoiceAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, false, req["stream"])
		assert.Equal(t, "gpt-test", req["model"])
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"forty-two"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer srv.Close()

	client := NewOpenAICompatibleClient(ChatConfig{BaseURL: srv.URL, Model: "gpt-test"}, time.Second)
	got, err := client.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "?"}})
	require.NoError(t, err)
	assert.Equal(t, "forty-two", got.Content)
	assert.Equal(t, 12, got.PromptTokens)
	assert.Equal(t, 3, got.CompletionTokens)
}

func TestCompleteUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewOpenAICompatibleClient(ChatConfig{BaseURL: srv.URL, Model: "m"}, time.Second)
	_, err := client.Complete(context.Background(), nil)
	assert.ErrorIs(t, err, ErrChatService)
}

func TestStreamCompleteForwardsDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo", "", " world"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewOpenAICompatibleClient(ChatConfig{BaseURL: srv.URL, Model: "m"}, time.Second)
	var deltas []string
	full, err := client.StreamComplete(context.Background(), nil, func(chunk string) error {
		deltas = append(deltas, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", full)
	assert.Equal(t, []string{"Hel", "lo", " world"}, deltas)
}

func TestStreamCompleteStopsOnCallbackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"t%d\"}}]}\n\n", i)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	stop := errors.New("client went away")
	var seen int32
	client := NewOpenAICompatibleClient(ChatConfig{BaseURL: srv.URL, Model: "m"}, time.Second)
	_, err := client.StreamComplete(context.Background(), nil, func(string) error {
		if atomic.AddInt32(&seen, 1) == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, int32(2), atomic.LoadInt32(&seen))
}

func TestStreamCompleteCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewOpenAICompatibleClient(ChatConfig{BaseURL: srv.URL, Model: "m"}, time.Second)
	_, err := client.StreamComplete(ctx, nil, func(chunk string) error {
		assert.Equal(t, "partial", chunk)
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, strings.Contains(fmt.Sprint(err), "partial"))
}
