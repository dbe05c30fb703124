package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paged-vllm-go/pagedvllm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestServer runs an engine over the mock executor until the test ends
func newTestServer(t *testing.T, latency time.Duration) (*Server, *pagedvllm.Engine) {
	t.Helper()
	config, err := pagedvllm.NewConfig("mock-model",
		pagedvllm.WithNumKVCacheBlocks(64, 0),
		pagedvllm.WithValidationLimits(4, 4, 256, 1024),
	)
	require.NoError(t, err)

	exec := pagedvllm.NewMockExecutor(config)
	exec.Latency = latency
	engine, err := pagedvllm.NewEngine(config, exec, pagedvllm.NewMockTokenizer(config.EOS))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		engine.Close()
	})

	return New(engine, []string{"http://localhost:*"}), engine
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := newStreamRecorder()
	s.Handler().ServeHTTP(w, req)
	return w.ResponseRecorder
}

// streamRecorder adds the CloseNotifier that gin's c.Stream requires
type streamRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
}

func (r *streamRecorder) CloseNotify() <-chan bool {
	return r.closed
}

func TestHealthAndStats(t *testing.T) {
	s, _ := newTestServer(t, 0)

	w := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mock-model")

	w = doJSON(t, s, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats pagedvllm.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 64, stats.GPUBlocksTotal)
}

func TestGenerate(t *testing.T) {
	s, _ := newTestServer(t, 0)

	w := doJSON(t, s, http.MethodPost, "/generate", map[string]any{
		"request_id": "req-1",
		"prompt":     "Hello there",
		"max_tokens": 5,
		"ignore_eos": true,
		"logprobs":   1,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "req-1", resp.RequestID)
	assert.True(t, resp.Finished)
	require.Len(t, resp.Outputs, 1)
	assert.Len(t, resp.Outputs[0].TokenIDs, 5)
	assert.Len(t, resp.Outputs[0].LogProbs, 5)
	assert.Equal(t, pagedvllm.FinishLength, resp.Outputs[0].FinishReason)
}

func TestGenerateErrors(t *testing.T) {
	s, _ := newTestServer(t, 0)

	cases := []struct {
		name   string
		body   any
		status int
	}{
		{"no prompt", map[string]any{}, http.StatusBadRequest},
		{"bad json", "not an object", http.StatusBadRequest},
		{"validation", map[string]any{"prompt": "x", "max_tokens": 0}, http.StatusBadRequest},
		{"too many stops", map[string]any{"prompt": "x", "stop": []string{"a", "b", "c", "d", "e"}}, http.StatusBadRequest},
		{"over input length", map[string]any{"prompt_token_ids": make([]int, 300)}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, s, http.MethodPost, "/generate", tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

func TestChat(t *testing.T) {
	s, _ := newTestServer(t, 0)

	w := doJSON(t, s, http.MethodPost, "/chat", map[string]any{
		"messages": []map[string]string{
			{"role": "system", "content": "Be brief."},
			{"role": "user", "content": "Hi"},
		},
		"max_tokens": 3,
		"ignore_eos": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	prompt, err := FlattenMessages([]Message{SystemMessage{"Be brief."}, UserMessage{"Hi"}})
	require.NoError(t, err)
	assert.Len(t, resp.PromptTokenIDs, len(prompt))

	w = doJSON(t, s, http.MethodPost, "/chat", map[string]any{
		"messages": []map[string]string{{"role": "narrator", "content": "x"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerateStream(t *testing.T) {
	s, _ := newTestServer(t, 0)

	w := doJSON(t, s, http.MethodPost, "/generate", map[string]any{
		"prompt":     "stream",
		"stream":     true,
		"max_tokens": 6,
		"ignore_eos": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var events []Response
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			var r Response
			require.NoError(t, json.Unmarshal([]byte(data), &r))
			events = append(events, r)
		}
	}
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Finished)
	assert.Len(t, last.Outputs[0].TokenIDs, 6)
	for _, e := range events[:len(events)-1] {
		assert.False(t, e.Finished)
	}
}

func TestAbortRequest(t *testing.T) {
	s, engine := newTestServer(t, 5*time.Millisecond)

	w := doJSON(t, s, http.MethodDelete, "/requests/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doJSON(t, s, http.MethodPost, "/generate", map[string]any{
			"request_id": "slow",
			"prompt":     "take your time",
			"max_tokens": 500,
			"ignore_eos": true,
		})
	}()

	require.Eventually(t, func() bool {
		return engine.Stats().NumRunning == 1
	}, 2*time.Second, 5*time.Millisecond)

	w = doJSON(t, s, http.MethodDelete, "/requests/slow", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	var resp Response
	res := <-done
	require.Equal(t, http.StatusOK, res.Code)
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &resp))
	assert.Equal(t, pagedvllm.FinishCancelled, resp.Outputs[0].FinishReason)
}

func TestDuplicateRequestID(t *testing.T) {
	s, engine := newTestServer(t, 5*time.Millisecond)

	done := make(chan int, 1)
	go func() {
		w := doJSON(t, s, http.MethodPost, "/generate", map[string]any{
			"request_id": "dup", "prompt": "one", "max_tokens": 200, "ignore_eos": true,
		})
		done <- w.Code
	}()
	require.Eventually(t, func() bool {
		return engine.HasUnfinished()
	}, 2*time.Second, 5*time.Millisecond)

	w := doJSON(t, s, http.MethodPost, "/generate", map[string]any{"request_id": "dup", "prompt": "two"})
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NoError(t, engine.Abort("dup"))
	assert.Equal(t, http.StatusOK, <-done)
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, 0)

	req := httptest.NewRequest(http.MethodOptions, "/generate", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}
