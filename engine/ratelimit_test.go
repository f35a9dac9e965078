package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/agentcheck/agentcheck/model"
)

// fakeLLM consumes one scripted error per call; a nil entry (or an empty
// script) yields a canned success.
type fakeLLM struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	content string
	info    map[string]any
}

func (f *fakeLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        f.content,
		GenerationInfo: f.info,
	}}}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return "", errors.New("legacy Call is not scripted")
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRetryAfterSource struct {
	duration   time.Duration
	capturedAt time.Time
	cleared    bool
}

func (f *fakeRetryAfterSource) GetLastRetryAfter() (time.Duration, time.Time) {
	return f.duration, f.capturedAt
}

func (f *fakeRetryAfterSource) ClearRetryAfter() {
	f.cleared = true
	f.duration = 0
}

func humanMessage(text string) []llms.MessageContent {
	return []llms.MessageContent{{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextContent{Text: text}},
	}}
}

func err429() error { return errors.New("API returned 429: Too Many Requests") }

func TestNeedsLLMWrapper(t *testing.T) {
	cases := []struct {
		name   string
		limits model.RateLimitConfig
		retry  model.RetryConfig
		want   bool
	}{
		{"nothing configured", model.RateLimitConfig{}, model.RetryConfig{}, false},
		{"tpm only", model.RateLimitConfig{TPM: 1000}, model.RetryConfig{}, true},
		{"rpm only", model.RateLimitConfig{RPM: 60}, model.RetryConfig{}, true},
		{"retry only", model.RateLimitConfig{}, model.RetryConfig{RetryOn429: true}, true},
		{"everything", model.RateLimitConfig{TPM: 1000, RPM: 60}, model.RetryConfig{RetryOn429: true}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NeedsLLMWrapper(tc.limits, tc.retry))
		})
	}
}

func TestRateLimitedLLMPassthrough(t *testing.T) {
	inner := &fakeLLM{content: "hello"}
	rl := NewRateLimitedLLM(inner, model.RateLimitConfig{}, model.RetryConfig{}, "")

	resp, err := rl.GenerateContent(context.Background(), humanMessage("hi"))
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello", resp.Choices[0].Content)
	assert.Equal(t, 1, inner.callCount())
	assert.Equal(t, model.RateLimitStats{}, rl.GetStats())
}

func TestRateLimitedLLMBurstIsImmediate(t *testing.T) {
	inner := &fakeLLM{content: "ok"}
	rl := NewRateLimitedLLM(inner, model.RateLimitConfig{TPM: 100000, RPM: 100}, model.RetryConfig{}, "")

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := rl.GenerateContent(context.Background(), humanMessage("short question"))
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), time.Second,
		"a fresh limiter carries a full minute of burst")
}

func TestRateLimitedLLMBlocksWhenBudgetSpent(t *testing.T) {
	inner := &fakeLLM{content: "ok"}
	// 200 chars estimate to 50 tokens, so the second call overdraws the
	// 60-token burst and has to wait for refill.
	message := humanMessage(string(make([]byte, 200)))
	rl := NewRateLimitedLLM(inner, model.RateLimitConfig{TPM: 60}, model.RetryConfig{}, "")

	_, err := rl.GenerateContent(context.Background(), message)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = rl.GenerateContent(ctx, message)
	require.Error(t, err, "the wait outlives the context deadline")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, inner.callCount(), "the throttled request never reaches the model")
}

func TestRateLimitedLLMEstimateExceedsBurst(t *testing.T) {
	inner := &fakeLLM{content: "ok"}
	rl := NewRateLimitedLLM(inner, model.RateLimitConfig{TPM: 10}, model.RetryConfig{}, "")

	// 400 chars estimate to 100 tokens, more than the limiter can ever hold.
	_, err := rl.GenerateContent(context.Background(), humanMessage(string(make([]byte, 400))))
	require.Error(t, err)
	assert.Zero(t, inner.callCount())
}

func TestRateLimited429WithoutRetry(t *testing.T) {
	inner := &fakeLLM{errs: []error{err429()}}
	rl := NewRateLimitedLLM(inner, model.RateLimitConfig{}, model.RetryConfig{}, "")

	_, err := rl.GenerateContent(context.Background(), humanMessage("hi"))
	require.Error(t, err)
	assert.Equal(t, 1, inner.callCount(), "retry is opt-in")

	stats := rl.GetStats()
	assert.Equal(t, 1, stats.RateLimitHits)
	assert.Zero(t, stats.RetryCount)
}

func TestRateLimited429RetrySucceeds(t *testing.T) {
	inner := &fakeLLM{content: "recovered", errs: []error{err429(), nil}}
	rl := NewRateLimitedLLM(inner, model.RateLimitConfig{}, model.RetryConfig{RetryOn429: true}, "")

	start := time.Now()
	resp, err := rl.GenerateContent(context.Background(), humanMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Choices[0].Content)
	assert.Equal(t, 2, inner.callCount())
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond, "the retry backs off first")

	stats := rl.GetStats()
	assert.Equal(t, 1, stats.RateLimitHits)
	assert.Equal(t, 1, stats.RetryCount)
	assert.Equal(t, 1, stats.RetrySuccessCount)
	assert.Positive(t, stats.RetryWaitTimeMs)
}

func TestRateLimited429RetriesExhausted(t *testing.T) {
	inner := &fakeLLM{errs: []error{err429(), err429()}}
	rl := NewRateLimitedLLM(inner, model.RateLimitConfig{}, model.RetryConfig{RetryOn429: true, MaxRetries: 1}, "")

	_, err := rl.GenerateContent(context.Background(), humanMessage("hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Equal(t, 2, inner.callCount())

	stats := rl.GetStats()
	assert.Equal(t, 2, stats.RateLimitHits)
	assert.Equal(t, 1, stats.RetryCount)
	assert.Zero(t, stats.RetrySuccessCount)
}

func TestRateLimited429RetryAbortsOnContext(t *testing.T) {
	inner := &fakeLLM{errs: []error{err429(), nil}}
	rl := NewRateLimitedLLM(inner, model.RateLimitConfig{}, model.RetryConfig{RetryOn429: true}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := rl.GenerateContent(ctx, humanMessage("hi"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "the backoff wait honors cancellation")
	assert.Equal(t, 1, inner.callCount())
}

func TestRateLimitedNonRateLimitErrors(t *testing.T) {
	t.Run("pass through untouched", func(t *testing.T) {
		boom := errors.New("500 internal server error")
		inner := &fakeLLM{errs: []error{boom}}
		rl := NewRateLimitedLLM(inner, model.RateLimitConfig{}, model.RetryConfig{RetryOn429: true}, "")

		_, err := rl.GenerateContent(context.Background(), humanMessage("hi"))
		require.ErrorIs(t, err, boom)
		assert.Zero(t, rl.GetStats().RateLimitHits)
	})

	t.Run("abort an ongoing retry loop", func(t *testing.T) {
		auth := errors.New("401 unauthorized")
		inner := &fakeLLM{errs: []error{err429(), auth}}
		rl := NewRateLimitedLLM(inner, model.RateLimitConfig{}, model.RetryConfig{RetryOn429: true}, "")

		_, err := rl.GenerateContent(context.Background(), humanMessage("hi"))
		require.ErrorIs(t, err, auth)
		assert.Equal(t, 2, inner.callCount())

		stats := rl.GetStats()
		assert.Equal(t, 1, stats.RateLimitHits)
		assert.Equal(t, 1, stats.RetryCount)
		assert.Zero(t, stats.RetrySuccessCount)
	})
}

func TestRateLimitedCall(t *testing.T) {
	inner := &fakeLLM{content: "plain answer"}
	rl := NewRateLimitedLLM(inner, model.RateLimitConfig{TPM: 100000}, model.RetryConfig{}, "")

	out, err := rl.Call(context.Background(), "plain prompt")
	require.NoError(t, err)
	assert.Equal(t, "plain answer", out)
	assert.Equal(t, 1, inner.callCount())
}

func TestIsRateLimitError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("API returned 429"), true},
		{errors.New("Rate Limit exceeded for model"), true},
		{errors.New("too many requests, slow down"), true},
		{errors.New("connection refused"), false},
		{errors.New("500 internal server error"), false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, isRateLimitError(tc.err), "%v", tc.err)
	}
}

func TestExtractRetryAfter(t *testing.T) {
	t.Run("from error text", func(t *testing.T) {
		rl := NewRateLimitedLLM(&fakeLLM{}, model.RateLimitConfig{}, model.RetryConfig{}, "")

		d := rl.extractRetryAfter(errors.New("rate limited, retry after 7 seconds"))
		assert.Equal(t, 17*time.Second, d, "the buffer pads the provider's wait")

		d = rl.extractRetryAfter(errors.New("please retry after 1 second"))
		assert.Equal(t, 11*time.Second, d)

		assert.Zero(t, rl.extractRetryAfter(errors.New("429 with no hint")))
		assert.Zero(t, rl.extractRetryAfter(nil))
	})

	t.Run("fresh header capture wins", func(t *testing.T) {
		rl := NewRateLimitedLLM(&fakeLLM{}, model.RateLimitConfig{}, model.RetryConfig{}, "")
		source := &fakeRetryAfterSource{duration: 3 * time.Second, capturedAt: time.Now()}
		rl.SetRetryAfterProvider(source)

		d := rl.extractRetryAfter(errors.New("retry after 99 seconds"))
		assert.Equal(t, 13*time.Second, d)
		assert.True(t, source.cleared, "a consumed capture never applies twice")
	})

	t.Run("stale capture falls back to the text", func(t *testing.T) {
		rl := NewRateLimitedLLM(&fakeLLM{}, model.RateLimitConfig{}, model.RetryConfig{}, "")
		source := &fakeRetryAfterSource{duration: 3 * time.Second, capturedAt: time.Now().Add(-10 * time.Second)}
		rl.SetRetryAfterProvider(source)

		d := rl.extractRetryAfter(errors.New("retry after 4 seconds"))
		assert.Equal(t, 14*time.Second, d)
		assert.False(t, source.cleared)
	})
}

func TestEstimateTokensSimple(t *testing.T) {
	assert.Zero(t, estimateTokensSimple(nil))
	assert.Zero(t, estimateTokensSimple(humanMessage("")))
	assert.Equal(t, 1, estimateTokensSimple(humanMessage("ab")), "non-empty text is at least one token")
	assert.Equal(t, 2, estimateTokensSimple(humanMessage("eight ch")))

	mixed := []llms.MessageContent{{
		Role: llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{
			llms.TextContent{Text: "12345678"},
			llms.BinaryContent{MIMEType: "image/png", Data: []byte{1, 2, 3}},
			llms.TextContent{Text: "12345678"},
		},
	}}
	assert.Equal(t, 4, estimateTokensSimple(mixed), "only text parts count")
}

func TestActualTokensFromResponse(t *testing.T) {
	resp := func(info map[string]any) *llms.ContentResponse {
		return &llms.ContentResponse{Choices: []*llms.ContentChoice{{GenerationInfo: info}}}
	}

	assert.Zero(t, actualTokensFromResponse(nil))
	assert.Zero(t, actualTokensFromResponse(&llms.ContentResponse{}))
	assert.Zero(t, actualTokensFromResponse(resp(nil)))

	assert.Equal(t, 42, actualTokensFromResponse(resp(map[string]any{"TotalTokens": 42})))
	assert.Equal(t, 17, actualTokensFromResponse(resp(map[string]any{"total_tokens": "17"})))
	assert.Equal(t, 15, actualTokensFromResponse(resp(map[string]any{"PromptTokens": 10, "CompletionTokens": 5})))
	assert.Equal(t, 27, actualTokensFromResponse(resp(map[string]any{"prompt_tokens": float64(20), "completion_tokens": float64(7)})))
	assert.Equal(t, 9, actualTokensFromResponse(resp(map[string]any{"input_tokens": int64(4), "output_tokens": int64(5)})))
	assert.Zero(t, actualTokensFromResponse(resp(map[string]any{"unrelated": true})))
}

func TestReconcileTokenSpend(t *testing.T) {
	rl := NewRateLimitedLLM(&fakeLLM{}, model.RateLimitConfig{TPM: 100}, model.RetryConfig{}, "")
	resp := &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		GenerationInfo: map[string]any{"TotalTokens": 50},
	}}}

	// 40 extra tokens get charged, leaving roughly 60 of the 100 burst.
	rl.reconcileTokenSpend(10, resp)
	assert.True(t, rl.tpmLimiter.AllowN(time.Now(), 55))
	assert.False(t, rl.tpmLimiter.AllowN(time.Now(), 55))

	// An overestimate charges nothing.
	rl2 := NewRateLimitedLLM(&fakeLLM{}, model.RateLimitConfig{TPM: 100}, model.RetryConfig{}, "")
	rl2.reconcileTokenSpend(80, resp)
	assert.True(t, rl2.tpmLimiter.AllowN(time.Now(), 100))
}

func TestRateLimitStatsReset(t *testing.T) {
	inner := &fakeLLM{errs: []error{err429()}}
	rl := NewRateLimitedLLM(inner, model.RateLimitConfig{}, model.RetryConfig{}, "")

	_, _ = rl.GenerateContent(context.Background(), humanMessage("hi"))
	require.Equal(t, 1, rl.GetStats().RateLimitHits)

	rl.ResetStats()
	assert.Equal(t, model.RateLimitStats{}, rl.GetStats())
}

func TestRateLimitedLLMConcurrentAccess(t *testing.T) {
	inner := &fakeLLM{content: "ok"}
	rl := NewRateLimitedLLM(inner, model.RateLimitConfig{TPM: 100000, RPM: 1000}, model.RetryConfig{}, "")

	var wg sync.WaitGroup
	errCh := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rl.GenerateContent(context.Background(), humanMessage("hi")); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent call failed: %v", err)
	}
	assert.Equal(t, 10, inner.callCount())
}
