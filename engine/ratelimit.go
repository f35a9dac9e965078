package engine

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"

	"github.com/agentcheck/agentcheck/logger"
	"github.com/agentcheck/agentcheck/model"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 60 * time.Second

	// retryAfterBuffer pads the server's requested wait: provider token
	// buckets refill gradually, so retrying at the exact boundary tends to
	// hit a second 429.
	retryAfterBuffer = 10 * time.Second
)

var retryAfterPattern = regexp.MustCompile(`retry after (\d+) seconds?`)

// RateLimitedLLM wraps an llms.Model with proactive TPM/RPM throttling and
// optional reactive 429 retry.
//
// Throttling is best-effort: it spends budget from token ESTIMATES made
// before each request, and the provider's own accounting can differ. The
// estimate is conservative (tiktoken count plus completion
// allowance plus a 50% margin); when a 429 slips through anyway, the retry
// path handles it. Note that a mid-agent-loop retry only re-issues the
// single rejected HTTP call, never a completed tool execution.
type RateLimitedLLM struct {
	wrapped    llms.Model
	tpmLimiter *rate.Limiter
	rpmLimiter *rate.Limiter
	modelName  string

	retryOn429         bool
	maxRetries         int
	retryAfterProvider RetryAfterProvider

	statsMu sync.Mutex
	stats   model.RateLimitStats
}

func NewRateLimitedLLM(wrapped llms.Model, limits model.RateLimitConfig, retry model.RetryConfig, modelName string) *RateLimitedLLM {
	maxRetries := retry.MaxRetries
	if retry.RetryOn429 && maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	rl := &RateLimitedLLM{
		wrapped:    wrapped,
		modelName:  modelName,
		retryOn429: retry.RetryOn429,
		maxRetries: maxRetries,
	}

	// Burst is the full minute's worth, so a fresh limiter never delays the
	// first requests of a run.
	if limits.TPM > 0 {
		rl.tpmLimiter = rate.NewLimiter(rate.Limit(float64(limits.TPM)/60.0), limits.TPM)
		logger.Logger.Info("Rate limiter configured", "type", "TPM", "limit", limits.TPM)
	}
	if limits.RPM > 0 {
		rl.rpmLimiter = rate.NewLimiter(rate.Limit(float64(limits.RPM)/60.0), limits.RPM)
		logger.Logger.Info("Rate limiter configured", "type", "RPM", "limit", limits.RPM)
	}
	if retry.RetryOn429 {
		logger.Logger.Info("429 retry handling enabled", "max_retries", maxRetries)
	}

	return rl
}

// SetRetryAfterProvider wires in the HTTP client that captures Retry-After
// headers, giving the retry path a wait source more reliable than error
// message parsing.
func (rl *RateLimitedLLM) SetRetryAfterProvider(provider RetryAfterProvider) {
	rl.retryAfterProvider = provider
}

// NeedsLLMWrapper reports whether the provider configuration asks for any
// behavior this wrapper adds.
func NeedsLLMWrapper(limits model.RateLimitConfig, retry model.RetryConfig) bool {
	return limits.TPM > 0 || limits.RPM > 0 || retry.RetryOn429
}

// GenerateContent implements llms.Model with throttling and retry around the
// wrapped model.
func (rl *RateLimitedLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if rl.rpmLimiter != nil {
		if err := rl.waitThrottled(ctx, rl.rpmLimiter, 1); err != nil {
			return nil, err
		}
	}

	estimatedTokens := rl.estimateInputTokens(messages)
	if rl.tpmLimiter != nil && estimatedTokens > 0 {
		if err := rl.waitThrottled(ctx, rl.tpmLimiter, estimatedTokens); err != nil {
			return nil, err
		}
	}

	response, err := rl.wrapped.GenerateContent(ctx, messages, options...)
	if err == nil {
		rl.reconcileTokenSpend(estimatedTokens, response)
		return response, nil
	}

	if !isRateLimitError(err) {
		return nil, err
	}
	rl.recordRateLimitHit()
	if !rl.retryOn429 {
		return nil, err
	}

	return rl.retryAfter429(ctx, messages, options, err)
}

func (rl *RateLimitedLLM) retryAfter429(ctx context.Context, messages []llms.MessageContent, options []llms.CallOption, lastErr error) (*llms.ContentResponse, error) {
	backoff := defaultInitialBackoff

	for attempt := 1; attempt <= rl.maxRetries; attempt++ {
		retryAfter := rl.extractRetryAfter(lastErr)
		if retryAfter > 0 {
			backoff = retryAfter
		}
		if backoff > defaultMaxBackoff {
			backoff = defaultMaxBackoff
		}

		logger.Logger.Warn("429 rate limit hit, retrying",
			"attempt", attempt,
			"max_retries", rl.maxRetries,
			"wait_seconds", backoff.Seconds())

		waitStart := time.Now()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		rl.recordRetry(time.Since(waitStart))

		response, err := rl.wrapped.GenerateContent(ctx, messages, options...)
		if err == nil {
			logger.Logger.Info("Request succeeded after 429 retry", "attempt", attempt)
			rl.recordRetrySuccess()
			return response, nil
		}
		if !isRateLimitError(err) {
			return nil, err
		}
		rl.recordRateLimitHit()
		lastErr = err

		if retryAfter == 0 {
			backoff *= 2
		}
	}

	logger.Logger.Error("429 retries exhausted", "max_retries", rl.maxRetries, "error", lastErr.Error())
	return nil, lastErr
}

// Call implements the llms.Model convenience method for plain prompts.
func (rl *RateLimitedLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextContent{Text: prompt}},
		},
	}
	resp, err := rl.GenerateContent(ctx, messages, options...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Content, nil
}

func (rl *RateLimitedLLM) waitThrottled(ctx context.Context, limiter *rate.Limiter, n int) error {
	start := time.Now()
	if err := limiter.WaitN(ctx, n); err != nil {
		return err
	}
	if waited := time.Since(start); waited > 10*time.Millisecond {
		rl.recordThrottle(waited)
	}
	return nil
}

// reconcileTokenSpend charges the limiter for the gap between the estimate
// and what the provider actually billed, so sustained underestimation cannot
// leak budget.
func (rl *RateLimitedLLM) reconcileTokenSpend(estimated int, response *llms.ContentResponse) {
	if rl.tpmLimiter == nil || response == nil {
		return
	}
	actual := actualTokensFromResponse(response)
	if actual <= estimated {
		return
	}
	reservation := rl.tpmLimiter.ReserveN(time.Now(), actual-estimated)
	if reservation.OK() {
		logger.Logger.Debug("Reserved additional tokens",
			"estimated", estimated,
			"actual", actual,
			"delay", reservation.Delay())
	}
}

// ============================================================================
// TOKEN ESTIMATION
// ============================================================================

// estimateInputTokens counts prompt tokens with tiktoken when the model is
// known to it, falling back to the chars/4 heuristic. Both paths add a
// completion allowance and safety margin only on the accurate path, matching
// how the limits are typically provisioned.
func (rl *RateLimitedLLM) estimateInputTokens(messages []llms.MessageContent) int {
	if rl.modelName != "" {
		if tokens := rl.estimateTokensAccurate(messages); tokens > 0 {
			return tokens
		}
	}
	return estimateTokensSimple(messages)
}

func (rl *RateLimitedLLM) estimateTokensAccurate(messages []llms.MessageContent) int {
	tkm, err := tiktoken.EncodingForModel(rl.modelName)
	if err != nil {
		logger.Logger.Debug("Tiktoken encoding not available, using heuristic",
			"model", rl.modelName)
		return 0
	}

	inputTokens := 0
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if textPart, ok := part.(llms.TextContent); ok {
				inputTokens += len(tkm.Encode(textPart.Text, nil, nil))
			}
		}
	}

	// Completion allowance (half the prompt) plus a 50% margin: tool
	// schemas, message framing and provider-side counting differences all
	// bill tokens tiktoken cannot see.
	totalEstimate := inputTokens + inputTokens/2
	return totalEstimate + totalEstimate/2
}

func estimateTokensSimple(messages []llms.MessageContent) int {
	totalChars := 0
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if textPart, ok := part.(llms.TextContent); ok {
				totalChars += len(textPart.Text)
			}
		}
	}
	tokens := totalChars / model.ApproxTokenDivisor
	if tokens < 1 && totalChars > 0 {
		tokens = 1
	}
	return tokens
}

func actualTokensFromResponse(response *llms.ContentResponse) int {
	if response == nil || len(response.Choices) == 0 {
		return 0
	}
	info := response.Choices[0].GenerationInfo
	if info == nil {
		return 0
	}

	for _, key := range []string{"TotalTokens", "total_tokens"} {
		if v := asInt(info[key]); v > 0 {
			return v
		}
	}
	for _, pair := range [][2]string{
		{"PromptTokens", "CompletionTokens"},
		{"prompt_tokens", "completion_tokens"},
		{"input_tokens", "output_tokens"},
	} {
		prompt, completion := asInt(info[pair[0]]), asInt(info[pair[1]])
		if prompt > 0 || completion > 0 {
			return prompt + completion
		}
	}
	return 0
}

func asInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	case float32:
		return int(val)
	case string:
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
		return 0
	default:
		return 0
	}
}

// ============================================================================
// 429 DETECTION
// ============================================================================

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests")
}

// extractRetryAfter resolves the wait before a retry: the captured HTTP
// header when fresh, otherwise the "retry after N seconds" phrase many
// providers embed in the error text.
func (rl *RateLimitedLLM) extractRetryAfter(err error) time.Duration {
	if rl.retryAfterProvider != nil {
		if duration, capturedAt := rl.retryAfterProvider.GetLastRetryAfter(); duration > 0 {
			// Only trust a very recent capture; anything older belongs to a
			// different request.
			if time.Since(capturedAt) < 5*time.Second {
				rl.retryAfterProvider.ClearRetryAfter()
				return duration + retryAfterBuffer
			}
		}
	}

	if err == nil {
		return 0
	}
	matches := retryAfterPattern.FindStringSubmatch(err.Error())
	if len(matches) >= 2 {
		if seconds, parseErr := strconv.Atoi(matches[1]); parseErr == nil && seconds > 0 {
			return time.Duration(seconds)*time.Second + retryAfterBuffer
		}
	}
	return 0
}

// ============================================================================
// STATS
// ============================================================================

func (rl *RateLimitedLLM) recordThrottle(waitTime time.Duration) {
	rl.statsMu.Lock()
	defer rl.statsMu.Unlock()
	rl.stats.ThrottleCount++
	rl.stats.ThrottleWaitTimeMs += waitTime.Milliseconds()
}

func (rl *RateLimitedLLM) recordRateLimitHit() {
	rl.statsMu.Lock()
	defer rl.statsMu.Unlock()
	rl.stats.RateLimitHits++
}

func (rl *RateLimitedLLM) recordRetry(waitTime time.Duration) {
	rl.statsMu.Lock()
	defer rl.statsMu.Unlock()
	rl.stats.RetryCount++
	rl.stats.RetryWaitTimeMs += waitTime.Milliseconds()
}

func (rl *RateLimitedLLM) recordRetrySuccess() {
	rl.statsMu.Lock()
	defer rl.statsMu.Unlock()
	rl.stats.RetrySuccessCount++
}

// GetStats returns a copy of the accumulated statistics.
func (rl *RateLimitedLLM) GetStats() model.RateLimitStats {
	rl.statsMu.Lock()
	defer rl.statsMu.Unlock()
	return rl.stats
}

// ResetStats clears the counters, typically between cases so stats can be
// attributed per result.
func (rl *RateLimitedLLM) ResetStats() {
	rl.statsMu.Lock()
	defer rl.statsMu.Unlock()
	rl.stats = model.RateLimitStats{}
}

// RateLimitStatsProvider is implemented by models that track rate-limit
// statistics.
type RateLimitStatsProvider interface {
	GetStats() model.RateLimitStats
	ResetStats()
}
