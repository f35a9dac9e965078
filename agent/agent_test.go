package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/agentcheck/agentcheck/model"
	"github.com/agentcheck/agentcheck/toolbox"
)

// scriptedLLM plays back queued responses and records every call's message
// history and the tool definitions passed through the call options.
type scriptedLLM struct {
	mu        sync.Mutex
	steps     []scriptStep
	calls     int
	histories [][]llms.MessageContent
	toolSets  [][]llms.Tool
}

type scriptStep struct {
	resp *llms.ContentResponse
	err  error
}

func (s *scriptedLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]llms.MessageContent, len(messages))
	copy(history, messages)
	s.histories = append(s.histories, history)

	var opts llms.CallOptions
	for _, opt := range options {
		opt(&opts)
	}
	s.toolSets = append(s.toolSets, opts.Tools)

	if s.calls >= len(s.steps) {
		return nil, fmt.Errorf("unscripted llm call %d", s.calls+1)
	}
	step := s.steps[s.calls]
	s.calls++
	return step.resp, step.err
}

func (s *scriptedLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return "", errors.New("legacy Call is not scripted")
}

func textStep(text string) scriptStep {
	return scriptStep{resp: &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: text, StopReason: "stop"}},
	}}
}

func toolCallStep(calls ...llms.ToolCall) scriptStep {
	return scriptStep{resp: &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{ToolCalls: calls, StopReason: "tool_calls"}},
	}}
}

func toolCall(id, name, arguments string) llms.ToolCall {
	return llms.ToolCall{
		ID:   id,
		Type: "function",
		FunctionCall: &llms.FunctionCall{
			Name:      name,
			Arguments: arguments,
		},
	}
}

// lookupToolbox registers a single "lookup" tool whose handler records the
// arguments it was invoked with.
func lookupToolbox(result string, callErr error) (*toolbox.Registry, *[]map[string]any) {
	var seen []map[string]any
	r := toolbox.NewRegistry()
	r.MustRegister(toolbox.FunctionTool("lookup", "Looks up a value", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
		},
	}), func(ctx context.Context, args map[string]any) (string, error) {
		seen = append(seen, args)
		return result, callErr
	})
	return r, &seen
}

func TestSendFinalAnswer(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{textStep("Paris.")}}
	tools, _ := lookupToolbox(`{}`, nil)
	a := NewLLMAgent("geo", model.ProviderOpenAI, llm, tools, Options{SystemPrompt: "You answer geography questions."})

	run, err := a.NewConversation().Send(context.Background(), "What is the capital of France?")
	require.NoError(t, err)
	assert.Equal(t, "Paris.", run.FinalResponse)
	assert.Empty(t, run.ToolCalls)
	assert.GreaterOrEqual(t, run.LatencyMs, int64(0))
	assert.Positive(t, run.PromptTokens, "usage estimates fill in when the provider reports none")
	assert.Equal(t, run.PromptTokens+run.ResponseTokens, run.TotalTokens)

	require.Len(t, llm.histories, 1)
	history := llm.histories[0]
	require.Len(t, history, 2, "system prompt plus the user input")
	assert.Equal(t, llms.ChatMessageTypeSystem, history[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, history[1].Role)

	require.Len(t, llm.toolSets, 1)
	require.Len(t, llm.toolSets[0], 1, "registered tools travel with every generation call")
	assert.Equal(t, "lookup", llm.toolSets[0][0].Function.Name)
}

func TestSendToolLoop(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		toolCallStep(toolCall("call_1", "lookup", `{"city":"Paris"}`)),
		textStep("It is sunny in Paris."),
	}}
	tools, seen := lookupToolbox(`{"forecast":"sunny"}`, nil)
	a := NewLLMAgent("geo", model.ProviderOpenAI, llm, tools, Options{})

	run, err := a.NewConversation().Send(context.Background(), "Weather in Paris?")
	require.NoError(t, err)
	assert.Equal(t, "It is sunny in Paris.", run.FinalResponse)

	require.Len(t, run.ToolCalls, 1)
	invocation := run.ToolCalls[0]
	assert.Equal(t, "lookup", invocation.Name)
	assert.Equal(t, map[string]any{"city": "Paris"}, invocation.Parameters)
	assert.Equal(t, `{"forecast":"sunny"}`, invocation.Result)
	assert.False(t, invocation.Timestamp.IsZero())

	require.Len(t, *seen, 1)
	assert.Equal(t, "Paris", (*seen)[0]["city"])

	// The second generation sees the tool exchange: human, assistant tool
	// call, tool response.
	require.Len(t, llm.histories, 2)
	second := llm.histories[1]
	require.Len(t, second, 3)
	assert.Equal(t, llms.ChatMessageTypeHuman, second[0].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, second[1].Role)
	assert.Equal(t, llms.ChatMessageTypeTool, second[2].Role)

	toolMsg, ok := second[2].Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.Equal(t, "lookup", toolMsg.Name)
	assert.Equal(t, `{"forecast":"sunny"}`, toolMsg.Content)
}

func TestSendToolFailureFeedsErrorBack(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		toolCallStep(toolCall("call_1", "lookup", `{"city":"Paris"}`)),
		textStep("The lookup service is down."),
	}}
	tools, _ := lookupToolbox("", errors.New("boom"))
	a := NewLLMAgent("geo", model.ProviderOpenAI, llm, tools, Options{})

	run, err := a.NewConversation().Send(context.Background(), "Weather in Paris?")
	require.NoError(t, err, "a failing tool is an observable outcome, not an invocation fault")
	assert.Equal(t, "The lookup service is down.", run.FinalResponse)

	require.Len(t, run.ToolCalls, 1)
	assert.Equal(t, "Error: tool lookup failed: boom", run.ToolCalls[0].Result)

	toolMsg := llm.histories[1][2].Parts[0].(llms.ToolCallResponse)
	assert.Equal(t, "Error: tool lookup failed: boom", toolMsg.Content,
		"the model sees the failure text and can recover or report")
}

func TestSendUnknownToolFeedsErrorBack(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		toolCallStep(toolCall("call_1", "divine", `{}`)),
		textStep("I cannot do that."),
	}}
	a := NewLLMAgent("geo", model.ProviderOpenAI, llm, toolbox.NewRegistry(), Options{})

	run, err := a.NewConversation().Send(context.Background(), "Divine the answer")
	require.NoError(t, err)
	require.Len(t, run.ToolCalls, 1)
	assert.Equal(t, "divine", run.ToolCalls[0].Name)
	assert.Contains(t, run.ToolCalls[0].Result, "Error: tool divine failed")
}

func TestSendMaxIterations(t *testing.T) {
	call := toolCall("call_1", "lookup", `{"city":"Paris"}`)
	llm := &scriptedLLM{steps: []scriptStep{
		toolCallStep(call), toolCallStep(call), toolCallStep(call),
	}}
	tools, _ := lookupToolbox(`{}`, nil)
	a := NewLLMAgent("geo", model.ProviderOpenAI, llm, tools, Options{MaxIterations: 3})

	run, err := a.NewConversation().Send(context.Background(), "Weather in Paris?")
	require.NoError(t, err, "running out of iterations is a scoreable outcome")
	assert.Empty(t, run.FinalResponse)
	assert.Len(t, run.ToolCalls, 3)
	assert.Equal(t, 3, llm.calls, "the loop stops at the iteration cap")
}

func TestSendGenerationFailure(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{{err: errors.New("connection refused")}}}
	a := NewLLMAgent("geo", model.ProviderOpenAI, llm, toolbox.NewRegistry(), Options{})

	run, err := a.NewConversation().Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm generation failed (iteration 1)")
	assert.Contains(t, err.Error(), "connection refused")
	require.NotNil(t, run, "the partial run survives the fault")
	assert.Empty(t, run.ToolCalls)
}

func TestSendNoChoices(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{{resp: &llms.ContentResponse{}}}}
	a := NewLLMAgent("geo", model.ProviderOpenAI, llm, toolbox.NewRegistry(), Options{})

	_, err := a.NewConversation().Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm returned no choices")
}

func TestSendContextCanceled(t *testing.T) {
	t.Run("before the first generation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		llm := &scriptedLLM{steps: []scriptStep{textStep("never reached")}}
		a := NewLLMAgent("geo", model.ProviderOpenAI, llm, toolbox.NewRegistry(), Options{})

		run, err := a.NewConversation().Send(ctx, "hello")
		require.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, run)
		assert.Empty(t, run.ToolCalls)
		assert.Zero(t, llm.calls)
	})

	t.Run("mid-run keeps the partial trajectory", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		r := toolbox.NewRegistry()
		r.MustRegister(toolbox.FunctionTool("lookup", "Looks up a value", nil),
			func(ctx context.Context, args map[string]any) (string, error) {
				cancel()
				return `{"forecast":"sunny"}`, nil
			})

		llm := &scriptedLLM{steps: []scriptStep{
			toolCallStep(toolCall("call_1", "lookup", `{"city":"Paris"}`)),
			textStep("never reached"),
		}}
		a := NewLLMAgent("geo", model.ProviderOpenAI, llm, r, Options{})

		run, err := a.NewConversation().Send(ctx, "Weather in Paris?")
		require.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, run)
		require.Len(t, run.ToolCalls, 1, "the invocation before the abort is kept for scoring")
		assert.Equal(t, "lookup", run.ToolCalls[0].Name)
		assert.Equal(t, 1, llm.calls)
	})
}

func TestSendAccumulatesUsage(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{
			ToolCalls:      []llms.ToolCall{toolCall("call_1", "lookup", `{"city":"Paris"}`)},
			GenerationInfo: map[string]any{"PromptTokens": 10, "CompletionTokens": 5},
		}}}},
		{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{
			Content: "Sunny.",
			GenerationInfo: map[string]any{
				"prompt_tokens":     float64(20),
				"completion_tokens": float64(7),
				"total_tokens":      float64(27),
			},
		}}}},
	}}
	tools, _ := lookupToolbox(`{}`, nil)
	a := NewLLMAgent("geo", model.ProviderOpenAI, llm, tools, Options{})

	run, err := a.NewConversation().Send(context.Background(), "Weather in Paris?")
	require.NoError(t, err)
	assert.Equal(t, 30, run.PromptTokens, "counts add up across iterations and key spellings")
	assert.Equal(t, 12, run.ResponseTokens)
	assert.Equal(t, 42, run.TotalTokens, "a missing total falls back to prompt plus completion")
}

func TestConversationMemory(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		textStep("Paris."),
		textStep("About 2.1 million."),
		textStep("Hello."),
	}}
	a := NewLLMAgent("geo", model.ProviderOpenAI, llm, toolbox.NewRegistry(), Options{SystemPrompt: "Be brief."})

	conv := a.NewConversation()
	_, err := conv.Send(context.Background(), "Capital of France?")
	require.NoError(t, err)
	_, err = conv.Send(context.Background(), "How many people live there?")
	require.NoError(t, err)

	require.Len(t, llm.histories, 2)
	second := llm.histories[1]
	require.Len(t, second, 4, "system, first question, first answer, follow-up")
	assert.Equal(t, llms.ChatMessageTypeSystem, second[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, second[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, second[2].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, second[3].Role)

	// A fresh conversation starts from the system prompt alone.
	_, err = a.NewConversation().Send(context.Background(), "Hi")
	require.NoError(t, err)
	require.Len(t, llm.histories, 3)
	assert.Len(t, llm.histories[2], 2)
}

func TestSendMalformedToolArguments(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		toolCallStep(toolCall("call_1", "lookup", "not json")),
		textStep("Done."),
	}}
	tools, seen := lookupToolbox(`{}`, nil)
	a := NewLLMAgent("geo", model.ProviderOpenAI, llm, tools, Options{})

	run, err := a.NewConversation().Send(context.Background(), "go")
	require.NoError(t, err)
	require.Len(t, run.ToolCalls, 1)
	require.NotNil(t, run.ToolCalls[0].Parameters, "unparseable arguments degrade to an empty map")
	assert.Empty(t, run.ToolCalls[0].Parameters)

	require.Len(t, *seen, 1)
	assert.Empty(t, (*seen)[0])
}

type statsLLM struct {
	scriptedLLM
	stats model.RateLimitStats
}

func (s *statsLLM) GetStats() model.RateLimitStats { return s.stats }

func TestRateLimitStats(t *testing.T) {
	plain := NewLLMAgent("a", model.ProviderOpenAI, &scriptedLLM{}, toolbox.NewRegistry(), Options{})
	assert.Nil(t, plain.RateLimitStats(), "an unwrapped model reports no throttling counters")

	wrapped := NewLLMAgent("b", model.ProviderOpenAI, &statsLLM{stats: model.RateLimitStats{RateLimitHits: 2, RetryCount: 1}}, toolbox.NewRegistry(), Options{})
	stats := wrapped.RateLimitStats()
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.RateLimitHits)
	assert.Equal(t, 1, stats.RetryCount)
}

func TestNewConversationWithoutSystemPrompt(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{textStep("ok")}}
	a := NewLLMAgent("geo", model.ProviderOpenAI, llm, toolbox.NewRegistry(), Options{})

	_, err := a.NewConversation().Send(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, llm.histories, 1)
	require.Len(t, llm.histories[0], 1)
	assert.Equal(t, llms.ChatMessageTypeHuman, llm.histories[0][0].Role)
}
