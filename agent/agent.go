package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tmc/langchaingo/llms"

	"github.com/agentcheck/agentcheck/logger"
	"github.com/agentcheck/agentcheck/model"
	"github.com/agentcheck/agentcheck/toolbox"
)

const (
	DefaultMaxIterations = 10

	resultPreviewLength = 200
)

// Agent is the system under evaluation. The harness never looks inside: it
// opens conversations, sends inputs, and observes RunResults.
type Agent interface {
	Name() string
	// NewConversation opens a fresh conversational context. State never
	// leaks between conversations; the runner opens one per single-turn
	// case and exactly one for all turns of a multi-turn case.
	NewConversation() Conversation
}

// Conversation is one contiguous exchange with an agent. Implementations
// carry whatever state the agent accumulates between sends.
type Conversation interface {
	// Send delivers one user input and blocks until the agent settles on a
	// final response, gives up, or the context aborts. Exactly one RunResult
	// is produced per call. When the context aborts mid-run, Send returns
	// the partial RunResult captured so far together with the context error,
	// so callers can still score the trajectory observed before the
	// deadline. Any other non-nil error is an invocation fault.
	Send(ctx context.Context, input string) (*model.RunResult, error)
}

// Options tune the LLM agent's tool-calling loop.
type Options struct {
	SystemPrompt  string
	MaxIterations int
	ToolTimeout   time.Duration
	Verbose       bool
}

// LLMAgent is the reference Agent implementation: an iterative tool-calling
// loop over a langchaingo model. Each conversation threads the full message
// history back into the model, which is what makes multi-turn memory work.
type LLMAgent struct {
	name     string
	provider model.ProviderType
	llm      llms.Model
	tools    toolbox.Toolbox
	opts     Options
}

func NewLLMAgent(name string, provider model.ProviderType, llm llms.Model, tools toolbox.Toolbox, opts Options) *LLMAgent {
	return &LLMAgent{name: name, provider: provider, llm: llm, tools: tools, opts: opts}
}

func (a *LLMAgent) Name() string { return a.name }

func (a *LLMAgent) Provider() model.ProviderType { return a.provider }

func (a *LLMAgent) Toolbox() toolbox.Toolbox { return a.tools }

// RateLimitStats exposes the cumulative throttling counters of the underlying
// model when it is wrapped with a rate limiter, nil otherwise.
func (a *LLMAgent) RateLimitStats() *model.RateLimitStats {
	if sp, ok := a.llm.(interface{ GetStats() model.RateLimitStats }); ok {
		stats := sp.GetStats()
		return &stats
	}
	return nil
}

func (a *LLMAgent) NewConversation() Conversation {
	msgs := make([]llms.MessageContent, 0, 8)
	if a.opts.SystemPrompt != "" {
		msgs = append(msgs, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextContent{Text: a.opts.SystemPrompt}},
		})
	}
	return &llmConversation{agent: a, msgs: msgs}
}

type llmConversation struct {
	agent *LLMAgent
	msgs  []llms.MessageContent
}

func (c *llmConversation) Send(ctx context.Context, input string) (*model.RunResult, error) {
	start := time.Now()
	run := &model.RunResult{ToolCalls: []model.ToolInvocation{}}

	finish := func(err error) (*model.RunResult, error) {
		run.LatencyMs = time.Since(start).Milliseconds()
		run.FillTokenEstimates(input)
		return run, err
	}

	c.msgs = append(c.msgs, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextContent{Text: input}},
	})

	maxIterations := c.agent.opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	tools := c.agent.tools.Tools()

	if c.agent.opts.Verbose {
		logger.Logger.Debug("Run started",
			"agent", c.agent.name,
			"provider", c.agent.provider,
			"max_iterations", maxIterations,
			"tools", len(tools))
	}

	iteration := 0
	for iteration < maxIterations {
		iteration++

		if ctx.Err() != nil {
			logger.Logger.Warn("Run aborted by context",
				"agent", c.agent.name,
				"iteration", iteration,
				"error", ctx.Err())
			return finish(ctx.Err())
		}

		resp, err := c.agent.llm.GenerateContent(ctx, c.msgs, llms.WithTools(tools))
		if err != nil {
			if ctx.Err() != nil {
				return finish(ctx.Err())
			}
			return finish(fmt.Errorf("llm generation failed (iteration %d): %w", iteration, err))
		}
		if len(resp.Choices) == 0 {
			return finish(fmt.Errorf("llm returned no choices (iteration %d)", iteration))
		}

		choice := resp.Choices[0]
		accumulateUsage(run, choice.GenerationInfo)

		assistantText := choice.Content
		if strings.TrimSpace(assistantText) != "" {
			c.msgs = append(c.msgs, llms.MessageContent{
				Role:  llms.ChatMessageTypeAI,
				Parts: []llms.ContentPart{llms.TextContent{Text: assistantText}},
			})
		}

		if len(choice.ToolCalls) == 0 {
			run.FinalResponse = assistantText
			if c.agent.opts.Verbose {
				logger.Logger.Debug("Final answer received",
					"agent", c.agent.name,
					"iteration", iteration,
					"stop_reason", choice.StopReason)
			}
			return finish(nil)
		}

		for _, call := range choice.ToolCalls {
			invocation, content := c.executeToolCall(ctx, call)
			run.ToolCalls = append(run.ToolCalls, invocation)

			c.msgs = append(c.msgs, llms.MessageContent{
				Role:  llms.ChatMessageTypeAI,
				Parts: []llms.ContentPart{call},
			})
			c.msgs = append(c.msgs, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{
					llms.ToolCallResponse{
						Name:       call.FunctionCall.Name,
						ToolCallID: call.ID,
						Content:    content,
					},
				},
			})
		}
	}

	// The agent never settled on a final answer. The run is still scoreable:
	// the trajectory is whatever was captured, the response stays empty.
	logger.Logger.Warn("Max iterations reached without final answer",
		"agent", c.agent.name,
		"max_iterations", maxIterations)
	return finish(nil)
}

func (c *llmConversation) executeToolCall(ctx context.Context, call llms.ToolCall) (model.ToolInvocation, string) {
	name := call.FunctionCall.Name

	var params map[string]any
	if err := sonic.UnmarshalString(call.FunctionCall.Arguments, &params); err != nil {
		if strings.TrimSpace(call.FunctionCall.Arguments) != "" {
			logger.Logger.Warn("Failed to parse tool arguments",
				"tool", name,
				"arguments", truncateString(call.FunctionCall.Arguments, resultPreviewLength),
				"error", err)
		}
		params = map[string]any{}
	}

	invocation := model.ToolInvocation{
		Name:       name,
		Parameters: params,
		Timestamp:  time.Now(),
	}

	toolCtx := ctx
	var cancel context.CancelFunc
	if c.agent.opts.ToolTimeout > 0 {
		toolCtx, cancel = context.WithTimeout(ctx, c.agent.opts.ToolTimeout)
	}
	started := time.Now()
	text, err := c.agent.tools.Call(toolCtx, name, params)
	if cancel != nil {
		cancel()
	}
	invocation.DurationMs = time.Since(started).Milliseconds()

	if err != nil {
		// The failure text goes back to the LLM so it can recover or report.
		text = fmt.Sprintf("Error: tool %s failed: %v", name, err)
		logger.Logger.Error("Tool execution failed", "tool", name, "error", err)
	} else if c.agent.opts.Verbose {
		logger.Logger.Debug("Tool executed",
			"tool", name,
			"duration_ms", invocation.DurationMs,
			"result_preview", truncateString(text, resultPreviewLength))
	}
	invocation.Result = text
	return invocation, text
}

func accumulateUsage(run *model.RunResult, info map[string]any) {
	if info == nil {
		return
	}
	prompt := firstTokenCount(info, "PromptTokens", "prompt_tokens", "input_tokens")
	completion := firstTokenCount(info, "CompletionTokens", "completion_tokens", "output_tokens")
	total := firstTokenCount(info, "TotalTokens", "total_tokens")
	if total == 0 {
		total = prompt + completion
	}
	run.PromptTokens += prompt
	run.ResponseTokens += completion
	run.TotalTokens += total
}

func firstTokenCount(info map[string]any, keys ...string) int {
	for _, key := range keys {
		if v := extractInt(info[key]); v > 0 {
			return v
		}
	}
	return 0
}

func extractInt(v any) int {
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

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
