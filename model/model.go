package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/life4/genesis/slices"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// SUITE CONFIGURATION
// ============================================================================

// Suite is the root of an evaluation fixture file. A suite bundles the
// infrastructure definitions (providers, MCP servers, agents) with the test
// cases that run against them. Suites used as plain fixture collections by
// library callers may omit the infrastructure sections entirely.
type Suite struct {
	Name        string            `yaml:"name" json:"name"`
	MatchPolicy MatchPolicy       `yaml:"match_policy,omitempty" json:"match_policy,omitempty"`
	Variables   map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
	Settings    Settings          `yaml:"settings,omitempty" json:"settings,omitempty"`

	Providers []Provider    `yaml:"providers,omitempty" json:"providers,omitempty"`
	Servers   []Server      `yaml:"servers,omitempty" json:"servers,omitempty"`
	Agents    []AgentConfig `yaml:"agents,omitempty" json:"agents,omitempty"`

	Tests         []TestCase          `yaml:"tests,omitempty" json:"tests,omitempty"`
	Conversations []MultiTurnTestCase `yaml:"conversations,omitempty" json:"conversations,omitempty"`

	// SourceFile is the path the suite was loaded from, used to resolve
	// relative paths in templates. Not part of the fixture format.
	SourceFile string `yaml:"-" json:"-"`
}

type Settings struct {
	Verbose       bool   `yaml:"verbose" json:"verbose,omitempty"`
	MaxIterations int    `yaml:"max_iterations" json:"max_iterations,omitempty"`
	ToolTimeout   string `yaml:"tool_timeout" json:"tool_timeout,omitempty"`
	CaseTimeout   string `yaml:"case_timeout" json:"case_timeout,omitempty"`
	CaseDelay     string `yaml:"case_delay" json:"case_delay,omitempty"`
	// Workers > 1 runs independent single-turn cases in parallel. Multi-turn
	// conversations always run their turns strictly in order.
	Workers        int    `yaml:"workers" json:"workers,omitempty"`
	ResponseScorer string `yaml:"response_scorer" json:"response_scorer,omitempty"`
}

// ============================================================================
// PROVIDER CONFIGURATION
// ============================================================================

// RateLimitConfig defines proactive throttling for a provider. Requests are
// delayed BEFORE being sent so the provider's published limits are never hit.
type RateLimitConfig struct {
	TPM int `yaml:"tpm" json:"tpm,omitempty"` // Tokens per minute
	RPM int `yaml:"rpm" json:"rpm,omitempty"` // Requests per minute
}

// RetryConfig defines reactive error handling for a provider.
type RetryConfig struct {
	// RetryOn429 enables automatic retry with backoff when the provider
	// returns 429 (Too Many Requests). Off by default: a 429 is then a
	// regular invocation fault. This never retries a completed agent run;
	// it only re-issues the single HTTP call that was rejected.
	RetryOn429 bool `yaml:"retry_on_429" json:"retry_on_429,omitempty"`
	// MaxRetries caps retry attempts for 429 errors. Default: 3.
	MaxRetries int `yaml:"max_retries" json:"max_retries,omitempty"`
}

type Provider struct {
	Name            string          `yaml:"name" json:"name"`
	Type            ProviderType    `yaml:"type" json:"type"`
	Token           string          `yaml:"token" json:"-"`
	Secret          string          `yaml:"secret" json:"-"`
	Model           string          `yaml:"model" json:"model"`
	BaseURL         string          `yaml:"baseUrl" json:"base_url,omitempty"`
	Version         string          `yaml:"version" json:"version,omitempty"`          // Azure API version, e.g. 2025-01-01-preview
	ProjectID       string          `yaml:"project_id" json:"project_id,omitempty"`    // Vertex project
	Location        string          `yaml:"location" json:"location,omitempty"`        // Vertex/Bedrock region
	CredentialsPath string          `yaml:"credentials_path" json:"-"`                 // Vertex service account JSON
	AuthType        string          `yaml:"auth_type" json:"auth_type,omitempty"`      // Azure: "api_key" (default) or "entra_id"
	RateLimits      RateLimitConfig `yaml:"rate_limits" json:"rate_limits,omitempty"`  // Optional proactive throttling
	Retry           RetryConfig     `yaml:"retry" json:"retry,omitempty"`              // Optional reactive 429 handling
}

type ProviderType string

const (
	ProviderGroq            ProviderType = "GROQ"
	ProviderGoogle          ProviderType = "GOOGLE"
	ProviderVertex          ProviderType = "VERTEX"
	ProviderAnthropic       ProviderType = "ANTHROPIC"
	ProviderAmazonAnthropic ProviderType = "AMAZON-ANTHROPIC"
	ProviderOpenAI          ProviderType = "OPENAI"
	ProviderAzure           ProviderType = "AZURE"
)

// ============================================================================
// SERVER CONFIGURATION
// ============================================================================

type Server struct {
	Name         string     `yaml:"name" json:"name"`
	Type         ServerType `yaml:"type" json:"type"`
	Command      string     `yaml:"command,omitempty" json:"command,omitempty"`
	URL          string     `yaml:"url,omitempty" json:"url,omitempty"`
	Headers      []string   `yaml:"headers" json:"headers,omitempty"`
	ServerDelay  string     `yaml:"server_delay,omitempty" json:"server_delay,omitempty"`
	ProcessDelay string     `yaml:"process_delay,omitempty" json:"process_delay,omitempty"`

	// CLI server fields. A cli server wraps Command as a single
	// <tool_prefix>_execute tool instead of speaking MCP.
	Shell      string `yaml:"shell,omitempty" json:"shell,omitempty"`
	WorkingDir string `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	ToolPrefix string `yaml:"tool_prefix,omitempty" json:"tool_prefix,omitempty"`
}

type ServerType string

const (
	Stdio ServerType = "stdio"
	SSE   ServerType = "sse"
	Http  ServerType = "http"
	CLI   ServerType = "cli"
)

// ============================================================================
// AGENT CONFIGURATION
// ============================================================================

type AgentConfig struct {
	Name         string   `yaml:"name" json:"name"`
	Provider     string   `yaml:"provider" json:"provider"`
	SystemPrompt string   `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	Settings     Settings `yaml:"settings" json:"settings,omitempty"`
	// Toolbox selects where the agent's tools come from: "demo" exposes the
	// built-in demo tools, "mcp" aggregates tools from the listed servers
	// (MCP connections or wrapped CLI commands). Defaults to "mcp" when
	// servers are configured, "demo" otherwise.
	Toolbox string        `yaml:"toolbox,omitempty" json:"toolbox,omitempty"`
	Servers []AgentServer `yaml:"servers,omitempty" json:"servers,omitempty"`
	// Skills are paths to Agent Skill directories whose SKILL.md content is
	// appended to the system prompt.
	Skills []string `yaml:"skills,omitempty" json:"skills,omitempty"`
}

type AgentServer struct {
	Name         string   `yaml:"name" json:"name"`
	AllowedTools []string `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
}

const (
	ToolboxDemo = "demo"
	ToolboxMCP  = "mcp"
)

// EffectiveToolbox resolves the agent's toolbox kind, defaulting by whether
// MCP servers are configured.
func (a *AgentConfig) EffectiveToolbox() string {
	if a.Toolbox != "" {
		return a.Toolbox
	}
	if len(a.Servers) > 0 {
		return ToolboxMCP
	}
	return ToolboxDemo
}

// ============================================================================
// TEST CASE MODEL
// ============================================================================

// MatchPolicy selects how an actual tool-call trajectory is compared against
// the expected one. The set is closed: anything else is a configuration
// error, never a silent mismatch.
type MatchPolicy string

const (
	// MatchExact requires position-wise equal tool names and fully equal
	// parameter maps (no extra, no missing keys).
	MatchExact MatchPolicy = "exact"
	// MatchContainment requires position-wise equal tool names and, per
	// position, the expected keys to be a subset of the actual parameters
	// with equal values. Extra actual parameters are tolerated.
	MatchContainment MatchPolicy = "containment"
)

func (p MatchPolicy) Valid() bool {
	return p == MatchExact || p == MatchContainment
}

// ToolCallSpec is one expected call in a trajectory: the tool name plus the
// parameters the agent is expected to pass.
type ToolCallSpec struct {
	Name       string         `yaml:"name" json:"name"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// TestCase is a single-turn fixture: one input, one expected trajectory, one
// expected response fragment. The order of ExpectedToolCalls is significant.
type TestCase struct {
	Name  string `yaml:"name" json:"name"`
	Agent string `yaml:"agent,omitempty" json:"agent,omitempty"`
	Input string `yaml:"input" json:"input"`

	ExpectedToolCalls        []ToolCallSpec `yaml:"expected_tool_calls,omitempty" json:"expected_tool_calls,omitempty"`
	ExpectedResponseContains string         `yaml:"expected_response_contains,omitempty" json:"expected_response_contains,omitempty"`

	// MatchPolicy overrides the suite default for this case only.
	MatchPolicy MatchPolicy       `yaml:"match_policy,omitempty" json:"match_policy,omitempty"`
	Variables   map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// EffectivePolicy resolves the case policy against the suite default.
func (c *TestCase) EffectivePolicy(def MatchPolicy) MatchPolicy {
	if c.MatchPolicy != "" {
		return c.MatchPolicy
	}
	if def != "" {
		return def
	}
	return MatchExact
}

// Turn is one exchange inside a multi-turn conversation. Expectations are
// lighter than a full trajectory spec: a single tool name the turn must
// trigger, optional parameter constraints on that tool's invocations, and a
// response fragment.
type Turn struct {
	Input                    string            `yaml:"input" json:"input"`
	ExpectedToolName         string            `yaml:"expected_tool_name,omitempty" json:"expected_tool_name,omitempty"`
	ExpectedParameters       map[string]any    `yaml:"expected_parameters,omitempty" json:"expected_parameters,omitempty"`
	ExpectedResponseContains string            `yaml:"expected_response_contains,omitempty" json:"expected_response_contains,omitempty"`
	// Extract maps variable names to JSONPath queries evaluated against the
	// turn's tool results. Extracted values join the conversation's template
	// context and can be referenced by later turns via {{name}}.
	Extract map[string]string `yaml:"extract,omitempty" json:"extract,omitempty"`
}

// MultiTurnTestCase is a named ordered conversation. Conversational state
// persists across its turns and never leaks into other cases.
type MultiTurnTestCase struct {
	Name      string            `yaml:"name" json:"name"`
	Agent     string            `yaml:"agent,omitempty" json:"agent,omitempty"`
	Turns     []Turn            `yaml:"turns" json:"turns"`
	Variables map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// ============================================================================
// RUN RESULT
// ============================================================================

// ToolInvocation is one tool call recorded during a run, in the order the
// agent issued it.
type ToolInvocation struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	// Result holds the raw text payload the tool returned, used for JSONPath
	// extraction and failure diagnostics.
	Result string `json:"result,omitempty"`
}

// RunResult captures everything observed during a single agent run: the
// ordered tool-call trajectory, the final textual response, and metrics.
// An empty FinalResponse is a legal outcome (the agent stopped without a
// terminal answer), not a fault.
type RunResult struct {
	ToolCalls      []ToolInvocation `json:"tool_calls"`
	FinalResponse  string           `json:"final_response"`
	LatencyMs      int64            `json:"latency_ms"`
	PromptTokens   int              `json:"prompt_tokens"`
	ResponseTokens int              `json:"response_tokens"`
	TotalTokens    int              `json:"total_tokens"`
}

// ToolNames returns the trajectory's tool names in call order.
func (r *RunResult) ToolNames() []string {
	return slices.Map(r.ToolCalls, func(c ToolInvocation) string { return c.Name })
}

// ============================================================================
// TOKEN METRICS
// ============================================================================

// ApproxTokenDivisor is the chars-per-token heuristic used when a provider
// reports no usage metadata.
const ApproxTokenDivisor = 4

// EstimateTokens approximates the token count of a text as len/4, with a
// floor of one token for any non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / ApproxTokenDivisor
	if n < 1 {
		return 1
	}
	return n
}

// FillTokenEstimates populates the token fields from length heuristics when
// the provider reported nothing. Reported counts are never overwritten.
func (r *RunResult) FillTokenEstimates(input string) {
	if r.PromptTokens == 0 && r.ResponseTokens == 0 && r.TotalTokens == 0 {
		r.PromptTokens = EstimateTokens(input)
		r.ResponseTokens = EstimateTokens(r.FinalResponse)
		r.TotalTokens = r.PromptTokens + r.ResponseTokens
		return
	}
	if r.TotalTokens == 0 {
		r.TotalTokens = r.PromptTokens + r.ResponseTokens
	}
}

// ============================================================================
// TEST RESULT
// ============================================================================

type CaseKind string

const (
	SingleTurnCase CaseKind = "single_turn"
	MultiTurnCase  CaseKind = "multi_turn"
)

type CheckKind string

const (
	CheckTrajectory     CheckKind = "trajectory"
	CheckResponse       CheckKind = "response"
	CheckToolName       CheckKind = "tool_name"
	CheckToolParameters CheckKind = "tool_parameters"
)

// CheckResult is the outcome of one evaluation check with a human-readable
// explanation of any mismatch.
type CheckResult struct {
	Kind    CheckKind      `json:"kind"`
	Passed  bool           `json:"passed"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// TurnResult is the evaluated outcome of one turn in a conversation. Turns
// are judged independently so a later failure never masks an earlier pass.
type TurnResult struct {
	Index  int           `json:"index"`
	Input  string        `json:"input"`
	Run    RunResult     `json:"run"`
	Checks []CheckResult `json:"checks,omitempty"`
	Passed bool          `json:"passed"`
	Error  string        `json:"error,omitempty"`
}

// TestResult packages one evaluated case: the fixture under test, what the
// agent actually did, and the verdict. Failing results keep the input,
// expectations, actual trajectory and actual response so a failure is
// diagnosable without re-running. Results are never mutated after creation.
type TestResult struct {
	CaseName  string       `json:"case_name"`
	Kind      CaseKind     `json:"kind"`
	AgentName string       `json:"agent_name,omitempty"`
	Provider  ProviderType `json:"provider,omitempty"`
	StartTime time.Time    `json:"start_time"`
	EndTime   time.Time    `json:"end_time"`

	Input            string         `json:"input,omitempty"`
	Expected         []ToolCallSpec `json:"expected_tool_calls,omitempty"`
	ExpectedResponse string         `json:"expected_response_contains,omitempty"`
	MatchPolicy      MatchPolicy    `json:"match_policy,omitempty"`

	Run    RunResult     `json:"run"`
	Turns  []TurnResult  `json:"turns,omitempty"`
	Checks []CheckResult `json:"checks,omitempty"`

	TrajectoryOK bool `json:"trajectory_ok"`
	ResponseOK   bool `json:"response_ok"`
	Passed       bool `json:"passed"`

	// Error marks an invocation fault: the agent could not be driven at all
	// (transport failure, provider rejection). Distinct from a failing
	// verdict, which requires a completed run.
	Error string `json:"error,omitempty"`

	RateLimit *RateLimitStats `json:"rate_limit,omitempty"`
}

func (r *TestResult) Errored() bool { return r.Error != "" }

const (
	VerdictPassed  = "passed"
	VerdictFailed  = "failed"
	VerdictErrored = "errored"
)

func (r *TestResult) Verdict() string {
	switch {
	case r.Errored():
		return VerdictErrored
	case r.Passed:
		return VerdictPassed
	default:
		return VerdictFailed
	}
}

// TotalLatencyMs is the agent time spent on this case. Multi-turn cases sum
// their turns.
func (r *TestResult) TotalLatencyMs() int64 {
	if r.Kind == MultiTurnCase {
		var total int64
		for _, t := range r.Turns {
			total += t.Run.LatencyMs
		}
		return total
	}
	return r.Run.LatencyMs
}

// TokensUsed is the token total for this case. Multi-turn cases sum their
// turns.
func (r *TestResult) TokensUsed() int {
	if r.Kind == MultiTurnCase {
		total := 0
		for _, t := range r.Turns {
			total += t.Run.TotalTokens
		}
		return total
	}
	return r.Run.TotalTokens
}

// RateLimitStats tracks throttling and 429 handling during a case.
type RateLimitStats struct {
	ThrottleCount      int   `json:"throttle_count"`
	ThrottleWaitTimeMs int64 `json:"throttle_wait_ms"`
	RateLimitHits      int   `json:"rate_limit_hits"`
	RetryCount         int   `json:"retry_count"`
	RetryWaitTimeMs    int64 `json:"retry_wait_ms"`
	RetrySuccessCount  int   `json:"retry_success_count"`
}

// ============================================================================
// SUMMARY
// ============================================================================

// Summary aggregates verdicts over a set of results. Passed requires both
// the trajectory and the response check to hold; errored cases count toward
// Total but never toward Passed.
type Summary struct {
	Total        int     `json:"total"`
	Passed       int     `json:"passed"`
	Failed       int     `json:"failed"`
	Errored      int     `json:"errored"`
	PassRate     float64 `json:"pass_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	AvgTokens    float64 `json:"avg_tokens"`
}

// SuiteSummary splits the aggregate by case kind. Combined counts are the
// arithmetic sums of the two parts.
type SuiteSummary struct {
	SuiteName  string  `json:"suite_name,omitempty"`
	SingleTurn Summary `json:"single_turn"`
	MultiTurn  Summary `json:"multi_turn"`
	Combined   Summary `json:"combined"`
}

// ============================================================================
// SUITE LOADING
// ============================================================================

// LoadSuite reads and validates a fixture file. YAML is the primary format;
// files ending in .json are parsed as JSON. Malformed fixtures are rejected
// here, at load time, so the runner never sees an ill-formed case.
func LoadSuite(filename string) (*Suite, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite file: %w", err)
	}

	suite, err := ParseSuite(data, filepath.Ext(filename))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	suite.SourceFile = filename
	return suite, nil
}

// ParseSuite decodes a suite from raw bytes. The extension selects the
// decoder; anything that is not .json is treated as YAML.
func ParseSuite(data []byte, ext string) (*Suite, error) {
	var suite Suite
	if strings.EqualFold(ext, ".json") {
		if err := sonic.Unmarshal(data, &suite); err != nil {
			return nil, fmt.Errorf("failed to parse JSON suite: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &suite); err != nil {
			return nil, fmt.Errorf("failed to parse YAML suite: %w", err)
		}
	}

	if err := suite.Validate(); err != nil {
		return nil, err
	}
	return &suite, nil
}

// ParseSuiteFromString decodes a YAML suite definition held in memory.
func ParseSuiteFromString(definition string) (*Suite, error) {
	return ParseSuite([]byte(definition), ".yaml")
}

// DefaultPolicy resolves the suite-level match policy, falling back to exact.
func (s *Suite) DefaultPolicy() MatchPolicy {
	if s.MatchPolicy != "" {
		return s.MatchPolicy
	}
	return MatchExact
}

// Validate checks structural fixture invariants: unique case names across
// both case lists, non-empty inputs, at least one turn per conversation,
// known match policies, parseable durations, and resolvable references
// between agents, providers and servers.
func (s *Suite) Validate() error {
	if s.MatchPolicy != "" && !s.MatchPolicy.Valid() {
		return fmt.Errorf("unknown match policy %q (valid: %s, %s)", s.MatchPolicy, MatchExact, MatchContainment)
	}
	if err := validateDurations(map[string]string{
		"settings.tool_timeout": s.Settings.ToolTimeout,
		"settings.case_timeout": s.Settings.CaseTimeout,
		"settings.case_delay":   s.Settings.CaseDelay,
	}); err != nil {
		return err
	}

	seen := make(map[string]bool, len(s.Tests)+len(s.Conversations))
	for i, tc := range s.Tests {
		if strings.TrimSpace(tc.Name) == "" {
			return fmt.Errorf("test %d: name is required", i)
		}
		if seen[tc.Name] {
			return fmt.Errorf("duplicate case name %q", tc.Name)
		}
		seen[tc.Name] = true
		if strings.TrimSpace(tc.Input) == "" {
			return fmt.Errorf("test %q: input is required", tc.Name)
		}
		if tc.MatchPolicy != "" && !tc.MatchPolicy.Valid() {
			return fmt.Errorf("test %q: unknown match policy %q (valid: %s, %s)", tc.Name, tc.MatchPolicy, MatchExact, MatchContainment)
		}
		for j, call := range tc.ExpectedToolCalls {
			if strings.TrimSpace(call.Name) == "" {
				return fmt.Errorf("test %q: expected_tool_calls[%d]: name is required", tc.Name, j)
			}
		}
		if err := s.validateAgentRef("test", tc.Name, tc.Agent); err != nil {
			return err
		}
	}

	for i, mc := range s.Conversations {
		if strings.TrimSpace(mc.Name) == "" {
			return fmt.Errorf("conversation %d: name is required", i)
		}
		if seen[mc.Name] {
			return fmt.Errorf("duplicate case name %q", mc.Name)
		}
		seen[mc.Name] = true
		if len(mc.Turns) == 0 {
			return fmt.Errorf("conversation %q: at least one turn is required", mc.Name)
		}
		for j, turn := range mc.Turns {
			if strings.TrimSpace(turn.Input) == "" {
				return fmt.Errorf("conversation %q: turn %d: input is required", mc.Name, j)
			}
			if len(turn.ExpectedParameters) > 0 && strings.TrimSpace(turn.ExpectedToolName) == "" {
				return fmt.Errorf("conversation %q: turn %d: expected_parameters requires expected_tool_name", mc.Name, j)
			}
		}
		if err := s.validateAgentRef("conversation", mc.Name, mc.Agent); err != nil {
			return err
		}
	}

	return s.validateInfra()
}

func (s *Suite) validateAgentRef(kind, caseName, agent string) error {
	if agent == "" || len(s.Agents) == 0 {
		return nil
	}
	_, err := slices.Find(s.Agents, func(a AgentConfig) bool { return a.Name == agent })
	if err != nil {
		return fmt.Errorf("%s %q: unknown agent %q", kind, caseName, agent)
	}
	return nil
}

func (s *Suite) validateInfra() error {
	providerNames := make(map[string]bool, len(s.Providers))
	for i, p := range s.Providers {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		if providerNames[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		providerNames[p.Name] = true
	}

	serverNames := make(map[string]bool, len(s.Servers))
	for i, srv := range s.Servers {
		if strings.TrimSpace(srv.Name) == "" {
			return fmt.Errorf("server %d: name is required", i)
		}
		if serverNames[srv.Name] {
			return fmt.Errorf("duplicate server name %q", srv.Name)
		}
		serverNames[srv.Name] = true
		switch srv.Type {
		case Stdio, CLI:
			if strings.TrimSpace(srv.Command) == "" {
				return fmt.Errorf("server %q: %s servers need a command", srv.Name, srv.Type)
			}
		case SSE, Http:
			if strings.TrimSpace(srv.URL) == "" {
				return fmt.Errorf("server %q: %s servers need a url", srv.Name, srv.Type)
			}
		default:
			return fmt.Errorf("server %q: unknown type %q (valid: %s, %s, %s, %s)", srv.Name, srv.Type, Stdio, SSE, Http, CLI)
		}
	}

	agentNames := make(map[string]bool, len(s.Agents))
	for i, a := range s.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if agentNames[a.Name] {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		agentNames[a.Name] = true
		if !providerNames[a.Provider] {
			return fmt.Errorf("agent %q: unknown provider %q", a.Name, a.Provider)
		}
		switch a.EffectiveToolbox() {
		case ToolboxDemo, ToolboxMCP:
		default:
			return fmt.Errorf("agent %q: unknown toolbox %q (valid: %s, %s)", a.Name, a.Toolbox, ToolboxDemo, ToolboxMCP)
		}
		for _, ref := range a.Servers {
			if !serverNames[ref.Name] {
				return fmt.Errorf("agent %q: unknown server %q", a.Name, ref.Name)
			}
		}
		for j, sk := range a.Skills {
			if strings.TrimSpace(sk) == "" {
				return fmt.Errorf("agent %q: skills[%d]: path is required", a.Name, j)
			}
		}
	}
	return nil
}

func validateDurations(fields map[string]string) error {
	for field, value := range fields {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
		}
	}
	return nil
}

// ============================================================================
// UTILITY FUNCTIONS
// ============================================================================

func GetAllEnv() map[string]string {
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}
	return envMap
}
