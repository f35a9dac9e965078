package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/life4/genesis/slices"

	"github.com/agentcheck/agentcheck/agent"
	"github.com/agentcheck/agentcheck/logger"
	"github.com/agentcheck/agentcheck/model"
	"github.com/agentcheck/agentcheck/templates"
)

const (
	DefaultMaxIterations = 10
	DefaultCaseTimeout   = 0 * time.Second
	DefaultCaseDelay     = 0 * time.Second
)

// boundAgent pairs an agent under evaluation with its provider identity and
// the settings that apply to its cases.
type boundAgent struct {
	impl     agent.Agent
	provider model.ProviderType
	settings model.Settings
}

// Runner drives every case of a suite against every agent and records the
// verdicts. Reference mode is strictly sequential; Settings.Workers > 1
// parallelizes independent single-turn cases, each on its own conversation.
// The runner never retries an invocation: a duplicated run could duplicate
// tool side effects.
type Runner struct {
	suite     *model.Suite
	agents    []boundAgent
	scorer    model.Scorer
	staticCtx map[string]string
	agg       *Aggregator
}

// NewRunner binds a loaded suite to the agents that will execute it. The
// agents map is keyed by agent name; when the suite declares agents, every
// declared name must be present. A suite without declared agents runs all
// provided agents in name order.
func NewRunner(suite *model.Suite, agents map[string]agent.Agent) (*Runner, error) {
	if suite == nil {
		return nil, fmt.Errorf("suite is nil")
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("no agents to run")
	}

	scorer, err := model.ScorerFor(suite.Settings.ResponseScorer)
	if err != nil {
		return nil, err
	}

	var bound []boundAgent
	if len(suite.Agents) > 0 {
		for _, cfg := range suite.Agents {
			impl, ok := agents[cfg.Name]
			if !ok {
				return nil, fmt.Errorf("agent %q declared in suite but not provided", cfg.Name)
			}
			bound = append(bound, boundAgent{
				impl:     impl,
				provider: providerTypeOf(suite.Providers, cfg.Provider),
				settings: MergeSettings(suite.Settings, cfg.Settings),
			})
		}
	} else {
		names := make([]string, 0, len(agents))
		for name := range agents {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			bound = append(bound, boundAgent{impl: agents[name], settings: suite.Settings})
		}
	}

	return &Runner{
		suite:     suite,
		agents:    bound,
		scorer:    scorer,
		staticCtx: CreateStaticTemplateContext(suite.SourceFile, suite.Variables),
		agg:       NewAggregator(),
	}, nil
}

// Run executes the full suite and returns the summary plus every recorded
// result. The returned results are ordered by agent, single-turn cases
// first, matching execution order in sequential mode.
func (r *Runner) Run(ctx context.Context) (model.SuiteSummary, []model.TestResult, error) {
	totalCases := (len(r.suite.Tests) + len(r.suite.Conversations)) * len(r.agents)
	logger.Logger.Info("Starting suite",
		"suite", r.suite.Name,
		"agents", len(r.agents),
		"cases", totalCases)

	for _, ba := range r.agents {
		if ctx.Err() != nil {
			return r.agg.Summarize(r.suite.Name), r.agg.Results(), ctx.Err()
		}

		name := ba.impl.Name()
		tests := slices.Filter(r.suite.Tests, func(tc model.TestCase) bool {
			return tc.Agent == "" || tc.Agent == name
		})
		conversations := slices.Filter(r.suite.Conversations, func(mt model.MultiTurnTestCase) bool {
			return mt.Agent == "" || mt.Agent == name
		})

		logger.Logger.Info("Starting cases for agent",
			"agent", name,
			"tests", len(tests),
			"conversations", len(conversations))

		r.runSingleTurn(ctx, ba, tests)
		r.runMultiTurn(ctx, ba, conversations)
	}

	return r.agg.Summarize(r.suite.Name), r.agg.Results(), nil
}

// Results returns everything recorded so far; safe to call while running.
func (r *Runner) Results() []model.TestResult {
	return r.agg.Results()
}

func (r *Runner) runSingleTurn(ctx context.Context, ba boundAgent, tests []model.TestCase) {
	workers := ba.settings.Workers
	if workers <= 1 {
		delay := durationSetting(ba.settings.CaseDelay)
		for i, tc := range tests {
			if ctx.Err() != nil {
				return
			}
			r.agg.Add(r.runCase(ctx, ba, tc))
			if delay > 0 && i < len(tests)-1 {
				logger.Logger.Debug("Waiting before next case", "delay", delay)
				time.Sleep(delay)
			}
		}
		return
	}

	// Parallel mode: independent cases only, each on an isolated
	// conversation. The aggregator is append-only so ordering is free.
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, tc := range tests {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(tc model.TestCase) {
			defer wg.Done()
			defer func() { <-sem }()
			r.agg.Add(r.runCase(ctx, ba, tc))
		}(tc)
	}
	wg.Wait()
}

func (r *Runner) runMultiTurn(ctx context.Context, ba boundAgent, conversations []model.MultiTurnTestCase) {
	delay := durationSetting(ba.settings.CaseDelay)
	for i, mt := range conversations {
		if ctx.Err() != nil {
			return
		}
		r.agg.Add(r.runConversation(ctx, ba, mt))
		if delay > 0 && i < len(conversations)-1 {
			logger.Logger.Debug("Waiting before next case", "delay", delay)
			time.Sleep(delay)
		}
	}
}

// runCase executes one single-turn case on a fresh conversation.
func (r *Runner) runCase(ctx context.Context, ba boundAgent, tc model.TestCase) model.TestResult {
	templateCtx := r.caseContext(ba, tc.Name, tc.Variables)
	input := templates.Render(tc.Input, templateCtx)
	policy := tc.EffectivePolicy(r.suite.DefaultPolicy())
	expected := renderExpectedCalls(tc.ExpectedToolCalls, templateCtx)

	result := model.TestResult{
		CaseName:         tc.Name,
		Kind:             model.SingleTurnCase,
		AgentName:        ba.impl.Name(),
		Provider:         ba.provider,
		StartTime:        time.Now(),
		Input:            input,
		Expected:         expected,
		ExpectedResponse: tc.ExpectedResponseContains,
		MatchPolicy:      policy,
	}

	logger.Logger.Info("Running case",
		"case", tc.Name,
		"agent", ba.impl.Name(),
		"policy", policy)

	conv := ba.impl.NewConversation()
	run, invErr := r.invoke(ctx, ba, conv, input)
	if run != nil {
		result.Run = *run
	}

	if invErr != nil {
		if !scorablePartial(run, invErr) {
			result.Error = invErr.Error()
			result.EndTime = time.Now()
			logger.Logger.Error("Case ERRORED", "case", tc.Name, "error", invErr)
			return result
		}
		// Deadline hit mid-run: score whatever trajectory was captured.
		// The missing final response fails the response check on its own
		// unless the expectation is deliberately empty.
		logger.Logger.Warn("Case deadline exceeded, scoring partial run",
			"case", tc.Name,
			"tool_calls", len(result.Run.ToolCalls))
	}

	trajectoryCheck, cfgErr := r.checkTrajectory(policy, expected, result.Run.ToolCalls)
	if cfgErr != nil {
		result.Error = cfgErr.Error()
		result.EndTime = time.Now()
		logger.Logger.Error("Case ERRORED", "case", tc.Name, "error", cfgErr)
		return result
	}
	result.Checks = append(result.Checks, trajectoryCheck)
	result.TrajectoryOK = trajectoryCheck.Passed

	expectedResponse := templates.Render(tc.ExpectedResponseContains, templateCtx)
	responseCheck, cfgErr := r.checkResponse(ctx, expectedResponse, result.Run.FinalResponse)
	if cfgErr != nil {
		result.Error = cfgErr.Error()
		result.EndTime = time.Now()
		logger.Logger.Error("Case ERRORED", "case", tc.Name, "error", cfgErr)
		return result
	}
	result.Checks = append(result.Checks, responseCheck)
	result.ResponseOK = responseCheck.Passed

	result.Passed = result.TrajectoryOK && result.ResponseOK
	result.EndTime = time.Now()
	r.stampRateLimitStats(ba, &result)

	if result.Passed {
		logger.Logger.Info("Case PASSED", "case", tc.Name, "agent", ba.impl.Name())
	} else {
		logger.Logger.Warn("Case FAILED",
			"case", tc.Name,
			"agent", ba.impl.Name(),
			"trajectory_ok", result.TrajectoryOK,
			"response_ok", result.ResponseOK)
	}
	return result
}

// runConversation executes one multi-turn case on a single conversation.
// Turns are judged independently so a later failure never masks an earlier
// pass, but an invocation fault aborts the remaining turns: the dialogue
// they depend on is gone.
func (r *Runner) runConversation(ctx context.Context, ba boundAgent, mt model.MultiTurnTestCase) model.TestResult {
	templateCtx := r.caseContext(ba, mt.Name, mt.Variables)

	result := model.TestResult{
		CaseName:  mt.Name,
		Kind:      model.MultiTurnCase,
		AgentName: ba.impl.Name(),
		Provider:  ba.provider,
		StartTime: time.Now(),
	}

	logger.Logger.Info("Running conversation",
		"case", mt.Name,
		"agent", ba.impl.Name(),
		"turns", len(mt.Turns))

	conv := ba.impl.NewConversation()
	trajectoryOK, responseOK := true, true

	for i, turn := range mt.Turns {
		tr := r.runTurn(ctx, ba, conv, i, turn, templateCtx)
		result.Turns = append(result.Turns, tr)

		if tr.Error != "" {
			result.Error = fmt.Sprintf("turn %d: %s", i+1, tr.Error)
			logger.Logger.Error("Conversation ERRORED",
				"case", mt.Name,
				"turn", i+1,
				"error", tr.Error)
			break
		}
		for _, c := range tr.Checks {
			switch c.Kind {
			case model.CheckResponse:
				responseOK = responseOK && c.Passed
			default:
				trajectoryOK = trajectoryOK && c.Passed
			}
		}
	}

	result.TrajectoryOK = trajectoryOK
	result.ResponseOK = responseOK
	result.Passed = result.Error == "" && trajectoryOK && responseOK
	result.EndTime = time.Now()
	r.stampRateLimitStats(ba, &result)

	switch {
	case result.Errored():
	case result.Passed:
		logger.Logger.Info("Conversation PASSED", "case", mt.Name, "agent", ba.impl.Name())
	default:
		logger.Logger.Warn("Conversation FAILED", "case", mt.Name, "agent", ba.impl.Name())
	}
	return result
}

func (r *Runner) runTurn(ctx context.Context, ba boundAgent, conv agent.Conversation, idx int, turn model.Turn, templateCtx map[string]string) model.TurnResult {
	input := templates.Render(turn.Input, templateCtx)
	tr := model.TurnResult{Index: idx, Input: input}

	logger.Logger.Debug("Running turn", "turn", idx+1, "input", input)

	run, invErr := r.invoke(ctx, ba, conv, input)
	if run != nil {
		tr.Run = *run
	}
	if invErr != nil && !scorablePartial(run, invErr) {
		tr.Error = invErr.Error()
		return tr
	}

	passed := true

	if turn.ExpectedToolName != "" {
		last := lastInvocationOf(tr.Run.ToolCalls, turn.ExpectedToolName)
		nameCheck := model.CheckResult{Kind: model.CheckToolName, Passed: last != nil}
		if last == nil {
			nameCheck.Message = fmt.Sprintf("expected a call to %q, agent called %v", turn.ExpectedToolName, tr.Run.ToolNames())
		}
		tr.Checks = append(tr.Checks, nameCheck)
		passed = passed && nameCheck.Passed

		if turn.ExpectedParameters != nil {
			paramCheck := model.CheckResult{Kind: model.CheckToolParameters, Passed: false}
			if last == nil {
				paramCheck.Message = fmt.Sprintf("tool %q was never called", turn.ExpectedToolName)
			} else {
				expected := renderParameters(turn.ExpectedParameters, templateCtx)
				paramCheck.Passed = model.ParamsContain(expected, last.Parameters)
				if !paramCheck.Passed {
					paramCheck.Message = fmt.Sprintf("parameters of %q missing expected values", turn.ExpectedToolName)
					paramCheck.Details = map[string]any{"expected": expected, "actual": last.Parameters}
				}
			}
			tr.Checks = append(tr.Checks, paramCheck)
			passed = passed && paramCheck.Passed
		}

		if len(turn.Extract) > 0 && last != nil {
			extracted, err := model.ExtractValues(last.Result, turn.Extract)
			if err != nil {
				// Later turns depend on these values; treat the turn as
				// unevaluable rather than cascading template noise.
				tr.Error = fmt.Sprintf("extraction failed: %v", err)
				tr.Passed = false
				return tr
			}
			for k, v := range extracted {
				templateCtx[k] = v
				logger.Logger.Debug("Extracted variable", "name", k, "value", v)
			}
		}
	} else if len(turn.Extract) > 0 {
		if last := lastInvocation(tr.Run.ToolCalls); last != nil {
			extracted, err := model.ExtractValues(last.Result, turn.Extract)
			if err != nil {
				tr.Error = fmt.Sprintf("extraction failed: %v", err)
				tr.Passed = false
				return tr
			}
			for k, v := range extracted {
				templateCtx[k] = v
			}
		}
	}

	if turn.ExpectedResponseContains != "" {
		expected := templates.Render(turn.ExpectedResponseContains, templateCtx)
		check, cfgErr := r.checkResponse(ctx, expected, tr.Run.FinalResponse)
		if cfgErr != nil {
			tr.Error = cfgErr.Error()
			tr.Passed = false
			return tr
		}
		tr.Checks = append(tr.Checks, check)
		passed = passed && check.Passed
	}

	tr.Passed = passed
	return tr
}

// invoke drives one agent exchange, applying the per-case timeout and
// stamping the authoritative latency measurement.
func (r *Runner) invoke(ctx context.Context, ba boundAgent, conv agent.Conversation, input string) (*model.RunResult, error) {
	caseCtx := ctx
	if timeout := durationSetting(ba.settings.CaseTimeout); timeout > 0 {
		var cancel context.CancelFunc
		caseCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	run, err := conv.Send(caseCtx, input)
	elapsed := time.Since(start).Milliseconds()

	if run != nil {
		run.LatencyMs = elapsed
		run.FillTokenEstimates(input)
	}
	return run, err
}

func (r *Runner) checkTrajectory(policy model.MatchPolicy, expected []model.ToolCallSpec, actual []model.ToolInvocation) (model.CheckResult, error) {
	ok, err := model.MatchTrajectory(policy, expected, actual)
	if err != nil {
		return model.CheckResult{}, err
	}
	check := model.CheckResult{Kind: model.CheckTrajectory, Passed: ok}
	if !ok {
		check.Message = model.DescribeTrajectoryDiff(policy, expected, actual)
		check.Details = map[string]any{
			"expected": expected,
			"actual":   actual,
		}
	}
	return check, nil
}

func (r *Runner) checkResponse(ctx context.Context, expected, actual string) (model.CheckResult, error) {
	ok, err := r.scorer.Score(ctx, expected, actual)
	if err != nil {
		return model.CheckResult{}, fmt.Errorf("response scorer %s: %w", r.scorer.Name(), err)
	}
	check := model.CheckResult{Kind: model.CheckResponse, Passed: ok}
	if !ok {
		check.Message = fmt.Sprintf("response does not contain %q", expected)
		check.Details = map[string]any{"expected": expected, "actual": actual}
	}
	return check, nil
}

// caseContext clones the static template context and layers runtime keys and
// per-case variables on top. Each case gets its own copy: multi-turn
// extraction mutates it.
func (r *Runner) caseContext(ba boundAgent, caseName string, variables map[string]string) map[string]string {
	templateCtx := make(map[string]string, len(r.staticCtx)+len(variables)+3)
	for k, v := range r.staticCtx {
		templateCtx[k] = v
	}
	templateCtx["AGENT_NAME"] = ba.impl.Name()
	templateCtx["PROVIDER_NAME"] = string(ba.provider)
	templateCtx["TEST_NAME"] = caseName
	for k, v := range variables {
		templateCtx[k] = templates.Render(v, templateCtx)
	}
	return templateCtx
}

func (r *Runner) stampRateLimitStats(ba boundAgent, result *model.TestResult) {
	// Cumulative snapshot at case end; deltas are derivable between
	// consecutive results of the same agent.
	if sp, ok := ba.impl.(interface{ RateLimitStats() *model.RateLimitStats }); ok {
		result.RateLimit = sp.RateLimitStats()
	}
}

// scorablePartial reports whether a failed invocation still produced a run
// worth scoring: only deadline/cancellation faults qualify, the trajectory
// captured before the cutoff is real agent behavior.
func scorablePartial(run *model.RunResult, err error) bool {
	return run != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))
}

func lastInvocationOf(calls []model.ToolInvocation, name string) *model.ToolInvocation {
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Name == name {
			return &calls[i]
		}
	}
	return nil
}

func lastInvocation(calls []model.ToolInvocation) *model.ToolInvocation {
	if len(calls) == 0 {
		return nil
	}
	return &calls[len(calls)-1]
}

// renderExpectedCalls resolves templates inside an expected trajectory
// without touching the fixture's own copy.
func renderExpectedCalls(specs []model.ToolCallSpec, templateCtx map[string]string) []model.ToolCallSpec {
	if specs == nil {
		return nil
	}
	rendered := make([]model.ToolCallSpec, len(specs))
	for i, spec := range specs {
		rendered[i] = model.ToolCallSpec{
			Name:       templates.Render(spec.Name, templateCtx),
			Parameters: renderParameters(spec.Parameters, templateCtx),
		}
	}
	return rendered
}

func renderParameters(params map[string]any, templateCtx map[string]string) map[string]any {
	if params == nil {
		return nil
	}
	rendered := make(map[string]any, len(params))
	for k, v := range params {
		rendered[k] = renderValue(v, templateCtx)
	}
	return rendered
}

func renderValue(v any, templateCtx map[string]string) any {
	switch t := v.(type) {
	case string:
		return templates.Render(t, templateCtx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, nested := range t {
			out[k] = renderValue(nested, templateCtx)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, nested := range t {
			out[i] = renderValue(nested, templateCtx)
		}
		return out
	default:
		return v
	}
}

func durationSetting(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

func maxIterationsSetting(maxIter int) int {
	if maxIter <= 0 {
		return DefaultMaxIterations
	}
	if maxIter > 100 {
		logger.Logger.Warn("Max iterations is very high, consider reducing", "max_iterations", maxIter)
	}
	return maxIter
}

// ============================================================================
// SUITE ORCHESTRATION
// ============================================================================

// RunOptions adjusts a file-driven run without editing the suite.
type RunOptions struct {
	Verbose bool
}

// RunFile loads a suite file, initializes its providers, servers and agents,
// runs every case and tears the servers down again. This is the CLI
// entrypoint; library users with their own Agent implementations construct a
// Runner directly.
func RunFile(ctx context.Context, path string, opts RunOptions) (model.SuiteSummary, []model.TestResult, error) {
	if err := ValidateSuiteFile(path); err != nil {
		return model.SuiteSummary{}, nil, err
	}

	logger.Logger.Info("Loading suite", "path", path)
	suite, err := model.LoadSuite(path)
	if err != nil {
		return model.SuiteSummary{}, nil, err
	}
	if opts.Verbose {
		suite.Settings.Verbose = true
	}

	logger.Logger.Info("Suite loaded",
		"suite", suite.Name,
		"providers", len(suite.Providers),
		"servers", len(suite.Servers),
		"agents", len(suite.Agents),
		"tests", len(suite.Tests),
		"conversations", len(suite.Conversations))

	if len(suite.Agents) == 0 {
		return model.SuiteSummary{}, nil, fmt.Errorf("suite %q declares no agents", suite.Name)
	}

	staticCtx := CreateStaticTemplateContext(suite.SourceFile, suite.Variables)

	providers, err := InitProviders(ctx, suite.Providers, staticCtx)
	if err != nil {
		return model.SuiteSummary{}, nil, err
	}

	servers, err := InitServers(ctx, requiredServers(suite.Agents, suite.Servers), staticCtx)
	if err != nil {
		return model.SuiteSummary{}, nil, err
	}
	defer CleanupServers(servers)

	llmAgents, err := InitAgents(ctx, suite, providers, servers, staticCtx)
	if err != nil {
		return model.SuiteSummary{}, nil, err
	}

	agents := make(map[string]agent.Agent, len(llmAgents))
	for name, a := range llmAgents {
		agents[name] = a
	}

	runner, err := NewRunner(suite, agents)
	if err != nil {
		return model.SuiteSummary{}, nil, err
	}
	return runner.Run(ctx)
}

// ValidateSuiteFile checks that a suite path points at a usable file before
// any heavier parsing starts.
func ValidateSuiteFile(path string) error {
	if path == "" {
		return fmt.Errorf("suite file path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("path is a directory, not a file: %s", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("file is empty: %s", path)
	}
	return nil
}

// requiredServers filters the declared servers down to those referenced by
// at least one agent; unreferenced servers are never started.
func requiredServers(agents []model.AgentConfig, allServers []model.Server) []model.Server {
	used := make(map[string]bool)
	for _, a := range agents {
		for _, s := range a.Servers {
			used[s.Name] = true
		}
	}

	required := make([]model.Server, 0, len(allServers))
	for _, s := range allServers {
		if used[s.Name] {
			required = append(required, s)
			continue
		}
		logger.Logger.Warn("Server defined but not used by any agent, will not be initialized",
			"server", s.Name,
			"type", s.Type)
	}
	return required
}

// ============================================================================
// TEMPLATE CONTEXT
// ============================================================================

// CreateStaticTemplateContext builds the template context available before
// any case runs: environment variables, RUN_ID (a fresh UUID per run),
// TEMP_DIR, TEST_DIR (directory of the suite file, for relative paths in
// server commands) and the suite's own variables. Variables may themselves
// contain templates referencing earlier keys.
func CreateStaticTemplateContext(sourceFile string, variables map[string]string) map[string]string {
	templateCtx := model.GetAllEnv()

	templateCtx["RUN_ID"] = uuid.New().String()
	templateCtx["TEMP_DIR"] = os.TempDir()

	if sourceFile != "" {
		if absPath, err := filepath.Abs(sourceFile); err == nil {
			templateCtx["TEST_DIR"] = filepath.Dir(absPath)
		}
	}

	for k, v := range variables {
		templateCtx[k] = templates.Render(v, templateCtx)
	}
	return templateCtx
}
