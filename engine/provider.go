package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/life4/genesis/slices"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/googleai/vertex"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/agentcheck/agentcheck/agent"
	"github.com/agentcheck/agentcheck/logger"
	"github.com/agentcheck/agentcheck/model"
	"github.com/agentcheck/agentcheck/server"
	"github.com/agentcheck/agentcheck/skill"
	"github.com/agentcheck/agentcheck/templates"
	"github.com/agentcheck/agentcheck/toolbox"
)

const groqDefaultBaseURL = "https://api.groq.com/openai/v1"

// InitProviders builds one llms.Model per provider config. Template
// expressions in the config (API keys from env, model names) are rendered
// against the given context first.
func InitProviders(ctx context.Context, providerConfigs []model.Provider, templateCtx map[string]string) (map[string]llms.Model, error) {
	if len(providerConfigs) == 0 {
		return nil, fmt.Errorf("no providers to initialize")
	}

	logger.Logger.Info("Initializing providers", "count", len(providerConfigs))
	providers := make(map[string]llms.Model, len(providerConfigs))

	for i, p := range providerConfigs {
		p.Name = templates.Render(p.Name, templateCtx)
		p.Token = templates.Render(p.Token, templateCtx)
		p.Model = templates.Render(p.Model, templateCtx)
		p.BaseURL = templates.Render(p.BaseURL, templateCtx)
		p.Version = templates.Render(p.Version, templateCtx)
		p.ProjectID = templates.Render(p.ProjectID, templateCtx)
		p.Location = templates.Render(p.Location, templateCtx)
		p.CredentialsPath = templates.Render(p.CredentialsPath, templateCtx)
		p.AuthType = templates.Render(p.AuthType, templateCtx)

		if p.Name == "" {
			return nil, fmt.Errorf("provider at index %d has empty name", i)
		}
		if _, exists := providers[p.Name]; exists {
			return nil, fmt.Errorf("duplicate provider name: %s", p.Name)
		}

		llmModel, err := CreateProvider(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %q: %w", p.Name, err)
		}

		providers[p.Name] = llmModel
		logger.Logger.Info("Provider initialized", "name", p.Name, "type", p.Type, "model", p.Model)
	}

	return providers, nil
}

// CreateProvider constructs the langchaingo model for one provider config
// and wraps it with rate limiting / 429 retry when configured.
func CreateProvider(ctx context.Context, p model.Provider) (llms.Model, error) {
	isEntraIDAuth := p.Type == model.ProviderAzure && strings.EqualFold(p.AuthType, "entra_id")
	if p.Type != model.ProviderVertex && !isEntraIDAuth && p.Token == "" {
		return nil, fmt.Errorf("provider token is empty")
	}
	if p.Model == "" {
		return nil, fmt.Errorf("provider model is empty")
	}

	// The wrapping client captures Retry-After headers that langchaingo
	// would otherwise discard; only needed when 429 retry is on.
	var retryAfterClient *RetryAfterHTTPClient
	if p.Retry.RetryOn429 {
		retryAfterClient = NewRetryAfterHTTPClient(nil)
	}

	var llmModel llms.Model
	var err error

	switch p.Type {
	case model.ProviderGroq:
		opts := []openai.Option{
			openai.WithToken(p.Token),
			openai.WithModel(p.Model),
		}
		if retryAfterClient != nil {
			opts = append(opts, openai.WithHTTPClient(retryAfterClient))
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		} else {
			opts = append(opts, openai.WithBaseURL(groqDefaultBaseURL))
		}
		llmModel, err = openai.New(opts...)

	case model.ProviderGoogle:
		googleOpts := []googleai.Option{
			googleai.WithAPIKey(p.Token),
			googleai.WithDefaultModel(p.Model),
		}
		if retryAfterClient != nil {
			googleOpts = append(googleOpts, googleai.WithHTTPClient(retryAfterClient.wrapped))
		}
		llmModel, err = googleai.New(ctx, googleOpts...)

	case model.ProviderVertex:
		vertexOpts := []googleai.Option{
			googleai.WithDefaultModel(p.Model),
			googleai.WithCloudProject(p.ProjectID),
			googleai.WithCloudLocation(p.Location),
		}
		if p.CredentialsPath != "" {
			vertexOpts = append(vertexOpts, googleai.WithCredentialsFile(p.CredentialsPath))
		}
		llmModel, err = vertex.New(ctx, vertexOpts...)

	case model.ProviderAnthropic:
		opts := []anthropic.Option{
			anthropic.WithModel(p.Model),
			anthropic.WithToken(p.Token),
		}
		if retryAfterClient != nil {
			opts = append(opts, anthropic.WithHTTPClient(retryAfterClient))
		}
		llmModel, err = anthropic.New(opts...)

	case model.ProviderAmazonAnthropic:
		var cfg aws.Config
		cfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(p.Location),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				p.Token,
				p.Secret,
				"",
			)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		llmModel, err = bedrock.New(
			bedrock.WithClient(bedrockruntime.NewFromConfig(cfg)),
			bedrock.WithModel(p.Model),
		)

	case model.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(p.Token),
			openai.WithModel(p.Model),
		}
		if retryAfterClient != nil {
			opts = append(opts, openai.WithHTTPClient(retryAfterClient))
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		llmModel, err = openai.New(opts...)

	case model.ProviderAzure:
		if p.Version == "" {
			return nil, fmt.Errorf("azure provider requires version")
		}
		if p.BaseURL == "" {
			return nil, fmt.Errorf("azure provider requires base URL")
		}

		opts := []openai.Option{
			openai.WithModel(p.Model),
			openai.WithAPIVersion(p.Version),
			openai.WithBaseURL(p.BaseURL),
		}
		if retryAfterClient != nil {
			opts = append(opts, openai.WithHTTPClient(retryAfterClient))
		}

		if isEntraIDAuth {
			// Entra ID: exchange the ambient credential chain for a bearer
			// token scoped to Cognitive Services.
			cred, credErr := azidentity.NewDefaultAzureCredential(nil)
			if credErr != nil {
				return nil, fmt.Errorf("failed to create Azure credential: %w", credErr)
			}
			token, tokenErr := cred.GetToken(ctx, policy.TokenRequestOptions{
				Scopes: []string{"https://cognitiveservices.azure.com/.default"},
			})
			if tokenErr != nil {
				return nil, fmt.Errorf("failed to get Azure token: %w", tokenErr)
			}
			opts = append(opts, openai.WithAPIType(openai.APITypeAzureAD), openai.WithToken(token.Token))
		} else {
			if p.Token == "" {
				return nil, fmt.Errorf("azure provider requires token when using api_key authentication")
			}
			opts = append(opts, openai.WithAPIType(openai.APITypeAzure), openai.WithToken(p.Token))
		}

		llmModel, err = openai.New(opts...)

	default:
		return nil, fmt.Errorf("unsupported provider type: %s", p.Type)
	}

	if err != nil {
		return nil, err
	}
	if llmModel == nil {
		return nil, fmt.Errorf("provider created but model is nil")
	}

	if NeedsLLMWrapper(p.RateLimits, p.Retry) {
		logger.Logger.Info("Wrapping provider with rate limiter",
			"name", p.Name,
			"tpm", p.RateLimits.TPM,
			"rpm", p.RateLimits.RPM,
			"retry_on_429", p.Retry.RetryOn429)
		rateLimited := NewRateLimitedLLM(llmModel, p.RateLimits, p.Retry, p.Model)
		if retryAfterClient != nil {
			rateLimited.SetRetryAfterProvider(retryAfterClient)
		}
		llmModel = rateLimited
	}

	return llmModel, nil
}

// ============================================================================
// SERVER INITIALIZATION
// ============================================================================

// ServerFactory creates MCP servers; tests swap it to inject mocks.
type ServerFactory interface {
	NewMCPServer(ctx context.Context, config model.Server) (*server.MCPServer, error)
}

type DefaultServerFactory struct{}

func (f *DefaultServerFactory) NewMCPServer(ctx context.Context, config model.Server) (*server.MCPServer, error) {
	return server.NewMCPServer(ctx, config)
}

var serverFactory ServerFactory = &DefaultServerFactory{}

func SetServerFactory(factory ServerFactory) {
	serverFactory = factory
}

// InitServers connects every configured MCP server. On any failure the
// already-connected servers are torn down before the error is returned.
// CLI-typed servers hold no connection and are skipped here; agents wrap
// them directly via their toolbox.
func InitServers(ctx context.Context, serverConfigs []model.Server, templateCtx map[string]string) (map[string]*server.MCPServer, error) {
	logger.Logger.Info("Initializing servers", "count", len(serverConfigs))
	servers := make(map[string]*server.MCPServer, len(serverConfigs))

	for i, raw := range serverConfigs {
		if raw.Type == model.CLI {
			logger.Logger.Debug("CLI server needs no connection", "server", raw.Name)
			continue
		}
		s := renderServerConfig(raw, templateCtx)

		if s.Name == "" {
			CleanupServers(servers)
			return nil, fmt.Errorf("server at index %d has empty name", i)
		}
		if _, exists := servers[s.Name]; exists {
			CleanupServers(servers)
			return nil, fmt.Errorf("duplicate server name: %s", s.Name)
		}

		mcpServer, err := serverFactory.NewMCPServer(ctx, s)
		if err != nil {
			CleanupServers(servers)
			return nil, fmt.Errorf("failed to create server %q: %w", s.Name, err)
		}
		servers[s.Name] = mcpServer
	}

	return servers, nil
}

// renderServerConfig resolves template expressions in a server definition
// without mutating the suite's copy.
func renderServerConfig(s model.Server, templateCtx map[string]string) model.Server {
	s.Name = templates.Render(s.Name, templateCtx)
	s.Command = templates.Render(s.Command, templateCtx)
	s.URL = templates.Render(s.URL, templateCtx)
	s.ServerDelay = templates.Render(s.ServerDelay, templateCtx)
	s.ProcessDelay = templates.Render(s.ProcessDelay, templateCtx)
	s.Shell = templates.Render(s.Shell, templateCtx)
	s.WorkingDir = templates.Render(s.WorkingDir, templateCtx)
	s.ToolPrefix = templates.Render(s.ToolPrefix, templateCtx)
	if len(s.Headers) > 0 {
		headers := make([]string, len(s.Headers))
		for i, h := range s.Headers {
			headers[i] = templates.Render(h, templateCtx)
		}
		s.Headers = headers
	}
	return s
}

// CleanupServers closes all servers, logging rather than failing on
// individual close errors.
func CleanupServers(servers map[string]*server.MCPServer) {
	for name, srv := range servers {
		if err := srv.Close(); err != nil {
			logger.Logger.Warn("Failed to close server", "server", name, "error", err)
		}
	}
}

// ============================================================================
// AGENT INITIALIZATION
// ============================================================================

// InitAgents builds the agents under evaluation from the suite config,
// binding each to its provider model and toolbox.
func InitAgents(ctx context.Context, suite *model.Suite, providers map[string]llms.Model, servers map[string]*server.MCPServer, templateCtx map[string]string) (map[string]*agent.LLMAgent, error) {
	if len(suite.Agents) == 0 {
		return nil, fmt.Errorf("no agents to initialize")
	}

	logger.Logger.Info("Initializing agents", "count", len(suite.Agents))
	agents := make(map[string]*agent.LLMAgent, len(suite.Agents))

	for i, cfg := range suite.Agents {
		if cfg.Name == "" {
			return nil, fmt.Errorf("agent at index %d has empty name", i)
		}
		if _, exists := agents[cfg.Name]; exists {
			return nil, fmt.Errorf("duplicate agent name: %s", cfg.Name)
		}

		llmModel, ok := providers[cfg.Provider]
		if !ok {
			return nil, fmt.Errorf("provider %q not found for agent %q", cfg.Provider, cfg.Name)
		}

		tools, err := buildToolbox(ctx, cfg, suite.Servers, servers, templateCtx)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", cfg.Name, err)
		}

		prompt, err := buildSystemPrompt(cfg, templateCtx)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", cfg.Name, err)
		}

		settings := MergeSettings(suite.Settings, cfg.Settings)
		toolTimeout, err := optionalDuration(settings.ToolTimeout)
		if err != nil {
			return nil, fmt.Errorf("agent %q: invalid tool_timeout: %w", cfg.Name, err)
		}

		agents[cfg.Name] = agent.NewLLMAgent(
			cfg.Name,
			providerTypeOf(suite.Providers, cfg.Provider),
			llmModel,
			tools,
			agent.Options{
				SystemPrompt:  prompt,
				MaxIterations: maxIterationsSetting(settings.MaxIterations),
				ToolTimeout:   toolTimeout,
				Verbose:       settings.Verbose,
			},
		)
		logger.Logger.Info("Agent initialized",
			"agent", cfg.Name,
			"provider", cfg.Provider,
			"toolbox", cfg.EffectiveToolbox())
	}

	return agents, nil
}

// buildToolbox assembles the agent's toolbox from its server references.
// MCP-typed references share one aggregating toolbox; each cli-typed
// reference wraps its command as its own box. The boxes merge via Combine.
func buildToolbox(ctx context.Context, cfg model.AgentConfig, serverConfigs []model.Server, servers map[string]*server.MCPServer, templateCtx map[string]string) (toolbox.Toolbox, error) {
	if cfg.EffectiveToolbox() == model.ToolboxDemo {
		return toolbox.NewDemoToolbox(), nil
	}

	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("mcp toolbox requires servers")
	}

	var boxes []toolbox.Toolbox
	var mcpRefs []model.AgentServer
	for _, ref := range cfg.Servers {
		srvCfg, err := slices.Find(serverConfigs, func(s model.Server) bool { return s.Name == ref.Name })
		if err != nil {
			return nil, fmt.Errorf("server %q not found", ref.Name)
		}
		if srvCfg.Type != model.CLI {
			mcpRefs = append(mcpRefs, ref)
			continue
		}
		cliTools, err := toolbox.NewCLIToolbox(renderServerConfig(srvCfg, templateCtx))
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, cliTools)
	}

	if len(mcpRefs) > 0 {
		serverList := make([]*server.MCPServer, 0, len(servers))
		for _, srv := range servers {
			serverList = append(serverList, srv)
		}
		mcpTools, err := toolbox.NewMCPToolbox(ctx, serverList, mcpRefs)
		if err != nil {
			return nil, err
		}
		boxes = append([]toolbox.Toolbox{mcpTools}, boxes...)
	}

	return toolbox.Combine(boxes...), nil
}

// buildSystemPrompt renders the configured prompt and appends the content of
// every referenced skill, in declaration order.
func buildSystemPrompt(cfg model.AgentConfig, templateCtx map[string]string) (string, error) {
	prompt := templates.Render(cfg.SystemPrompt, templateCtx)
	for _, path := range cfg.Skills {
		loaded, err := skill.Load(templates.Render(path, templateCtx))
		if err != nil {
			return "", fmt.Errorf("skill %q: %w", path, err)
		}
		if prompt == "" {
			prompt = loaded.PromptBlock()
		} else {
			prompt += "\n\n" + loaded.PromptBlock()
		}
		logger.Logger.Info("Skill attached", "agent", cfg.Name, "skill", loaded.Metadata.Name)
	}
	return prompt, nil
}

// MergeSettings layers agent-level overrides over the suite defaults.
func MergeSettings(base, override model.Settings) model.Settings {
	merged := base
	if override.MaxIterations > 0 {
		merged.MaxIterations = override.MaxIterations
	}
	if override.ToolTimeout != "" {
		merged.ToolTimeout = override.ToolTimeout
	}
	if override.CaseTimeout != "" {
		merged.CaseTimeout = override.CaseTimeout
	}
	if override.CaseDelay != "" {
		merged.CaseDelay = override.CaseDelay
	}
	if override.Workers > 0 {
		merged.Workers = override.Workers
	}
	if override.ResponseScorer != "" {
		merged.ResponseScorer = override.ResponseScorer
	}
	if override.Verbose {
		merged.Verbose = true
	}
	return merged
}

func providerTypeOf(providers []model.Provider, name string) model.ProviderType {
	p, err := slices.Find(providers, func(p model.Provider) bool { return p.Name == name })
	if err != nil {
		return ""
	}
	return p.Type
}

func optionalDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}
