package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentcheck/agentcheck/logger"
	"github.com/agentcheck/agentcheck/model"
	"github.com/agentcheck/agentcheck/version"
)

const (
	// DefaultInitTimeout bounds the MCP initialize handshake.
	DefaultInitTimeout = 30 * time.Second
	// DefaultStartupDelay gives a freshly spawned stdio/http process time to
	// open its transport before the handshake.
	DefaultStartupDelay = 300 * time.Millisecond

	clientName = "agentcheck"
)

// MCPServer is one connected MCP tool server. The zero value is not usable;
// construct with NewMCPServer, which connects and completes the initialize
// handshake.
type MCPServer struct {
	Name    string              `json:"name"`
	Type    model.ServerType    `json:"type"`
	Command string              `json:"command,omitempty"`
	URL     string              `json:"url,omitempty"`
	Headers []string            `json:"headers,omitempty"`
	Client  mcpclient.MCPClient `json:"-"`

	initTimeout  time.Duration
	startupDelay time.Duration
}

func NewMCPServer(ctx context.Context, cfg model.Server) (*MCPServer, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context cannot be nil")
	}

	s := &MCPServer{
		Name:    cfg.Name,
		Type:    cfg.Type,
		Command: cfg.Command,
		URL:     cfg.URL,
		Headers: cfg.Headers,
	}

	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration for %s: %w", cfg.Name, err)
	}

	var err error
	if s.initTimeout, err = durationOr(cfg.ServerDelay, DefaultInitTimeout); err != nil {
		return nil, fmt.Errorf("server %s: invalid server_delay: %w", cfg.Name, err)
	}
	if s.startupDelay, err = durationOr(cfg.ProcessDelay, DefaultStartupDelay); err != nil {
		return nil, fmt.Errorf("server %s: invalid process_delay: %w", cfg.Name, err)
	}

	logger.Logger.Info("Connecting MCP server", "server", s.Name, "type", s.Type)

	cli, err := s.createClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client for server %s: %w", s.Name, err)
	}
	s.Client = cli

	initCtx, cancel := context.WithTimeout(ctx, s.initTimeout)
	defer cancel()

	if err := s.initialize(initCtx); err != nil {
		s.closeQuietly()
		return nil, fmt.Errorf("failed to initialize MCP server %s: %w", s.Name, err)
	}

	logger.Logger.Info("MCP server ready", "server", s.Name)
	return s, nil
}

func (s *MCPServer) validate() error {
	if s.Name == "" {
		return fmt.Errorf("server name cannot be empty")
	}

	switch s.Type {
	case model.Stdio:
		if len(strings.Fields(s.Command)) == 0 {
			return fmt.Errorf("command must contain at least an executable name")
		}
	case model.SSE, model.Http:
		if s.URL == "" {
			return fmt.Errorf("url is required for %s server type", s.Type)
		}
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			return fmt.Errorf("invalid url: must start with http:// or https://, got: %s", s.URL)
		}
		for i, header := range s.Headers {
			if !strings.Contains(header, ":") {
				return fmt.Errorf("invalid header at index %d: missing ':' separator", i)
			}
		}
	default:
		return fmt.Errorf("unsupported server type: %s (expected: %s, %s or %s)", s.Type, model.Stdio, model.SSE, model.Http)
	}
	return nil
}

func (s *MCPServer) createClient(ctx context.Context) (mcpclient.MCPClient, error) {
	switch s.Type {
	case model.Stdio:
		return s.createStdioClient()
	case model.SSE:
		return s.createSSEClient(ctx)
	case model.Http:
		return s.createHTTPClient()
	default:
		return nil, fmt.Errorf("unsupported transport type %q for server %s", s.Type, s.Name)
	}
}

func (s *MCPServer) createStdioClient() (mcpclient.MCPClient, error) {
	parts := strings.Fields(s.Command)
	command, args := parts[0], parts[1:]

	logger.Logger.Debug("Spawning stdio server", "server", s.Name, "command", command, "args", args)

	cli, err := mcpclient.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdio client: %w", err)
	}

	time.Sleep(s.startupDelay)
	return cli, nil
}

func (s *MCPServer) createSSEClient(ctx context.Context) (mcpclient.MCPClient, error) {
	var options []transport.ClientOption
	if headers := parseHeaders(s.Headers); len(headers) > 0 {
		options = append(options, transport.WithHeaders(headers))
	}

	cli, err := mcpclient.NewSSEMCPClient(s.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE client: %w", err)
	}
	if err := cli.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start SSE client: %w", err)
	}
	return cli, nil
}

func (s *MCPServer) createHTTPClient() (mcpclient.MCPClient, error) {
	cli, err := mcpclient.NewStreamableHttpClient(s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable HTTP client: %w", err)
	}
	time.Sleep(s.startupDelay)
	return cli, nil
}

func (s *MCPServer) initialize(ctx context.Context) error {
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: version.Version,
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	response, err := s.Client.Initialize(ctx, initRequest)
	if err != nil {
		return fmt.Errorf("initialize request failed: %w", err)
	}
	if response == nil {
		return fmt.Errorf("initialize response is nil")
	}

	logger.Logger.Debug("Server initialized",
		"server", s.Name,
		"server_info", response.ServerInfo.Name,
		"protocol_version", response.ProtocolVersion,
	)
	return nil
}

// IsHealthy probes the server with a tools/list round trip.
func (s *MCPServer) IsHealthy(ctx context.Context) bool {
	if s.Client == nil {
		return false
	}

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.Client.ListTools(healthCtx, mcp.ListToolsRequest{}); err != nil {
		logger.Logger.Warn("Health check failed", "server", s.Name, "error", err)
		return false
	}
	return true
}

func (s *MCPServer) Close() error {
	if s.Client == nil {
		return nil
	}

	closer, ok := s.Client.(interface{ Close() error })
	if !ok {
		s.Client = nil
		return nil
	}

	if err := closer.Close(); err != nil {
		return fmt.Errorf("failed to close server %s: %w", s.Name, err)
	}
	logger.Logger.Debug("Server closed", "server", s.Name)
	s.Client = nil
	return nil
}

func (s *MCPServer) closeQuietly() {
	if err := s.Close(); err != nil {
		logger.Logger.Warn("Error closing client", "server", s.Name, "error", err)
	}
}

func parseHeaders(raw []string) map[string]string {
	headers := make(map[string]string, len(raw))
	for _, header := range raw {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(parts[1])
	}
	return headers
}

func durationOr(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	return time.ParseDuration(raw)
}
