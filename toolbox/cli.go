package toolbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tmc/langchaingo/llms"

	"github.com/agentcheck/agentcheck/logger"
	"github.com/agentcheck/agentcheck/model"
)

// CLIToolbox exposes one command-line program as a single agent tool. The
// tool accepts a free-form "args" string, runs the wrapped command through a
// shell, and returns exit code, stdout and stderr as a JSON document. Keeping
// the result as JSON makes command output reachable for JSONPath extraction
// and parameter checks like any other tool result.
type CLIToolbox struct {
	serverName string
	command    string
	shell      string
	workingDir string
	toolName   string
	def        llms.Tool
}

// CLIResult is the payload a CLI tool call returns. A non-zero exit code is
// an observable outcome for the agent, not an invocation fault.
type CLIResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

var validShells = map[string]bool{
	"powershell": true,
	"pwsh":       true,
	"cmd":        true,
	"bash":       true,
	"sh":         true,
	"zsh":        true,
}

// NewCLIToolbox wraps the command of a cli-typed server definition. The shell
// defaults by OS and the working directory defaults to the current one; both
// are validated here so a broken definition fails at agent construction, not
// mid-run.
func NewCLIToolbox(cfg model.Server) (*CLIToolbox, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("server name cannot be empty")
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("server %q: command is required for cli server type", cfg.Name)
	}

	tb := &CLIToolbox{
		serverName: cfg.Name,
		command:    cfg.Command,
		shell:      cfg.Shell,
		workingDir: cfg.WorkingDir,
	}

	if tb.shell == "" {
		if runtime.GOOS == "windows" {
			tb.shell = "powershell"
		} else {
			tb.shell = "bash"
		}
	}
	if !validShells[strings.ToLower(tb.shell)] {
		return nil, fmt.Errorf("server %q: unsupported shell %q (supported: powershell, pwsh, cmd, bash, sh, zsh)", cfg.Name, tb.shell)
	}

	if tb.workingDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("server %q: failed to get current directory: %w", cfg.Name, err)
		}
		tb.workingDir = cwd
	}
	if _, err := os.Stat(tb.workingDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("server %q: working directory does not exist: %s", cfg.Name, tb.workingDir)
	}

	tb.toolName = "cli_execute"
	if cfg.ToolPrefix != "" {
		tb.toolName = cfg.ToolPrefix + "_execute"
	}
	tb.def = FunctionTool(
		tb.toolName,
		fmt.Sprintf("Execute the %s command with arguments", tb.command),
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"args": map[string]any{
					"type":        "string",
					"description": "Command-line arguments to pass to the command",
				},
			},
		},
	)

	logger.Logger.Info("CLI toolbox ready",
		"server", tb.serverName,
		"command", tb.command,
		"shell", tb.shell,
		"tool", tb.toolName)
	return tb, nil
}

// ToolName returns the name the wrapped command is advertised under.
func (c *CLIToolbox) ToolName() string { return c.toolName }

func (c *CLIToolbox) Tools() []llms.Tool {
	return []llms.Tool{c.def}
}

func (c *CLIToolbox) Call(ctx context.Context, name string, arguments map[string]any) (string, error) {
	if name != c.toolName {
		return "", fmt.Errorf("tool %q not found on cli server %q", name, c.serverName)
	}

	args := ""
	if raw, ok := arguments["args"]; ok && raw != nil {
		args = fmt.Sprintf("%v", raw)
	}

	result := c.execute(ctx, args)
	text, err := sonic.MarshalString(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result of tool %q: %w", name, err)
	}
	return text, nil
}

func (c *CLIToolbox) Close() error { return nil }

// execute runs the wrapped command through the configured shell and captures
// its outcome. A command that could not start at all reports exit code -1
// with the launch error as stderr.
func (c *CLIToolbox) execute(ctx context.Context, args string) CLIResult {
	fullCmd := c.command
	if args != "" {
		fullCmd += " " + args
	}

	logger.Logger.Debug("Executing CLI command",
		"server", c.serverName,
		"full_cmd", fullCmd,
		"shell", c.shell,
		"working_dir", c.workingDir)

	var cmd *exec.Cmd
	switch strings.ToLower(c.shell) {
	case "powershell", "pwsh":
		cmd = exec.CommandContext(ctx, c.shell, "-NoProfile", "-NonInteractive", "-Command", fullCmd)
	case "cmd":
		cmd = exec.CommandContext(ctx, "cmd", "/C", fullCmd)
	default:
		cmd = exec.CommandContext(ctx, c.shell, "-c", fullCmd)
	}
	cmd.Dir = c.workingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := CLIResult{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Stderr = err.Error()
		}
	}

	logger.Logger.Debug("CLI command completed",
		"server", c.serverName,
		"exit_code", result.ExitCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"stdout_len", len(result.Stdout),
		"stderr_len", len(result.Stderr))
	return result
}
