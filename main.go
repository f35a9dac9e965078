package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/agentcheck/agentcheck/engine"
	"github.com/agentcheck/agentcheck/generator"
	"github.com/agentcheck/agentcheck/logger"
	"github.com/agentcheck/agentcheck/report"
	"github.com/agentcheck/agentcheck/templates"
	"github.com/agentcheck/agentcheck/version"
)

const AppName = "agentcheck"

const (
	reportConsole  = "console"
	reportJSON     = "json"
	reportMarkdown = "markdown"
)

func main() {
	suitePath := flag.String("f", "", "Path to the suite file (YAML/JSON)")
	outputPath := flag.String("o", "", "Path to the report output file")
	reportType := flag.String("report", reportConsole, "Report type: console, json or markdown")
	logPath := flag.String("l", "", "Path to the log file (if not set, logs to stdout)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	showVersion := flag.Bool("v", false, "Show version and exit")
	timeout := flag.Duration("timeout", 0, "Overall run deadline (0 = none)")
	minPassRate := flag.Float64("min-pass-rate", 100, "Combined pass rate (percent) required for exit code 0")
	generateCases := flag.Int("generate", 0, "Generate a demo suite with N single-turn cases instead of running")
	generateOut := flag.String("gen-out", "generated_suite.yaml", "Output path for -generate")
	seed := flag.Uint64("seed", 0, "Seed for -generate (same seed, same suite)")

	flag.Parse()

	fmt.Printf("Version: %s\nCommit: %s\nBuildDate: %s\n",
		version.Version, version.Commit, version.BuildDate)
	if *showVersion {
		return
	}

	logWriter, logFile, err := logger.SetupLogWriter(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to setup logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetupLogger(logWriter, *verbose)
	templates.RegisterHelpers()

	if *generateCases > 0 {
		opts := generator.Options{Cases: *generateCases, Seed: *seed}
		if err := generator.WriteFile(opts, *generateOut); err != nil {
			logger.Logger.Error("Generation failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if *suitePath == "" {
		fmt.Fprintf(os.Stderr, "Error: -f <suite-file> is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	if err := validateReportType(*reportType); err != nil {
		logger.Logger.Error("Invalid report type", "error", err)
		os.Exit(1)
	}

	logger.Logger.Info("Starting application",
		"app", AppName,
		"suite", *suitePath,
		"output", *outputPath,
		"report", *reportType,
		"verbose", *verbose)

	ctx := context.Background()
	var cancel context.CancelFunc
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, *timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	summary, results, err := engine.RunFile(ctx, *suitePath, engine.RunOptions{Verbose: *verbose})
	if err != nil {
		logger.Logger.Error("Run failed", "error", err)
		os.Exit(1)
	}

	gen := report.NewGenerator()
	gen.SuiteFile = *suitePath

	gen.WriteConsole(os.Stdout, results)
	report.WriteSummary(os.Stdout, summary)

	var content string
	switch strings.ToLower(*reportType) {
	case reportJSON:
		content = gen.GenerateJSON(summary, results)
	case reportMarkdown:
		content = gen.GenerateMarkdown(summary, results)
	}
	if content != "" {
		target := *outputPath
		if target == "" {
			target = "report." + extensionFor(*reportType)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			logger.Logger.Error("Failed to write report", "path", target, "error", err)
			os.Exit(1)
		}
		logger.Logger.Info("Report written", "path", target)
	}

	if summary.Combined.Total > 0 && summary.Combined.PassRate < *minPassRate {
		logger.Logger.Error("Pass rate below threshold",
			"pass_rate", fmt.Sprintf("%.1f%%", summary.Combined.PassRate),
			"required", fmt.Sprintf("%.1f%%", *minPassRate))
		os.Exit(1)
	}
}

func validateReportType(reportType string) error {
	switch strings.ToLower(reportType) {
	case reportConsole, reportJSON, reportMarkdown:
		return nil
	default:
		return fmt.Errorf("unknown report type %q (valid: %s, %s, %s)",
			reportType, reportConsole, reportJSON, reportMarkdown)
	}
}

func extensionFor(reportType string) string {
	if strings.ToLower(reportType) == reportMarkdown {
		return "md"
	}
	return strings.ToLower(reportType)
}
