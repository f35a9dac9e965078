// Package report renders evaluation results for humans (console, markdown)
// and machines (pretty JSON).
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/agentcheck/agentcheck/logger"
	"github.com/agentcheck/agentcheck/model"
	"github.com/agentcheck/agentcheck/version"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
)

// Generator renders reports over one run's results.
type Generator struct {
	SuiteFile string // Path to the suite file the results came from
}

func NewGenerator() *Generator {
	return &Generator{}
}

// AgentStats aggregates per-agent performance across all cases.
type AgentStats struct {
	AgentName      string             `json:"agent_name"`
	Provider       model.ProviderType `json:"provider,omitempty"`
	Total          int                `json:"total"`
	Passed         int                `json:"passed"`
	Failed         int                `json:"failed"`
	Errored        int                `json:"errored"`
	PassRate       float64            `json:"pass_rate"`
	TotalTokens    int                `json:"total_tokens"`
	AvgTokens      int                `json:"avg_tokens"`
	TotalLatencyMs int64              `json:"total_latency_ms"`
	AvgLatencyMs   int64              `json:"avg_latency_ms"`
}

// BuildAgentStats groups results by agent. Agents are ranked by pass rate,
// ties broken by average latency then name, so the comparison table reads
// best-first.
func BuildAgentStats(results []model.TestResult) []AgentStats {
	statsMap := make(map[string]*AgentStats)
	order := make([]string, 0)

	for _, r := range results {
		stats, exists := statsMap[r.AgentName]
		if !exists {
			stats = &AgentStats{AgentName: r.AgentName, Provider: r.Provider}
			statsMap[r.AgentName] = stats
			order = append(order, r.AgentName)
		}

		stats.Total++
		switch {
		case r.Errored():
			stats.Errored++
		case r.Passed:
			stats.Passed++
		default:
			stats.Failed++
		}
		stats.TotalTokens += r.TokensUsed()
		stats.TotalLatencyMs += r.TotalLatencyMs()
	}

	statsList := make([]AgentStats, 0, len(statsMap))
	for _, name := range order {
		stats := statsMap[name]
		if stats.Total > 0 {
			stats.PassRate = float64(stats.Passed) / float64(stats.Total) * 100
			stats.AvgTokens = stats.TotalTokens / stats.Total
			stats.AvgLatencyMs = stats.TotalLatencyMs / int64(stats.Total)
		}
		statsList = append(statsList, *stats)
	}

	sort.SliceStable(statsList, func(i, j int) bool {
		if statsList[i].PassRate != statsList[j].PassRate {
			return statsList[i].PassRate > statsList[j].PassRate
		}
		if statsList[i].AvgLatencyMs != statsList[j].AvgLatencyMs {
			return statsList[i].AvgLatencyMs < statsList[j].AvgLatencyMs
		}
		return statsList[i].AgentName < statsList[j].AgentName
	})
	return statsList
}

// ============================================================================
// CONSOLE REPORT
// ============================================================================

// WriteConsole prints per-case verdicts with check details, grouped by case.
func (g *Generator) WriteConsole(w io.Writer, results []model.TestResult) {
	fmt.Fprintln(w, "\n"+"═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                     DETAILED TEST RESULTS")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w)

	groups, names := groupByCase(results)
	for _, caseName := range names {
		fmt.Fprintf(w, "📋 Case: %s\n", caseName)

		for _, r := range groups[caseName] {
			duration := float64(r.TotalLatencyMs()) / 1000.0
			switch r.Verdict() {
			case model.VerdictPassed:
				fmt.Fprintf(w, "  %s✓%s %s [%s] (%.2fs)\n", colorGreen, colorReset, r.AgentName, r.Provider, duration)
			case model.VerdictErrored:
				fmt.Fprintf(w, "  %s⚠%s %s [%s] (%.2fs)\n", colorYellow, colorReset, r.AgentName, r.Provider, duration)
			default:
				fmt.Fprintf(w, "  %s✗%s %s [%s] (%.2fs)\n", colorRed, colorReset, r.AgentName, r.Provider, duration)
			}

			writeChecks(w, "    ", r.Checks)
			for _, turn := range r.Turns {
				fmt.Fprintf(w, "    Turn %d: %s\n", turn.Index+1, truncate(turn.Input, 60))
				writeChecks(w, "      ", turn.Checks)
				if turn.Error != "" {
					fmt.Fprintf(w, "      %s• %s%s\n", colorRed, turn.Error, colorReset)
				}
			}
			if r.Error != "" {
				fmt.Fprintf(w, "    %sError:%s %s\n", colorRed, colorReset, r.Error)
			}
			fmt.Fprintln(w)
		}
	}
}

func writeChecks(w io.Writer, indent string, checks []model.CheckResult) {
	for _, check := range checks {
		symbol, color := "✓", colorGreen
		if !check.Passed {
			symbol, color = "✗", colorRed
		}
		msg := check.Message
		if msg == "" {
			msg = "ok"
		}
		fmt.Fprintf(w, "%s%s%s%s %s: %s\n", indent, color, symbol, colorReset, check.Kind, msg)
	}
}

// WriteSummary prints the closing banner with the per-kind and combined
// totals.
func WriteSummary(w io.Writer, summary model.SuiteSummary) {
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
	fmt.Fprintln(w, "[Summary] Suite Execution Summary")
	fmt.Fprintln(w, strings.Repeat("=", 80))
	writeSummaryBlock(w, "Single-turn", summary.SingleTurn)
	writeSummaryBlock(w, "Multi-turn", summary.MultiTurn)
	writeSummaryBlock(w, "Combined", summary.Combined)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	logger.Logger.Info("Suite execution summary",
		"suite", summary.SuiteName,
		"total", summary.Combined.Total,
		"passed", summary.Combined.Passed,
		"failed", summary.Combined.Failed,
		"errored", summary.Combined.Errored,
		"pass_rate", fmt.Sprintf("%.1f%%", summary.Combined.PassRate))
}

func writeSummaryBlock(w io.Writer, label string, s model.Summary) {
	if s.Total == 0 && label != "Combined" {
		return
	}
	fmt.Fprintf(w, "  %s:\n", label)
	fmt.Fprintf(w, "    Total:       %d\n", s.Total)
	fmt.Fprintf(w, "    Passed:      %d (%.1f%%)\n", s.Passed, s.PassRate)
	fmt.Fprintf(w, "    Failed:      %d\n", s.Failed)
	fmt.Fprintf(w, "    Errored:     %d\n", s.Errored)
	fmt.Fprintf(w, "    Avg Latency: %.0fms\n", s.AvgLatencyMs)
	fmt.Fprintf(w, "    Avg Tokens:  %s\n", formatNumber(int(s.AvgTokens)))
}

// ============================================================================
// JSON REPORT
// ============================================================================

// GenerateJSON renders the machine-readable report. Indented stdlib
// marshaling keeps the output diffable; key order stability matters more
// than speed here.
func (g *Generator) GenerateJSON(summary model.SuiteSummary, results []model.TestResult) string {
	reportData := map[string]interface{}{
		"agentcheck_version": version.Version,
		"generated_at":       time.Now().Format(time.RFC3339),
		"suite_file":         g.SuiteFile,
		"summary":            summary,
		"agent_stats":        BuildAgentStats(results),
		"results":            results,
	}

	out, err := json.MarshalIndent(reportData, "", "  ")
	if err != nil {
		logger.Logger.Warn("Failed to generate JSON report", "error", err)
		return "{}"
	}
	return string(out)
}

// ============================================================================
// MARKDOWN REPORT
// ============================================================================

func (g *Generator) GenerateMarkdown(summary model.SuiteSummary, results []model.TestResult) string {
	var md strings.Builder

	md.WriteString("# Suite Results\n\n")
	fmt.Fprintf(&md, "**agentcheck version:** %s\n", version.Version)
	fmt.Fprintf(&md, "**Generated:** %s\n", time.Now().Format(time.RFC3339))
	if summary.SuiteName != "" {
		fmt.Fprintf(&md, "**Suite:** %s\n", summary.SuiteName)
	}
	md.WriteString("\n## Summary\n\n")
	md.WriteString("| Scope | Total | Passed | Failed | Errored | Pass Rate | Avg Latency | Avg Tokens |\n")
	md.WriteString("|-------|-------|--------|--------|---------|-----------|-------------|------------|\n")
	writeMarkdownSummaryRow(&md, "Single-turn", summary.SingleTurn)
	writeMarkdownSummaryRow(&md, "Multi-turn", summary.MultiTurn)
	writeMarkdownSummaryRow(&md, "Combined", summary.Combined)
	md.WriteString("\n")

	stats := BuildAgentStats(results)
	if len(stats) > 1 {
		md.WriteString("## Agent Comparison\n\n")
		md.WriteString("| Agent | Provider | Passed | Failed | Errored | Pass Rate | Avg Latency | Avg Tokens |\n")
		md.WriteString("|-------|----------|--------|--------|---------|-----------|-------------|------------|\n")
		for _, s := range stats {
			fmt.Fprintf(&md, "| %s | %s | %d | %d | %d | %.1f%% | %dms | %s |\n",
				s.AgentName, s.Provider, s.Passed, s.Failed, s.Errored,
				s.PassRate, s.AvgLatencyMs, formatNumber(s.AvgTokens))
		}
		md.WriteString("\n")
	}

	md.WriteString("---\n\n")
	md.WriteString("## Detailed Results\n\n")

	groups, names := groupByCase(results)
	for _, caseName := range names {
		fmt.Fprintf(&md, "### %s\n\n", caseName)

		for _, r := range groups[caseName] {
			status := "✅"
			switch r.Verdict() {
			case model.VerdictFailed:
				status = "❌"
			case model.VerdictErrored:
				status = "⚠️"
			}

			fmt.Fprintf(&md, "#### %s %s [%s]\n\n", status, r.AgentName, r.Provider)
			fmt.Fprintf(&md, "- **Latency:** %.2fs\n", float64(r.TotalLatencyMs())/1000.0)
			fmt.Fprintf(&md, "- **Tokens:** %s\n", formatNumber(r.TokensUsed()))

			if len(r.Checks) > 0 {
				md.WriteString("- **Checks:**\n")
				writeMarkdownChecks(&md, "  ", r.Checks)
			}
			for _, turn := range r.Turns {
				fmt.Fprintf(&md, "- **Turn %d** (`%s`):\n", turn.Index+1, truncate(turn.Input, 60))
				writeMarkdownChecks(&md, "  ", turn.Checks)
				if turn.Error != "" {
					fmt.Fprintf(&md, "  - ⚠️ %s\n", turn.Error)
				}
			}
			if r.Error != "" {
				fmt.Fprintf(&md, "- **Error:** %s\n", r.Error)
			}
			md.WriteString("\n")
		}
	}

	return md.String()
}

func writeMarkdownSummaryRow(md *strings.Builder, label string, s model.Summary) {
	fmt.Fprintf(md, "| %s | %d | %d | %d | %d | %.1f%% | %.0fms | %s |\n",
		label, s.Total, s.Passed, s.Failed, s.Errored,
		s.PassRate, s.AvgLatencyMs, formatNumber(int(s.AvgTokens)))
}

func writeMarkdownChecks(md *strings.Builder, indent string, checks []model.CheckResult) {
	for _, check := range checks {
		status := "✅"
		if !check.Passed {
			status = "❌"
		}
		msg := check.Message
		if msg == "" {
			msg = "ok"
		}
		fmt.Fprintf(md, "%s- %s `%s`: %s\n", indent, status, check.Kind, msg)
	}
}

// ============================================================================
// HELPERS
// ============================================================================

// groupByCase buckets results by case name, preserving first-seen order so
// report sections stay stable run to run.
func groupByCase(results []model.TestResult) (map[string][]model.TestResult, []string) {
	groups := make(map[string][]model.TestResult)
	names := make([]string, 0)
	for _, r := range results {
		if _, seen := groups[r.CaseName]; !seen {
			names = append(names, r.CaseName)
		}
		groups[r.CaseName] = append(groups[r.CaseName], r)
	}
	return groups, names
}

// HasFailures reports whether any case failed or errored.
func HasFailures(results []model.TestResult) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}

// formatNumber renders n with thousand separators.
func formatNumber(n int) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}
	var b strings.Builder
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
