// Package generator produces ready-to-run suite files exercising the demo
// toolbox. Generation is deterministic for a given seed: the same seed
// always yields the same cases, so generated suites can be committed and
// diffed. Expectations assume the demo tools' canned data (no live API keys
// configured).
package generator

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"gopkg.in/yaml.v3"

	"github.com/agentcheck/agentcheck/logger"
	"github.com/agentcheck/agentcheck/model"
)

const (
	DefaultCases = 6

	defaultSuiteName = "generated-demo-suite"
	defaultAgent     = "demo-agent"
	defaultProvider  = "openai-main"
	defaultModel     = "gpt-4o-mini"
)

// Options controls generation. Zero values fall back to defaults.
type Options struct {
	SuiteName string
	Cases     int
	Seed      uint64
	AgentName string
	Provider  string
	Model     string
}

func (o Options) withDefaults() Options {
	if o.SuiteName == "" {
		o.SuiteName = defaultSuiteName
	}
	if o.Cases <= 0 {
		o.Cases = DefaultCases
	}
	if o.AgentName == "" {
		o.AgentName = defaultAgent
	}
	if o.Provider == "" {
		o.Provider = defaultProvider
	}
	if o.Model == "" {
		o.Model = defaultModel
	}
	return o
}

// Generate builds a validated suite plus its YAML serialization. The YAML is
// parsed back through the regular loader before being returned, so a
// generated document can never be one the runner would reject.
func Generate(opts Options) (*model.Suite, string, error) {
	opts = opts.withDefaults()
	f := gofakeit.New(opts.Seed)

	doc := buildDocument(opts, f)
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal generated suite: %w", err)
	}

	suite, err := model.ParseSuiteFromString(string(raw))
	if err != nil {
		return nil, "", fmt.Errorf("generated suite failed validation: %w", err)
	}

	logger.Logger.Info("Suite generated",
		"suite", opts.SuiteName,
		"cases", len(suite.Tests),
		"conversations", len(suite.Conversations),
		"seed", opts.Seed)
	return suite, string(raw), nil
}

// WriteFile generates a suite and writes it to path.
func WriteFile(opts Options, path string) error {
	_, raw, err := Generate(opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		return fmt.Errorf("failed to write generated suite: %w", err)
	}
	logger.Logger.Info("Generated suite written", "path", path)
	return nil
}

// buildDocument assembles the document as plain maps so the emitted YAML
// carries only the keys a hand-written suite would.
func buildDocument(opts Options, f *gofakeit.Faker) map[string]any {
	tests := make([]map[string]any, 0, opts.Cases)
	for i := 0; i < opts.Cases; i++ {
		switch i % 4 {
		case 0:
			tests = append(tests, weatherCase(i+1, f))
		case 1:
			tests = append(tests, stockCase(i+1, f))
		case 2:
			tests = append(tests, geoCase(i+1, f))
		default:
			tests = append(tests, forecastCase(i+1))
		}
	}

	return map[string]any{
		"name":         opts.SuiteName,
		"match_policy": string(model.MatchContainment),
		"settings": map[string]any{
			"max_iterations": 5,
		},
		"providers": []map[string]any{{
			"name":  opts.Provider,
			"type":  string(model.ProviderOpenAI),
			"token": "{{OPENAI_API_KEY}}",
			"model": opts.Model,
		}},
		"agents": []map[string]any{{
			"name":          opts.AgentName,
			"provider":      opts.Provider,
			"toolbox":       model.ToolboxDemo,
			"system_prompt": "You are a helpful assistant. Use the available tools to answer questions about weather, stocks and locations. Answer with the values the tools return.",
		}},
		"tests":         tests,
		"conversations": []map[string]any{geoForecastConversation(f)},
	}
}

func weatherCase(n int, f *gofakeit.Faker) map[string]any {
	city := f.City()
	return map[string]any{
		"name":  fmt.Sprintf("weather-%02d", n),
		"input": fmt.Sprintf("What is the current weather in %s?", city),
		"expected_tool_calls": []map[string]any{{
			"name":       "get_current_weather",
			"parameters": map[string]any{"location": city},
		}},
		"expected_response_contains": "thunderstorms",
	}
}

func stockCase(n int, f *gofakeit.Faker) map[string]any {
	ticker := strings.ToUpper(f.LetterN(4))
	date := f.DateRange(
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
	).Format("2006-01-02")
	return map[string]any{
		"name":  fmt.Sprintf("stock-%02d", n),
		"input": fmt.Sprintf("What was the low price of %s stock on %s?", ticker, date),
		"expected_tool_calls": []map[string]any{{
			"name":       "get_stock_price",
			"parameters": map[string]any{"ticker": ticker, "date": date},
		}},
		"expected_response_contains": "245.45",
	}
}

func geoCase(n int, f *gofakeit.Faker) map[string]any {
	city := f.City()
	return map[string]any{
		"name":  fmt.Sprintf("geo-%02d", n),
		"input": fmt.Sprintf("What are the geographic coordinates of %s?", city),
		"expected_tool_calls": []map[string]any{{
			"name":       "get_geo_coordinates",
			"parameters": map[string]any{"city_name": city},
		}},
		"expected_response_contains": "37.77",
	}
}

func forecastCase(n int) map[string]any {
	return map[string]any{
		"name":  fmt.Sprintf("forecast-%02d", n),
		"input": "What is the weather forecast for latitude 37.7790262 and longitude -122.419906?",
		"expected_tool_calls": []map[string]any{{
			"name":       "get_weather_forecast",
			"parameters": map[string]any{"lat": 37.7790262, "lon": -122.419906},
		}},
		"expected_response_contains": "25.3",
	}
}

// geoForecastConversation chains coordinates into a forecast request via
// JSONPath extraction, the same flow the demo tools were built around.
func geoForecastConversation(f *gofakeit.Faker) map[string]any {
	city := f.City()
	return map[string]any{
		"name": "geo-then-forecast",
		"turns": []map[string]any{
			{
				"input":              fmt.Sprintf("Look up the geographic coordinates of %s.", city),
				"expected_tool_name": "get_geo_coordinates",
				"extract": map[string]string{
					"LAT": "$[0]",
					"LON": "$[1]",
				},
			},
			{
				"input":                      "Now get the weather forecast for latitude {{LAT}} and longitude {{LON}}.",
				"expected_tool_name":         "get_weather_forecast",
				"expected_response_contains": "25.3",
			},
		},
	}
}
