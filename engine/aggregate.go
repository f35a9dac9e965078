package engine

import (
	"sync"

	"github.com/life4/genesis/slices"

	"github.com/agentcheck/agentcheck/model"
)

// Aggregator collects test results from concurrently running cases.
// It is append-only; summaries do not depend on insertion order.
type Aggregator struct {
	mu      sync.Mutex
	results []model.TestResult
}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

func (a *Aggregator) Add(result model.TestResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, result)
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.results)
}

// Results returns a copy of everything recorded so far.
func (a *Aggregator) Results() []model.TestResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.TestResult, len(a.results))
	copy(out, a.results)
	return out
}

// Summarize computes per-kind and combined statistics over the recorded
// results. A kind with no results reports a zero pass rate, not NaN.
func (a *Aggregator) Summarize(suiteName string) model.SuiteSummary {
	results := a.Results()

	single := slices.Filter(results, func(r model.TestResult) bool {
		return r.Kind == model.SingleTurnCase
	})
	multi := slices.Filter(results, func(r model.TestResult) bool {
		return r.Kind == model.MultiTurnCase
	})

	return model.SuiteSummary{
		SuiteName:  suiteName,
		SingleTurn: summarize(single),
		MultiTurn:  summarize(multi),
		Combined:   summarize(results),
	}
}

func summarize(results []model.TestResult) model.Summary {
	s := model.Summary{Total: len(results)}
	if s.Total == 0 {
		return s
	}

	var latencySum, tokenSum int64
	var scored int
	for _, r := range results {
		switch {
		case r.Errored():
			s.Errored++
		case r.Passed:
			s.Passed++
		default:
			s.Failed++
		}
		if !r.Errored() {
			latencySum += r.TotalLatencyMs()
			tokenSum += int64(r.TokensUsed())
			scored++
		}
	}

	s.PassRate = float64(s.Passed) / float64(s.Total) * 100
	if scored > 0 {
		s.AvgLatencyMs = float64(latencySum) / float64(scored)
		s.AvgTokens = float64(tokenSum) / float64(scored)
	}
	return s
}
