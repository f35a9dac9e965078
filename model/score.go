package model

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Scorer judges an agent's final response against an expectation. All
// scorers share one contract: an empty expectation trivially passes, and an
// empty actual response fails any non-empty expectation. The error channel
// is for broken expectations (e.g. an unparseable pattern), never for a
// mere mismatch. Implementations must be safe for concurrent use.
//
// The interface exists so semantic or judge-based scoring can be slotted in
// by callers without touching the runner; this package ships only
// deterministic scorers.
type Scorer interface {
	Name() string
	Score(ctx context.Context, expected, actual string) (bool, error)
}

// SubstringScorer is the baseline: case-insensitive substring containment.
type SubstringScorer struct{}

func (SubstringScorer) Name() string { return "substring" }

func (SubstringScorer) Score(_ context.Context, expected, actual string) (bool, error) {
	if expected == "" {
		return true, nil
	}
	if actual == "" {
		return false, nil
	}
	return strings.Contains(strings.ToLower(actual), strings.ToLower(expected)), nil
}

// RegexScorer treats the expectation as a case-insensitive regular
// expression matched anywhere in the response.
type RegexScorer struct{}

func (RegexScorer) Name() string { return "regex" }

func (RegexScorer) Score(_ context.Context, expected, actual string) (bool, error) {
	if expected == "" {
		return true, nil
	}
	re, err := regexp.Compile("(?i)" + expected)
	if err != nil {
		return false, fmt.Errorf("invalid response pattern %q: %w", expected, err)
	}
	if actual == "" {
		return false, nil
	}
	return re.MatchString(actual), nil
}

// ScorerFor resolves a scorer by its configured name. The empty name selects
// the substring baseline.
func ScorerFor(name string) (Scorer, error) {
	switch name {
	case "", "substring":
		return SubstringScorer{}, nil
	case "regex":
		return RegexScorer{}, nil
	default:
		return nil, fmt.Errorf("unknown response scorer %q (valid: substring, regex)", name)
	}
}
