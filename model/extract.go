package model

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/yalp/jsonpath"
)

// ExtractValues runs JSONPath queries against a tool result payload and
// returns the results as template-ready strings. Queries map a variable name
// to a JSONPath expression, e.g. {"lat": "$.latitude"}. Values are
// canonicalized the same way parameter matching canonicalizes them, so an
// extracted 25.0 renders as "25".
func ExtractValues(resultJSON string, queries map[string]string) (map[string]string, error) {
	extracted := make(map[string]string, len(queries))
	if len(queries) == 0 {
		return extracted, nil
	}

	var doc any
	if err := sonic.UnmarshalString(resultJSON, &doc); err != nil {
		return nil, fmt.Errorf("tool result is not valid JSON: %w", err)
	}

	for name, path := range queries {
		value, err := jsonpath.Read(doc, path)
		if err != nil {
			return nil, fmt.Errorf("extract %q (%s): %w", name, path, err)
		}
		extracted[name] = normalize(value)
	}
	return extracted, nil
}
