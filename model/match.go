package model

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Configuration errors returned by MatchTrajectory. They travel on the error
// channel so callers can tell a broken fixture apart from a false verdict.
var (
	ErrUnknownPolicy = errors.New("unknown match policy")
	ErrInvalidSpec   = errors.New("invalid expected tool call")
)

// MatchTrajectory compares the recorded tool-call trajectory against the
// expected one under the given policy. Both policies compare position-wise
// and fail on any length mismatch; an empty expected trajectory therefore
// matches only an empty actual one. The boolean is the verdict; a non-nil
// error means the comparison could not be performed at all (unknown policy,
// expected entry without a tool name) and carries no verdict.
//
// Neither input is mutated.
func MatchTrajectory(policy MatchPolicy, expected []ToolCallSpec, actual []ToolInvocation) (bool, error) {
	for i := range expected {
		if strings.TrimSpace(expected[i].Name) == "" {
			return false, fmt.Errorf("%w: entry %d has no tool name", ErrInvalidSpec, i)
		}
	}

	switch policy {
	case MatchExact:
		return matchExact(expected, actual), nil
	case MatchContainment:
		return matchContainment(expected, actual), nil
	default:
		return false, fmt.Errorf("%w: %q (valid: %s, %s)", ErrUnknownPolicy, string(policy), MatchExact, MatchContainment)
	}
}

func matchExact(expected []ToolCallSpec, actual []ToolInvocation) bool {
	if len(expected) != len(actual) {
		return false
	}
	for i := range expected {
		if expected[i].Name != actual[i].Name {
			return false
		}
		if !ParamsEqual(expected[i].Parameters, actual[i].Parameters) {
			return false
		}
	}
	return true
}

func matchContainment(expected []ToolCallSpec, actual []ToolInvocation) bool {
	if len(expected) != len(actual) {
		return false
	}
	for i := range expected {
		if expected[i].Name != actual[i].Name {
			return false
		}
		if !ParamsContain(expected[i].Parameters, actual[i].Parameters) {
			return false
		}
	}
	return true
}

// ParamsEqual reports whether two parameter maps hold exactly the same keys
// with equal values.
func ParamsEqual(expected, actual map[string]any) bool {
	if len(expected) != len(actual) {
		return false
	}
	return ParamsContain(expected, actual)
}

// ParamsContain reports whether every expected key is present in actual with
// an equal value. Actual may carry extra keys.
func ParamsContain(expected, actual map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok {
			return false
		}
		if !DeepEqual(want, got) {
			return false
		}
	}
	return true
}

// DescribeTrajectoryDiff explains the first difference between expected and
// actual under the given policy, for failure reports. Returns "" when the
// trajectories match or the policy is unknown.
func DescribeTrajectoryDiff(policy MatchPolicy, expected []ToolCallSpec, actual []ToolInvocation) string {
	if len(expected) != len(actual) {
		return fmt.Sprintf("expected %d tool call(s), got %d %v", len(expected), len(actual), toolNames(actual))
	}
	for i := range expected {
		if expected[i].Name != actual[i].Name {
			return fmt.Sprintf("call %d: expected tool %q, got %q", i, expected[i].Name, actual[i].Name)
		}
		if diff := describeParamsDiff(policy, expected[i].Parameters, actual[i].Parameters); diff != "" {
			return fmt.Sprintf("call %d (%s): %s", i, expected[i].Name, diff)
		}
	}
	return ""
}

func describeParamsDiff(policy MatchPolicy, expected, actual map[string]any) string {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok {
			return fmt.Sprintf("missing parameter %q", key)
		}
		if !DeepEqual(want, got) {
			return fmt.Sprintf("parameter %q: expected %v, got %v", key, want, got)
		}
	}
	if policy == MatchExact && len(actual) > len(expected) {
		for key := range actual {
			if _, ok := expected[key]; !ok {
				return fmt.Sprintf("unexpected parameter %q", key)
			}
		}
	}
	return ""
}

func toolNames(calls []ToolInvocation) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

// ============================================================================
// VALUE EQUALITY
// ============================================================================

// DeepEqual compares two values by canonical form. Fixtures arrive through
// YAML decoding and actual parameters through JSON decoding of the LLM's
// tool arguments, so the same conceptual value can show up as int, int64,
// float64 or string. Canonicalization collapses those representations:
// whole floats compare equal to integers, and scalars compare by their
// printed form.
func DeepEqual(a, b any) bool {
	return normalize(a) == normalize(b)
}

func normalize(v any) string {
	if v == nil {
		return "null"
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			parts[i] = normalize(rv.Index(i).Interface())
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case reflect.Map:
		keys := make([]string, 0, rv.Len())
		entries := make(map[string]string, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := normalize(iter.Key().Interface())
			entries[k] = normalize(iter.Value().Interface())
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + entries[k]
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f == float64(int64(f)) {
			return fmt.Sprintf("%d", int64(f))
		}
		return fmt.Sprintf("%g", f)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fmt.Sprintf("%d", rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fmt.Sprintf("%d", rv.Uint())
	case reflect.Bool:
		return fmt.Sprintf("%t", rv.Bool())
	case reflect.String:
		return rv.String()
	default:
		return fmt.Sprint(v)
	}
}
