package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
)

// refPattern matches template references like {{steps.fetch.price}} or
// {{params.symbol}}.
var refPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// resolveParams walks a step's params and substitutes template
// references against the execution context: {{params.<key>}} reads the
// caller-supplied input, {{steps.<name>}} and {{steps.<name>.<field>}}
// read prior step results. A reference to an undefined step or key is
// an error, surfaced as the step's failure.
func resolveParams(params map[string]any, input map[string]any, results map[string]map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := resolveValue(v, input, results)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v any, input map[string]any, results map[string]map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, input, results)
	case map[string]any:
		return resolveParams(val, input, results)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveValue(item, input, results)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString resolves template references in a string. A string
// that is exactly one reference yields the referenced value with its
// original type; embedded references are replaced textually.
func resolveString(s string, input map[string]any, results map[string]map[string]any) (any, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string reference keeps the referenced value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return lookupRef(s[matches[0][2]:matches[0][3]], input, results)
	}

	var err error
	replaced := refPattern.ReplaceAllStringFunc(s, func(m string) string {
		ref := refPattern.FindStringSubmatch(m)[1]
		v, lookupErr := lookupRef(ref, input, results)
		if lookupErr != nil {
			err = lookupErr
			return m
		}
		return fmt.Sprint(v)
	})
	if err != nil {
		return nil, err
	}
	return replaced, nil
}

func lookupRef(ref string, input map[string]any, results map[string]map[string]any) (any, error) {
	parts := strings.Split(ref, ".")
	switch parts[0] {
	case "params":
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid reference %q: missing param key", ref)
		}
		return lookupPath(input, parts[1:], ref)
	case "steps":
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid reference %q: missing step name", ref)
		}
		result, ok := results[parts[1]]
		if !ok {
			return nil, fmt.Errorf("reference %q: no prior step named %q", ref, parts[1])
		}
		if len(parts) == 2 {
			return result, nil
		}
		return lookupPath(result, parts[2:], ref)
	default:
		return nil, fmt.Errorf("invalid reference %q: must start with params or steps", ref)
	}
}

func lookupPath(m map[string]any, path []string, ref string) (any, error) {
	var current any = m
	for _, key := range path {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("reference %q: %q is not a map", ref, key)
		}
		current, ok = node[key]
		if !ok {
			return nil, fmt.Errorf("reference %q: key %q not found", ref, key)
		}
	}
	return current, nil
}
