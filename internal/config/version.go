package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/open-policy-agent/opa/v1/ast" // v1 for template strings
	"github.com/open-policy-agent/opa/v1/rego"
)

// ResolveVersion expands the version of a project. A version that parses as
// a single Rego expression is evaluated against input, except for plain
// numbers like "1.0". Anything else has environment variables expanded.
func ResolveVersion(ctx context.Context, version string, input map[string]any) (string, error) {
	if version == "" {
		return "", nil
	}

	if query, ok := looksLikeRego(version); ok {
		result, err := evaluateRego(ctx, query, input)
		if err != nil {
			return "", fmt.Errorf("version %q: rego evaluation failed: %w", version, err)
		}
		return result, nil
	}

	return os.ExpandEnv(version), nil
}

func looksLikeRego(s string) (ast.Body, bool) {
	body, err := ast.ParseBody(s)
	if err != nil || len(body) != 1 {
		return nil, false
	}
	if t, ok := body[0].Terms.(*ast.Term); ok {
		if _, ok := t.Value.(ast.Number); ok {
			return nil, false
		}
	}
	return body, true
}

func evaluateRego(ctx context.Context, query ast.Body, input map[string]any) (string, error) {
	opts := []func(*rego.Rego){
		rego.ParsedQuery(query),
	}

	if input != nil {
		opts = append(opts, rego.Input(input))
	}

	rs, err := rego.New(opts...).Eval(ctx)
	if err != nil {
		return "", err
	}

	if len(rs) == 0 {
		return "", errors.New("no results from Rego evaluation")
	}

	if len(rs[0].Expressions) == 0 {
		return "", errors.New("no expressions in result")
	}

	return formatValue(rs[0].Expressions[0].Value), nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case ast.Number:
		if i, ok := val.Int(); ok {
			return strconv.Itoa(i)
		}
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}
