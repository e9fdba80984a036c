package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// evalOutput mirrors the JSON printed by `opa eval --format json`.
type evalOutput struct {
	Result []struct {
		Expressions []struct {
			Value any    `json:"value"`
			Text  string `json:"text"`
		} `json:"expressions"`
	} `json:"result"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// violation is one entry of the policy's violations set.
type violation struct {
	Step *int   `mapstructure:"step"`
	Code string `mapstructure:"code"`
	Msg  string `mapstructure:"msg"`
}

// decision is the normalised policy outcome.
type decision struct {
	Allow      bool
	Violations []violation
}

// parseDecision decodes evaluator stdout. The decision value may be the
// package document {allow, violations, ...}, a two element
// [allow, violations] array, or two separate results holding allow and
// violations in that order.
func parseDecision(stdout []byte) (decision, error) {
	var out evalOutput
	if err := json.Unmarshal(stdout, &out); err != nil {
		return decision{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if len(out.Errors) > 0 {
		return decision{}, fmt.Errorf("%w: evaluator error %s: %s", ErrMalformedOutput, out.Errors[0].Code, out.Errors[0].Message)
	}

	var values []any
	for _, result := range out.Result {
		for _, expr := range result.Expressions {
			values = append(values, expr.Value)
		}
	}

	switch len(values) {
	case 0:
		return decision{}, fmt.Errorf("%w: policy decision is undefined", ErrMalformedOutput)
	case 1:
		return decodeValue(values[0])
	default:
		allow, ok := values[0].(bool)
		if !ok {
			return decision{}, fmt.Errorf("%w: first result is %T, want bool", ErrMalformedOutput, values[0])
		}
		return decodeParts(allow, true, values[1])
	}
}

func decodeValue(value any) (decision, error) {
	switch typed := value.(type) {
	case map[string]any:
		rawAllow, hasAllow := typed["allow"]
		allow, isBool := rawAllow.(bool)
		if hasAllow && !isBool {
			return decision{}, fmt.Errorf("%w: allow is %T, want bool", ErrMalformedOutput, rawAllow)
		}
		return decodeParts(allow, hasAllow, typed["violations"])
	case []any:
		if len(typed) != 2 {
			return decision{}, fmt.Errorf("%w: decision array has %d elements, want 2", ErrMalformedOutput, len(typed))
		}
		allow, ok := typed[0].(bool)
		if !ok {
			return decision{}, fmt.Errorf("%w: allow is %T, want bool", ErrMalformedOutput, typed[0])
		}
		return decodeParts(allow, true, typed[1])
	case bool:
		return decision{Allow: typed}, nil
	default:
		return decision{}, fmt.Errorf("%w: unexpected decision type %T", ErrMalformedOutput, value)
	}
}

func decodeParts(allow, hasAllow bool, rawViolations any) (decision, error) {
	violations, err := decodeViolations(rawViolations)
	if err != nil {
		return decision{}, err
	}
	if !hasAllow {
		allow = len(violations) == 0
	}
	return decision{Allow: allow, Violations: violations}, nil
}

func decodeViolations(raw any) ([]violation, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: violations is %T, want array", ErrMalformedOutput, raw)
	}

	violations := make([]violation, 0, len(items))
	for i, item := range items {
		if _, ok := item.(map[string]any); !ok {
			return nil, fmt.Errorf("%w: violations[%d] is %T, want object", ErrMalformedOutput, i, item)
		}
		var v violation
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &v,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(item); err != nil {
			return nil, fmt.Errorf("%w: violations[%d]: %v", ErrMalformedOutput, i, err)
		}
		violations = append(violations, v)
	}
	return violations, nil
}

var errEmptyOutput = errors.New("evaluator produced no output")
