package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/pilot-net/dialer/pkg/types"
)

// extract binds one response value to a "$" variable. Failures are
// recorded but never fail the step.
func extract(x types.Extraction, resp *types.StepResponse, vars variables) types.ExtractionResult {
	res := types.ExtractionResult{
		Source:       x.Source,
		Expression:   x.Expression,
		VariableName: x.VariableName,
	}
	if res.Source == "" {
		res.Source = types.SourceJSONBody
	}
	if !strings.HasPrefix(x.VariableName, "$") {
		res.Message = "variable name must start with $"
		return res
	}

	value, err := extractValue(res.Source, x.Expression, resp)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	vars[x.VariableName] = stringify(value)
	res.Success = true
	res.Value = value
	return res
}

func extractValue(source types.ValueSource, expr string, resp *types.StepResponse) (any, error) {
	switch source {
	case types.SourceStatusCode:
		return resp.StatusCode, nil
	case types.SourceJSONBody:
		v, ok, err := queryJSON(resp.Body, expr)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("JSONPath %s matched nothing", expr)
		}
		return v, nil
	case types.SourceTextBody:
		if expr == "" {
			return nil, fmt.Errorf("text_body extraction needs a regular expression")
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid regular expression: %w", err)
		}
		m := re.FindStringSubmatch(resp.Body)
		if m == nil {
			return nil, fmt.Errorf("regular expression %s matched nothing", expr)
		}
		if len(m) > 1 {
			return m[1], nil
		}
		return m[0], nil
	case types.SourceHeaders:
		if expr == "" {
			return nil, fmt.Errorf("headers extraction needs a header name")
		}
		v, ok := headerValue(resp.Headers, expr)
		if !ok {
			return nil, fmt.Errorf("no header %s", expr)
		}
		return v, nil
	}
	return nil, fmt.Errorf("unsupported source %q", source)
}

// evaluateAssertion checks one assertion against a response.
func evaluateAssertion(a types.Assertion, resp *types.StepResponse) types.AssertionResult {
	res := types.AssertionResult{
		Source:     a.Source,
		Property:   a.Property,
		Comparison: a.Comparison,
		Target:     a.Target,
	}
	if res.Source == "" {
		res.Source = types.SourceStatusCode
	}
	if res.Comparison == "" {
		res.Comparison = types.CompareEqual
	}

	actual, found, err := assertionValue(res.Source, a.Property, resp)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	if found {
		res.Actual = actual
	}

	passed, err := compare(res.Comparison, actual, found, a.Target)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	res.Passed = passed
	if passed {
		res.Message = "assertion passed"
	} else {
		res.Message = fmt.Sprintf("expected %s %s %s", describe(actual, found), res.Comparison, stringify(a.Target))
	}
	return res
}

// assertionValue reads the value under test. found is false when a path
// or header is absent, which exists/not_exists treat as a value.
func assertionValue(source types.ValueSource, property string, resp *types.StepResponse) (any, bool, error) {
	switch source {
	case types.SourceStatusCode:
		return resp.StatusCode, true, nil
	case types.SourceJSONBody:
		if property == "" {
			doc, err := decodeBody(resp.Body)
			return doc, err == nil, err
		}
		return queryJSON(resp.Body, property)
	case types.SourceTextBody:
		return resp.Body, true, nil
	case types.SourceHeaders:
		if property == "" {
			all := make(map[string]any, len(resp.Headers))
			for k, v := range resp.Headers {
				all[k] = v
			}
			return all, true, nil
		}
		v, ok := headerValue(resp.Headers, property)
		return v, ok, nil
	}
	return nil, false, fmt.Errorf("unsupported source %q", source)
}

func compare(op types.Comparison, actual any, found bool, target any) (bool, error) {
	switch op {
	case types.CompareExists:
		return found && actual != nil, nil
	case types.CompareNotExists:
		return !found || actual == nil, nil
	}
	if !found {
		return false, nil
	}

	switch op {
	case types.CompareEqual:
		return equalValues(actual, target), nil
	case types.CompareNotEqual:
		return !equalValues(actual, target), nil
	case types.CompareGreater, types.CompareLess:
		a, aok := number(actual)
		t, tok := number(target)
		if !aok || !tok {
			return false, fmt.Errorf("%s needs numeric values", op)
		}
		if op == types.CompareGreater {
			return a > t, nil
		}
		return a < t, nil
	case types.CompareContains, types.CompareNotContains:
		in, err := contains(actual, target)
		if err != nil {
			return false, err
		}
		if op == types.CompareContains {
			return in, nil
		}
		return !in, nil
	case types.CompareEmpty:
		return isEmpty(actual), nil
	case types.CompareNotEmpty:
		return !isEmpty(actual), nil
	case types.CompareMatches:
		pattern, ok := target.(string)
		if !ok {
			return false, fmt.Errorf("matches needs a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid regular expression: %w", err)
		}
		switch actual.(type) {
		case map[string]any, []any:
			return false, fmt.Errorf("matches needs a scalar value")
		}
		return re.MatchString(stringify(actual)), nil
	}
	return false, fmt.Errorf("unsupported comparison %q", op)
}

// equalValues compares numerically when either side is a number, so a
// status code of 200 equals the target "200".
func equalValues(a, b any) bool {
	if isNumber(a) || isNumber(b) {
		af, aok := number(a)
		bf, bok := number(b)
		if aok && bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func contains(actual, target any) (bool, error) {
	switch v := actual.(type) {
	case string:
		return strings.Contains(v, stringify(target)), nil
	case []any:
		for _, item := range v {
			if equalValues(item, target) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := target.(string)
		if !ok {
			return false, nil
		}
		for k := range v {
			if k == key || strings.EqualFold(k, key) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("contains is not supported for %T values", actual)
}

func isEmpty(v any) bool {
	switch tv := v.(type) {
	case nil:
		return true
	case string:
		return tv == ""
	case []any:
		return len(tv) == 0
	case map[string]any:
		return len(tv) == 0
	}
	return false
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int64, float64, json.Number:
		return true
	}
	return false
}

func number(v any) (float64, bool) {
	switch tv := v.(type) {
	case int:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case float64:
		return tv, true
	case json.Number:
		f, err := tv.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(tv), 64)
		return f, err == nil
	}
	return 0, false
}

// normalize converts decoded numbers so documents compare structurally.
func normalize(v any) any {
	switch tv := v.(type) {
	case json.Number:
		if f, err := tv.Float64(); err == nil {
			return f
		}
		return tv.String()
	case int:
		return float64(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = normalize(item)
		}
		return out
	}
	return v
}

// stringify renders a value the way it is substituted into requests.
func stringify(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case json.Number:
		return tv.String()
	case int:
		return strconv.Itoa(tv)
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(tv)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func describe(actual any, found bool) string {
	if !found {
		return "<missing>"
	}
	return stringify(actual)
}
