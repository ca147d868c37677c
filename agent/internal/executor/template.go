package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pilot-net/dialer/pkg/types"
)

// Placeholders reference earlier steps of the same sequence:
//
//	{{login.body}}                       raw response body
//	{{login.body.data.token}}            JSON path into the body
//	{{login.body.items.0.id}}            array index
//	{{login.response.status_code}}       status code
//	{{login.response.headers.Location}}  header, case-insensitive
//	{{login.response.body.token}}        same as login.body.token
var placeholderRegexp = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// substituter rewrites one request field.
type substituter interface {
	substitute(s string) (string, error)
}

// stepContext maps executed step IDs to their responses.
type stepContext map[string]*types.StepResponse

// substitute replaces every placeholder in s. The first unresolved
// reference aborts with an error.
func (c stepContext) substitute(s string) (string, error) {
	var firstErr error
	out := placeholderRegexp.ReplaceAllStringFunc(s, func(m string) string {
		if firstErr != nil {
			return m
		}
		ref := placeholderRegexp.FindStringSubmatch(m)[1]
		v, err := c.resolve(ref)
		if err != nil {
			firstErr = err
			return m
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (c stepContext) resolve(ref string) (string, error) {
	parts := strings.Split(ref, ".")
	if len(parts) < 2 {
		return "", fmt.Errorf("undefined reference {{%s}}", ref)
	}
	resp, ok := c[parts[0]]
	if !ok {
		return "", fmt.Errorf("undefined reference {{%s}}: no prior step %q", ref, parts[0])
	}

	switch parts[1] {
	case "body":
		return resolveBody(ref, resp.Body, parts[2:])
	case "response":
		rest := parts[2:]
		if len(rest) == 0 {
			data, _ := json.Marshal(resp)
			return string(data), nil
		}
		switch rest[0] {
		case "status_code":
			if len(rest) == 1 {
				return strconv.Itoa(resp.StatusCode), nil
			}
		case "headers":
			if len(rest) > 1 {
				name := strings.Join(rest[1:], ".")
				if v, ok := headerValue(resp.Headers, name); ok {
					return v, nil
				}
				return "", fmt.Errorf("undefined reference {{%s}}: no header %q", ref, name)
			}
		case "body":
			return resolveBody(ref, resp.Body, rest[1:])
		}
	}
	return "", fmt.Errorf("undefined reference {{%s}}", ref)
}

func resolveBody(ref, body string, path []string) (string, error) {
	if len(path) == 0 {
		return body, nil
	}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var cur any
	if err := dec.Decode(&cur); err != nil {
		return "", fmt.Errorf("undefined reference {{%s}}: body is not JSON", ref)
	}

	for _, seg := range path {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return "", fmt.Errorf("undefined reference {{%s}}: no field %q", ref, seg)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return "", fmt.Errorf("undefined reference {{%s}}: bad index %q", ref, seg)
			}
			cur = v[i]
		default:
			return "", fmt.Errorf("undefined reference {{%s}}: cannot descend into %q", ref, seg)
		}
	}

	switch v := cur.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return "", fmt.Errorf("rendering {{%s}}: %w", ref, err)
		}
		return strings.TrimSuffix(buf.String(), "\n"), nil
	}
}

// variables holds the "$" names of a sequence: task variables first, then
// values extracted by earlier steps.
type variables map[string]string

func seedVariables(p types.TaskParams) variables {
	vars := make(variables)
	for _, list := range [][]types.Variable{p.InitialVariables, p.Variables} {
		for _, v := range list {
			if strings.HasPrefix(v.Name, "$") {
				vars[v.Name] = v.Value
			}
		}
	}
	return vars
}

// expand replaces every variable name in s. Longer names win, so $token
// never eats the prefix of $token_type.
func (v variables) expand(s string) string {
	if len(v) == 0 || !strings.Contains(s, "$") {
		return s
	}
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	pairs := make([]string, 0, 2*len(names))
	for _, name := range names {
		pairs = append(pairs, name, v[name])
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// sequenceContext substitutes variables, then step placeholders.
type sequenceContext struct {
	steps stepContext
	vars  variables
}

func (c sequenceContext) substitute(s string) (string, error) {
	return c.steps.substitute(c.vars.expand(s))
}

func headerValue(h map[string]string, name string) (string, bool) {
	if v, ok := h[name]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// flattenHeaders joins multi-valued response headers with ", ".
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}
