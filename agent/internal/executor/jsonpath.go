package executor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// pathSegment is one object key or array index of a JSONPath.
type pathSegment struct {
	key     string
	index   int
	isIndex bool
}

// parseJSONPath accepts the dotted subset of JSONPath used by step
// extractions and assertions: $.data.items[0]['display name']. The
// leading "$" is optional.
func parseJSONPath(expr string) ([]pathSegment, error) {
	s := strings.TrimSpace(expr)
	s = strings.TrimPrefix(s, "$")
	if s != "" && s[0] != '.' && s[0] != '[' {
		s = "." + s
	}

	var segs []pathSegment
	for len(s) > 0 {
		switch s[0] {
		case '.':
			s = s[1:]
			end := strings.IndexAny(s, ".[")
			if end < 0 {
				end = len(s)
			}
			if end == 0 {
				return nil, fmt.Errorf("invalid JSONPath %q: empty segment", expr)
			}
			segs = append(segs, pathSegment{key: s[:end]})
			s = s[end:]
		case '[':
			end := strings.IndexByte(s, ']')
			if end < 0 {
				return nil, fmt.Errorf("invalid JSONPath %q: unclosed bracket", expr)
			}
			inner := strings.TrimSpace(s[1:end])
			s = s[end+1:]
			if n := len(inner); n >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[n-1] == inner[0] {
				segs = append(segs, pathSegment{key: inner[1 : n-1]})
				continue
			}
			i, err := strconv.Atoi(inner)
			if err != nil || i < 0 {
				return nil, fmt.Errorf("invalid JSONPath %q: unsupported selector [%s]", expr, inner)
			}
			segs = append(segs, pathSegment{index: i, isIndex: true})
		default:
			return nil, fmt.Errorf("invalid JSONPath %q", expr)
		}
	}
	return segs, nil
}

// lookupPath walks a decoded JSON document. ok is false when the path
// does not exist.
func lookupPath(doc any, path []pathSegment) (any, bool) {
	cur := doc
	for _, seg := range path {
		switch v := cur.(type) {
		case map[string]any:
			if seg.isIndex {
				return nil, false
			}
			next, ok := v[seg.key]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			if !seg.isIndex || seg.index >= len(v) {
				return nil, false
			}
			cur = v[seg.index]
		default:
			return nil, false
		}
	}
	return cur, true
}

// decodeBody parses a response body keeping numbers exact.
func decodeBody(body string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("response body is not JSON")
	}
	return doc, nil
}

// queryJSON evaluates expr against a JSON body.
func queryJSON(body, expr string) (any, bool, error) {
	doc, err := decodeBody(body)
	if err != nil {
		return nil, false, err
	}
	path, err := parseJSONPath(expr)
	if err != nil {
		return nil, false, err
	}
	v, ok := lookupPath(doc, path)
	return v, ok, nil
}
