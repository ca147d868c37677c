package executor

import (
	"encoding/json"
	"testing"

	"github.com/pilot-net/dialer/pkg/types"
)

func testResponse() *types.StepResponse {
	return &types.StepResponse{
		StatusCode: 201,
		Headers:    map[string]string{"Content-Type": "application/json", "X-Empty": ""},
		Body:       `{"id":"ord-7","total":12.5,"items":[{"sku":"a"},{"sku":"b"}],"tags":[],"meta":{"display name":"Order"},"note":null}`,
	}
}

func TestParseJSONPath(t *testing.T) {
	tests := []struct {
		expr    string
		want    []pathSegment
		wantErr bool
	}{
		{"$", nil, false},
		{"$.id", []pathSegment{{key: "id"}}, false},
		{"id", []pathSegment{{key: "id"}}, false},
		{"$.items[1].sku", []pathSegment{{key: "items"}, {index: 1, isIndex: true}, {key: "sku"}}, false},
		{"$['meta'][\"display name\"]", []pathSegment{{key: "meta"}, {key: "display name"}}, false},
		{"$.items[*]", nil, true},
		{"$.items[0", nil, true},
		{"$..id", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := parseJSONPath(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseJSONPath(%q) = %+v, want %+v", tt.expr, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("segment %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name      string
		x         types.Extraction
		wantOK    bool
		wantValue string
	}{
		{"json path", types.Extraction{Source: types.SourceJSONBody, Expression: "$.items[0].sku", VariableName: "$sku"}, true, "a"},
		{"json default source", types.Extraction{Expression: "$.total", VariableName: "$total"}, true, "12.5"},
		{"json object", types.Extraction{Expression: "$.meta", VariableName: "$meta"}, true, `{"display name":"Order"}`},
		{"json no match", types.Extraction{Expression: "$.nope", VariableName: "$nope"}, false, ""},
		{"regex group", types.Extraction{Source: types.SourceTextBody, Expression: `"id":"([^"]+)"`, VariableName: "$id"}, true, "ord-7"},
		{"regex whole match", types.Extraction{Source: types.SourceTextBody, Expression: `ord-\d+`, VariableName: "$id"}, true, "ord-7"},
		{"bad regex", types.Extraction{Source: types.SourceTextBody, Expression: `(`, VariableName: "$id"}, false, ""},
		{"header", types.Extraction{Source: types.SourceHeaders, Expression: "content-type", VariableName: "$ct"}, true, "application/json"},
		{"status code", types.Extraction{Source: types.SourceStatusCode, VariableName: "$code"}, true, "201"},
		{"name without dollar", types.Extraction{Expression: "$.id", VariableName: "id"}, false, ""},
		{"unknown source", types.Extraction{Source: "cookies", Expression: "sid", VariableName: "$sid"}, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := variables{}
			res := extract(tt.x, testResponse(), vars)
			if res.Success != tt.wantOK {
				t.Fatalf("success = %v, want %v (%s)", res.Success, tt.wantOK, res.Message)
			}
			if !tt.wantOK {
				if res.Message == "" {
					t.Error("failed extraction has no message")
				}
				if _, ok := vars[tt.x.VariableName]; ok {
					t.Error("failed extraction bound a variable")
				}
				return
			}
			if got := vars[tt.x.VariableName]; got != tt.wantValue {
				t.Errorf("%s = %q, want %q", tt.x.VariableName, got, tt.wantValue)
			}
		})
	}
}

func TestEvaluateAssertion(t *testing.T) {
	tests := []struct {
		name string
		a    types.Assertion
		want bool
	}{
		{"status equal number", types.Assertion{Comparison: types.CompareEqual, Target: float64(201)}, true},
		{"status equal string", types.Assertion{Source: types.SourceStatusCode, Comparison: types.CompareEqual, Target: "201"}, true},
		{"status default equal", types.Assertion{Target: float64(200)}, false},
		{"status not equal", types.Assertion{Comparison: types.CompareNotEqual, Target: float64(500)}, true},
		{"status less than", types.Assertion{Comparison: types.CompareLess, Target: float64(300)}, true},
		{"json number equal", types.Assertion{Source: types.SourceJSONBody, Property: "$.total", Comparison: types.CompareEqual, Target: 12.5}, true},
		{"json greater", types.Assertion{Source: types.SourceJSONBody, Property: "$.total", Comparison: types.CompareGreater, Target: float64(20)}, false},
		{"json string compare", types.Assertion{Source: types.SourceJSONBody, Property: "$.id", Comparison: types.CompareGreater, Target: "x"}, false},
		{"json array contains object", types.Assertion{Source: types.SourceJSONBody, Property: "$.items", Comparison: types.CompareContains, Target: map[string]any{"sku": "b"}}, true},
		{"json object has key", types.Assertion{Source: types.SourceJSONBody, Property: "$.meta", Comparison: types.CompareContains, Target: "display name"}, true},
		{"json exists", types.Assertion{Source: types.SourceJSONBody, Property: "$.id", Comparison: types.CompareExists}, true},
		{"json null does not exist", types.Assertion{Source: types.SourceJSONBody, Property: "$.note", Comparison: types.CompareExists}, false},
		{"json missing not exists", types.Assertion{Source: types.SourceJSONBody, Property: "$.gone", Comparison: types.CompareNotExists}, true},
		{"json missing equal", types.Assertion{Source: types.SourceJSONBody, Property: "$.gone", Comparison: types.CompareEqual, Target: "x"}, false},
		{"json empty array", types.Assertion{Source: types.SourceJSONBody, Property: "$.tags", Comparison: types.CompareEmpty}, true},
		{"json not empty", types.Assertion{Source: types.SourceJSONBody, Property: "$.items", Comparison: types.CompareNotEmpty}, true},
		{"json matches", types.Assertion{Source: types.SourceJSONBody, Property: "$.id", Comparison: types.CompareMatches, Target: `^ord-\d+$`}, true},
		{"text contains", types.Assertion{Source: types.SourceTextBody, Comparison: types.CompareContains, Target: "ord-7"}, true},
		{"text not contains", types.Assertion{Source: types.SourceTextBody, Comparison: types.CompareNotContains, Target: "error"}, true},
		{"header equal", types.Assertion{Source: types.SourceHeaders, Property: "content-type", Comparison: types.CompareEqual, Target: "application/json"}, true},
		{"header empty", types.Assertion{Source: types.SourceHeaders, Property: "X-Empty", Comparison: types.CompareEmpty}, true},
		{"header missing not exists", types.Assertion{Source: types.SourceHeaders, Property: "X-Nope", Comparison: types.CompareNotExists}, true},
		{"headers contain name", types.Assertion{Source: types.SourceHeaders, Comparison: types.CompareContains, Target: "content-type"}, true},
		{"unknown comparison", types.Assertion{Comparison: "between", Target: float64(1)}, false},
		{"unknown source", types.Assertion{Source: "cookies", Comparison: types.CompareExists}, false},
		{"bad pattern", types.Assertion{Source: types.SourceTextBody, Comparison: types.CompareMatches, Target: "("}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := evaluateAssertion(tt.a, testResponse())
			if res.Passed != tt.want {
				t.Errorf("passed = %v, want %v (%s)", res.Passed, tt.want, res.Message)
			}
			if res.Message == "" {
				t.Error("assertion result has no message")
			}
		})
	}
}

func TestEvaluateAssertion_RecordsActual(t *testing.T) {
	res := evaluateAssertion(types.Assertion{
		Source:     types.SourceJSONBody,
		Property:   "$.total",
		Comparison: types.CompareLess,
		Target:     float64(10),
	}, testResponse())
	if res.Passed {
		t.Fatal("12.5 < 10 passed")
	}
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	json.Unmarshal(data, &decoded)
	if decoded["actual_value"] != 12.5 || decoded["result"] != false {
		t.Errorf("encoded result = %s", data)
	}
	if res.Message != "expected 12.5 less_than 10" {
		t.Errorf("message = %q", res.Message)
	}
}
