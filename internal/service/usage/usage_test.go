package usage

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestExtractCost(t *testing.T) {
	tests := []struct {
		name  string
		usage Payload
		want  string // 空串表示无值
	}{
		{name: "direct cost", usage: Payload{"cost": 0.0023}, want: "0.0023"},
		{name: "direct cost zero is a value", usage: Payload{"cost": 0}, want: "0"},
		{name: "direct cost string", usage: Payload{"cost": "0.5"}, want: "0.5"},
		{name: "estimates total", usage: Payload{"estimates": Payload{"total_cost": 0.01}}, want: "0.01"},
		{name: "estimates sum", usage: Payload{"estimates": Payload{"input_cost": 0.002, "output_cost": 0.003}}, want: "0.005"},
		{name: "estimates one side", usage: Payload{"estimates": Payload{"output_cost": 0.003}}, want: "0.003"},
		{name: "estimates all zero", usage: Payload{"estimates": Payload{"input_cost": 0, "output_cost": 0}}},
		{name: "empty", usage: Payload{}},
		{name: "nil", usage: nil},
		{name: "non numeric cost falls through", usage: Payload{"cost": "abc", "estimates": Payload{"total_cost": 0.01}}, want: "0.01"},
		{name: "null cost falls through", usage: Payload{"cost": nil, "estimates": Payload{"total_cost": 0.02}}, want: "0.02"},
		{name: "bool cost ignored", usage: Payload{"cost": true}},
		{name: "NaN cost ignored", usage: Payload{"cost": math.NaN()}},
		{name: "non numeric parts default to zero", usage: Payload{"estimates": Payload{"input_cost": "x", "output_cost": 0.004}}, want: "0.004"},
		{name: "estimates not an object", usage: Payload{"estimates": "0.01"}},
		{name: "json number", usage: Payload{"cost": json.Number("0.00000001")}, want: "0.00000001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractCost(tt.usage)
			if tt.want == "" {
				if got.Valid {
					t.Fatalf("expected no value, got %s", got.Decimal)
				}
				return
			}
			if !got.Valid {
				t.Fatalf("expected %s, got no value", tt.want)
			}
			if !got.Decimal.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("expected %s, got %s", tt.want, got.Decimal)
			}
		})
	}
}

func TestExtractTokens(t *testing.T) {
	got := ExtractTokens(Payload{
		"prompt_tokens":     10,
		"completion_tokens": 20,
		"completion_tokens_details": Payload{
			"reasoning_tokens": 5,
		},
	})
	assertInt(t, "input", got.Input, 10)
	assertInt(t, "output", got.Output, 20)
	assertInt(t, "reasoning", got.Reasoning, 5)
}

func TestExtractTokens_FieldsIndependent(t *testing.T) {
	got := ExtractTokens(Payload{
		"prompt_tokens":     "abc",
		"completion_tokens": 20.0,
	})
	if got.Input != nil {
		t.Errorf("expected no input, got %d", *got.Input)
	}
	assertInt(t, "output", got.Output, 20)
	if got.Reasoning != nil {
		t.Errorf("expected no reasoning, got %d", *got.Reasoning)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		isNil bool
	}{
		{name: "object", raw: `{"prompt_tokens": 3}`},
		{name: "double encoded", raw: `"{\"prompt_tokens\": 3}"`},
		{name: "null", raw: `null`, isNil: true},
		{name: "empty", raw: ``, isNil: true},
		{name: "garbage", raw: `{not json`, isNil: true},
		{name: "array", raw: `[1,2]`, isNil: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode([]byte(tt.raw))
			if tt.isNil {
				if got != nil {
					t.Fatalf("expected nil, got %v", got)
				}
				return
			}
			assertInt(t, "input", ExtractTokens(got).Input, 3)
		})
	}
}

func TestFromOllama(t *testing.T) {
	got := FromOllama(Payload{
		"prompt_eval_count":    float64(12),
		"eval_count":           float64(30),
		"eval_duration":        float64(3e9),
		"prompt_eval_duration": float64(0),
		"total_duration":       float64(3725e9),
	})

	facts := Extract(got)
	assertInt(t, "input", facts.Input, 12)
	assertInt(t, "output", facts.Output, 30)
	assertInt(t, "reasoning", facts.Reasoning, 0)
	if facts.Cost.Valid {
		t.Errorf("expected no cost, got %s", facts.Cost.Decimal)
	}
	if got["response_token/s"] != 10.0 {
		t.Errorf("expected 10 tokens/s, got %v", got["response_token/s"])
	}
	if got["prompt_token/s"] != "N/A" {
		t.Errorf("expected N/A, got %v", got["prompt_token/s"])
	}
	if got["approximate_total"] != "1h2m5s" {
		t.Errorf("expected 1h2m5s, got %v", got["approximate_total"])
	}
	if got["total_tokens"] != int64(42) {
		t.Errorf("expected 42 total tokens, got %v", got["total_tokens"])
	}
}

func TestExtract_Normalize(t *testing.T) {
	n := func(v int64) *int64 { return &v }
	tests := []struct {
		name      string
		usage     Payload
		input     *int64
		output    *int64
		reasoning *int64
	}{
		{
			name:      "ollama only",
			usage:     Payload{"prompt_eval_count": json.Number("7"), "eval_count": json.Number("9")},
			input:     n(7),
			output:    n(9),
			reasoning: n(0),
		},
		{
			name:   "prompt_tokens with eval_count",
			usage:  Payload{"prompt_tokens": json.Number("10"), "eval_count": json.Number("20")},
			input:  n(10),
			output: nil,
		},
		{
			name:   "completion_tokens with eval_count",
			usage:  Payload{"completion_tokens": json.Number("4"), "eval_count": json.Number("99")},
			output: n(4),
		},
		{
			name:  "neither shape",
			usage: Payload{"total_duration": json.Number("5")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts := Extract(tt.usage)
			assertOptional(t, "input", facts.Input, tt.input)
			assertOptional(t, "output", facts.Output, tt.output)
			assertOptional(t, "reasoning", facts.Reasoning, tt.reasoning)
		})
	}
}

func TestExtract_NormalizeKeepsCost(t *testing.T) {
	facts := Extract(Payload{
		"prompt_eval_count": json.Number("7"),
		"eval_count":        json.Number("9"),
		"cost":              "0.002",
	})
	if !facts.Cost.Valid || facts.Cost.Decimal.String() != "0.002" {
		t.Errorf("expected cost 0.002 to survive normalization, got %+v", facts.Cost)
	}
}

func assertOptional(t *testing.T, field string, got, want *int64) {
	t.Helper()
	if want == nil {
		if got != nil {
			t.Errorf("%s: expected no value, got %d", field, *got)
		}
		return
	}
	assertInt(t, field, got, *want)
}

func assertInt(t *testing.T, field string, got *int64, want int64) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: expected %d, got no value", field, want)
	}
	if *got != want {
		t.Errorf("%s: expected %d, got %d", field, want, *got)
	}
}
