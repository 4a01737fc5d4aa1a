// Package usage 从供应商返回的用量载荷中提取成本与 token 数
//
// 载荷是结构未知的 map，所有函数都不返回错误：无法解析的字段视为缺失。
package usage

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Payload 原始用量载荷
type Payload = map[string]interface{}

// Tokens 三个独立可选的 token 计数
type Tokens struct {
	Input     *int64 `json:"input_tokens,omitempty"`
	Output    *int64 `json:"output_tokens,omitempty"`
	Reasoning *int64 `json:"reasoning_tokens,omitempty"`
}

// Facts 从载荷派生的全部字段
type Facts struct {
	Cost decimal.NullDecimal
	Tokens
}

// Extract 同时提取成本与 token，Ollama 原生统计先转换再提取
func Extract(usage Payload) Facts {
	usage = Normalize(usage)
	return Facts{Cost: ExtractCost(usage), Tokens: ExtractTokens(usage)}
}

// Normalize 识别只带 Ollama 原生统计的载荷并转换，其余载荷原样返回
// 已有 prompt_tokens 或 completion_tokens 的载荷不做转换，提取规则保持不变
func Normalize(usage Payload) Payload {
	if usage == nil {
		return nil
	}
	for _, k := range []string{"prompt_tokens", "completion_tokens"} {
		if _, ok := usage[k]; ok {
			return usage
		}
	}
	_, hasPrompt := usage["prompt_eval_count"]
	_, hasEval := usage["eval_count"]
	if !hasPrompt && !hasEval {
		return usage
	}

	out := FromOllama(usage)
	// 原样保留调用方自带的字段，转换结果只补缺
	for k, v := range usage {
		out[k] = v
	}
	return out
}

// ExtractCost 按优先级提取成本，首个可用的候选值胜出:
//  1. cost
//  2. estimates.total_cost
//  3. estimates.input_cost + estimates.output_cost（至少一项 > 0 时）
func ExtractCost(usage Payload) decimal.NullDecimal {
	if usage == nil {
		return decimal.NullDecimal{}
	}
	if d, ok := toDecimal(usage["cost"]); ok {
		return valid(d)
	}

	estimates := nested(usage["estimates"])
	if estimates == nil {
		return decimal.NullDecimal{}
	}
	if d, ok := toDecimal(estimates["total_cost"]); ok {
		return valid(d)
	}

	in, _ := toDecimal(estimates["input_cost"])
	out, _ := toDecimal(estimates["output_cost"])
	if in.IsPositive() || out.IsPositive() {
		return valid(in.Add(out))
	}
	return decimal.NullDecimal{}
}

// ExtractTokens 提取 prompt/completion/reasoning token，各字段独立
func ExtractTokens(usage Payload) Tokens {
	var t Tokens
	if usage == nil {
		return t
	}
	t.Input = toInt64(usage["prompt_tokens"])
	t.Output = toInt64(usage["completion_tokens"])
	if details := nested(usage["completion_tokens_details"]); details != nil {
		t.Reasoning = toInt64(details["reasoning_tokens"])
	}
	return t
}

// Decode 把存储的用量 JSON 解码为载荷
// 兼容被二次编码为 JSON 字符串的历史数据，无法解码时返回 nil
func Decode(raw []byte) Payload {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return Decode([]byte(s))
	}
	return nested(v)
}

func valid(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d.Round(8), Valid: true}
}

func nested(v interface{}) map[string]interface{} {
	switch m := v.(type) {
	case map[string]interface{}:
		return m
	case map[interface{}]interface{}:
		out, err := cast.ToStringMapE(m)
		if err != nil {
			return nil
		}
		return out
	default:
		return nil
	}
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case nil, bool:
		return decimal.Zero, false
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		return d, err == nil
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case decimal.Decimal:
		return x, true
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(f), true
}

func toInt64(v interface{}) *int64 {
	switch x := v.(type) {
	case nil, bool:
		return nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
	case string:
		if strings.TrimSpace(x) == "" {
			return nil
		}
		v = strings.TrimSpace(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return &n
		}
		f, err := x.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		v = f
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		return nil
	}
	return &n
}
