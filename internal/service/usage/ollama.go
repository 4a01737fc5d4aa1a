package usage

import (
	"fmt"
	"math"
)

// FromOllama 把 Ollama 的原生统计字段转换为 OpenAI 风格的用量载荷
// 转换后的载荷可直接交给 Extract
func FromOllama(data Payload) Payload {
	if data == nil {
		return nil
	}
	promptCount := intOrZero(data["prompt_eval_count"])
	evalCount := intOrZero(data["eval_count"])
	promptDuration := intOrZero(data["prompt_eval_duration"])
	evalDuration := intOrZero(data["eval_duration"])
	totalDuration := intOrZero(data["total_duration"])

	return Payload{
		"response_token/s":     tokensPerSecond(evalCount, evalDuration),
		"prompt_token/s":       tokensPerSecond(promptCount, promptDuration),
		"total_duration":       totalDuration,
		"load_duration":        intOrZero(data["load_duration"]),
		"prompt_eval_count":    promptCount,
		"prompt_tokens":        promptCount,
		"prompt_eval_duration": promptDuration,
		"eval_count":           evalCount,
		"completion_tokens":    evalCount,
		"eval_duration":        evalDuration,
		"approximate_total":    approximateDuration(totalDuration),
		"total_tokens":         promptCount + evalCount,
		"completion_tokens_details": Payload{
			"reasoning_tokens":           int64(0),
			"accepted_prediction_tokens": int64(0),
			"rejected_prediction_tokens": int64(0),
		},
	}
}

func intOrZero(v interface{}) int64 {
	if n := toInt64(v); n != nil {
		return *n
	}
	return 0
}

// tokensPerSecond 时长单位为纳秒，无时长时返回 "N/A"
func tokensPerSecond(count, durationNs int64) interface{} {
	if durationNs <= 0 {
		return "N/A"
	}
	rate := float64(count) / (float64(durationNs) / 1e9)
	return math.Round(rate*100) / 100
}

func approximateDuration(durationNs int64) string {
	secs := durationNs / 1e9
	return fmt.Sprintf("%dh%dm%ds", secs/3600, (secs%3600)/60, secs%60)
}
