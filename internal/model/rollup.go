package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 聚合行的更新方式
const (
	UpdateModeIncremental = "incremental"
	UpdateModeRecompute   = "recompute"
)

// 消息绑定的成本写入任务聚合表的该类别下
const (
	CategoryChatMessage = "chat_message"
	ModelTypeChat       = "chat"
)

// RollupKey 日聚合行的键元组
type RollupKey struct {
	UserID    string `json:"user_id"`
	Date      string `json:"date"` // UTC YYYY-MM-DD
	Category  string `json:"category"`
	ModelID   string `json:"model_id"`
	ModelType string `json:"model_type"`
}

// EmbeddingDailyRollup 向量化日聚合
// ID 是键元组的确定性哈希，并发写入者无需先读即可命中同一行
type EmbeddingDailyRollup struct {
	ID                string          `gorm:"primaryKey;size:64" json:"id"`
	UserID            string          `gorm:"size:36;not null;uniqueIndex:idx_emb_rollup_key,priority:1;index:idx_emb_rollup_user_date,priority:1" json:"user_id"`
	Date              string          `gorm:"size:10;not null;uniqueIndex:idx_emb_rollup_key,priority:2;index:idx_emb_rollup_user_date,priority:2" json:"date"`
	Category          string          `gorm:"size:64;not null;uniqueIndex:idx_emb_rollup_key,priority:3" json:"category"`
	ModelID           string          `gorm:"size:255;not null;uniqueIndex:idx_emb_rollup_key,priority:4" json:"model_id"`
	ModelType         string          `gorm:"size:64;not null;uniqueIndex:idx_emb_rollup_key,priority:5" json:"model_type"`
	TaskCount         int64           `gorm:"not null;default:0" json:"task_count"`
	TotalCost         decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"total_cost"`
	TotalInputTokens  int64           `gorm:"not null;default:0" json:"total_input_tokens"`
	DistinctChatCount int64           `gorm:"not null;default:0" json:"distinct_chat_count"`
	UpdateMode        string          `gorm:"size:16;not null" json:"update_mode"`
	CreatedAt         int64           `json:"created_at"`
	UpdatedAt         int64           `json:"updated_at"`
}

// TaskDailyRollup 任务生成日聚合（同时承载消息绑定的成本）
type TaskDailyRollup struct {
	ID                   string          `gorm:"primaryKey;size:64" json:"id"`
	UserID               string          `gorm:"size:36;not null;uniqueIndex:idx_task_rollup_key,priority:1;index:idx_task_rollup_user_date,priority:1" json:"user_id"`
	Date                 string          `gorm:"size:10;not null;uniqueIndex:idx_task_rollup_key,priority:2;index:idx_task_rollup_user_date,priority:2" json:"date"`
	Category             string          `gorm:"size:64;not null;uniqueIndex:idx_task_rollup_key,priority:3" json:"category"`
	ModelID              string          `gorm:"size:255;not null;uniqueIndex:idx_task_rollup_key,priority:4" json:"model_id"`
	ModelType            string          `gorm:"size:64;not null;uniqueIndex:idx_task_rollup_key,priority:5" json:"model_type"`
	TaskCount            int64           `gorm:"not null;default:0" json:"task_count"`
	TotalCost            decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"total_cost"`
	TotalInputTokens     int64           `gorm:"not null;default:0" json:"total_input_tokens"`
	TotalOutputTokens    int64           `gorm:"not null;default:0" json:"total_output_tokens"`
	TotalReasoningTokens int64           `gorm:"not null;default:0" json:"total_reasoning_tokens"`
	DistinctChatCount    int64           `gorm:"not null;default:0" json:"distinct_chat_count"`
	UpdateMode           string          `gorm:"size:16;not null" json:"update_mode"`
	CreatedAt            int64           `json:"created_at"`
	UpdatedAt            int64           `json:"updated_at"`
}

// TableName 指定表名
func (EmbeddingDailyRollup) TableName() string {
	return "embedding_daily_rollups"
}

func (TaskDailyRollup) TableName() string {
	return "task_daily_rollups"
}

// DateOf 返回 epoch 秒对应的 UTC 日期
func DateOf(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.DateOnly)
}

// DayWindow 返回 UTC 日期的 [start, end) 秒区间
func DayWindow(date string) (int64, int64, error) {
	day, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return 0, 0, err
	}
	start := day.UTC().Unix()
	return start, start + 24*60*60, nil
}
