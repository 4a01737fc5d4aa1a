package model

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// EmbeddingGeneration 一次向量化调用的不可变记录
type EmbeddingGeneration struct {
	ID              string              `gorm:"primaryKey;size:36" json:"id"`
	UserID          string              `gorm:"size:36;not null;index:idx_embgen_rollup_key,priority:1" json:"user_id"`
	ChatID          *string             `gorm:"size:36;index" json:"chat_id,omitempty"`
	MessageID       *string             `gorm:"size:36" json:"message_id,omitempty"`
	KnowledgeBaseID *string             `gorm:"size:36;index" json:"knowledge_base_id,omitempty"`
	Type            string              `gorm:"size:64;not null;index:idx_embgen_rollup_key,priority:3" json:"type"` // 类别，如 document, query
	Engine          string              `gorm:"size:64" json:"engine"`
	ModelID         string              `gorm:"size:255;not null;index:idx_embgen_rollup_key,priority:4" json:"model_id"`
	ModelType       string              `gorm:"size:64;index:idx_embgen_rollup_key,priority:5" json:"model_type"`
	InputTokens     *int64              `json:"input_tokens"`
	Cost            decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"cost"`
	Usage           datatypes.JSON      `json:"usage,omitempty"`
	CreatedAt       int64               `gorm:"not null;index:idx_embgen_rollup_key,priority:2" json:"created_at"`
}

// PromptTemplate 按规范化文本哈希去重的提示词
type PromptTemplate struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	Hash      string `gorm:"size:64;not null;uniqueIndex" json:"hash"`
	Content   string `gorm:"type:text;not null" json:"content"`
	CreatedAt int64  `gorm:"autoCreateTime" json:"created_at"`
}

// TaskGeneration 一次任务生成（标题、标签、补全等）的不可变记录
type TaskGeneration struct {
	ID               string              `gorm:"primaryKey;size:36" json:"id"`
	UserID           string              `gorm:"size:36;not null;index:idx_taskgen_rollup_key,priority:1" json:"user_id"`
	ChatID           *string             `gorm:"size:36;index" json:"chat_id,omitempty"`
	MessageID        *string             `gorm:"size:36" json:"message_id,omitempty"`
	Category         string              `gorm:"size:64;not null;index:idx_taskgen_rollup_key,priority:3" json:"category"`
	ModelID          string              `gorm:"size:255;not null;index:idx_taskgen_rollup_key,priority:4" json:"model_id"`
	ModelType        string              `gorm:"size:64;index:idx_taskgen_rollup_key,priority:5" json:"model_type"`
	PromptTemplateID *string             `gorm:"size:36;index" json:"prompt_template_id,omitempty"`
	Success          bool                `json:"success"`
	Response         string              `gorm:"type:text" json:"response,omitempty"`
	Error            string              `gorm:"type:text" json:"error,omitempty"`
	InputTokens      *int64              `json:"input_tokens"`
	OutputTokens     *int64              `json:"output_tokens"`
	ReasoningTokens  *int64              `json:"reasoning_tokens"`
	Cost             decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"cost"`
	Usage            datatypes.JSON      `json:"usage,omitempty"`
	CreatedAt        int64               `gorm:"not null;index:idx_taskgen_rollup_key,priority:2" json:"created_at"`
}

// TableName 指定表名
func (EmbeddingGeneration) TableName() string {
	return "embedding_generations"
}

func (PromptTemplate) TableName() string {
	return "prompt_templates"
}

func (TaskGeneration) TableName() string {
	return "task_generations"
}
