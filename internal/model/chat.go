package model

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// 会话存储版本
const (
	StorageVersionLegacy     = 0 // 消息内嵌在 chat JSON 中
	StorageVersionNormalized = 1 // 消息已写入 messages 表
	StorageVersionStripped   = 2 // chat JSON 中的消息映射已删除
)

// Chat 会话
type Chat struct {
	ID              string         `gorm:"primaryKey;size:36" json:"id"`
	UserID          string         `gorm:"index;size:36;not null" json:"user_id"`
	Title           string         `gorm:"size:255" json:"title"`
	Chat            datatypes.JSON `json:"chat,omitempty"` // 旧版内嵌 JSON（参数、摘要等）
	ActiveMessageID *string        `gorm:"size:36" json:"active_message_id"`
	RootMessageID   *string        `gorm:"size:36" json:"root_message_id"`
	StorageVersion  int            `gorm:"index;default:0" json:"storage_version"`
	CreatedAt       int64          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       int64          `gorm:"autoUpdateTime" json:"updated_at"`
}

// Message 会话树中的一条消息
type Message struct {
	ID              string  `gorm:"primaryKey;size:36" json:"id"`
	ChatID          string  `gorm:"size:36;not null;index:idx_message_chat_parent,priority:1;index:idx_message_chat_created,priority:1;uniqueIndex:idx_message_sibling_position,priority:1;index:idx_message_chat_cost,priority:1" json:"chat_id"`
	ParentID        *string `gorm:"size:36;index:idx_message_chat_parent,priority:2;uniqueIndex:idx_message_sibling_position,priority:2" json:"parent_id"`
	Position        *int    `gorm:"uniqueIndex:idx_message_sibling_position,priority:3" json:"position"`
	Role            string  `gorm:"size:20;not null" json:"role"`
	ModelID         string  `gorm:"size:255;index:idx_message_model_cost,priority:1" json:"model_id,omitempty"`
	SelectedModelID string  `gorm:"size:255" json:"selected_model_id,omitempty"`
	Content         string  `gorm:"type:text" json:"content"`

	Status datatypes.JSON `json:"status,omitempty"`
	Usage  datatypes.JSON `json:"usage,omitempty"`

	// 以下字段在写入时由 usage 推导
	Cost            decimal.NullDecimal `gorm:"type:decimal(20,8);index:idx_message_model_cost,priority:2;index:idx_message_chat_cost,priority:2" json:"cost"`
	InputTokens     *int64              `json:"input_tokens"`
	OutputTokens    *int64              `json:"output_tokens"`
	ReasoningTokens *int64              `json:"reasoning_tokens"`

	Meta       datatypes.JSON `json:"meta,omitempty"`
	Annotation datatypes.JSON `json:"annotation,omitempty"`
	FeedbackID *string        `gorm:"size:36" json:"feedback_id,omitempty"`

	CreatedAt int64 `gorm:"autoCreateTime;index:idx_message_chat_created,priority:2" json:"created_at"`
	UpdatedAt int64 `gorm:"autoUpdateTime" json:"updated_at"`
}

// PositionValue 返回兄弟序号，未回填时为 -1
func (m *Message) PositionValue() int {
	if m.Position == nil {
		return -1
	}
	return *m.Position
}

// IsRoot 是否为根消息
func (m *Message) IsRoot() bool {
	return m.ParentID == nil || *m.ParentID == ""
}

// Attachment 消息附件
type Attachment struct {
	ID        string         `gorm:"primaryKey;size:64" json:"id"`
	MessageID string         `gorm:"size:36;not null;index" json:"message_id"`
	Type      string         `gorm:"size:32;not null" json:"type"` // image, file
	FileID    *string        `gorm:"size:36;index" json:"file_id,omitempty"`
	URL       string         `gorm:"type:text" json:"url,omitempty"`
	MimeType  string         `gorm:"size:128" json:"mime_type,omitempty"`
	Size      int64          `json:"size"`
	Meta      datatypes.JSON `json:"meta,omitempty"`
	CreatedAt int64          `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (Chat) TableName() string {
	return "chats"
}

func (Message) TableName() string {
	return "messages"
}

func (Attachment) TableName() string {
	return "message_attachments"
}
