package repository

import (
	"context"

	"github.com/ashwinyue/next-chatlog/internal/errs"
	"github.com/ashwinyue/next-chatlog/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatRepository 会话与消息数据访问
type ChatRepository struct {
	db *gorm.DB
}

// NewChatRepository 创建聊天仓库
func NewChatRepository(db *gorm.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

// WithTx 返回绑定到事务的仓库副本
func (r *ChatRepository) WithTx(tx *gorm.DB) *ChatRepository {
	return &ChatRepository{db: tx}
}

// ========== 会话 ==========

// CreateChat 创建会话
func (r *ChatRepository) CreateChat(ctx context.Context, chat *model.Chat) error {
	return errs.FromDB(r.db.WithContext(ctx).Create(chat).Error)
}

// GetChatByID 获取会话
func (r *ChatRepository) GetChatByID(ctx context.Context, id string) (*model.Chat, error) {
	var chat model.Chat
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&chat).Error; err != nil {
		return nil, errs.FromDB(err)
	}
	return &chat, nil
}

// LockChat 在当前事务中锁定会话行，串行化同一会话的插入
// SQLite 不支持行锁，由数据库级写锁保证串行
func (r *ChatRepository) LockChat(ctx context.Context, id string) (*model.Chat, error) {
	var chat model.Chat
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&chat).Error
	if err != nil {
		return nil, errs.FromDB(err)
	}
	return &chat, nil
}

// UpdateChatFields 更新会话的部分字段
func (r *ChatRepository) UpdateChatFields(ctx context.Context, id string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&model.Chat{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return errs.FromDB(res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// DeleteChat 删除会话及其消息、附件
func (r *ChatRepository) DeleteChat(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msgIDs := tx.Model(&model.Message{}).Select("id").Where("chat_id = ?", id)
		if err := tx.Where("message_id IN (?)", msgIDs).Delete(&model.Attachment{}).Error; err != nil {
			return errs.FromDB(err)
		}
		if err := tx.Where("chat_id = ?", id).Delete(&model.Message{}).Error; err != nil {
			return errs.FromDB(err)
		}
		res := tx.Where("id = ?", id).Delete(&model.Chat{})
		if res.Error != nil {
			return errs.FromDB(res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.ErrNotFound
		}
		return nil
	})
}

// ListChatsByStorageVersion 按 ID 游标分页列出指定存储版本的会话
func (r *ChatRepository) ListChatsByStorageVersion(ctx context.Context, version int, afterID string, limit int) ([]*model.Chat, error) {
	var chats []*model.Chat
	query := r.db.WithContext(ctx).Where("storage_version = ?", version)
	if afterID != "" {
		query = query.Where("id > ?", afterID)
	}
	err := query.Order("id ASC").Limit(limit).Find(&chats).Error
	return chats, errs.FromDB(err)
}

// ListChatIDsMissingPosition 列出存在未回填 position 消息的会话 ID
func (r *ChatRepository) ListChatIDsMissingPosition(ctx context.Context, afterID string, limit int) ([]string, error) {
	var ids []string
	query := r.db.WithContext(ctx).Model(&model.Message{}).Where("position IS NULL")
	if afterID != "" {
		query = query.Where("chat_id > ?", afterID)
	}
	err := query.Distinct().Order("chat_id ASC").Limit(limit).Pluck("chat_id", &ids).Error
	return ids, errs.FromDB(err)
}

// ========== 消息 ==========

// CreateMessage 创建消息
func (r *ChatRepository) CreateMessage(ctx context.Context, msg *model.Message) error {
	return errs.FromDB(r.db.WithContext(ctx).Create(msg).Error)
}

// CreateMessageIfAbsent 插入消息，ID 已存在时静默跳过
// 返回是否真正插入
func (r *ChatRepository) CreateMessageIfAbsent(ctx context.Context, msg *model.Message) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(msg)
	if res.Error != nil {
		return false, errs.FromDB(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetMessageByID 获取单条消息
func (r *ChatRepository) GetMessageByID(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error; err != nil {
		return nil, errs.FromDB(err)
	}
	return &msg, nil
}

// GetMessagesByIDs 批量获取消息，顺序与数据库一致
func (r *ChatRepository) GetMessagesByIDs(ctx context.Context, ids []string) ([]*model.Message, error) {
	var msgs []*model.Message
	if len(ids) == 0 {
		return msgs, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&msgs).Error
	return msgs, errs.FromDB(err)
}

// listColumns 列表视图省略 content
var listColumns = []string{
	"id", "chat_id", "parent_id", "position", "role", "model_id", "selected_model_id",
	"status", "usage", "cost", "input_tokens", "output_tokens", "reasoning_tokens",
	"meta", "annotation", "feedback_id", "created_at", "updated_at",
}

// ListMessagesByChat 列出会话的全部消息，按创建时间升序
func (r *ChatRepository) ListMessagesByChat(ctx context.Context, chatID string, omitContent bool) ([]*model.Message, error) {
	var msgs []*model.Message
	query := r.db.WithContext(ctx).Where("chat_id = ?", chatID)
	if omitContent {
		query = query.Select(listColumns)
	}
	err := query.Order("created_at ASC").Order("id ASC").Find(&msgs).Error
	return msgs, errs.FromDB(err)
}

// ListChildren 列出兄弟组，按 position 升序
func (r *ChatRepository) ListChildren(ctx context.Context, chatID string, parentID *string) ([]*model.Message, error) {
	var msgs []*model.Message
	err := siblingScope(r.db.WithContext(ctx), chatID, parentID).
		Order("position ASC").
		Order("created_at ASC").
		Find(&msgs).Error
	return msgs, errs.FromDB(err)
}

// NextPosition 返回兄弟组的下一个 position
func (r *ChatRepository) NextPosition(ctx context.Context, chatID string, parentID *string) (int, error) {
	var next int
	err := siblingScope(r.db.WithContext(ctx).Model(&model.Message{}), chatID, parentID).
		Select("COALESCE(MAX(position) + 1, 0)").
		Scan(&next).Error
	return next, errs.FromDB(err)
}

// CountMessages 统计会话消息总数
func (r *ChatRepository) CountMessages(ctx context.Context, chatID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).Where("chat_id = ?", chatID).Count(&n).Error
	return n, errs.FromDB(err)
}

// UpdateMessageFields 更新消息的部分字段
func (r *ChatRepository) UpdateMessageFields(ctx context.Context, id string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&model.Message{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return errs.FromDB(res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListMessagesForPositionBackfill 按存储自然顺序列出会话全部消息（不排序）
func (r *ChatRepository) ListMessagesForPositionBackfill(ctx context.Context, chatID string) ([]*model.Message, error) {
	var msgs []*model.Message
	err := r.db.WithContext(ctx).
		Select("id", "chat_id", "parent_id", "position", "created_at").
		Where("chat_id = ?", chatID).
		Find(&msgs).Error
	return msgs, errs.FromDB(err)
}

// SetMessagePosition 设置消息的 position
func (r *ChatRepository) SetMessagePosition(ctx context.Context, id string, position int) error {
	return errs.FromDB(r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ?", id).
		UpdateColumn("position", position).Error)
}

// ClearMessagePositions 清空一组消息的 position，重排前避免唯一索引冲突
func (r *ChatRepository) ClearMessagePositions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return errs.FromDB(r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id IN ?", ids).
		UpdateColumn("position", gorm.Expr("NULL")).Error)
}

func siblingScope(db *gorm.DB, chatID string, parentID *string) *gorm.DB {
	db = db.Where("chat_id = ?", chatID)
	if parentID == nil || *parentID == "" {
		return db.Where("parent_id IS NULL")
	}
	return db.Where("parent_id = ?", *parentID)
}

// ========== 附件 ==========

// CreateAttachments 批量创建附件，ID 冲突时跳过
func (r *ChatRepository) CreateAttachments(ctx context.Context, atts []*model.Attachment) error {
	if len(atts) == 0 {
		return nil
	}
	return errs.FromDB(r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&atts).Error)
}

// ListAttachments 列出消息的附件
func (r *ChatRepository) ListAttachments(ctx context.Context, messageID string) ([]*model.Attachment, error) {
	var atts []*model.Attachment
	err := r.db.WithContext(ctx).Where("message_id = ?", messageID).Order("id ASC").Find(&atts).Error
	return atts, errs.FromDB(err)
}
