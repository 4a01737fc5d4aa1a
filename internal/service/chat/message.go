package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ashwinyue/next-chatlog/internal/errs"
	"github.com/ashwinyue/next-chatlog/internal/model"
	"github.com/ashwinyue/next-chatlog/internal/observability"
	"github.com/ashwinyue/next-chatlog/internal/service/file"
	"github.com/ashwinyue/next-chatlog/internal/service/usage"
)

// UpdateOptions 写入选项
type UpdateOptions struct {
	// UpdateRollup 为 true 时在同一事务内重算消息绑定的聚合
	// 流式中间保存应传 false，聚合键会进入待对账队列
	UpdateRollup bool `json:"update_rollup"`
}

// AttachmentInput 附件输入
type AttachmentInput struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	URL      string         `json:"url"`
	MimeType string         `json:"mime_type"`
	Size     int64          `json:"size"`
	Meta     datatypes.JSON `json:"meta"`
}

// MessageInput 插入消息的字段
type MessageInput struct {
	ID              string            `json:"id"`
	Role            string            `json:"role" binding:"required"`
	ModelID         string            `json:"model_id"`
	SelectedModelID string            `json:"selected_model_id"`
	Content         string            `json:"content"`
	Status          datatypes.JSON    `json:"status"`
	Usage           datatypes.JSON    `json:"usage"`
	Meta            datatypes.JSON    `json:"meta"`
	Annotation      datatypes.JSON    `json:"annotation"`
	FeedbackID      *string           `json:"feedback_id"`
	Attachments     []AttachmentInput `json:"attachments"`
	CreatedAt       int64             `json:"created_at"`
}

// MessagePatch 流式/后补更新，nil 字段保持不变
type MessagePatch struct {
	Content    *string        `json:"content"`
	Status     datatypes.JSON `json:"status"`
	Usage      datatypes.JSON `json:"usage"`
	Meta       datatypes.JSON `json:"meta"`
	Annotation datatypes.JSON `json:"annotation"`
	FeedbackID *string        `json:"feedback_id"`
}

// ListOptions 列表选项
type ListOptions struct {
	OmitContent bool
}

func validRole(role string) bool {
	switch role {
	case model.RoleUser, model.RoleAssistant, model.RoleSystem:
		return true
	}
	return false
}

// ========== 写入 ==========

// InsertMessage 在 (chatID, parentID) 兄弟组末尾插入消息
// 会话不存在返回 ErrNotFound；父消息不属于该会话返回 ErrInvalid
func (s *Service) InsertMessage(ctx context.Context, chatID string, parentID *string, in *MessageInput, opts UpdateOptions) (*model.Message, error) {
	if !validRole(in.Role) {
		return nil, fmt.Errorf("%w: unknown role %q", errs.ErrInvalid, in.Role)
	}
	if parentID != nil && *parentID == "" {
		parentID = nil
	}

	chat, err := s.repo.Chat.GetChatByID(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w", chatID, err)
	}

	// 媒体解析在事务外完成，字节写入不占用数据库连接
	attachments, err := s.resolveAttachments(ctx, chat.UserID, in.Attachments)
	if err != nil {
		return nil, err
	}

	now := s.now()
	msg := &model.Message{
		ID:              in.ID,
		ChatID:          chatID,
		ParentID:        parentID,
		Role:            in.Role,
		ModelID:         in.ModelID,
		SelectedModelID: in.SelectedModelID,
		Content:         in.Content,
		Status:          in.Status,
		Usage:           in.Usage,
		Meta:            in.Meta,
		Annotation:      in.Annotation,
		FeedbackID:      in.FeedbackID,
		CreatedAt:       in.CreatedAt,
		UpdatedAt:       now,
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = now
	}
	applyUsage(msg, in.Usage)

	err = s.repo.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chats := s.repo.Chat.WithTx(tx)

		locked, err := chats.LockChat(ctx, chatID)
		if err != nil {
			return fmt.Errorf("chat %s: %w", chatID, err)
		}
		if parentID != nil {
			parent, err := chats.GetMessageByID(ctx, *parentID)
			if errors.Is(err, errs.ErrNotFound) || (err == nil && parent.ChatID != chatID) {
				return fmt.Errorf("%w: parent %s is not in chat %s", errs.ErrInvalid, *parentID, chatID)
			}
			if err != nil {
				return fmt.Errorf("failed to load parent: %w", err)
			}
		}

		position, err := chats.NextPosition(ctx, chatID, parentID)
		if err != nil {
			return fmt.Errorf("failed to assign position: %w", err)
		}
		msg.Position = &position

		if err := chats.CreateMessage(ctx, msg); err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		for _, att := range attachments {
			att.MessageID = msg.ID
			att.CreatedAt = now
		}
		if err := chats.CreateAttachments(ctx, attachments); err != nil {
			return fmt.Errorf("failed to create attachments: %w", err)
		}

		updates := map[string]interface{}{
			"active_message_id": msg.ID,
			"updated_at":        now,
		}
		if locked.RootMessageID == nil && msg.IsRoot() {
			updates["root_message_id"] = msg.ID
		}
		if err := chats.UpdateChatFields(ctx, chatID, updates); err != nil {
			return fmt.Errorf("failed to update chat cursor: %w", err)
		}

		if opts.UpdateRollup {
			s.maintainRollupInline(ctx, tx, chat.UserID, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !opts.UpdateRollup {
		s.deferRollup(ctx, chat.UserID, msg)
	}
	return msg, nil
}

// UpdateMessage 更新消息内容、状态或用量，用量变化时重新推导成本与 token
func (s *Service) UpdateMessage(ctx context.Context, chatID, messageID string, patch *MessagePatch, opts UpdateOptions) (*model.Message, error) {
	var (
		updated *model.Message
		userID  string
	)
	err := s.repo.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chats := s.repo.Chat.WithTx(tx)

		msg, err := chats.GetMessageByID(ctx, messageID)
		if err != nil {
			return fmt.Errorf("message %s: %w", messageID, err)
		}
		if msg.ChatID != chatID {
			return fmt.Errorf("message %s in chat %s: %w", messageID, chatID, errs.ErrNotFound)
		}
		chat, err := chats.GetChatByID(ctx, chatID)
		if err != nil {
			return fmt.Errorf("chat %s: %w", chatID, err)
		}
		userID = chat.UserID

		updates := map[string]interface{}{"updated_at": s.now()}
		if patch.Content != nil {
			updates["content"] = *patch.Content
		}
		if patch.Status != nil {
			updates["status"] = patch.Status
		}
		if patch.Meta != nil {
			updates["meta"] = patch.Meta
		}
		if patch.Annotation != nil {
			updates["annotation"] = patch.Annotation
		}
		if patch.FeedbackID != nil {
			updates["feedback_id"] = *patch.FeedbackID
		}
		if patch.Usage != nil {
			facts := usage.Extract(usage.Decode(patch.Usage))
			updates["usage"] = patch.Usage
			updates["cost"] = facts.Cost
			updates["input_tokens"] = facts.Input
			updates["output_tokens"] = facts.Output
			updates["reasoning_tokens"] = facts.Reasoning
		}
		if err := chats.UpdateMessageFields(ctx, messageID, updates); err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}

		updated, err = chats.GetMessageByID(ctx, messageID)
		if err != nil {
			return fmt.Errorf("failed to reload message: %w", err)
		}
		if opts.UpdateRollup {
			s.maintainRollupInline(ctx, tx, userID, updated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !opts.UpdateRollup {
		s.deferRollup(ctx, userID, updated)
	}
	return updated, nil
}

// applyUsage 由 usage 推导成本与 token 字段
func applyUsage(msg *model.Message, raw datatypes.JSON) {
	facts := usage.Extract(usage.Decode(raw))
	msg.Cost = facts.Cost
	msg.InputTokens = facts.Input
	msg.OutputTokens = facts.Output
	msg.ReasoningTokens = facts.Reasoning
}

// ========== 聚合维护 ==========

// MessageRollupKey 返回消息所属的聚合键，非助手消息返回 false
func MessageRollupKey(userID string, msg *model.Message) (model.RollupKey, bool) {
	if msg.Role != model.RoleAssistant || msg.ModelID == "" {
		return model.RollupKey{}, false
	}
	return model.RollupKey{
		UserID:    userID,
		Date:      model.DateOf(msg.CreatedAt),
		Category:  model.CategoryChatMessage,
		ModelID:   msg.ModelID,
		ModelType: model.ModelTypeChat,
	}, true
}

// maintainRollupInline 在保存点中重算聚合，失败只记录日志，不回滚消息写入
func (s *Service) maintainRollupInline(ctx context.Context, tx *gorm.DB, userID string, msg *model.Message) {
	key, ok := MessageRollupKey(userID, msg)
	if !ok || s.rollups == nil {
		return
	}
	err := tx.Transaction(func(sp *gorm.DB) error {
		return s.rollups.RecomputeMessageRollup(ctx, sp, key)
	})
	if err != nil {
		observability.RollupFailures.WithLabelValues("message").Inc()
		s.logger.Error("message rollup recompute failed",
			"chat_id", msg.ChatID, "message_id", msg.ID, "model_id", key.ModelID, "date", key.Date, "error", err)
	}
}

func (s *Service) deferRollup(ctx context.Context, userID string, msg *model.Message) {
	key, ok := MessageRollupKey(userID, msg)
	if !ok || s.rollups == nil {
		return
	}
	if err := s.rollups.DeferMessageRollup(ctx, key); err != nil {
		observability.RollupFailures.WithLabelValues("message").Inc()
		s.logger.Error("failed to defer message rollup",
			"message_id", msg.ID, "model_id", key.ModelID, "date", key.Date, "error", err)
	}
}

// ========== 附件 ==========

func (s *Service) resolveAttachments(ctx context.Context, ownerID string, inputs []AttachmentInput) ([]*model.Attachment, error) {
	atts := make([]*model.Attachment, 0, len(inputs))
	for _, in := range inputs {
		att := &model.Attachment{
			ID:       in.ID,
			Type:     in.Type,
			URL:      in.URL,
			MimeType: in.MimeType,
			Size:     in.Size,
			Meta:     in.Meta,
		}
		if att.ID == "" {
			att.ID = uuid.New().String()
		}
		if att.Type == "" {
			att.Type = "file"
		}
		if s.files != nil && file.IsDataURL(in.URL) {
			ref, err := s.files.Resolve(ctx, ownerID, in.URL, file.WithCategory(model.FileCategoryChat))
			if err != nil {
				return nil, fmt.Errorf("failed to resolve attachment %s: %w", att.ID, err)
			}
			att.URL = ref
		}
		if id, ok := FileIDFromRef(att.URL); ok {
			att.FileID = &id
		}
		atts = append(atts, att)
	}
	return atts, nil
}

// FileIDFromRef 从 /files/{id}/content 引用中取出文件 ID
func FileIDFromRef(ref string) (string, bool) {
	if !strings.HasPrefix(ref, "/files/") || !strings.HasSuffix(ref, "/content") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(ref, "/files/"), "/content")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// ListAttachments 列出消息的附件
func (s *Service) ListAttachments(ctx context.Context, messageID string) ([]*model.Attachment, error) {
	atts, err := s.repo.Chat.ListAttachments(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	return atts, nil
}

// ========== 读取与遍历 ==========

// GetMessage 获取单条消息
func (s *Service) GetMessage(ctx context.Context, chatID, messageID string) (*model.Message, error) {
	msg, err := s.repo.Chat.GetMessageByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", messageID, err)
	}
	if chatID != "" && msg.ChatID != chatID {
		return nil, fmt.Errorf("message %s in chat %s: %w", messageID, chatID, errs.ErrNotFound)
	}
	return msg, nil
}

// GetMessagesByIDs 批量获取消息，按请求顺序返回，不存在的 ID 被忽略
func (s *Service) GetMessagesByIDs(ctx context.Context, ids []string) ([]*model.Message, error) {
	msgs, err := s.repo.Chat.GetMessagesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	byID := make(map[string]*model.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	ordered := make([]*model.Message, 0, len(msgs))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			ordered = append(ordered, m)
			delete(byID, id)
		}
	}
	return ordered, nil
}

// ListMessages 列出会话全部消息，按创建时间升序
func (s *Service) ListMessages(ctx context.Context, chatID string, opts ListOptions) ([]*model.Message, error) {
	if _, err := s.repo.Chat.GetChatByID(ctx, chatID); err != nil {
		return nil, fmt.Errorf("chat %s: %w", chatID, err)
	}
	msgs, err := s.repo.Chat.ListMessagesByChat(ctx, chatID, opts.OmitContent)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// ListChildren 按 position 升序列出兄弟组，parentID 为 nil 时列出根消息
func (s *Service) ListChildren(ctx context.Context, chatID string, parentID *string) ([]*model.Message, error) {
	msgs, err := s.repo.Chat.ListChildren(ctx, chatID, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	return msgs, nil
}

// BranchToRoot 沿 parent_id 从叶子走到根，返回根在前的路径
// 步数超过会话消息总数时返回 ErrCycleDetected
func (s *Service) BranchToRoot(ctx context.Context, chatID, leafID string) ([]*model.Message, error) {
	total, err := s.repo.Chat.CountMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	var path []*model.Message
	currentID := leafID
	for {
		msg, err := s.repo.Chat.GetMessageByID(ctx, currentID)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", currentID, err)
		}
		if msg.ChatID != chatID {
			return nil, fmt.Errorf("message %s in chat %s: %w", currentID, chatID, errs.ErrNotFound)
		}
		path = append(path, msg)
		if int64(len(path)) > total {
			return nil, fmt.Errorf("%w: chat %s branch from %s", errs.ErrCycleDetected, chatID, leafID)
		}
		if msg.IsRoot() {
			break
		}
		currentID = *msg.ParentID
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// ComputeCacheKey 消息内容指纹，任一内容字段变化都会改变结果
func ComputeCacheKey(msg *model.Message) string {
	h := sha256.New()
	parent := ""
	if msg.ParentID != nil {
		parent = *msg.ParentID
	}
	feedback := ""
	if msg.FeedbackID != nil {
		feedback = *msg.FeedbackID
	}
	fields := []string{
		msg.ID,
		strconv.FormatInt(msg.UpdatedAt, 10),
		parent,
		msg.Role,
		msg.ModelID,
		msg.SelectedModelID,
		msg.Content,
		string(msg.Status),
		string(msg.Usage),
		string(msg.Meta),
		string(msg.Annotation),
		feedback,
	}
	for _, f := range fields {
		// 长度前缀避免字段拼接歧义
		h.Write([]byte(strconv.Itoa(len(f))))
		h.Write([]byte{':'})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CacheKeys 返回会话内每条消息的缓存键
func (s *Service) CacheKeys(ctx context.Context, chatID string) (map[string]string, error) {
	msgs, err := s.ListMessages(ctx, chatID, ListOptions{})
	if err != nil {
		return nil, err
	}
	keys := make(map[string]string, len(msgs))
	for _, m := range msgs {
		keys[m.ID] = ComputeCacheKey(m)
	}
	return keys, nil
}
