// Package chat 实现会话与消息树存储
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ashwinyue/next-chatlog/internal/errs"
	"github.com/ashwinyue/next-chatlog/internal/model"
	"github.com/ashwinyue/next-chatlog/internal/pkg/logger"
	"github.com/ashwinyue/next-chatlog/internal/repository"
	"github.com/ashwinyue/next-chatlog/internal/service/file"
)

// RollupMaintainer 维护消息绑定的日聚合
type RollupMaintainer interface {
	// RecomputeMessageRollup 在给定事务（保存点）中重算聚合行
	RecomputeMessageRollup(ctx context.Context, tx *gorm.DB, key model.RollupKey) error
	// DeferMessageRollup 把聚合键交给后台对账
	DeferMessageRollup(ctx context.Context, key model.RollupKey) error
}

// Service 聊天服务
type Service struct {
	repo    *repository.Repositories
	files   *file.Service
	rollups RollupMaintainer
	logger  *logger.Logger
	now     func() int64
}

// NewService 创建聊天服务
// files 为 nil 时附件中的 data 负载原样保存；rollups 为 nil 时不维护聚合
func NewService(repo *repository.Repositories, files *file.Service, rollups RollupMaintainer, log *logger.Logger) *Service {
	return &Service{
		repo:    repo,
		files:   files,
		rollups: rollups,
		logger:  log.With("service", "chat"),
		now:     func() int64 { return time.Now().Unix() },
	}
}

// CreateChatRequest 创建会话请求
type CreateChatRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Title  string `json:"title"`
}

// CreateChat 创建会话
func (s *Service) CreateChat(ctx context.Context, req *CreateChatRequest) (*model.Chat, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", errs.ErrInvalid)
	}
	title := req.Title
	if title == "" {
		title = "New Chat"
	}

	now := s.now()
	chat := &model.Chat{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		Title:          title,
		StorageVersion: model.StorageVersionNormalized,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Chat.CreateChat(ctx, chat); err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	return chat, nil
}

// GetChat 获取会话
func (s *Service) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	chat, err := s.repo.Chat.GetChatByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w", id, err)
	}
	return chat, nil
}

// DeleteChat 删除会话及其全部消息和附件
// 已产生的聚合行保留，成本在删除前已经发生
func (s *Service) DeleteChat(ctx context.Context, id string) error {
	if err := s.repo.Chat.DeleteChat(ctx, id); err != nil {
		return fmt.Errorf("failed to delete chat %s: %w", id, err)
	}
	return nil
}

// SetActiveMessage 切换会话当前显示的叶子消息
func (s *Service) SetActiveMessage(ctx context.Context, chatID, messageID string) error {
	msg, err := s.repo.Chat.GetMessageByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("message %s: %w", messageID, err)
	}
	if msg.ChatID != chatID {
		return fmt.Errorf("%w: message %s does not belong to chat %s", errs.ErrInvalid, messageID, chatID)
	}
	err = s.repo.Chat.UpdateChatFields(ctx, chatID, map[string]interface{}{
		"active_message_id": messageID,
		"updated_at":        s.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to set active message: %w", err)
	}
	return nil
}
