package migration

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/ashwinyue/next-chatlog/internal/model"
)

// StripLegacy 删除已迁移会话 blob 中的消息映射，保留参数、摘要等其他字段
// 该操作不可逆：被删除的消息只能从消息表中恢复
// 消息表中缺少任一历史消息的会话会被跳过
func (s *Service) StripLegacy(ctx context.Context) (*Summary, error) {
	sum := &Summary{}
	afterID := ""
	for {
		chats, err := s.repo.Chat.ListChatsByStorageVersion(ctx, model.StorageVersionNormalized, afterID, s.batchSize)
		if err != nil {
			return sum, fmt.Errorf("failed to list normalized chats: %w", err)
		}
		if len(chats) == 0 {
			break
		}
		for _, c := range chats {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			afterID = c.ID
			sum.Chats++
			stripped, err := s.stripChat(ctx, c)
			switch {
			case err != nil:
				sum.Errored++
				s.logger.Error("failed to strip chat", "chat_id", c.ID, "error", err)
			case stripped:
				sum.Migrated++
			default:
				sum.Skipped++
			}
		}
	}
	s.logger.Info("legacy strip finished",
		"chats", sum.Chats, "stripped", sum.Migrated, "skipped", sum.Skipped, "errored", sum.Errored)
	return sum, nil
}

func (s *Service) stripChat(ctx context.Context, c *model.Chat) (bool, error) {
	updates := map[string]interface{}{
		"storage_version": model.StorageVersionStripped,
		"updated_at":      s.now(),
	}
	if len(c.Chat) == 0 {
		return true, s.repo.Chat.UpdateChatFields(ctx, c.ID, updates)
	}

	blob, err := parseBlob(c.Chat)
	if err != nil {
		return false, err
	}
	msgs, _ := historyMessages(blob)
	if len(msgs) > 0 {
		complete, err := s.allMigrated(ctx, c.ID, msgs)
		if err != nil {
			return false, err
		}
		if !complete {
			s.logger.Warn("chat has messages missing from the message table, not stripping", "chat_id", c.ID)
			return false, nil
		}
	}

	if history, ok := blob["history"].(map[string]interface{}); ok {
		delete(history, "messages")
	}
	delete(blob, "messages")

	rewritten, err := json.Marshal(blob)
	if err != nil {
		return false, fmt.Errorf("failed to encode chat blob: %w", err)
	}
	updates["chat"] = datatypes.JSON(rewritten)
	return true, s.repo.Chat.UpdateChatFields(ctx, c.ID, updates)
}

// allMigrated 历史中的每条消息都已存在于该会话的消息表中
func (s *Service) allMigrated(ctx context.Context, chatID string, msgs map[string]interface{}) (bool, error) {
	ids := make([]string, 0, len(msgs))
	for _, n := range collectNodes(msgs) {
		ids = append(ids, n.id)
	}
	for start := 0; start < len(ids); start += s.batchSize {
		chunk := ids[start:min(start+s.batchSize, len(ids))]
		rows, err := s.repo.Chat.GetMessagesByIDs(ctx, chunk)
		if err != nil {
			return false, fmt.Errorf("failed to check migrated messages: %w", err)
		}
		found := 0
		for _, r := range rows {
			if r.ChatID == chatID {
				found++
			}
		}
		if found != len(chunk) {
			return false, nil
		}
	}
	return true, nil
}
