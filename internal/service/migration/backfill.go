package migration

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"gorm.io/gorm"

	"github.com/ashwinyue/next-chatlog/internal/errs"
	"github.com/ashwinyue/next-chatlog/internal/model"
)

// BackfillPositions 为缺少 position 的兄弟组补齐序号
// 组内按 created_at 升序稳定排序，并列时保持存储的自然顺序
func (s *Service) BackfillPositions(ctx context.Context) (*Summary, error) {
	sum := &Summary{}
	afterID := ""
	for {
		chatIDs, err := s.repo.Chat.ListChatIDsMissingPosition(ctx, afterID, s.batchSize)
		if err != nil {
			return sum, fmt.Errorf("failed to list chats missing positions: %w", err)
		}
		if len(chatIDs) == 0 {
			break
		}
		for _, chatID := range chatIDs {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			afterID = chatID
			sum.Chats++
			n, err := s.backfillChat(ctx, chatID)
			if err != nil {
				sum.Errored++
				s.logger.Error("failed to backfill positions", "chat_id", chatID, "error", err)
				continue
			}
			sum.Migrated += n
		}
	}
	s.logger.Info("position backfill finished", "chats", sum.Chats, "messages", sum.Migrated, "errored", sum.Errored)
	return sum, nil
}

func (s *Service) backfillChat(ctx context.Context, chatID string) (int, error) {
	assigned := 0
	err := s.repo.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chats := s.repo.Chat.WithTx(tx)
		if _, err := chats.LockChat(ctx, chatID); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}

		msgs, err := chats.ListMessagesForPositionBackfill(ctx, chatID)
		if err != nil {
			return err
		}

		groups := make(map[string][]*model.Message)
		var order []string
		for _, m := range msgs {
			key := ""
			if !m.IsRoot() {
				key = *m.ParentID
			}
			if _, ok := groups[key]; !ok {
				order = append(order, key)
			}
			groups[key] = append(groups[key], m)
		}

		for _, key := range order {
			group := groups[key]
			if !slices.ContainsFunc(group, func(m *model.Message) bool { return m.Position == nil }) {
				continue
			}
			slices.SortStableFunc(group, func(a, b *model.Message) int {
				return cmp.Compare(a.CreatedAt, b.CreatedAt)
			})

			ids := make([]string, len(group))
			for i, m := range group {
				ids[i] = m.ID
			}
			if err := chats.ClearMessagePositions(ctx, ids); err != nil {
				return err
			}
			for i, m := range group {
				if err := chats.SetMessagePosition(ctx, m.ID, i); err != nil {
					return err
				}
				assigned++
			}
		}
		return nil
	})
	return assigned, err
}
