// Package migration 把旧版内嵌 JSON 历史迁移为规范化的消息行
//
// 所有任务按会话 ID 分页，写入对冲突容忍，中断后重跑不会丢失已提交的进度，也不会产生重复行。
package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ashwinyue/next-chatlog/internal/errs"
	"github.com/ashwinyue/next-chatlog/internal/model"
	"github.com/ashwinyue/next-chatlog/internal/observability"
	"github.com/ashwinyue/next-chatlog/internal/pkg/logger"
	"github.com/ashwinyue/next-chatlog/internal/repository"
	"github.com/ashwinyue/next-chatlog/internal/service/chat"
	"github.com/ashwinyue/next-chatlog/internal/service/file"
)

const defaultBatchSize = 100

// Summary 批处理任务的结果
// MigrateLegacy 按消息行计数，StripLegacy 按会话计数，BackfillPositions 按回填的消息计数
type Summary struct {
	Migrated int `json:"migrated"`
	Skipped  int `json:"skipped"`
	Errored  int `json:"errored"`
	Chats    int `json:"chats"`
}

// Service 迁移服务
type Service struct {
	repo      *repository.Repositories
	files     *file.Service
	logger    *logger.Logger
	batchSize int
	now       func() int64
}

// NewService 创建迁移服务
func NewService(repo *repository.Repositories, files *file.Service, log *logger.Logger, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Service{
		repo:      repo,
		files:     files,
		logger:    log.With("service", "migration"),
		batchSize: batchSize,
		now:       func() int64 { return time.Now().Unix() },
	}
}

// ========== 迁移 ==========

// MigrateLegacy 把 storage_version=0 的会话历史写入消息表
// 单行失败只记录并计数；有失败行的会话保持旧版本，下次运行会重试
func (s *Service) MigrateLegacy(ctx context.Context) (*Summary, error) {
	sum := &Summary{}
	cache := file.NewRunCache()
	afterID := ""
	for {
		chats, err := s.repo.Chat.ListChatsByStorageVersion(ctx, model.StorageVersionLegacy, afterID, s.batchSize)
		if err != nil {
			return sum, fmt.Errorf("failed to list legacy chats: %w", err)
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
			if err := s.migrateChat(ctx, c, cache, sum); err != nil {
				sum.Errored++
				s.logger.Error("failed to migrate chat", "chat_id", c.ID, "error", err)
			}
		}
	}
	s.logger.Info("legacy migration finished",
		"chats", sum.Chats, "migrated", sum.Migrated, "skipped", sum.Skipped, "errored", sum.Errored)
	return sum, nil
}

// legacyRow 待写入的一条消息及其附件
type legacyRow struct {
	msg         *model.Message
	attachments []*model.Attachment
}

func (s *Service) migrateChat(ctx context.Context, c *model.Chat, cache *file.RunCache, sum *Summary) error {
	updates := map[string]interface{}{"updated_at": s.now()}
	if len(c.Chat) == 0 {
		updates["storage_version"] = model.StorageVersionNormalized
		return s.repo.Chat.UpdateChatFields(ctx, c.ID, updates)
	}

	blob, err := parseBlob(c.Chat)
	if err != nil {
		return fmt.Errorf("failed to parse chat blob: %w", err)
	}
	msgs, currentID := historyMessages(blob)
	nodes := collectNodes(msgs)

	// 媒体在事务外解析，并原地替换 blob 中的内联负载
	rows := make([]legacyRow, 0, len(nodes))
	for _, n := range nodes {
		msg := toMessage(c, n)
		rows = append(rows, legacyRow{msg: msg, attachments: s.resolveFiles(ctx, c, msg.ID, n.fields, cache)})
	}

	rewritten, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("failed to encode chat blob: %w", err)
	}
	updates["chat"] = datatypes.JSON(rewritten)

	var migrated, skipped, errored int
	err = s.repo.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chats := s.repo.Chat.WithTx(tx)
		migrated, skipped, errored = 0, 0, 0
		owned := make(map[string]bool, len(rows))
		var rootID, activeID *string
		for _, r := range rows {
			// 节点按深度排序，父消息先于子消息处理
			if r.msg.ParentID != nil && !owned[*r.msg.ParentID] {
				errored++
				s.logger.Error("parent not migrated into this chat", "chat_id", c.ID,
					"message_id", r.msg.ID, "parent_id", *r.msg.ParentID)
				continue
			}
			inserted, err := insertRow(ctx, tx, s.repo.Chat, r)
			switch {
			case err != nil:
				errored++
				s.logger.Error("failed to migrate message", "chat_id", c.ID, "message_id", r.msg.ID, "error", err)
				continue
			case inserted:
				migrated++
			default:
				skipped++
			}
			owned[r.msg.ID] = true
			if r.msg.ParentID == nil && r.msg.PositionValue() == 0 {
				id := r.msg.ID
				rootID = &id
			}
		}
		if owned[currentID] {
			activeID = &currentID
		}

		if rootID != nil {
			updates["root_message_id"] = *rootID
		}
		if activeID != nil {
			updates["active_message_id"] = *activeID
		}
		if errored == 0 {
			updates["storage_version"] = model.StorageVersionNormalized
		}
		return chats.UpdateChatFields(ctx, c.ID, updates)
	})
	if err != nil {
		return err
	}

	// 只统计已提交的结果
	sum.Migrated += migrated
	sum.Skipped += skipped
	sum.Errored += errored
	observability.MigrationRows.WithLabelValues("migrated").Add(float64(migrated))
	observability.MigrationRows.WithLabelValues("skipped").Add(float64(skipped))
	observability.MigrationRows.WithLabelValues("errored").Add(float64(errored))
	return nil
}

// insertRow 在保存点中写入一条消息，本会话已存在时跳过
// 同 id 的消息属于其他会话时返回 ErrConflict
func insertRow(ctx context.Context, tx *gorm.DB, repo *repository.ChatRepository, r legacyRow) (bool, error) {
	var inserted bool
	err := tx.Transaction(func(sp *gorm.DB) error {
		chats := repo.WithTx(sp)
		var err error
		inserted, err = chats.CreateMessageIfAbsent(ctx, r.msg)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := chats.GetMessageByID(ctx, r.msg.ID)
			if err != nil {
				return err
			}
			if existing.ChatID != r.msg.ChatID {
				return fmt.Errorf("%w: message %s belongs to chat %s", errs.ErrConflict, r.msg.ID, existing.ChatID)
			}
		}
		return chats.CreateAttachments(ctx, r.attachments)
	})
	return inserted, err
}

// resolveFiles 把旧版文件列表转换为附件
// data URL 解析失败时保留原始负载
func (s *Service) resolveFiles(ctx context.Context, c *model.Chat, messageID string, fields map[string]interface{}, cache *file.RunCache) []*model.Attachment {
	files := legacyFiles(fields)
	atts := make([]*model.Attachment, 0, len(files))
	for i, f := range files {
		url, _ := f["url"].(string)
		if s.files != nil && file.IsDataURL(url) {
			ref, err := s.files.Resolve(ctx, c.UserID, url,
				file.WithCategory(model.FileCategoryChat), file.WithRunCache(cache))
			if err != nil {
				s.logger.Warn("media resolve failed, keeping original payload",
					"chat_id", c.ID, "message_id", messageID, "error", err)
			} else {
				url = ref
				f["url"] = ref
			}
		}

		att := &model.Attachment{
			ID:        attachmentID(messageID, i),
			MessageID: messageID,
			Type:      stringOr(f["type"], "file"),
			URL:       url,
			MimeType:  stringOr(f["content_type"], stringOr(f["mime_type"], "")),
			Size:      numberOr(f["size"]),
			CreatedAt: c.CreatedAt,
		}
		if id, ok := chat.FileIDFromRef(url); ok {
			att.FileID = &id
		}
		meta := map[string]interface{}{}
		for k, v := range f {
			switch k {
			case "id", "type", "url", "content_type", "mime_type", "size":
			default:
				meta[k] = v
			}
		}
		if len(meta) > 0 {
			att.Meta = rawJSON(meta)
		}
		atts = append(atts, att)
	}
	return atts
}
