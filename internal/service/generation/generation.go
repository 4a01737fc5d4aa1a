// Package generation 记录向量化与任务生成事件，并驱动对应的日聚合
package generation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ashwinyue/next-chatlog/internal/errs"
	"github.com/ashwinyue/next-chatlog/internal/model"
	"github.com/ashwinyue/next-chatlog/internal/observability"
	"github.com/ashwinyue/next-chatlog/internal/pkg/logger"
	"github.com/ashwinyue/next-chatlog/internal/repository"
	"github.com/ashwinyue/next-chatlog/internal/service/rollup"
	"github.com/ashwinyue/next-chatlog/internal/service/usage"
)

// Service 生成事件服务
type Service struct {
	repo    *repository.Repositories
	rollups *rollup.Engine
	logger  *logger.Logger
	now     func() int64
}

// NewService 创建生成事件服务
func NewService(repo *repository.Repositories, rollups *rollup.Engine, log *logger.Logger) *Service {
	return &Service{
		repo:    repo,
		rollups: rollups,
		logger:  log.With("service", "generation"),
		now:     func() int64 { return time.Now().Unix() },
	}
}

// EmbeddingInput 一次向量化调用
type EmbeddingInput struct {
	ChatID          *string        `json:"chat_id"`
	MessageID       *string        `json:"message_id"`
	KnowledgeBaseID *string        `json:"knowledge_base_id"`
	Usage           datatypes.JSON `json:"usage"`
	CreatedAt       int64          `json:"created_at"`
}

// EmbeddingBatch 同一 (用户, 类别, 引擎, 模型) 的一批向量化调用
type EmbeddingBatch struct {
	UserID    string           `json:"user_id" binding:"required"`
	Type      string           `json:"type" binding:"required"`
	Engine    string           `json:"engine"`
	ModelID   string           `json:"model_id" binding:"required"`
	ModelType string           `json:"model_type"`
	Items     []EmbeddingInput `json:"items" binding:"required"`
}

// RecordEmbeddingBatch 写入一批向量化事件，并以增量方式更新日聚合
// 聚合更新在保存点中进行，失败不影响事件写入；行已由重算维护时改为推迟重算
func (s *Service) RecordEmbeddingBatch(ctx context.Context, batch *EmbeddingBatch) ([]*model.EmbeddingGeneration, error) {
	if batch.UserID == "" || batch.Type == "" || batch.ModelID == "" {
		return nil, fmt.Errorf("%w: user_id, type and model_id are required", errs.ErrInvalid)
	}
	if len(batch.Items) == 0 {
		return nil, nil
	}
	modelType := batch.ModelType
	if modelType == "" {
		modelType = "embedding"
	}

	now := s.now()
	events := make([]*model.EmbeddingGeneration, 0, len(batch.Items))
	deltas := make(map[model.RollupKey]*rollup.Delta)
	chats := make(map[model.RollupKey]map[string]struct{})
	var order []model.RollupKey

	for _, item := range batch.Items {
		facts := usage.Extract(usage.Decode(item.Usage))
		ev := &model.EmbeddingGeneration{
			ID:              uuid.New().String(),
			UserID:          batch.UserID,
			ChatID:          item.ChatID,
			MessageID:       item.MessageID,
			KnowledgeBaseID: item.KnowledgeBaseID,
			Type:            batch.Type,
			Engine:          batch.Engine,
			ModelID:         batch.ModelID,
			ModelType:       modelType,
			InputTokens:     facts.Input,
			Cost:            facts.Cost,
			Usage:           item.Usage,
			CreatedAt:       item.CreatedAt,
		}
		if ev.CreatedAt == 0 {
			ev.CreatedAt = now
		}
		events = append(events, ev)

		key := model.RollupKey{
			UserID:    ev.UserID,
			Date:      model.DateOf(ev.CreatedAt),
			Category:  ev.Type,
			ModelID:   ev.ModelID,
			ModelType: ev.ModelType,
		}
		d, ok := deltas[key]
		if !ok {
			d = &rollup.Delta{}
			deltas[key] = d
			chats[key] = make(map[string]struct{})
			order = append(order, key)
		}
		d.Count++
		if facts.Cost.Valid {
			d.Cost = d.Cost.Add(facts.Cost.Decimal)
		}
		if facts.Input != nil {
			d.InputTokens += *facts.Input
		}
		if ev.ChatID != nil && *ev.ChatID != "" {
			chats[key][*ev.ChatID] = struct{}{}
		}
	}

	var deferred []rollup.DirtyKey
	err := s.repo.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Generation.WithTx(tx).CreateEmbeddings(ctx, events); err != nil {
			return fmt.Errorf("failed to record embeddings: %w", err)
		}
		if s.rollups == nil {
			return nil
		}
		engine := s.rollups.WithTx(tx)
		for _, key := range order {
			d := deltas[key]
			d.DistinctChats = int64(len(chats[key]))
			err := engine.UpsertEmbeddingDelta(ctx, key, *d)
			switch {
			case err == nil:
			case errors.Is(err, errs.ErrModeConflict):
				deferred = append(deferred, rollup.DirtyKey{Flavor: rollup.FlavorEmbedding, RollupKey: key})
			default:
				observability.RollupFailures.WithLabelValues(string(rollup.FlavorEmbedding)).Inc()
				s.logger.Error("embedding rollup upsert failed", "key", key, "error", err)
				deferred = append(deferred, rollup.DirtyKey{Flavor: rollup.FlavorEmbedding, RollupKey: key})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.deferKeys(ctx, deferred)
	return events, nil
}

// EmbeddingRecord 单次向量化调用
type EmbeddingRecord struct {
	UserID    string `json:"user_id" binding:"required"`
	Type      string `json:"type" binding:"required"`
	Engine    string `json:"engine"`
	ModelID   string `json:"model_id" binding:"required"`
	ModelType string `json:"model_type"`
	EmbeddingInput
}

// RecordEmbedding 写入单次向量化事件，聚合键交给后台重算
func (s *Service) RecordEmbedding(ctx context.Context, rec *EmbeddingRecord) (*model.EmbeddingGeneration, error) {
	if rec.UserID == "" || rec.Type == "" || rec.ModelID == "" {
		return nil, fmt.Errorf("%w: user_id, type and model_id are required", errs.ErrInvalid)
	}
	modelType := rec.ModelType
	if modelType == "" {
		modelType = "embedding"
	}
	in := rec.EmbeddingInput
	facts := usage.Extract(usage.Decode(in.Usage))
	ev := &model.EmbeddingGeneration{
		ID:              uuid.New().String(),
		UserID:          rec.UserID,
		ChatID:          in.ChatID,
		MessageID:       in.MessageID,
		KnowledgeBaseID: in.KnowledgeBaseID,
		Type:            rec.Type,
		Engine:          rec.Engine,
		ModelID:         rec.ModelID,
		ModelType:       modelType,
		InputTokens:     facts.Input,
		Cost:            facts.Cost,
		Usage:           in.Usage,
		CreatedAt:       in.CreatedAt,
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = s.now()
	}
	if err := s.repo.Generation.CreateEmbeddings(ctx, []*model.EmbeddingGeneration{ev}); err != nil {
		return nil, fmt.Errorf("failed to record embedding: %w", err)
	}

	s.deferKeys(ctx, []rollup.DirtyKey{{
		Flavor: rollup.FlavorEmbedding,
		RollupKey: model.RollupKey{
			UserID:    ev.UserID,
			Date:      model.DateOf(ev.CreatedAt),
			Category:  ev.Type,
			ModelID:   ev.ModelID,
			ModelType: ev.ModelType,
		},
	}})
	return ev, nil
}

// TaskInput 一次任务生成
type TaskInput struct {
	UserID    string         `json:"user_id" binding:"required"`
	ChatID    *string        `json:"chat_id"`
	MessageID *string        `json:"message_id"`
	Category  string         `json:"category" binding:"required"`
	ModelID   string         `json:"model_id" binding:"required"`
	ModelType string         `json:"model_type"`
	Prompt    string         `json:"prompt"`
	Success   bool           `json:"success"`
	Response  string         `json:"response"`
	Error     string         `json:"error"`
	Usage     datatypes.JSON `json:"usage"`
	CreatedAt int64          `json:"created_at"`
}

// RecordTask 写入任务生成事件，聚合键交给后台重算
// 逐条记录的事件只走重算，避免增量与并发写入相互叠加
func (s *Service) RecordTask(ctx context.Context, in *TaskInput) (*model.TaskGeneration, error) {
	if in.UserID == "" || in.Category == "" || in.ModelID == "" {
		return nil, fmt.Errorf("%w: user_id, category and model_id are required", errs.ErrInvalid)
	}
	if in.Category == model.CategoryChatMessage {
		return nil, fmt.Errorf("%w: category %q is reserved", errs.ErrInvalid, in.Category)
	}

	facts := usage.Extract(usage.Decode(in.Usage))
	ev := &model.TaskGeneration{
		ID:              uuid.New().String(),
		UserID:          in.UserID,
		ChatID:          in.ChatID,
		MessageID:       in.MessageID,
		Category:        in.Category,
		ModelID:         in.ModelID,
		ModelType:       in.ModelType,
		Success:         in.Success,
		Response:        in.Response,
		Error:           in.Error,
		InputTokens:     facts.Input,
		OutputTokens:    facts.Output,
		ReasoningTokens: facts.Reasoning,
		Cost:            facts.Cost,
		Usage:           in.Usage,
		CreatedAt:       in.CreatedAt,
	}
	if ev.ModelType == "" {
		ev.ModelType = "chat"
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = s.now()
	}

	err := s.repo.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		gens := s.repo.Generation.WithTx(tx)
		if strings.TrimSpace(in.Prompt) != "" {
			tpl, err := gens.EnsurePromptTemplate(ctx, &model.PromptTemplate{
				ID:        uuid.New().String(),
				Hash:      PromptHash(in.Prompt),
				Content:   in.Prompt,
				CreatedAt: ev.CreatedAt,
			})
			if err != nil {
				return fmt.Errorf("failed to store prompt template: %w", err)
			}
			ev.PromptTemplateID = &tpl.ID
		}
		if err := gens.CreateTask(ctx, ev); err != nil {
			return fmt.Errorf("failed to record task generation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.deferKeys(ctx, []rollup.DirtyKey{{
		Flavor: rollup.FlavorTask,
		RollupKey: model.RollupKey{
			UserID:    ev.UserID,
			Date:      model.DateOf(ev.CreatedAt),
			Category:  ev.Category,
			ModelID:   ev.ModelID,
			ModelType: ev.ModelType,
		},
	}})
	return ev, nil
}

// TaskDetail 任务生成事件及其提示词模板
type TaskDetail struct {
	*model.TaskGeneration
	PromptTemplate *model.PromptTemplate `json:"prompt_template,omitempty"`
}

// GetTask 获取任务生成事件，关联的提示词模板一并返回
func (s *Service) GetTask(ctx context.Context, id string) (*TaskDetail, error) {
	ev, err := s.repo.Generation.GetTaskByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("task generation %s: %w", id, err)
	}
	detail := &TaskDetail{TaskGeneration: ev}
	if ev.PromptTemplateID != nil {
		tpl, err := s.repo.Generation.GetPromptTemplate(ctx, *ev.PromptTemplateID)
		if err != nil {
			return nil, fmt.Errorf("prompt template %s: %w", *ev.PromptTemplateID, err)
		}
		detail.PromptTemplate = tpl
	}
	return detail, nil
}

// PromptHash 规范化提示词后的 SHA-256
// 规范化：统一换行、去除每行行尾空白与首尾空行
func PromptHash(prompt string) string {
	text := strings.ReplaceAll(prompt, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	normalized := strings.Trim(strings.Join(lines, "\n"), "\n")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func (s *Service) deferKeys(ctx context.Context, keys []rollup.DirtyKey) {
	if len(keys) == 0 || s.rollups == nil {
		return
	}
	if err := s.rollups.Defer(ctx, keys...); err != nil {
		observability.RollupFailures.WithLabelValues("defer").Inc()
		s.logger.Error("failed to defer rollup keys", "count", len(keys), "error", err)
	}
}
