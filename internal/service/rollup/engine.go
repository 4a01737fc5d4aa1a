// Package rollup 维护向量化、任务生成与消息成本的日聚合
//
// 两种更新方式：增量 upsert 把预聚合的增量加到行上；整窗重算扫描当天全部事件并覆盖计数器。
// 行 ID 是键元组的确定性哈希。每行记录最后一次的更新方式，增量写入不会叠加到重算行上。
package rollup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ashwinyue/next-chatlog/internal/errs"
	"github.com/ashwinyue/next-chatlog/internal/model"
	"github.com/ashwinyue/next-chatlog/internal/observability"
	"github.com/ashwinyue/next-chatlog/internal/pkg/logger"
	"github.com/ashwinyue/next-chatlog/internal/repository"
)

// Delta 一批预聚合事件的增量
type Delta struct {
	Count           int64
	Cost            decimal.Decimal
	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
	DistinctChats   int64
}

// Engine 聚合引擎
type Engine struct {
	repo        *repository.Repositories
	queue       DirtyQueue
	logger      *logger.Logger
	concurrency int
	now         func() int64
}

// NewEngine 创建聚合引擎
func NewEngine(repo *repository.Repositories, queue DirtyQueue, log *logger.Logger, concurrency int) *Engine {
	if queue == nil {
		queue = NewMemoryQueue()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Engine{
		repo:        repo,
		queue:       queue,
		logger:      log.With("service", "rollup"),
		concurrency: concurrency,
		now:         func() int64 { return time.Now().Unix() },
	}
}

// WithTx 返回绑定到事务的引擎副本，内部事务变为保存点
func (e *Engine) WithTx(tx *gorm.DB) *Engine {
	cp := *e
	cp.repo = repository.NewRepositories(tx)
	return &cp
}

// RowID 键元组的确定性行 ID
func RowID(key model.RollupKey) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		key.UserID, key.Date, key.Category, key.ModelID, key.ModelType,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

func validateKey(key model.RollupKey) error {
	if key.UserID == "" || key.Category == "" || key.ModelID == "" {
		return fmt.Errorf("%w: incomplete rollup key %+v", errs.ErrInvalid, key)
	}
	if _, _, err := model.DayWindow(key.Date); err != nil {
		return fmt.Errorf("%w: rollup date %q", errs.ErrInvalid, key.Date)
	}
	return nil
}

// ========== 增量 upsert ==========

// UpsertEmbeddingDelta 在单个事务中创建或累加向量化聚合行
// 行已由重算维护时返回 errs.ErrModeConflict
func (e *Engine) UpsertEmbeddingDelta(ctx context.Context, key model.RollupKey, d Delta) error {
	if err := validateKey(key); err != nil {
		return err
	}
	id := RowID(key)
	now := e.now()

	return e.repo.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rollups := e.repo.Rollup.WithTx(tx)

		row, err := rollups.LockEmbeddingRollup(ctx, id)
		if errors.Is(err, errs.ErrNotFound) {
			var inserted bool
			inserted, err = rollups.InsertEmbeddingRollupIfAbsent(ctx, &model.EmbeddingDailyRollup{
				ID:                id,
				UserID:            key.UserID,
				Date:              key.Date,
				Category:          key.Category,
				ModelID:           key.ModelID,
				ModelType:         key.ModelType,
				TaskCount:         d.Count,
				TotalCost:         d.Cost.Round(8),
				TotalInputTokens:  d.InputTokens,
				DistinctChatCount: d.DistinctChats,
				UpdateMode:        model.UpdateModeIncremental,
				CreatedAt:         now,
				UpdatedAt:         now,
			})
			if err != nil || inserted {
				return err
			}
			// 并发写入者先插入了该行
			row, err = rollups.LockEmbeddingRollup(ctx, id)
		}
		if err != nil {
			return err
		}
		if row.UpdateMode == model.UpdateModeRecompute {
			return fmt.Errorf("embedding rollup %s: %w", id, errs.ErrModeConflict)
		}

		row.TaskCount += d.Count
		row.TotalCost = row.TotalCost.Add(d.Cost).Round(8)
		row.TotalInputTokens += d.InputTokens
		row.DistinctChatCount += d.DistinctChats
		row.UpdatedAt = now
		return rollups.UpdateEmbeddingCounters(ctx, row)
	})
}

// UpsertTaskDelta 在单个事务中创建或累加任务聚合行
func (e *Engine) UpsertTaskDelta(ctx context.Context, key model.RollupKey, d Delta) error {
	if err := validateKey(key); err != nil {
		return err
	}
	id := RowID(key)
	now := e.now()

	return e.repo.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rollups := e.repo.Rollup.WithTx(tx)

		row, err := rollups.LockTaskRollup(ctx, id)
		if errors.Is(err, errs.ErrNotFound) {
			var inserted bool
			inserted, err = rollups.InsertTaskRollupIfAbsent(ctx, &model.TaskDailyRollup{
				ID:                   id,
				UserID:               key.UserID,
				Date:                 key.Date,
				Category:             key.Category,
				ModelID:              key.ModelID,
				ModelType:            key.ModelType,
				TaskCount:            d.Count,
				TotalCost:            d.Cost.Round(8),
				TotalInputTokens:     d.InputTokens,
				TotalOutputTokens:    d.OutputTokens,
				TotalReasoningTokens: d.ReasoningTokens,
				DistinctChatCount:    d.DistinctChats,
				UpdateMode:           model.UpdateModeIncremental,
				CreatedAt:            now,
				UpdatedAt:            now,
			})
			if err != nil || inserted {
				return err
			}
			row, err = rollups.LockTaskRollup(ctx, id)
		}
		if err != nil {
			return err
		}
		if row.UpdateMode == model.UpdateModeRecompute {
			return fmt.Errorf("task rollup %s: %w", id, errs.ErrModeConflict)
		}

		row.TaskCount += d.Count
		row.TotalCost = row.TotalCost.Add(d.Cost).Round(8)
		row.TotalInputTokens += d.InputTokens
		row.TotalOutputTokens += d.OutputTokens
		row.TotalReasoningTokens += d.ReasoningTokens
		row.DistinctChatCount += d.DistinctChats
		row.UpdatedAt = now
		return rollups.UpdateTaskCounters(ctx, row)
	})
}

// ========== 整窗重算 ==========

// RecomputeEmbedding 扫描当天的向量化事件并覆盖聚合行
// 窗口内没有事件时不改动已有行
func (e *Engine) RecomputeEmbedding(ctx context.Context, key model.RollupKey) error {
	if err := validateKey(key); err != nil {
		return err
	}
	start, end, _ := model.DayWindow(key.Date)

	return e.repo.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rollups := e.repo.Rollup.WithTx(tx)
		agg, err := rollups.AggregateEmbeddings(ctx, key, start, end)
		if err != nil {
			return fmt.Errorf("failed to scan embedding events: %w", err)
		}
		if agg.Count == 0 {
			return nil
		}
		now := e.now()
		return rollups.OverwriteEmbeddingRollup(ctx, &model.EmbeddingDailyRollup{
			ID:                RowID(key),
			UserID:            key.UserID,
			Date:              key.Date,
			Category:          key.Category,
			ModelID:           key.ModelID,
			ModelType:         key.ModelType,
			TaskCount:         agg.Count,
			TotalCost:         aggregateCost(agg),
			TotalInputTokens:  agg.InputTokens,
			DistinctChatCount: agg.DistinctChats,
			UpdateMode:        model.UpdateModeRecompute,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	})
}

// RecomputeTask 扫描当天的任务生成事件并覆盖聚合行
func (e *Engine) RecomputeTask(ctx context.Context, key model.RollupKey) error {
	if err := validateKey(key); err != nil {
		return err
	}
	start, end, _ := model.DayWindow(key.Date)

	return e.repo.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rollups := e.repo.Rollup.WithTx(tx)
		agg, err := rollups.AggregateTasks(ctx, key, start, end)
		if err != nil {
			return fmt.Errorf("failed to scan task events: %w", err)
		}
		return e.overwriteTask(ctx, rollups, key, agg)
	})
}

// RecomputeMessage 扫描当天该用户该模型的助手消息并覆盖聚合行
func (e *Engine) RecomputeMessage(ctx context.Context, key model.RollupKey) error {
	key.Category = model.CategoryChatMessage
	key.ModelType = model.ModelTypeChat
	if err := validateKey(key); err != nil {
		return err
	}
	start, end, _ := model.DayWindow(key.Date)

	return e.repo.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rollups := e.repo.Rollup.WithTx(tx)
		agg, err := rollups.AggregateChatMessages(ctx, key, start, end)
		if err != nil {
			return fmt.Errorf("failed to scan chat messages: %w", err)
		}
		return e.overwriteTask(ctx, rollups, key, agg)
	})
}

func (e *Engine) overwriteTask(ctx context.Context, rollups *repository.RollupRepository, key model.RollupKey, agg *repository.Aggregate) error {
	if agg.Count == 0 {
		return nil
	}
	now := e.now()
	return rollups.OverwriteTaskRollup(ctx, &model.TaskDailyRollup{
		ID:                   RowID(key),
		UserID:               key.UserID,
		Date:                 key.Date,
		Category:             key.Category,
		ModelID:              key.ModelID,
		ModelType:            key.ModelType,
		TaskCount:            agg.Count,
		TotalCost:            aggregateCost(agg),
		TotalInputTokens:     agg.InputTokens,
		TotalOutputTokens:    agg.OutputTokens,
		TotalReasoningTokens: agg.ReasoningTokens,
		DistinctChatCount:    agg.DistinctChats,
		UpdateMode:           model.UpdateModeRecompute,
		CreatedAt:            now,
		UpdatedAt:            now,
	})
}

// aggregateCost SQLite 以浮点求和，统一舍入到 8 位小数
func aggregateCost(agg *repository.Aggregate) decimal.Decimal {
	if !agg.Cost.Valid {
		return decimal.Zero
	}
	return agg.Cost.Decimal.Round(8)
}

// Recompute 按来源重算一个键
func (e *Engine) Recompute(ctx context.Context, k DirtyKey) error {
	switch k.Flavor {
	case FlavorEmbedding:
		return e.RecomputeEmbedding(ctx, k.RollupKey)
	case FlavorTask:
		return e.RecomputeTask(ctx, k.RollupKey)
	case FlavorMessage:
		return e.RecomputeMessage(ctx, k.RollupKey)
	}
	return fmt.Errorf("%w: unknown rollup flavor %q", errs.ErrInvalid, k.Flavor)
}

// ========== 推迟与消息聚合接口 ==========

// Defer 把键交给后台对账
func (e *Engine) Defer(ctx context.Context, keys ...DirtyKey) error {
	if len(keys) == 0 {
		return nil
	}
	if err := e.queue.Mark(ctx, keys...); err != nil {
		return err
	}
	observability.RollupDeferred.Add(float64(len(keys)))
	return nil
}

// RecomputeMessageRollup 在调用方事务中重算消息聚合
func (e *Engine) RecomputeMessageRollup(ctx context.Context, tx *gorm.DB, key model.RollupKey) error {
	return e.WithTx(tx).RecomputeMessage(ctx, key)
}

// DeferMessageRollup 推迟消息聚合的重算
func (e *Engine) DeferMessageRollup(ctx context.Context, key model.RollupKey) error {
	return e.Defer(ctx, DirtyKey{Flavor: FlavorMessage, RollupKey: key})
}
