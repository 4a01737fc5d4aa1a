package rollup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashwinyue/next-chatlog/internal/errs"
	"github.com/ashwinyue/next-chatlog/internal/model"
	"github.com/ashwinyue/next-chatlog/internal/observability"
)

// SweepSummary 批量重算结果
type SweepSummary struct {
	Keys   int `json:"keys"`
	Failed int `json:"failed"`
}

// Reconcile 取出至多 max 个待重算键并行重算
// 失败的键重新入队，下次对账再试
func (e *Engine) Reconcile(ctx context.Context, max int) (SweepSummary, error) {
	keys, err := e.queue.Drain(ctx, max)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("failed to drain dirty keys: %w", err)
	}
	if len(keys) == 0 {
		return SweepSummary{}, nil
	}

	failed := e.recomputeAll(ctx, keys)
	if len(failed) > 0 {
		if err := e.queue.Mark(ctx, failed...); err != nil {
			e.logger.Error("failed to requeue rollup keys", "count", len(failed), "error", err)
		}
	}
	e.logger.Info("rollup reconcile finished", "keys", len(keys), "failed", len(failed))
	return SweepSummary{Keys: len(keys), Failed: len(failed)}, ctx.Err()
}

// RecomputeDay 重算某个 UTC 日期内出现过的全部键
// 重算是幂等覆盖，中断后重跑即可
func (e *Engine) RecomputeDay(ctx context.Context, date string) (SweepSummary, error) {
	start, end, err := model.DayWindow(date)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("%w: invalid date %q: %v", errs.ErrInvalid, date, err)
	}

	var keys []DirtyKey
	embKeys, err := e.repo.Rollup.DistinctEmbeddingKeys(ctx, start, end)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("failed to list embedding keys: %w", err)
	}
	for _, k := range embKeys {
		k.Date = date
		keys = append(keys, DirtyKey{Flavor: FlavorEmbedding, RollupKey: k})
	}

	taskKeys, err := e.repo.Rollup.DistinctTaskKeys(ctx, start, end)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("failed to list task keys: %w", err)
	}
	for _, k := range taskKeys {
		k.Date = date
		keys = append(keys, DirtyKey{Flavor: FlavorTask, RollupKey: k})
	}

	msgKeys, err := e.repo.Rollup.DistinctChatMessageKeys(ctx, start, end)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("failed to list message keys: %w", err)
	}
	for _, k := range msgKeys {
		k.Date = date
		k.Category = model.CategoryChatMessage
		k.ModelType = model.ModelTypeChat
		keys = append(keys, DirtyKey{Flavor: FlavorMessage, RollupKey: k})
	}

	failed := e.recomputeAll(ctx, keys)
	e.logger.Info("rollup day sweep finished", "date", date, "keys", len(keys), "failed", len(failed))
	return SweepSummary{Keys: len(keys), Failed: len(failed)}, ctx.Err()
}

// recomputeAll 有界并行重算，单个键失败不影响其他键
func (e *Engine) recomputeAll(ctx context.Context, keys []DirtyKey) []DirtyKey {
	var (
		mu     sync.Mutex
		failed []DirtyKey
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, k := range keys {
		k := k
		g.Go(func() error {
			if err := e.Recompute(gctx, k); err != nil {
				observability.RollupFailures.WithLabelValues(string(k.Flavor)).Inc()
				e.logger.Warn("rollup recompute failed",
					"flavor", k.Flavor, "user_id", k.UserID, "date", k.Date,
					"category", k.Category, "model_id", k.ModelID, "error", err)
				mu.Lock()
				failed = append(failed, k)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// RunReconciler 按固定间隔对账，直到 ctx 结束
func (e *Engine) RunReconciler(ctx context.Context, interval time.Duration, batch int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("rollup reconciler started", "interval", interval, "batch", batch)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("rollup reconciler stopped")
			return
		case <-ticker.C:
			if _, err := e.Reconcile(ctx, batch); err != nil && ctx.Err() == nil {
				e.logger.Error("rollup reconcile failed", "error", err)
			}
		}
	}
}
