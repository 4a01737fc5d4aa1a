package rollup

import (
	"context"
	"fmt"

	"github.com/ashwinyue/next-chatlog/internal/model"
	"github.com/ashwinyue/next-chatlog/internal/repository"
)

// ListEmbeddingRollups 按用户、日期区间、类别、模型查询向量化聚合
func (e *Engine) ListEmbeddingRollups(ctx context.Context, q repository.RollupQuery) ([]*model.EmbeddingDailyRollup, error) {
	rows, err := e.repo.Rollup.ListEmbeddingRollups(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list embedding rollups: %w", err)
	}
	return rows, nil
}

// ListTaskRollups 按用户、日期区间、类别、模型查询任务聚合
func (e *Engine) ListTaskRollups(ctx context.Context, q repository.RollupQuery) ([]*model.TaskDailyRollup, error) {
	rows, err := e.repo.Rollup.ListTaskRollups(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list task rollups: %w", err)
	}
	return rows, nil
}

// SumTaskRollups 合计区间内的任务聚合
func (e *Engine) SumTaskRollups(ctx context.Context, q repository.RollupQuery) (*repository.TaskTotals, error) {
	totals, err := e.repo.Rollup.SumTaskRollups(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to sum task rollups: %w", err)
	}
	return totals, nil
}
