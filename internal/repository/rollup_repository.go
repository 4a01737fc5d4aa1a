package repository

import (
	"context"

	"github.com/ashwinyue/next-chatlog/internal/errs"
	"github.com/ashwinyue/next-chatlog/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RollupRepository 日聚合仓库
type RollupRepository struct {
	db *gorm.DB
}

// NewRollupRepository 创建日聚合仓库
func NewRollupRepository(db *gorm.DB) *RollupRepository {
	return &RollupRepository{db: db}
}

// WithTx 返回绑定到事务的仓库副本
func (r *RollupRepository) WithTx(tx *gorm.DB) *RollupRepository {
	return &RollupRepository{db: tx}
}

// Aggregate 一个时间窗口内的事件汇总
type Aggregate struct {
	Count           int64               `gorm:"column:event_count"`
	Cost            decimal.NullDecimal `gorm:"column:total_cost"`
	InputTokens     int64               `gorm:"column:input_tokens"`
	OutputTokens    int64               `gorm:"column:output_tokens"`
	ReasoningTokens int64               `gorm:"column:reasoning_tokens"`
	DistinctChats   int64               `gorm:"column:distinct_chats"`
}

// RollupQuery 聚合查询条件，日期为闭区间
type RollupQuery struct {
	UserID   string
	FromDate string
	ToDate   string
	Category string
	ModelID  string
}

// ========== 窗口扫描 ==========

// AggregateEmbeddings 汇总窗口 [start, end) 内匹配键的向量化事件
func (r *RollupRepository) AggregateEmbeddings(ctx context.Context, key model.RollupKey, start, end int64) (*Aggregate, error) {
	var agg Aggregate
	err := r.db.WithContext(ctx).Model(&model.EmbeddingGeneration{}).
		Select(`COUNT(*) AS event_count,
			SUM(cost) AS total_cost,
			COALESCE(SUM(input_tokens), 0) AS input_tokens,
			COUNT(DISTINCT chat_id) AS distinct_chats`).
		Where("user_id = ? AND type = ? AND model_id = ? AND model_type = ?",
			key.UserID, key.Category, key.ModelID, key.ModelType).
		Where("created_at >= ? AND created_at < ?", start, end).
		Scan(&agg).Error
	return &agg, errs.FromDB(err)
}

// AggregateTasks 汇总窗口 [start, end) 内匹配键的任务生成事件
func (r *RollupRepository) AggregateTasks(ctx context.Context, key model.RollupKey, start, end int64) (*Aggregate, error) {
	var agg Aggregate
	err := r.db.WithContext(ctx).Model(&model.TaskGeneration{}).
		Select(`COUNT(*) AS event_count,
			SUM(cost) AS total_cost,
			COALESCE(SUM(input_tokens), 0) AS input_tokens,
			COALESCE(SUM(output_tokens), 0) AS output_tokens,
			COALESCE(SUM(reasoning_tokens), 0) AS reasoning_tokens,
			COUNT(DISTINCT chat_id) AS distinct_chats`).
		Where("user_id = ? AND category = ? AND model_id = ? AND model_type = ?",
			key.UserID, key.Category, key.ModelID, key.ModelType).
		Where("created_at >= ? AND created_at < ?", start, end).
		Scan(&agg).Error
	return &agg, errs.FromDB(err)
}

// AggregateChatMessages 汇总窗口内某用户某模型的助手消息
func (r *RollupRepository) AggregateChatMessages(ctx context.Context, key model.RollupKey, start, end int64) (*Aggregate, error) {
	var agg Aggregate
	err := r.db.WithContext(ctx).Table("messages").
		Joins("JOIN chats ON chats.id = messages.chat_id").
		Select(`COUNT(*) AS event_count,
			SUM(messages.cost) AS total_cost,
			COALESCE(SUM(messages.input_tokens), 0) AS input_tokens,
			COALESCE(SUM(messages.output_tokens), 0) AS output_tokens,
			COALESCE(SUM(messages.reasoning_tokens), 0) AS reasoning_tokens,
			COUNT(DISTINCT messages.chat_id) AS distinct_chats`).
		Where("chats.user_id = ? AND messages.role = ? AND messages.model_id = ?",
			key.UserID, model.RoleAssistant, key.ModelID).
		Where("messages.created_at >= ? AND messages.created_at < ?", start, end).
		Scan(&agg).Error
	return &agg, errs.FromDB(err)
}

// DistinctEmbeddingKeys 列出窗口内出现过的向量化聚合键
func (r *RollupRepository) DistinctEmbeddingKeys(ctx context.Context, start, end int64) ([]model.RollupKey, error) {
	var keys []model.RollupKey
	err := r.db.WithContext(ctx).Model(&model.EmbeddingGeneration{}).
		Distinct("user_id", "type AS category", "model_id", "model_type").
		Where("created_at >= ? AND created_at < ?", start, end).
		Scan(&keys).Error
	return keys, errs.FromDB(err)
}

// DistinctTaskKeys 列出窗口内出现过的任务聚合键
func (r *RollupRepository) DistinctTaskKeys(ctx context.Context, start, end int64) ([]model.RollupKey, error) {
	var keys []model.RollupKey
	err := r.db.WithContext(ctx).Model(&model.TaskGeneration{}).
		Distinct("user_id", "category", "model_id", "model_type").
		Where("created_at >= ? AND created_at < ?", start, end).
		Scan(&keys).Error
	return keys, errs.FromDB(err)
}

// DistinctChatMessageKeys 列出窗口内出现过的消息绑定聚合键（不含日期与类别）
func (r *RollupRepository) DistinctChatMessageKeys(ctx context.Context, start, end int64) ([]model.RollupKey, error) {
	var keys []model.RollupKey
	err := r.db.WithContext(ctx).Table("messages").
		Joins("JOIN chats ON chats.id = messages.chat_id").
		Distinct("chats.user_id AS user_id", "messages.model_id AS model_id").
		Where("messages.role = ? AND messages.model_id <> ''", model.RoleAssistant).
		Where("messages.created_at >= ? AND messages.created_at < ?", start, end).
		Scan(&keys).Error
	return keys, errs.FromDB(err)
}

// ========== 聚合行 ==========

// LockEmbeddingRollup 在当前事务中锁定向量化聚合行
func (r *RollupRepository) LockEmbeddingRollup(ctx context.Context, id string) (*model.EmbeddingDailyRollup, error) {
	return lockRow[model.EmbeddingDailyRollup](ctx, r.db, id)
}

// LockTaskRollup 在当前事务中锁定任务聚合行
func (r *RollupRepository) LockTaskRollup(ctx context.Context, id string) (*model.TaskDailyRollup, error) {
	return lockRow[model.TaskDailyRollup](ctx, r.db, id)
}

// InsertEmbeddingRollupIfAbsent 插入聚合行，已存在时不做任何事
func (r *RollupRepository) InsertEmbeddingRollupIfAbsent(ctx context.Context, row *model.EmbeddingDailyRollup) (bool, error) {
	return insertIfAbsent(ctx, r.db, row)
}

// InsertTaskRollupIfAbsent 插入聚合行，已存在时不做任何事
func (r *RollupRepository) InsertTaskRollupIfAbsent(ctx context.Context, row *model.TaskDailyRollup) (bool, error) {
	return insertIfAbsent(ctx, r.db, row)
}

// UpdateEmbeddingCounters 写回向量化聚合行的计数器
func (r *RollupRepository) UpdateEmbeddingCounters(ctx context.Context, row *model.EmbeddingDailyRollup) error {
	return errs.FromDB(r.db.WithContext(ctx).Model(&model.EmbeddingDailyRollup{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"task_count":          row.TaskCount,
			"total_cost":          row.TotalCost,
			"total_input_tokens":  row.TotalInputTokens,
			"distinct_chat_count": row.DistinctChatCount,
			"update_mode":         row.UpdateMode,
			"updated_at":          row.UpdatedAt,
		}).Error)
}

// UpdateTaskCounters 写回任务聚合行的计数器
func (r *RollupRepository) UpdateTaskCounters(ctx context.Context, row *model.TaskDailyRollup) error {
	return errs.FromDB(r.db.WithContext(ctx).Model(&model.TaskDailyRollup{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"task_count":             row.TaskCount,
			"total_cost":             row.TotalCost,
			"total_input_tokens":     row.TotalInputTokens,
			"total_output_tokens":    row.TotalOutputTokens,
			"total_reasoning_tokens": row.TotalReasoningTokens,
			"distinct_chat_count":    row.DistinctChatCount,
			"update_mode":            row.UpdateMode,
			"updated_at":             row.UpdatedAt,
		}).Error)
}

var embeddingCounterColumns = []string{
	"task_count", "total_cost", "total_input_tokens", "distinct_chat_count", "update_mode", "updated_at",
}

var taskCounterColumns = []string{
	"task_count", "total_cost", "total_input_tokens", "total_output_tokens",
	"total_reasoning_tokens", "distinct_chat_count", "update_mode", "updated_at",
}

// OverwriteEmbeddingRollup 插入或覆盖向量化聚合行的计数器
func (r *RollupRepository) OverwriteEmbeddingRollup(ctx context.Context, row *model.EmbeddingDailyRollup) error {
	return errs.FromDB(r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(embeddingCounterColumns),
	}).Create(row).Error)
}

// OverwriteTaskRollup 插入或覆盖任务聚合行的计数器
func (r *RollupRepository) OverwriteTaskRollup(ctx context.Context, row *model.TaskDailyRollup) error {
	return errs.FromDB(r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(taskCounterColumns),
	}).Create(row).Error)
}

// GetEmbeddingRollup 获取向量化聚合行
func (r *RollupRepository) GetEmbeddingRollup(ctx context.Context, id string) (*model.EmbeddingDailyRollup, error) {
	var row model.EmbeddingDailyRollup
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, errs.FromDB(err)
	}
	return &row, nil
}

// GetTaskRollup 获取任务聚合行
func (r *RollupRepository) GetTaskRollup(ctx context.Context, id string) (*model.TaskDailyRollup, error) {
	var row model.TaskDailyRollup
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, errs.FromDB(err)
	}
	return &row, nil
}

// ========== 报表查询 ==========

// ListEmbeddingRollups 按条件列出向量化聚合行
func (r *RollupRepository) ListEmbeddingRollups(ctx context.Context, q RollupQuery) ([]*model.EmbeddingDailyRollup, error) {
	var rows []*model.EmbeddingDailyRollup
	err := applyRollupQuery(r.db.WithContext(ctx), q).
		Order("date ASC").Order("model_id ASC").
		Find(&rows).Error
	return rows, errs.FromDB(err)
}

// ListTaskRollups 按条件列出任务聚合行
func (r *RollupRepository) ListTaskRollups(ctx context.Context, q RollupQuery) ([]*model.TaskDailyRollup, error) {
	var rows []*model.TaskDailyRollup
	err := applyRollupQuery(r.db.WithContext(ctx), q).
		Order("date ASC").Order("model_id ASC").
		Find(&rows).Error
	return rows, errs.FromDB(err)
}

// TaskTotals 任务聚合区间合计
type TaskTotals struct {
	TaskCount            int64           `gorm:"column:task_count" json:"task_count"`
	TotalCost            decimal.Decimal `gorm:"column:total_cost" json:"total_cost"`
	TotalInputTokens     int64           `gorm:"column:total_input_tokens" json:"total_input_tokens"`
	TotalOutputTokens    int64           `gorm:"column:total_output_tokens" json:"total_output_tokens"`
	TotalReasoningTokens int64           `gorm:"column:total_reasoning_tokens" json:"total_reasoning_tokens"`
}

// SumTaskRollups 合计满足条件的任务聚合行
func (r *RollupRepository) SumTaskRollups(ctx context.Context, q RollupQuery) (*TaskTotals, error) {
	var totals TaskTotals
	err := applyRollupQuery(r.db.WithContext(ctx).Model(&model.TaskDailyRollup{}), q).
		Select(`COALESCE(SUM(task_count), 0) AS task_count,
			COALESCE(SUM(total_cost), 0) AS total_cost,
			COALESCE(SUM(total_input_tokens), 0) AS total_input_tokens,
			COALESCE(SUM(total_output_tokens), 0) AS total_output_tokens,
			COALESCE(SUM(total_reasoning_tokens), 0) AS total_reasoning_tokens`).
		Scan(&totals).Error
	if err != nil {
		return nil, errs.FromDB(err)
	}
	totals.TotalCost = totals.TotalCost.Round(8)
	return &totals, nil
}

func applyRollupQuery(db *gorm.DB, q RollupQuery) *gorm.DB {
	if q.UserID != "" {
		db = db.Where("user_id = ?", q.UserID)
	}
	if q.FromDate != "" {
		db = db.Where("date >= ?", q.FromDate)
	}
	if q.ToDate != "" {
		db = db.Where("date <= ?", q.ToDate)
	}
	if q.Category != "" {
		db = db.Where("category = ?", q.Category)
	}
	if q.ModelID != "" {
		db = db.Where("model_id = ?", q.ModelID)
	}
	return db
}

func lockRow[T any](ctx context.Context, db *gorm.DB, id string) (*T, error) {
	var row T
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&row).Error
	if err != nil {
		return nil, errs.FromDB(err)
	}
	return &row, nil
}

func insertIfAbsent[T any](ctx context.Context, db *gorm.DB, row *T) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row)
	if res.Error != nil {
		return false, errs.FromDB(res.Error)
	}
	return res.RowsAffected > 0, nil
}
