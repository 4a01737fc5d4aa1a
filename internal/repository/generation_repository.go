package repository

import (
	"context"

	"github.com/ashwinyue/next-chatlog/internal/errs"
	"github.com/ashwinyue/next-chatlog/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GenerationRepository 生成事件仓库（只追加）
type GenerationRepository struct {
	db *gorm.DB
}

// NewGenerationRepository 创建生成事件仓库
func NewGenerationRepository(db *gorm.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

// WithTx 返回绑定到事务的仓库副本
func (r *GenerationRepository) WithTx(tx *gorm.DB) *GenerationRepository {
	return &GenerationRepository{db: tx}
}

// CreateEmbeddings 批量写入向量化事件
func (r *GenerationRepository) CreateEmbeddings(ctx context.Context, events []*model.EmbeddingGeneration) error {
	if len(events) == 0 {
		return nil
	}
	return errs.FromDB(r.db.WithContext(ctx).Create(&events).Error)
}

// CreateTask 写入任务生成事件
func (r *GenerationRepository) CreateTask(ctx context.Context, event *model.TaskGeneration) error {
	return errs.FromDB(r.db.WithContext(ctx).Create(event).Error)
}

// GetTaskByID 获取任务生成事件
func (r *GenerationRepository) GetTaskByID(ctx context.Context, id string) (*model.TaskGeneration, error) {
	var event model.TaskGeneration
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error; err != nil {
		return nil, errs.FromDB(err)
	}
	return &event, nil
}

// EnsurePromptTemplate 按哈希获取或创建提示词模板
// 并发创建同一哈希时，以先提交者为准
func (r *GenerationRepository) EnsurePromptTemplate(ctx context.Context, tpl *model.PromptTemplate) (*model.PromptTemplate, error) {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "hash"}}, DoNothing: true}).
		Create(tpl).Error
	if err != nil {
		return nil, errs.FromDB(err)
	}
	var stored model.PromptTemplate
	if err := r.db.WithContext(ctx).Where("hash = ?", tpl.Hash).First(&stored).Error; err != nil {
		return nil, errs.FromDB(err)
	}
	return &stored, nil
}

// GetPromptTemplate 获取提示词模板
func (r *GenerationRepository) GetPromptTemplate(ctx context.Context, id string) (*model.PromptTemplate, error) {
	var tpl model.PromptTemplate
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&tpl).Error; err != nil {
		return nil, errs.FromDB(err)
	}
	return &tpl, nil
}
