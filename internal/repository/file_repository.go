package repository

import (
	"context"

	"github.com/ashwinyue/next-chatlog/internal/errs"
	"github.com/ashwinyue/next-chatlog/internal/model"
	"gorm.io/gorm"
)

// FileRepository 文件仓库
type FileRepository struct {
	db *gorm.DB
}

// NewFileRepository 创建文件仓库
func NewFileRepository(db *gorm.DB) *FileRepository {
	return &FileRepository{db: db}
}

// Create 创建文件记录
func (r *FileRepository) Create(ctx context.Context, file *model.StoredFile) error {
	return errs.FromDB(r.db.WithContext(ctx).Create(file).Error)
}

// GetByID 根据ID获取文件
func (r *FileRepository) GetByID(ctx context.Context, id string) (*model.StoredFile, error) {
	var file model.StoredFile
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&file).Error; err != nil {
		return nil, errs.FromDB(err)
	}
	return &file, nil
}

// FindByHash 按内容哈希与内容类型查找已存储文件
func (r *FileRepository) FindByHash(ctx context.Context, hash, contentType string) (*model.StoredFile, error) {
	var file model.StoredFile
	err := r.db.WithContext(ctx).
		Where("hash = ? AND content_type = ?", hash, contentType).
		First(&file).Error
	if err != nil {
		return nil, errs.FromDB(err)
	}
	return &file, nil
}
