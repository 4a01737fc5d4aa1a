package model

import (
	"gorm.io/datatypes"
)

// 文件类别
const (
	FileCategoryChat             = "chat"
	FileCategoryModelImage       = "model-image"
	FileCategoryUserProfileImage = "user-profile-image"
	FileCategoryUserBackground   = "user-background-image"
)

// IsFileCategory 判断是否为已知文件类别，类别同时是存储目录名
func IsFileCategory(category string) bool {
	switch category {
	case FileCategoryChat, FileCategoryModelImage, FileCategoryUserProfileImage, FileCategoryUserBackground:
		return true
	}
	return false
}

// StoredFile 内容寻址存储的文件信息
// (hash, content_type) 是去重键
type StoredFile struct {
	ID          string         `json:"id" gorm:"primaryKey;size:36"`
	UserID      string         `json:"user_id" gorm:"index;size:36"`
	Hash        string         `json:"hash" gorm:"size:64;not null;uniqueIndex:idx_file_hash_content_type,priority:1"`
	ContentType string         `json:"content_type" gorm:"size:128;not null;uniqueIndex:idx_file_hash_content_type,priority:2"`
	Filename    string         `json:"filename" gorm:"size:255"`
	Path        string         `json:"path" gorm:"size:500"`        // 存储后端中的相对路径
	StorageType string         `json:"storage_type" gorm:"size:20"` // local, minio
	Meta        datatypes.JSON `json:"meta"`                        // content_type, size, category
	CreatedAt   int64          `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   int64          `json:"updated_at" gorm:"autoUpdateTime"`
}

// FileMeta StoredFile.Meta 的结构
type FileMeta struct {
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Category    string `json:"category"`
}

// TableName 指定表名
func (StoredFile) TableName() string {
	return "stored_files"
}
