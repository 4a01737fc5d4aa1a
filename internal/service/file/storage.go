package file

import (
	"context"
	"fmt"
	"io"

	"github.com/ashwinyue/next-chatlog/internal/config"
)

// Storage 字节存储接口，路径由调用方按内容哈希决定
type Storage interface {
	// Save 把内容写入指定路径，已存在时覆盖（内容相同）
	Save(ctx context.Context, req *SaveRequest) (string, error)
	// Get 获取文件内容
	Get(ctx context.Context, filePath string) (io.ReadCloser, error)
	// GetURL 获取文件的访问URL（如果是对象存储）
	GetURL(filePath string) string
}

// SaveRequest 保存文件请求
type SaveRequest struct {
	Path        string // 相对路径: {category}/{hash}{ext}
	ContentType string
	Size        int64
	Reader      io.Reader
}

// StorageType 存储类型
type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeMinIO StorageType = "minio"
)

// NewStorageFromConfig 按配置创建字节存储后端
func NewStorageFromConfig(cfg *config.StorageConfig) (Storage, StorageType, error) {
	storageType := StorageType(cfg.Type)
	var (
		storage Storage
		err     error
	)

	switch storageType {
	case "", StorageTypeLocal:
		storageType = StorageTypeLocal
		basePath := cfg.BasePath
		if basePath == "" {
			basePath = "./data/uploads"
		}
		urlPrefix := cfg.URLPrefix
		if urlPrefix == "" {
			urlPrefix = "/files"
		}
		storage, err = NewLocalStorage(basePath, urlPrefix)

	case StorageTypeMinIO:
		m := cfg.MinIO
		if m.Endpoint == "" || m.AccessKey == "" || m.SecretKey == "" || m.Bucket == "" {
			return nil, "", fmt.Errorf("missing required MinIO config")
		}
		urlPrefix := cfg.URLPrefix
		if urlPrefix == "" {
			urlPrefix = m.Endpoint
		}
		storage, err = NewMinIOStorage(&MinIOConfig{
			Endpoint:   m.Endpoint,
			AccessKey:  m.AccessKey,
			SecretKey:  m.SecretKey,
			BucketName: m.Bucket,
			UseSSL:     m.UseSSL,
			URLPrefix:  urlPrefix,
		})

	default:
		return nil, "", fmt.Errorf("unsupported storage type: %s", storageType)
	}

	if err != nil {
		return nil, "", fmt.Errorf("failed to create storage: %w", err)
	}
	return storage, storageType, nil
}
