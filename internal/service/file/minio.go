package file

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ashwinyue/next-chatlog/internal/errs"
)

// MinIOStorage 对象存储后端，对象名即内容寻址路径
type MinIOStorage struct {
	client    *minio.Client
	bucket    string
	urlPrefix string
}

// MinIOConfig MinIO 配置
type MinIOConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	BucketName string
	UseSSL     bool
	URLPrefix  string
}

// NewMinIOStorage 连接 MinIO 并确保 bucket 存在
func NewMinIOStorage(cfg *MinIOConfig) (*MinIOStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to check bucket %s: %v", errs.ErrTransient, cfg.BucketName, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			// 并发启动时另一个实例可能已创建
			if code := minio.ToErrorResponse(err).Code; code != "BucketAlreadyOwnedByYou" && code != "BucketAlreadyExists" {
				return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.BucketName, err)
			}
		}
	}

	return &MinIOStorage{
		client:    client,
		bucket:    cfg.BucketName,
		urlPrefix: strings.TrimSuffix(cfg.URLPrefix, "/"),
	}, nil
}

// Save 上传对象，同名对象已存在时跳过（内容相同）
func (s *MinIOStorage) Save(ctx context.Context, req *SaveRequest) (string, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, req.Path, minio.StatObjectOptions{}); err == nil {
		return req.Path, nil
	} else if !isNoSuchKey(err) {
		return "", fmt.Errorf("%w: failed to stat object %s: %v", errs.ErrTransient, req.Path, err)
	}

	_, err := s.client.PutObject(ctx, s.bucket, req.Path, req.Reader, req.Size, minio.PutObjectOptions{
		ContentType:  req.ContentType,
		CacheControl: "public, max-age=31536000, immutable",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object %s: %w", req.Path, err)
	}
	return req.Path, nil
}

// Get 读取对象，不存在时返回 errs.ErrNotFound
// GetObject 是惰性的，先 Stat 才能在返回前区分缺失和网络错误
func (s *MinIOStorage) Get(ctx context.Context, filePath string) (io.ReadCloser, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, filePath, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: object %s", errs.ErrNotFound, filePath)
		}
		return nil, fmt.Errorf("%w: failed to stat object %s: %v", errs.ErrTransient, filePath, err)
	}
	object, err := s.client.GetObject(ctx, s.bucket, filePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", filePath, err)
	}
	return object, nil
}

// GetURL 对象的直接访问地址
func (s *MinIOStorage) GetURL(filePath string) string {
	return fmt.Sprintf("%s/%s/%s", s.urlPrefix, s.bucket, filePath)
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
