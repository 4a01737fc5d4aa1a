package file

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/ashwinyue/next-chatlog/internal/errs"
	"github.com/ashwinyue/next-chatlog/internal/model"
	"github.com/ashwinyue/next-chatlog/internal/observability"
	"github.com/ashwinyue/next-chatlog/internal/pkg/logger"
	"github.com/ashwinyue/next-chatlog/internal/repository"
)

const defaultMIME = "image/png"

// Service 内容寻址的媒体存储
// 同一 (hash, content_type) 只保存一份字节与一行记录
type Service struct {
	repo        *repository.Repositories
	storage     Storage
	storageType StorageType
	logger      *logger.Logger
	now         func() int64
}

// NewService 创建文件服务
func NewService(repo *repository.Repositories, storage Storage, storageType StorageType, log *logger.Logger) *Service {
	return &Service{
		repo:        repo,
		storage:     storage,
		storageType: storageType,
		logger:      log.With("service", "file"),
		now:         func() int64 { return time.Now().Unix() },
	}
}

// RunCache 单次批处理内的 hash → 文件 ID 缓存，任务结束即丢弃
type RunCache struct {
	mu  sync.Mutex
	ids map[string]string
}

// NewRunCache 创建缓存
func NewRunCache() *RunCache {
	return &RunCache{ids: make(map[string]string)}
}

func (c *RunCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[key]
	return id, ok
}

func (c *RunCache) put(key, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[key] = id
}

type resolveOptions struct {
	category string
	cache    *RunCache
}

// ResolveOption Resolve 的可选参数
type ResolveOption func(*resolveOptions)

// WithCategory 指定文件类别（决定存储目录）
func WithCategory(category string) ResolveOption {
	return func(o *resolveOptions) { o.category = category }
}

// WithRunCache 在批处理中复用已解析的哈希
func WithRunCache(cache *RunCache) ResolveOption {
	return func(o *resolveOptions) { o.cache = cache }
}

// IsDataURL 判断是否为 base64 data 负载
func IsDataURL(payload string) bool {
	if !strings.HasPrefix(payload, "data:") {
		return false
	}
	header := payload
	if i := strings.IndexByte(payload, ','); i >= 0 {
		header = payload[:i]
	}
	return strings.Contains(header, ";base64")
}

// ContentURL 返回文件的稳定相对引用
func ContentURL(id string) string {
	return fmt.Sprintf("/files/%s/content", id)
}

// Resolve 把 base64 data 负载替换为 /files/{id}/content 引用
// 非 data 负载原样返回；格式错误返回 errs.ErrDecode
func (s *Service) Resolve(ctx context.Context, ownerID, payload string, opts ...ResolveOption) (string, error) {
	o := resolveOptions{category: model.FileCategoryChat}
	for _, opt := range opts {
		opt(&o)
	}
	if !model.IsFileCategory(o.category) {
		return "", fmt.Errorf("%w: unknown file category %q", errs.ErrInvalid, o.category)
	}

	if !IsDataURL(payload) {
		observability.MediaResolved.WithLabelValues("passthrough").Inc()
		return payload, nil
	}

	contentType, data, err := decodeDataURL(payload)
	if err != nil {
		observability.MediaResolved.WithLabelValues("error").Inc()
		return "", err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	cacheKey := hash + "|" + contentType

	if o.cache != nil {
		if id, ok := o.cache.get(cacheKey); ok {
			observability.MediaResolved.WithLabelValues("reused").Inc()
			return ContentURL(id), nil
		}
	}

	stored, err := s.repo.File.FindByHash(ctx, hash, contentType)
	switch {
	case err == nil:
		observability.MediaResolved.WithLabelValues("reused").Inc()
		s.remember(o.cache, cacheKey, stored.ID)
		return ContentURL(stored.ID), nil
	case !errors.Is(err, errs.ErrNotFound):
		observability.MediaResolved.WithLabelValues("error").Inc()
		return "", fmt.Errorf("failed to look up file by hash: %w", err)
	}

	stored, err = s.store(ctx, ownerID, hash, contentType, o.category, data)
	if err != nil {
		observability.MediaResolved.WithLabelValues("error").Inc()
		return "", err
	}
	s.remember(o.cache, cacheKey, stored.ID)
	return ContentURL(stored.ID), nil
}

// store 先写字节再提交记录；记录冲突时复用并发写入者的行
// 字节路径由哈希决定且可能被其他记录共享，失败时不删除
func (s *Service) store(ctx context.Context, ownerID, hash, contentType, category string, data []byte) (*model.StoredFile, error) {
	filename := hash + extensionFor(contentType, data)
	path := category + "/" + filename

	if _, err := s.storage.Save(ctx, &SaveRequest{
		Path:        path,
		ContentType: contentType,
		Size:        int64(len(data)),
		Reader:      bytes.NewReader(data),
	}); err != nil {
		return nil, fmt.Errorf("failed to save file: %w", err)
	}

	meta, err := json.Marshal(model.FileMeta{
		ContentType: contentType,
		Size:        int64(len(data)),
		Category:    category,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode file meta: %w", err)
	}

	now := s.now()
	file := &model.StoredFile{
		ID:          uuid.New().String(),
		UserID:      ownerID,
		Hash:        hash,
		ContentType: contentType,
		Filename:    filename,
		Path:        path,
		StorageType: string(s.storageType),
		Meta:        meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.repo.File.Create(ctx, file)
	if err == nil {
		observability.MediaResolved.WithLabelValues("stored").Inc()
		return file, nil
	}
	if !errs.IsConflict(err) {
		return nil, fmt.Errorf("failed to save file record: %w", err)
	}

	existing, lookupErr := s.repo.File.FindByHash(ctx, hash, contentType)
	if lookupErr != nil {
		return nil, fmt.Errorf("failed to reuse concurrent file record: %w", lookupErr)
	}
	s.logger.Debug("reused concurrently stored file", "hash", hash, "file_id", existing.ID)
	observability.MediaResolved.WithLabelValues("reused").Inc()
	return existing, nil
}

func (s *Service) remember(cache *RunCache, key, id string) {
	if cache != nil {
		cache.put(key, id)
	}
}

// GetFile 获取文件记录与内容
func (s *Service) GetFile(ctx context.Context, id string) (*model.StoredFile, io.ReadCloser, error) {
	storedFile, err := s.repo.File.GetByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("file %s: %w", id, err)
	}

	reader, err := s.storage.Get(ctx, storedFile.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get file content: %w", err)
	}
	return storedFile, reader, nil
}

// GetFileURL 获取文件在存储后端的访问URL
func (s *Service) GetFileURL(ctx context.Context, id string) (string, error) {
	storedFile, err := s.repo.File.GetByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("file %s: %w", id, err)
	}
	return s.storage.GetURL(storedFile.Path), nil
}

// decodeDataURL 解析 data:<mime>;base64,<data>
func decodeDataURL(payload string) (string, []byte, error) {
	comma := strings.IndexByte(payload, ',')
	if comma < 0 {
		return "", nil, fmt.Errorf("%w: missing comma separator", errs.ErrDecode)
	}
	header := strings.TrimPrefix(payload[:comma], "data:")
	body := strings.TrimSpace(payload[comma+1:])

	contentType := defaultMIME
	if semi := strings.IndexByte(header, ';'); semi >= 0 {
		if mt, _, err := mime.ParseMediaType(header[:semi]); err == nil && mt != "" {
			contentType = mt
		}
	}

	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(body, "="))
	}
	if err != nil {
		return "", nil, fmt.Errorf("%w: invalid base64: %v", errs.ErrDecode, err)
	}
	return contentType, data, nil
}

// extensionFor 优先按声明的 MIME 取扩展名，否则按内容嗅探
func extensionFor(contentType string, data []byte) string {
	if m := mimetype.Lookup(contentType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	if ext := mimetype.Detect(data).Extension(); ext != "" {
		return ext
	}
	return ".bin"
}
