package service

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ashwinyue/next-chatlog/internal/config"
	"github.com/ashwinyue/next-chatlog/internal/pkg/logger"
	"github.com/ashwinyue/next-chatlog/internal/repository"
	"github.com/ashwinyue/next-chatlog/internal/service/chat"
	"github.com/ashwinyue/next-chatlog/internal/service/file"
	"github.com/ashwinyue/next-chatlog/internal/service/generation"
	"github.com/ashwinyue/next-chatlog/internal/service/migration"
	"github.com/ashwinyue/next-chatlog/internal/service/rollup"
)

// Services 服务集合
type Services struct {
	Chat       *chat.Service
	File       *file.Service
	Rollup     *rollup.Engine
	Generation *generation.Service
	Migration  *migration.Service

	// 配置
	Config *config.Config
}

// NewServices 创建所有服务
// redisClient 为 nil 时脏键队列退化为进程内实现
func NewServices(repo *repository.Repositories, cfg *config.Config, redisClient *redis.Client, log *logger.Logger) (*Services, error) {
	storage, storageType, err := file.NewStorageFromConfig(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	files := file.NewService(repo, storage, storageType, log)

	var queue rollup.DirtyQueue
	if redisClient != nil {
		queue = rollup.NewRedisQueue(redisClient, cfg.Rollup.DirtyQueueKey)
	} else {
		log.Warn("redis disabled, dirty rollup keys are kept in memory")
		queue = rollup.NewMemoryQueue()
	}
	engine := rollup.NewEngine(repo, queue, log, cfg.Rollup.Concurrency)

	return &Services{
		Chat:       chat.NewService(repo, files, engine, log),
		File:       files,
		Rollup:     engine,
		Generation: generation.NewService(repo, engine, log),
		Migration:  migration.NewService(repo, files, log, cfg.Migration.BatchSize),
		Config:     cfg,
	}, nil
}
