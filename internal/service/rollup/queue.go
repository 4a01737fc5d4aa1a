package rollup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ashwinyue/next-chatlog/internal/model"
)

// Flavor 聚合行的来源
type Flavor string

const (
	FlavorEmbedding Flavor = "embedding"
	FlavorTask      Flavor = "task"
	FlavorMessage   Flavor = "message" // 消息绑定的成本，存放在任务聚合表
)

// DirtyKey 待重算的聚合键
type DirtyKey struct {
	Flavor Flavor `json:"flavor"`
	model.RollupKey
}

func (k DirtyKey) encode() (string, error) {
	b, err := json.Marshal(k)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeDirtyKey(s string) (DirtyKey, error) {
	var k DirtyKey
	if err := json.Unmarshal([]byte(s), &k); err != nil {
		return k, err
	}
	switch k.Flavor {
	case FlavorEmbedding, FlavorTask, FlavorMessage:
		return k, nil
	}
	return k, fmt.Errorf("unknown rollup flavor %q", k.Flavor)
}

// DirtyQueue 去重的待重算键集合
type DirtyQueue interface {
	// Mark 标记键待重算，重复标记只保留一份
	Mark(ctx context.Context, keys ...DirtyKey) error
	// Drain 取出至多 max 个键
	Drain(ctx context.Context, max int) ([]DirtyKey, error)
}

// RedisQueue 基于 Redis Set 的队列，多实例共享
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue 创建 Redis 队列
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

// Mark 实现 DirtyQueue
func (q *RedisQueue) Mark(ctx context.Context, keys ...DirtyKey) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		s, err := k.encode()
		if err != nil {
			return fmt.Errorf("failed to encode dirty key: %w", err)
		}
		members = append(members, s)
	}
	if err := q.client.SAdd(ctx, q.key, members...).Err(); err != nil {
		return fmt.Errorf("failed to mark dirty keys: %w", err)
	}
	return nil
}

// Drain 实现 DirtyQueue，无法解码的成员被丢弃
func (q *RedisQueue) Drain(ctx context.Context, max int) ([]DirtyKey, error) {
	members, err := q.client.SPopN(ctx, q.key, int64(max)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to drain dirty keys: %w", err)
	}
	keys := make([]DirtyKey, 0, len(members))
	for _, m := range members {
		k, err := decodeDirtyKey(m)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// MemoryQueue 进程内队列，未启用 Redis 时使用
type MemoryQueue struct {
	mu   sync.Mutex
	keys map[DirtyKey]struct{}
}

// NewMemoryQueue 创建进程内队列
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{keys: make(map[DirtyKey]struct{})}
}

// Mark 实现 DirtyQueue
func (q *MemoryQueue) Mark(_ context.Context, keys ...DirtyKey) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, k := range keys {
		q.keys[k] = struct{}{}
	}
	return nil
}

// Drain 实现 DirtyQueue
func (q *MemoryQueue) Drain(_ context.Context, max int) ([]DirtyKey, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DirtyKey, 0, min(max, len(q.keys)))
	for k := range q.keys {
		if len(out) >= max {
			break
		}
		out = append(out, k)
		delete(q.keys, k)
	}
	return out, nil
}

// Len 当前待重算键数量
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}
