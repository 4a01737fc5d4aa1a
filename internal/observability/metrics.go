// Package observability 提供尽力而为路径的运行计数器
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RollupFailures 聚合更新失败次数（不影响原始写入）
	RollupFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatlog_rollup_failures_total",
		Help: "Rollup maintenance failures that did not abort the originating write.",
	}, []string{"flavor"})

	// RollupDeferred 推迟到对账阶段的聚合键数量
	RollupDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatlog_rollup_deferred_total",
		Help: "Rollup keys queued for later recompute.",
	})

	// MediaResolved 媒体解析结果计数
	MediaResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatlog_media_resolved_total",
		Help: "Base64 payload resolutions by outcome.",
	}, []string{"result"})

	// MigrationRows 迁移逐行结果计数
	MigrationRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatlog_migration_rows_total",
		Help: "Legacy migration row outcomes.",
	}, []string{"result"})
)
