package router

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashwinyue/next-chatlog/internal/handler"
	"github.com/ashwinyue/next-chatlog/internal/middleware"
	"github.com/ashwinyue/next-chatlog/internal/pkg/logger"
)

// Pinger 存储健康检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// SetupRouter 设置路由
func SetupRouter(h *handler.Handlers, db Pinger, log *logger.Logger) *gin.Engine {
	r := gin.New()

	// 中间件
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.RecoveryMiddleware(log))
	r.Use(middleware.LoggingMiddleware(log))

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		if db != nil {
			if err := db.Ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 文件内容引用是稳定的相对路径 /files/{id}/content
	files := r.Group("/files")
	{
		files.POST("/resolve", h.File.Resolve)
		files.GET("/:id/content", h.File.GetFileContent)
		files.GET("/:id/url", h.File.GetFileURL)
	}

	// API v1
	v1 := r.Group("/api/v1")
	{
		// Chat 会话
		chats := v1.Group("/chats")
		{
			chats.POST("", h.Chat.CreateChat)
			chats.GET("/:id", h.Chat.GetChat)
			chats.DELETE("/:id", h.Chat.DeleteChat)
			chats.PUT("/:id/active", h.Chat.SetActiveMessage)
			chats.GET("/:id/cache-keys", h.Chat.CacheKeys)
			chats.GET("/:id/children", h.Message.ListChildren)
			chats.POST("/:id/messages", h.Message.InsertMessage)
			chats.GET("/:id/messages", h.Message.ListMessages)
			chats.GET("/:id/messages/:message_id", h.Message.GetMessage)
			chats.PATCH("/:id/messages/:message_id", h.Message.UpdateMessage)
			chats.GET("/:id/messages/:message_id/branch", h.Message.BranchToRoot)
			chats.GET("/:id/messages/:message_id/attachments", h.Message.ListAttachments)
		}

		// Message 消息
		v1.POST("/messages/batch", h.Message.BatchGet)

		// Generation 生成事件
		gens := v1.Group("/generations")
		{
			gens.POST("/embeddings", h.Generation.RecordEmbeddings)
			gens.POST("/embedding", h.Generation.RecordEmbedding)
			gens.POST("/tasks", h.Generation.RecordTask)
			gens.GET("/tasks/:id", h.Generation.GetTask)
		}

		// Rollup 日聚合
		rollups := v1.Group("/rollups")
		{
			rollups.GET("/embeddings", h.Rollup.ListEmbeddingRollups)
			rollups.GET("/tasks", h.Rollup.ListTaskRollups)
			rollups.GET("/tasks/summary", h.Rollup.SumTaskRollups)
			rollups.POST("/recompute", h.Rollup.RecomputeDay)
			rollups.POST("/reconcile", h.Rollup.Reconcile)
		}
	}

	return r
}
