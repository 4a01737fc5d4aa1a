package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/ashwinyue/next-chatlog/internal/service"
	"github.com/ashwinyue/next-chatlog/internal/service/generation"
)

// GenerationHandler 生成事件处理器
type GenerationHandler struct {
	svc *service.Services
}

// NewGenerationHandler 创建生成事件处理器
func NewGenerationHandler(svc *service.Services) *GenerationHandler {
	return &GenerationHandler{svc: svc}
}

// RecordEmbeddings 记录一批向量化调用
// @Summary      记录向量化事件
// @Tags         生成事件
// @Accept       json
// @Produce      json
// @Param        request  body      generation.EmbeddingBatch  true  "批次"
// @Success      201      {object}  SuccessResponse
// @Router       /generations/embeddings [post]
func (h *GenerationHandler) RecordEmbeddings(c *gin.Context) {
	var req generation.EmbeddingBatch
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	events, err := h.svc.Generation.RecordEmbeddingBatch(c.Request.Context(), &req)
	if err != nil {
		Error(c, err)
		return
	}

	Created(c, gin.H{"events": events})
}

// RecordEmbedding 记录单次向量化调用，聚合延后重算
// @Summary      记录单次向量化事件
// @Tags         生成事件
// @Accept       json
// @Produce      json
// @Param        request  body      generation.EmbeddingRecord  true  "调用"
// @Success      201      {object}  SuccessResponse
// @Router       /generations/embedding [post]
func (h *GenerationHandler) RecordEmbedding(c *gin.Context) {
	var req generation.EmbeddingRecord
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	event, err := h.svc.Generation.RecordEmbedding(c.Request.Context(), &req)
	if err != nil {
		Error(c, err)
		return
	}

	Created(c, event)
}

// RecordTask 记录一次任务生成
// @Summary      记录任务生成事件
// @Tags         生成事件
// @Accept       json
// @Produce      json
// @Param        request  body      generation.TaskInput  true  "任务"
// @Success      201      {object}  SuccessResponse
// @Router       /generations/tasks [post]
func (h *GenerationHandler) RecordTask(c *gin.Context) {
	var req generation.TaskInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	event, err := h.svc.Generation.RecordTask(c.Request.Context(), &req)
	if err != nil {
		Error(c, err)
		return
	}

	Created(c, event)
}

// GetTask 获取任务生成事件及其提示词模板
// @Summary      获取任务生成事件
// @Tags         生成事件
// @Produce      json
// @Param        id   path      string  true  "事件ID"
// @Success      200  {object}  SuccessResponse
// @Router       /generations/tasks/{id} [get]
func (h *GenerationHandler) GetTask(c *gin.Context) {
	event, err := h.svc.Generation.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, event)
}
