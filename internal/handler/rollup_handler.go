package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ashwinyue/next-chatlog/internal/repository"
	"github.com/ashwinyue/next-chatlog/internal/service"
)

// RollupHandler 日聚合处理器
type RollupHandler struct {
	svc *service.Services
}

// NewRollupHandler 创建日聚合处理器
func NewRollupHandler(svc *service.Services) *RollupHandler {
	return &RollupHandler{svc: svc}
}

// RecomputeRequest 整日重算请求
type RecomputeRequest struct {
	Date string `json:"date" binding:"required"`
}

func bindRollupQuery(c *gin.Context) repository.RollupQuery {
	return repository.RollupQuery{
		UserID:   c.Query("user_id"),
		FromDate: c.Query("from"),
		ToDate:   c.Query("to"),
		Category: c.Query("category"),
		ModelID:  c.Query("model_id"),
	}
}

// ListEmbeddingRollups 列出向量化日聚合
// @Summary      向量化日聚合
// @Tags         聚合
// @Produce      json
// @Param        user_id   query     string  false  "用户ID"
// @Param        from      query     string  false  "起始日期 YYYY-MM-DD"
// @Param        to        query     string  false  "结束日期 YYYY-MM-DD"
// @Param        category  query     string  false  "类别"
// @Param        model_id  query     string  false  "模型"
// @Success      200       {object}  SuccessResponse
// @Router       /rollups/embeddings [get]
func (h *RollupHandler) ListEmbeddingRollups(c *gin.Context) {
	rows, err := h.svc.Rollup.ListEmbeddingRollups(c.Request.Context(), bindRollupQuery(c))
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{"items": rows})
}

// ListTaskRollups 列出任务生成日聚合（含 chat_message 类别）
// @Summary      任务日聚合
// @Tags         聚合
// @Produce      json
// @Success      200  {object}  SuccessResponse
// @Router       /rollups/tasks [get]
func (h *RollupHandler) ListTaskRollups(c *gin.Context) {
	rows, err := h.svc.Rollup.ListTaskRollups(c.Request.Context(), bindRollupQuery(c))
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{"items": rows})
}

// SumTaskRollups 汇总区间内的任务日聚合
// @Summary      任务聚合汇总
// @Tags         聚合
// @Produce      json
// @Success      200  {object}  SuccessResponse
// @Router       /rollups/tasks/summary [get]
func (h *RollupHandler) SumTaskRollups(c *gin.Context) {
	totals, err := h.svc.Rollup.SumTaskRollups(c.Request.Context(), bindRollupQuery(c))
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, totals)
}

// RecomputeDay 重算某个 UTC 日的全部聚合键
// @Summary      整日重算
// @Tags         聚合
// @Accept       json
// @Produce      json
// @Param        request  body      RecomputeRequest  true  "日期"
// @Success      200      {object}  SuccessResponse
// @Router       /rollups/recompute [post]
func (h *RollupHandler) RecomputeDay(c *gin.Context) {
	var req RecomputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	summary, err := h.svc.Rollup.RecomputeDay(c.Request.Context(), req.Date)
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, summary)
}

// Reconcile 立即处理待对账的聚合键
// @Summary      对账
// @Tags         聚合
// @Produce      json
// @Param        max  query     int  false  "最多处理的键数"
// @Success      200  {object}  SuccessResponse
// @Router       /rollups/reconcile [post]
func (h *RollupHandler) Reconcile(c *gin.Context) {
	max, err := strconv.Atoi(c.DefaultQuery("max", strconv.Itoa(h.svc.Config.Rollup.ReconcileBatch)))
	if err != nil || max <= 0 {
		BadRequest(c, "max must be a positive integer")
		return
	}

	summary, err := h.svc.Rollup.Reconcile(c.Request.Context(), max)
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, summary)
}
