package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/ashwinyue/next-chatlog/internal/service"
	"github.com/ashwinyue/next-chatlog/internal/service/chat"
)

// ChatHandler 会话处理器
type ChatHandler struct {
	svc *service.Services
}

// NewChatHandler 创建会话处理器
func NewChatHandler(svc *service.Services) *ChatHandler {
	return &ChatHandler{svc: svc}
}

// CreateChat 创建会话
// @Summary      创建会话
// @Tags         会话管理
// @Accept       json
// @Produce      json
// @Param        request  body      chat.CreateChatRequest  true  "会话信息"
// @Success      201      {object}  SuccessResponse
// @Failure      400      {object}  ErrorResponse
// @Router       /chats [post]
func (h *ChatHandler) CreateChat(c *gin.Context) {
	var req chat.CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	created, err := h.svc.Chat.CreateChat(c.Request.Context(), &req)
	if err != nil {
		Error(c, err)
		return
	}

	Created(c, created)
}

// GetChat 获取会话
// @Summary      获取会话
// @Tags         会话管理
// @Produce      json
// @Param        id   path      string  true  "会话ID"
// @Success      200  {object}  SuccessResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /chats/{id} [get]
func (h *ChatHandler) GetChat(c *gin.Context) {
	result, err := h.svc.Chat.GetChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, result)
}

// DeleteChat 删除会话及其消息、附件
// @Summary      删除会话
// @Tags         会话管理
// @Param        id   path  string  true  "会话ID"
// @Success      204
// @Failure      404  {object}  ErrorResponse
// @Router       /chats/{id} [delete]
func (h *ChatHandler) DeleteChat(c *gin.Context) {
	if err := h.svc.Chat.DeleteChat(c.Request.Context(), c.Param("id")); err != nil {
		Error(c, err)
		return
	}

	NoContent(c)
}

// SetActiveMessageRequest 切换当前分支请求
type SetActiveMessageRequest struct {
	MessageID string `json:"message_id" binding:"required"`
}

// SetActiveMessage 切换会话的当前消息
// @Summary      切换当前分支
// @Tags         会话管理
// @Accept       json
// @Param        id       path  string                   true  "会话ID"
// @Param        request  body  SetActiveMessageRequest  true  "目标消息"
// @Success      204
// @Failure      400  {object}  ErrorResponse
// @Router       /chats/{id}/active [put]
func (h *ChatHandler) SetActiveMessage(c *gin.Context) {
	var req SetActiveMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	if err := h.svc.Chat.SetActiveMessage(c.Request.Context(), c.Param("id"), req.MessageID); err != nil {
		Error(c, err)
		return
	}

	NoContent(c)
}

// CacheKeys 返回会话内消息的缓存键，用于差量同步
// @Summary      消息缓存键
// @Tags         会话管理
// @Produce      json
// @Param        id   path      string  true  "会话ID"
// @Success      200  {object}  SuccessResponse
// @Router       /chats/{id}/cache-keys [get]
func (h *ChatHandler) CacheKeys(c *gin.Context) {
	keys, err := h.svc.Chat.CacheKeys(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, keys)
}
