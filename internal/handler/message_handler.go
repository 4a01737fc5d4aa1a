package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ashwinyue/next-chatlog/internal/service"
	"github.com/ashwinyue/next-chatlog/internal/service/chat"
)

// MessageHandler 消息处理器
type MessageHandler struct {
	svc *service.Services
}

// NewMessageHandler 创建消息处理器
func NewMessageHandler(svc *service.Services) *MessageHandler {
	return &MessageHandler{svc: svc}
}

// InsertMessageRequest 插入消息请求
type InsertMessageRequest struct {
	ParentID *string `json:"parent_id"`
	chat.MessageInput
	chat.UpdateOptions
}

// UpdateMessageRequest 更新消息请求
type UpdateMessageRequest struct {
	chat.MessagePatch
	chat.UpdateOptions
}

// BatchGetRequest 批量获取消息请求
type BatchGetRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// InsertMessage 在兄弟组末尾插入消息
// @Summary      插入消息
// @Tags         消息管理
// @Accept       json
// @Produce      json
// @Param        id       path      string                true  "会话ID"
// @Param        request  body      InsertMessageRequest  true  "消息"
// @Success      201      {object}  SuccessResponse
// @Failure      400      {object}  ErrorResponse
// @Failure      404      {object}  ErrorResponse
// @Router       /chats/{id}/messages [post]
func (h *MessageHandler) InsertMessage(c *gin.Context) {
	var req InsertMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	msg, err := h.svc.Chat.InsertMessage(c.Request.Context(), c.Param("id"), req.ParentID, &req.MessageInput, req.UpdateOptions)
	if err != nil {
		Error(c, err)
		return
	}

	Created(c, msg)
}

// UpdateMessage 更新消息，流式中间保存应关闭 update_rollup
// @Summary      更新消息
// @Tags         消息管理
// @Accept       json
// @Produce      json
// @Param        id          path      string                true  "会话ID"
// @Param        message_id  path      string                true  "消息ID"
// @Param        request     body      UpdateMessageRequest  true  "更新内容"
// @Success      200         {object}  SuccessResponse
// @Router       /chats/{id}/messages/{message_id} [patch]
func (h *MessageHandler) UpdateMessage(c *gin.Context) {
	var req UpdateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	msg, err := h.svc.Chat.UpdateMessage(c.Request.Context(), c.Param("id"), c.Param("message_id"), &req.MessagePatch, req.UpdateOptions)
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, msg)
}

// GetMessage 获取单条消息
// @Summary      获取消息
// @Tags         消息管理
// @Produce      json
// @Param        id          path      string  true  "会话ID"
// @Param        message_id  path      string  true  "消息ID"
// @Success      200         {object}  SuccessResponse
// @Failure      404         {object}  ErrorResponse
// @Router       /chats/{id}/messages/{message_id} [get]
func (h *MessageHandler) GetMessage(c *gin.Context) {
	msg, err := h.svc.Chat.GetMessage(c.Request.Context(), c.Param("id"), c.Param("message_id"))
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, msg)
}

// ListMessages 列出会话全部消息
// @Summary      消息列表
// @Tags         消息管理
// @Produce      json
// @Param        id            path      string  true   "会话ID"
// @Param        omit_content  query     bool    false  "省略正文"
// @Success      200           {object}  SuccessResponse
// @Router       /chats/{id}/messages [get]
func (h *MessageHandler) ListMessages(c *gin.Context) {
	omit, _ := strconv.ParseBool(c.DefaultQuery("omit_content", "false"))

	msgs, err := h.svc.Chat.ListMessages(c.Request.Context(), c.Param("id"), chat.ListOptions{OmitContent: omit})
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{"messages": msgs})
}

// ListChildren 按 position 列出兄弟组，不带 parent_id 时列出根消息
// @Summary      兄弟组
// @Tags         消息管理
// @Produce      json
// @Param        id         path      string  true   "会话ID"
// @Param        parent_id  query     string  false  "父消息ID"
// @Success      200        {object}  SuccessResponse
// @Router       /chats/{id}/children [get]
func (h *MessageHandler) ListChildren(c *gin.Context) {
	var parentID *string
	if p := c.Query("parent_id"); p != "" {
		parentID = &p
	}

	msgs, err := h.svc.Chat.ListChildren(c.Request.Context(), c.Param("id"), parentID)
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{"messages": msgs})
}

// BranchToRoot 返回从根到指定消息的路径
// @Summary      分支路径
// @Tags         消息管理
// @Produce      json
// @Param        id          path      string  true  "会话ID"
// @Param        message_id  path      string  true  "叶子消息ID"
// @Success      200         {object}  SuccessResponse
// @Failure      409         {object}  ErrorResponse  "父链存在环"
// @Router       /chats/{id}/messages/{message_id}/branch [get]
func (h *MessageHandler) BranchToRoot(c *gin.Context) {
	path, err := h.svc.Chat.BranchToRoot(c.Request.Context(), c.Param("id"), c.Param("message_id"))
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{"messages": path})
}

// ListAttachments 列出消息附件
// @Summary      消息附件
// @Tags         消息管理
// @Produce      json
// @Param        id          path      string  true  "会话ID"
// @Param        message_id  path      string  true  "消息ID"
// @Success      200         {object}  SuccessResponse
// @Router       /chats/{id}/messages/{message_id}/attachments [get]
func (h *MessageHandler) ListAttachments(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.svc.Chat.GetMessage(ctx, c.Param("id"), c.Param("message_id")); err != nil {
		Error(c, err)
		return
	}

	atts, err := h.svc.Chat.ListAttachments(ctx, c.Param("message_id"))
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{"attachments": atts})
}

// BatchGet 批量获取消息，按请求顺序返回
// @Summary      批量获取消息
// @Tags         消息管理
// @Accept       json
// @Produce      json
// @Param        request  body      BatchGetRequest  true  "消息ID列表"
// @Success      200      {object}  SuccessResponse
// @Router       /messages/batch [post]
func (h *MessageHandler) BatchGet(c *gin.Context) {
	var req BatchGetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	msgs, err := h.svc.Chat.GetMessagesByIDs(c.Request.Context(), req.IDs)
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{"messages": msgs})
}
