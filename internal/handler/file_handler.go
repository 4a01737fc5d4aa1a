package handler

import (
	"io"

	"github.com/gin-gonic/gin"

	filesvc "github.com/ashwinyue/next-chatlog/internal/service/file"
)

// FileHandler 文件处理器
type FileHandler struct {
	fileSvc *filesvc.Service
}

// NewFileHandler 创建文件处理器
func NewFileHandler(fileSvc *filesvc.Service) *FileHandler {
	return &FileHandler{
		fileSvc: fileSvc,
	}
}

// ResolveRequest 媒体解析请求
type ResolveRequest struct {
	OwnerID  string `json:"owner_id" binding:"required"`
	Payload  string `json:"payload" binding:"required"`
	Category string `json:"category"`
}

// Resolve 把 base64 data 负载替换为稳定引用
// 头像、背景图、模型图标等调用方走这里
// @Summary      解析媒体负载
// @Tags         文件管理
// @Accept       json
// @Produce      json
// @Param        request  body      ResolveRequest  true  "负载"
// @Success      200      {object}  SuccessResponse
// @Failure      400      {object}  ErrorResponse  "负载无法解码"
// @Router       /files/resolve [post]
func (h *FileHandler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	var opts []filesvc.ResolveOption
	if req.Category != "" {
		opts = append(opts, filesvc.WithCategory(req.Category))
	}
	ref, err := h.fileSvc.Resolve(c.Request.Context(), req.OwnerID, req.Payload, opts...)
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{"url": ref})
}

// GetFileContent 获取文件内容
// @Summary      获取文件
// @Tags         文件管理
// @Produce      octet-stream
// @Param        id   path      string  true  "文件ID"
// @Success      200  {file}    file    "文件内容"
// @Failure      404  {object}  ErrorResponse  "文件不存在"
// @Router       /files/{id}/content [get]
func (h *FileHandler) GetFileContent(c *gin.Context) {
	storedFile, reader, err := h.fileSvc.GetFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	defer reader.Close()

	// 内容按哈希寻址，永不变化
	c.Header("Content-Type", storedFile.ContentType)
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Header("ETag", `"`+storedFile.Hash+`"`)
	if storedFile.Filename != "" {
		c.Header("Content-Disposition", "inline; filename="+storedFile.Filename)
	}

	// 流式传输文件
	if _, err := io.Copy(c.Writer, reader); err != nil {
		_ = c.Error(err)
	}
}

// GetFileURL 获取文件在存储后端的访问URL
// @Summary      获取文件URL
// @Tags         文件管理
// @Produce      json
// @Param        id   path      string  true  "文件ID"
// @Success      200  {object}  SuccessResponse  "文件URL"
// @Failure      404  {object}  ErrorResponse    "文件不存在"
// @Router       /files/{id}/url [get]
func (h *FileHandler) GetFileURL(c *gin.Context) {
	url, err := h.fileSvc.GetFileURL(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{"url": url})
}
