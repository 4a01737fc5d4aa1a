package handler

import (
	"github.com/ashwinyue/next-chatlog/internal/service"
)

// Handlers 处理器集合
type Handlers struct {
	Chat       *ChatHandler
	Message    *MessageHandler
	File       *FileHandler
	Generation *GenerationHandler
	Rollup     *RollupHandler
}

// NewHandlers 创建所有处理器
func NewHandlers(svc *service.Services) *Handlers {
	return &Handlers{
		Chat:       NewChatHandler(svc),
		Message:    NewMessageHandler(svc),
		File:       NewFileHandler(svc.File),
		Generation: NewGenerationHandler(svc),
		Rollup:     NewRollupHandler(svc),
	}
}
