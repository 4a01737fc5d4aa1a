// Package testutil 提供测试辅助工具
package testutil

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ashwinyue/next-chatlog/internal/model"
)

// ========== 数据夹具 ==========

// SeedChat 直接写入一条会话行
func SeedChat(t *testing.T, db *gorm.DB, userID string, version int, blob string) *model.Chat {
	t.Helper()
	chat := &model.Chat{
		ID:             uuid.NewString(),
		UserID:         userID,
		Title:          "fixture",
		StorageVersion: version,
		CreatedAt:      1700000000,
		UpdatedAt:      1700000000,
	}
	if blob != "" {
		chat.Chat = datatypes.JSON(blob)
	}
	if err := db.WithContext(context.Background()).Create(chat).Error; err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	return chat
}

// ========== 断言 ==========

// AssertHelper 提供断言相关的测试辅助
type AssertHelper struct {
	t *testing.T
}

// NewAssertHelper 创建断言辅助器
func NewAssertHelper(t *testing.T) *AssertHelper {
	return &AssertHelper{t: t}
}

// NoError 断言没有错误
func (h *AssertHelper) NoError(err error, msgAndArgs ...interface{}) {
	h.t.Helper()
	if err != nil {
		h.t.Fatalf("Unexpected error: %v %v", err, msgAndArgs)
	}
}

// ErrorIs 断言错误链中包含 target
func (h *AssertHelper) ErrorIs(err, target error, msgAndArgs ...interface{}) {
	h.t.Helper()
	if !errors.Is(err, target) {
		h.t.Fatalf("Expected %v, got %v %v", target, err, msgAndArgs)
	}
}

// Contains 断言字符串包含子串
func (h *AssertHelper) Contains(s, substr string, msgAndArgs ...interface{}) {
	h.t.Helper()
	if !strings.Contains(s, substr) {
		h.t.Fatalf("%q does not contain %q %v", s, substr, msgAndArgs)
	}
}

// Equal 断言相等
func (h *AssertHelper) Equal(expected, actual interface{}, msgAndArgs ...interface{}) {
	h.t.Helper()
	if expected != actual {
		h.t.Fatalf("Expected %v, got %v %v", expected, actual, msgAndArgs)
	}
}

// True 断言为真
func (h *AssertHelper) True(condition bool, msgAndArgs ...interface{}) {
	h.t.Helper()
	if !condition {
		h.t.Fatalf("Expected true, got false %v", msgAndArgs)
	}
}
