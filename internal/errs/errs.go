// Package errs 定义跨层共享的错误分类
// 服务层用 fmt.Errorf("...: %w") 包装，调用方用 errors.Is 判断
package errs

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"gorm.io/gorm"
)

var (
	// ErrNotFound 引用的会话/消息/模板不存在
	ErrNotFound = errors.New("not found")
	// ErrInvalid 父消息不属于同一会话、负载结构非法等
	ErrInvalid = errors.New("invalid argument")
	// ErrDecode base64/MIME 无法解析
	ErrDecode = errors.New("decode error")
	// ErrConflict 唯一约束冲突
	ErrConflict = errors.New("conflict")
	// ErrTransient 存储暂时不可用，调用方可重试
	ErrTransient = errors.New("storage unavailable")
	// ErrCycleDetected 父链遍历超过会话消息总数
	ErrCycleDetected = errors.New("cycle detected")
	// ErrModeConflict 聚合行已由另一种更新方式维护
	ErrModeConflict = errors.New("rollup update mode conflict")
)

// FromDB 将 gorm/驱动错误归类为本包的哨兵错误
// 无法归类的错误原样返回
func FromDB(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, context.DeadlineExceeded):
		return errors.Join(ErrTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errors.Join(ErrTransient, err)
	}
	return err
}

// IsConflict 判断是否为唯一约束冲突
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, gorm.ErrDuplicatedKey)
}
