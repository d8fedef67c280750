// Package errors 提供统一错误分类，不依赖 internal；错误码与 API/CLI 的稳定契约对应
package errors

import (
	"errors"
	"fmt"
)

// Kind 错误类别（闭集）；HTTP 状态码与 CLI 退出码均由 Kind 映射
type Kind string

const (
	// KindInvalidArgument 调用方数据非法（schema / 范围）；不可重试
	KindInvalidArgument Kind = "invalid_argument"
	// KindNotFound 目标 job / robot 不存在；不可重试
	KindNotFound Kind = "not_found"
	// KindConflict 幂等键冲突或唯一约束冲突；不可重试
	KindConflict Kind = "conflict"
	// KindStaleLease 租约 token 不匹配或租约已过期；不可重试，调用方必须放弃该 job
	KindStaleLease Kind = "stale_lease"
	// KindPreconditionFailed 当前状态不允许该状态迁移；不可重试
	KindPreconditionFailed Kind = "precondition_failed"
	// KindTransient 存储 / 网络瞬时错误；可带 backoff 重试
	KindTransient Kind = "transient"
	// KindPermanent 调用方标记为不可重试的失败
	KindPermanent Kind = "permanent"
)

// Error 带 Kind 的错误；Unwrap 暴露底层 cause 以支持 errors.Is/As
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E 创建带 Kind 的错误
func E(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Ef 带格式的 E
func Ef(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapKind 包装底层错误并赋予 Kind；err 为 nil 时返回 nil
func WrapKind(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Wrap 包装错误并附加消息，不改变 Kind
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// KindOf 返回错误的 Kind；未分类错误按 transient 处理（内部不变量破坏记 error 日志后以 transient 返回，保护活性）
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsKind 判断错误是否属于指定 Kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable 调用方是否应重试；仅 transient 为真
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
