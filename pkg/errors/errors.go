package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeInvalidArgument    ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeAlreadyExists      ErrorCode = "ALREADY_EXISTS"
	CodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	CodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"
	CodeInvalidOperation   ErrorCode = "INVALID_OPERATION"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeUnavailable        ErrorCode = "UNAVAILABLE"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// New 创建指定错误码的错误
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap 创建带原因的错误
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// NewInvalidArgumentError 创建参数错误
func NewInvalidArgumentError(message string) *AppError {
	return New(CodeInvalidArgument, message)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string) *AppError {
	return New(CodeNotFound, message)
}

// NewAlreadyExistsError 创建已存在错误
func NewAlreadyExistsError(message string) *AppError {
	return New(CodeAlreadyExists, message)
}

// NewPermissionDeniedError 创建权限错误
func NewPermissionDeniedError(message string) *AppError {
	return New(CodePermissionDenied, message)
}

// NewInvariantViolationError 创建不变量破坏错误
func NewInvariantViolationError(message string) *AppError {
	return New(CodeInvariantViolation, message)
}

// NewInvalidOperationError 创建非法操作错误
func NewInvalidOperationError(message string) *AppError {
	return New(CodeInvalidOperation, message)
}

// NewConflictError 创建并发冲突错误
func NewConflictError(message string) *AppError {
	return New(CodeConflict, message)
}

// NewTimeoutError 创建超时错误
func NewTimeoutError(message string, cause error) *AppError {
	return Wrap(CodeTimeout, message, cause)
}

// NewUnavailableError 创建依赖不可用错误
func NewUnavailableError(message string, cause error) *AppError {
	return Wrap(CodeUnavailable, message, cause)
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *AppError {
	return New(CodeInternal, message)
}

// NewInternalErrorWithCause 创建带原因的内部错误
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return Wrap(CodeInternal, message, cause)
}

// CodeOf 返回错误码；非 AppError 的上下文错误映射为 TIMEOUT，其余为 INTERNAL_ERROR
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeTimeout
	}
	return CodeInternal
}

// MessageOf 返回面向用户的错误描述
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsInvalidArgument 判断是否为参数错误
func IsInvalidArgument(err error) bool { return CodeOf(err) == CodeInvalidArgument }

// IsPermissionDenied 判断是否为权限错误
func IsPermissionDenied(err error) bool { return CodeOf(err) == CodePermissionDenied }

// IsConflict 判断是否为并发冲突
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }

// IsAlreadyExists 判断是否为已存在错误
func IsAlreadyExists(err error) bool { return CodeOf(err) == CodeAlreadyExists }
