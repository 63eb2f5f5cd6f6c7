package model

import (
	"errors"
	"fmt"
)

// ErrorKind 错误分类，决定错误的传播策略
type ErrorKind string

const (
	KindProtocol        ErrorKind = "protocol"         // 格式错误、未知动作：只回写给发送方
	KindVersionConflict ErrorKind = "version_conflict" // 并发编辑的正常结果，不记系统错误
	KindAuth            ErrorKind = "auth"             // 默认只拒绝该消息，连接保留为匿名
	KindTransport       ErrorKind = "transport"        // 连接被拆除，属于正常抖动
	KindBus             ErrorKind = "bus"              // 广播总线不可达，本地写入照常成功
	KindStorage         ErrorKind = "storage"          // 账本不可达，唯一需要让写入失败的类别
	KindNotFound        ErrorKind = "not_found"
	KindTimeout         ErrorKind = "timeout"
	KindRateLimited     ErrorKind = "rate_limited"
)

// 错误码（写回客户端）
const (
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeOperationInvalid  = "OPERATION_INVALID"
	CodeVersionMismatch   = "VERSION_MISMATCH"
	CodeUnauthorized      = "UNAUTHORIZED_SHARE"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeDocumentNotFound  = "DOCUMENT_NOT_FOUND"
	CodeConnectionLost    = "CONNECTION_LOST"
	CodeConnectionTimeout = "CONNECTION_TIMEOUT"
	CodeNetworkError      = "NETWORK_ERROR"
	CodeServerError       = "SERVER_ERROR"
	CodeServerOverloaded  = "SERVER_OVERLOADED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)

// Error 同步引擎的类型化错误
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Details any

	// Current 仅 VersionConflict 使用：文档当前版本
	Current int64

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Payload 转换为线上错误负载
func (e *Error) Payload() *ErrorPayload {
	p := &ErrorPayload{Code: e.Code, Message: e.Message, Details: e.Details}
	if e.Kind == KindVersionConflict {
		p.Details = map[string]int64{"current": e.Current}
	}
	return p
}

// ProtocolError 消息格式错误或未知动作
func ProtocolError(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Code: CodeInvalidMessage, Message: fmt.Sprintf(format, args...)}
}

// InvalidOperation 操作形状不合法
func InvalidOperation(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Code: CodeOperationInvalid, Message: fmt.Sprintf(format, args...)}
}

// VersionConflict 期望版本已过期
func VersionConflict(current int64) *Error {
	return &Error{
		Kind:    KindVersionConflict,
		Code:    CodeVersionMismatch,
		Message: fmt.Sprintf("version conflict, current version is %d", current),
		Current: current,
	}
}

// AuthError 认证或授权失败
func AuthError(code, message string, err error) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: message, Err: err}
}

// TransportError 连接握手或读写失败
func TransportError(message string, err error) *Error {
	return &Error{Kind: KindTransport, Code: CodeConnectionLost, Message: message, Err: err}
}

// BusFailure 广播总线失败
func BusFailure(message string, err error) *Error {
	return &Error{Kind: KindBus, Code: CodeNetworkError, Message: message, Err: err}
}

// StorageError 账本存储失败
func StorageError(message string, err error) *Error {
	return &Error{Kind: KindStorage, Code: CodeServerError, Message: message, Err: err}
}

// NotFound 文档从未创建或已删除
func NotFound(collection, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    CodeDocumentNotFound,
		Message: fmt.Sprintf("document %s not found", DocKey(collection, id)),
	}
}

// Timeout 等待锁、总线确认等超过连接级超时
func Timeout(message string, err error) *Error {
	return &Error{Kind: KindTimeout, Code: CodeConnectionTimeout, Message: message, Err: err}
}

// RateLimited 触发限流
func RateLimited() *Error {
	return &Error{Kind: KindRateLimited, Code: CodeRateLimitExceeded, Message: "too many messages"}
}

// Overloaded 连接数超过上限
func Overloaded(message string) *Error {
	return &Error{Kind: KindRateLimited, Code: CodeServerOverloaded, Message: message}
}

// KindOf 取错误分类；非类型化错误视为存储/服务端错误
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

// IsKind 判断错误是否属于某分类
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// AsError 把任意错误转换为类型化错误，用于回写
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return StorageError("internal error", err)
}
