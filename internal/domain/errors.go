// Package domain 定义了 CDP 函数引擎的核心领域模型。
package domain

import (
	"errors"
	"fmt"
)

// 领域错误定义
// 这些错误用于在应用程序的不同层之间传递业务逻辑相关的错误信息。
// 错误分类与错误处理策略一一对应：配置错误跳过单个函数、执行错误终止
// 单次调用、预算超限单独分类、解码错误进入死信队列。

var (
	// ========== 函数配置相关错误 ==========

	// ErrFunctionNotFound 表示请求的函数不存在（或已被禁用后卸载）
	ErrFunctionNotFound = errors.New("hog function not found")
	// ErrInvalidBytecode 表示函数字节码无效（为空或格式错误）
	ErrInvalidBytecode = errors.New("invalid function bytecode")
	// ErrInvalidFilters 表示函数过滤器定义无法解析
	ErrInvalidFilters = errors.New("invalid function filters")

	// ========== 调用相关错误 ==========

	// ErrInvocationErrored 表示调用因函数逻辑故障而终止
	ErrInvocationErrored = errors.New("invocation errored")
	// ErrBudgetExceeded 表示调用超出步数或时间预算后被放弃
	ErrBudgetExceeded = errors.New("invocation budget exceeded")
	// ErrNotSuspended 表示尝试恢复一个未处于挂起状态的调用
	ErrNotSuspended = errors.New("invocation is not suspended")

	// ========== 编解码相关错误 ==========

	// ErrDecode 表示压缩载荷帧格式非法，无法解码
	ErrDecode = errors.New("malformed compressed payload")

	// ========== 存储/队列相关错误 ==========

	// ErrStorageConnection 表示存储连接错误（如数据库连接失败）
	ErrStorageConnection = errors.New("storage connection error")
	// ErrQueueClosed 表示消息队列连接已关闭
	ErrQueueClosed = errors.New("queue connection closed")
)

// FetchErrorKind 表示外部调用失败的分类。
type FetchErrorKind string

const (
	// FetchErrorTimeout 表示外部调用超时
	FetchErrorTimeout FetchErrorKind = "timeout"
	// FetchErrorConnection 表示外部调用传输层失败（连接被拒、DNS 失败等）
	FetchErrorConnection FetchErrorKind = "connection"
)

// FetchError 表示外部 HTTP 调用的类型化错误。
// 注意：非 2xx 响应不是 FetchError，它是一个有效但不成功的响应，
// 是否视为失败由函数逻辑自行决定。
type FetchError struct {
	// Kind 是失败分类（timeout / connection）
	Kind FetchErrorKind
	// URL 是失败的目标地址
	URL string
	// Err 是底层错误
	Err error
}

// Error 实现 error 接口。
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed (%s): %v", e.URL, e.Kind, e.Err)
}

// Unwrap 返回底层错误，支持 errors.Is/As 链式判断。
func (e *FetchError) Unwrap() error {
	return e.Err
}

// DecodeError 表示延续载荷解码失败。
// 携带此错误的消息不应被重新入队（会无限循环），而是路由到死信队列。
type DecodeError struct {
	// Err 是底层解码错误
	Err error
}

// Error 实现 error 接口。
func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %v", ErrDecode, e.Err)
}

// Unwrap 使 errors.Is(err, ErrDecode) 成立。
func (e *DecodeError) Unwrap() error {
	return ErrDecode
}
