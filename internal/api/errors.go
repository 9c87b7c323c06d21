package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTokenExpired 401 刷新失败后抛出，替代原始 401 向上传播
	ErrTokenExpired = errors.New("session token expired")
	// ErrRateLimited 重试次数耗尽后的 429
	ErrRateLimited = errors.New("rate limited")
)

// Error 带分类标记的 API 错误，调用方按标记分支处理。
//
// 错误分类：网络 / 传输错误可重试；5xx 可重试；429 按 Retry-After
// 重试；认证错误走刷新后重试一次；其余立即向上传播。
type Error struct {
	StatusCode int    // HTTP 状态码，网络错误时为 0
	Code       string // 服务端返回的业务错误码
	Message    string // 服务端返回的错误信息

	IsNetworkError bool
	IsServerError  bool
	IsClientError  bool

	err error
}

func (e *Error) Error() string {
	switch {
	case e.IsNetworkError:
		return fmt.Sprintf("api: network error: %v", e.err)
	case e.Message != "":
		return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("api: unexpected status %d", e.StatusCode)
	}
}

func (e *Error) Unwrap() error {
	return e.err
}

// newStatusError 按 HTTP 状态码构造分类错误。
func newStatusError(statusCode int, code, message string) *Error {
	return &Error{
		StatusCode:    statusCode,
		Code:          code,
		Message:       message,
		IsServerError: statusCode >= http.StatusInternalServerError,
		IsClientError: statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError,
	}
}

// newNetworkError 包装传输层错误。
func newNetworkError(err error) *Error {
	return &Error{
		IsNetworkError: true,
		err:            err,
	}
}
