package domain

import "encoding/json"

// Envelope 是 REST API 的统一响应结构 {success, data, error?}。
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody 是响应中的错误载荷。
type ErrorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
