package devserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tempmail/client/internal/domain"
)

// respond 按 {success, data, error?} 信封写出响应。
func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"success": true,
		"data":    data,
	})
}

// success 成功响应（200）
func success(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, data)
}

// created 创建成功响应（201）
func created(c *gin.Context, data interface{}) {
	respond(c, http.StatusCreated, data)
}

// fail 错误响应
func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error": &domain.ErrorBody{
			Code:    code,
			Message: message,
		},
	})
}
