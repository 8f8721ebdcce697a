package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

// IdentityKey gin 上下文中的请求身份键
const IdentityKey = "messaging.identity"

// ErrorResponse 错误响应体
type ErrorResponse struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// StatusOf 将错误码映射为 HTTP 状态码
func StatusOf(err error) int {
	switch errors.CodeOf(err) {
	case errors.CodeInvalidArgument:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodePermissionDenied:
		return http.StatusForbidden
	case errors.CodeAlreadyExists, errors.CodeConflict:
		return http.StatusConflict
	case errors.CodeInvariantViolation, errors.CodeInvalidOperation:
		return http.StatusUnprocessableEntity
	case errors.CodeTimeout:
		return http.StatusGatewayTimeout
	case errors.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError 写入错误响应；5xx 记录日志且不暴露内部原因
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status := StatusOf(err)
	body := ErrorResponse{Code: errors.CodeOf(err), Message: errors.MessageOf(err)}
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			body.Message = "internal error"
		}
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Code:    errors.CodeInvalidArgument,
		Message: err.Error(),
	})
}

// IdentityFrom 读取中间件写入的请求身份
func IdentityFrom(c *gin.Context) valueobject.Identity {
	if v, ok := c.Get(IdentityKey); ok {
		if id, ok := v.(valueobject.Identity); ok {
			return id
		}
	}
	return valueobject.Identity{}
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewInvalidArgumentError("invalid " + key)
	}
	return v, nil
}

func queryInt64(c *gin.Context, key string) (int64, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.NewInvalidArgumentError("invalid " + key)
	}
	return v, nil
}

func queryBool(c *gin.Context, key string) bool {
	v, _ := strconv.ParseBool(c.Query(key))
	return v
}

// queryTime 解析 RFC3339 时间参数，缺省返回 nil
func queryTime(c *gin.Context, key string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.NewInvalidArgumentError("invalid " + key + ": expected RFC3339")
	}
	return &t, nil
}

// OutcomeView 批量操作单项结果
type OutcomeView struct {
	ID       string           `json:"id"`
	ResultID string           `json:"result_id,omitempty"`
	OK       bool             `json:"ok"`
	Code     errors.ErrorCode `json:"code,omitempty"`
	Message  string           `json:"message,omitempty"`
}
