package http

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/internal/interfaces/http/handlers"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

// 身份由上游认证网关注入的请求头
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	HeaderOfficeID = "X-Office-ID"
)

// HeaderRequestID 请求追踪 ID，缺省时由服务端生成并回写
const HeaderRequestID = "X-Request-ID"

// identityMiddleware 从请求头解析身份；缺少用户或角色非法时拒绝
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, handlers.ErrorResponse{
				Code:    errors.CodePermissionDenied,
				Message: "missing " + HeaderUserID + " header",
			})
			return
		}
		role, ok := valueobject.ParseGlobalRole(c.GetHeader(HeaderUserRole))
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, handlers.ErrorResponse{
				Code:    errors.CodeInvalidArgument,
				Message: "unknown role " + c.GetHeader(HeaderUserRole),
			})
			return
		}
		identity := valueobject.NewIdentity(userID, role, strings.TrimSpace(c.GetHeader(HeaderOfficeID)))
		c.Set(handlers.IdentityKey, identity)
		c.Next()
	}
}

// RequestObserver HTTP 指标上报
type RequestObserver interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
}

// ginLogger 请求日志与指标中间件
func ginLogger(logger *zap.Logger, observer RequestObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		ctx := service.WithTraceID(c.Request.Context(), c.GetHeader(HeaderRequestID))
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderRequestID, service.TraceIDFromContext(ctx))
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		if observer != nil {
			observer.ObserveHTTP(c.Request.Method, c.FullPath(), statusCode, latency)
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
			service.TraceField(ctx),
		}
		if id := handlers.IdentityFrom(c); !id.IsZero() {
			fields = append(fields, zap.String("user_id", id.UserID()))
		}
		if statusCode >= http.StatusInternalServerError {
			logger.Warn("HTTP request", fields...)
			return
		}
		logger.Info("HTTP request", fields...)
	}
}

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool 按用户划分的令牌桶，闲置条目定期清理
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   float64
	burst int
	ttl   time.Duration
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	return &limiterPool{
		m:     make(map[string]*limiterEntry),
		rps:   rps,
		burst: burst,
		ttl:   10 * time.Minute,
	}
}

// Allow 判断 key 是否还有令牌
func (p *limiterPool) Allow(key string) bool {
	p.mu.Lock()
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = e
	}
	e.lastSeen = time.Now()
	p.mu.Unlock()
	return e.l.Allow()
}

// cleanupLoop 清理超过 ttl 未使用的条目，ctx 取消后退出
func (p *limiterPool) cleanupLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.ttl)
			p.mu.Lock()
			for k, e := range p.m {
				if e.lastSeen.Before(cutoff) {
					delete(p.m, k)
				}
			}
			p.mu.Unlock()
		}
	}
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// rateLimitMiddleware 仅限制写请求；超限返回 429
func rateLimitMiddleware(pool *limiterPool, onLimited func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}
		key := handlers.IdentityFrom(c).UserID()
		if key == "" {
			key = c.ClientIP()
		}
		if !pool.Allow(key) {
			if onLimited != nil {
				onLimited()
			}
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, handlers.ErrorResponse{
				Code:    errors.CodeUnavailable,
				Message: "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
