package middleware

import (
	"time"

	"PPChat/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccessLog 请求日志；/ws 只记录握手
func AccessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("cost", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// Recovery 把 handler panic 转为 500，并记录堆栈
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("http panic", zap.String("path", c.Request.URL.Path), zap.Error(errs.ErrPanic(r)), zap.Stack("stack"))
				c.AbortWithStatusJSON(500, gin.H{"reason": "internal", "code": errs.CodeInternal})
			}
		}()
		c.Next()
	}
}
