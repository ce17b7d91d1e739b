package security

import (
	"context"
	"net/http"
	"strings"

	"PPChat/tools/errs"

	"github.com/gin-gonic/gin"
)

// context key
// 后续 handler 统一用 CtxUserKey 读取已认证的 userID
const (
	CtxUserKey   = "userId"
	CtxAuthKey   = "authorization"
	QueryToken   = "token"
	HeaderToken  = "authorization"
	bearerPrefix = "bearer "
)

// Authenticator 连接/请求级别的令牌校验
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

type Options struct {
	HeaderToken string // 默认 "authorization"
	// 浏览器 WebSocket 无法自定义 header，允许 ?token= 传参
	AllowQueryToken bool
}

func DefaultOptions() *Options {
	return &Options{HeaderToken: HeaderToken, AllowQueryToken: true}
}

// Middleware 校验令牌，成功后把 userID 写入 context；失败返回 401 + error 事件体
func Middleware(auth Authenticator, opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	return func(c *gin.Context) {
		token := ExtractToken(c, opts)
		userID, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			ce, ok := errs.As(err)
			if !ok {
				ce = errs.NewCodeError(errs.CodeUnauthorized, "unauthorized", "authentication failed")
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"reason":  ce.Reason,
				"code":    ce.Code,
				"message": ce.Msg,
			})
			return
		}
		c.Set(CtxAuthKey, token)
		c.Set(CtxUserKey, userID)
		c.Next()
	}
}

// ExtractToken 依次读取自定义 header、Authorization: Bearer、?token=
func ExtractToken(c *gin.Context, opts *Options) string {
	token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
	if token != "" && !strings.HasPrefix(strings.ToLower(token), bearerPrefix) {
		return token
	}
	// 兼容 Authorization: Bearer xxx
	if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
		if strings.HasPrefix(strings.ToLower(authz), bearerPrefix) {
			return strings.TrimSpace(authz[len(bearerPrefix):])
		}
	}
	if opts.AllowQueryToken {
		return strings.TrimSpace(c.Query(QueryToken))
	}
	return ""
}

// UserID 读取 Middleware 写入的 userID
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserKey)
}
