package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginChecker 校验 Origin 头；allowed 为空表示不限制，"*" 同样放行所有
type OriginChecker struct {
	allowAll bool
	hosts    map[string]struct{}
}

func NewOriginChecker(allowed []string) *OriginChecker {
	oc := &OriginChecker{hosts: make(map[string]struct{})}
	if len(allowed) == 0 {
		oc.allowAll = true
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "*" {
			oc.allowAll = true
			continue
		}
		if u, err := url.Parse(a); err == nil && u.Host != "" {
			a = u.Host
		}
		oc.hosts[a] = struct{}{}
	}
	return oc
}

// Check 可直接用作 websocket.Upgrader.CheckOrigin
func (oc *OriginChecker) Check(r *http.Request) bool {
	if oc.allowAll {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// 非浏览器客户端
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	_, ok := oc.hosts[strings.ToLower(u.Host)]
	return ok
}

// Origin 在进入 /ws 之前拒绝不被允许的来源
func Origin(oc *OriginChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !oc.Check(c.Request) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}
