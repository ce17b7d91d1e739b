package chat

import (
	"net/http"

	mid "PPChat/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Routes struct {
	WS       *WSServer
	Auth     gin.HandlerFunc // security.Middleware
	Origin   gin.HandlerFunc
	Gatherer prometheus.Gatherer
	Presence gin.HandlerFunc // GET /presence/:user
}

func (h *Hub) RegisterRoutes(r gin.IRouter, rt Routes) {
	if rt.WS != nil {
		handlers := make([]gin.HandlerFunc, 0, 3)
		if rt.Origin != nil {
			handlers = append(handlers, rt.Origin)
		}
		if rt.Auth != nil {
			handlers = append(handlers, rt.Auth)
		}
		r.GET("/ws", append(handlers, rt.WS.HandleWS)...)
	}

	r.GET("/healthz", h.handleHealth)

	if rt.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(rt.Gatherer, promhttp.HandlerOpts{})))
	}
	if rt.Presence != nil {
		mid.GET(r, "/presence/:user", rt.Presence, mid.RouteOpt{Auth: rt.Auth})
	}
}

func (h *Hub) handleHealth(c *gin.Context) {
	sessions, users := h.conns.Count()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": sessions,
		"users":    users,
		"rooms":    h.rooms.Count(),
	})
}
