package chat

import (
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"PPChat/middleware/security"
	"PPChat/module/model"
	"PPChat/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WSConf struct {
	QueueSize    int
	ReadLimit    int64
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	CheckOrigin  func(r *http.Request) bool
}

func (c *WSConf) norm() {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// wsTransport 读/写任一方向失败即视为断开，回收器据此判定
type wsTransport struct {
	conn *websocket.Conn
	up   atomic.Bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	t := &wsTransport{conn: conn}
	t.up.Store(true)
	return t
}

func (t *wsTransport) Connected() bool { return t.up.Load() }

func (t *wsTransport) Close() error {
	t.up.Store(false)
	return t.conn.Close()
}

type WSServer struct {
	hub      *Hub
	conf     WSConf
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewWSServer(hub *Hub, conf WSConf, log *zap.Logger) *WSServer {
	conf.norm()
	if log == nil {
		log = zap.NewNop()
	}
	return &WSServer{
		hub:  hub,
		conf: conf,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     conf.CheckOrigin,
		},
		log: log,
	}
}

// HandleWS 需挂在 security.Middleware 之后：令牌只在握手时校验一次
func (s *WSServer) HandleWS(c *gin.Context) {
	userID := security.UserID(c)
	if userID == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败；Upgrade 已写回错误响应
		s.log.Info("upgrade websocket failed", zap.String("user", userID), zap.Error(err))
		return
	}

	t := newWSTransport(ws)
	sess := NewSession(ids.GenerateString(), userID, t, s.conf.QueueSize)
	if err := s.hub.Connect(s.hub.Context(), sess); err != nil {
		s.log.Warn("register session failed", zap.String("user", userID), zap.Error(err))
		_ = t.Close()
		return
	}

	go s.writePump(sess, t)
	go s.hub.Serve(sess)
	s.readPump(sess, t)
}

// readPump 只读不写；出错即退出，处理协程排空后走断开流程
func (s *WSServer) readPump(sess *Session, t *wsTransport) {
	defer sess.EndInbound()
	ws := t.conn
	ws.SetReadLimit(s.conf.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			t.up.Store(false)
			s.logReadErr(sess, err)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		in, perr := ParseFrame(data)
		if perr != nil {
			sess.Enqueue(ErrorFrame("", perr))
			continue
		}
		if !sess.Deliver(in) {
			return
		}
	}
}

func (s *WSServer) logReadErr(sess *Session, err error) {
	fields := []zap.Field{zap.String("session", sess.ID), zap.String("user", sess.UserID), zap.Error(err)}
	var ne net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.log.Debug("peer closed", fields...)
	case errors.As(err, &ne) && ne.Timeout():
		s.log.Info("read timeout", fields...)
	case sess.Closed():
		// 本端主动关闭
	default:
		s.log.Info("read error", fields...)
	}
}

// writePump 唯一的写者：业务帧 + 保活 ping
func (s *WSServer) writePump(sess *Session, t *wsTransport) {
	ws := t.conn
	ticker := time.NewTicker(s.conf.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.Done():
			return
		case ev := <-sess.Outbound():
			if err := s.write(ws, ev); err != nil {
				s.log.Info("write failed", zap.String("session", sess.ID), zap.String("event", ev.Type), zap.Error(err))
				_ = t.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = t.Close()
				return
			}
		}
	}
}

func (s *WSServer) write(ws *websocket.Conn, ev model.Outbound) error {
	data, err := EncodeFrame(ev)
	if err != nil {
		// 编码失败只丢这一帧
		s.log.Error("encode outbound frame failed", zap.String("event", ev.Type), zap.Error(err))
		return nil
	}
	if err := ws.SetWriteDeadline(time.Now().Add(s.conf.WriteWait)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}
