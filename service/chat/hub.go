package chat

import (
	"context"
	"encoding/json"
	"time"

	"PPChat/module/model"
	"PPChat/service/storage"
	"PPChat/tools/errs"
	"PPChat/tools/safe"

	"go.uber.org/zap"
)

// MembershipSource 成员关系来源（通常就是 storage.Store）
type MembershipSource interface {
	storage.MembershipReader
	FetchUserChats(ctx context.Context, userID string) ([]string, error)
}

// Hub 连接协调器：持有注册表、房间订阅和事件分发。
// 存储相关调用使用服务级 ctx，会话断开不会中断已开始的持久化。
type Hub struct {
	ctx     context.Context
	log     *zap.Logger
	conns   *ConnManager
	rooms   *Rooms
	members MembershipSource
	disp    *Dispatcher
	metrics *Metrics
}

func NewHub(ctx context.Context, members MembershipSource, conf ManagerConf, metrics *Metrics, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		ctx:     ctx,
		log:     log,
		conns:   NewConnManager(conf, log),
		rooms:   NewRooms(),
		members: members,
		disp:    NewDispatcher(),
		metrics: metrics,
	}
	h.disp.Register(model.EvJoinRoom, Bind(func(ctx context.Context, sess *Session, req model.JoinRoomReq) error {
		return h.Join(ctx, sess, req.RoomID)
	}))
	h.disp.Register(model.EvLeaveRoom, Bind(func(ctx context.Context, sess *Session, req model.JoinRoomReq) error {
		return h.Leave(ctx, sess, req.RoomID)
	}))
	h.disp.Register(model.EvPing, func(_ context.Context, sess *Session, _ json.RawMessage) error {
		sess.Send(model.OutPong, model.Pong{ServerTime: time.Now()})
		return nil
	})
	return h
}

func (h *Hub) Context() context.Context  { return h.ctx }
func (h *Hub) Dispatcher() *Dispatcher   { return h.disp }
func (h *Hub) Conns() *ConnManager       { return h.conns }
func (h *Hub) Rooms() *Rooms             { return h.rooms }
func (h *Hub) Metrics() *Metrics         { return h.metrics }
func (h *Hub) AddHooks(hooks ...Hooks)   { h.conns.AddHooks(hooks...) }
func (h *Hub) Online(userID string) bool { return h.conns.Online(userID) }

func (h *Hub) SessionsFor(userID string) []*Session { return h.conns.SessionsFor(userID) }

// Connect 登记会话 -> 按已有会话自动入房 -> 下发 connected
func (h *Hub) Connect(ctx context.Context, sess *Session) error {
	sess.onDrop = func(s *Session) {
		h.metrics.incDropped()
		h.log.Warn("outbound queue full, closing slow session",
			zap.String("session", s.ID), zap.String("user", s.UserID), zap.Int64("dropped", s.Dropped()))
	}
	n, err := h.conns.Register(ctx, sess)
	if err != nil {
		return err
	}
	h.metrics.sessionOpened(n == 1)
	for _, old := range h.conns.Excess(sess.UserID) {
		if old == sess {
			continue
		}
		h.metrics.incEvicted()
		h.log.Info("session evicted by per-user limit", zap.String("session", old.ID), zap.String("user", old.UserID))
		h.Disconnect(ctx, old)
	}

	rooms := h.autoJoin(ctx, sess)
	sess.Send(model.OutConnected, model.Connected{UserID: sess.UserID, SessionID: sess.ID, Rooms: rooms})
	h.log.Debug("session connected", zap.String("session", sess.ID), zap.String("user", sess.UserID), zap.Int("rooms", len(rooms)))
	return nil
}

func (h *Hub) autoJoin(ctx context.Context, sess *Session) []string {
	chats, err := h.members.FetchUserChats(ctx, sess.UserID)
	if err != nil {
		h.log.Warn("fetch user chats failed", zap.String("user", sess.UserID), zap.Error(err))
		sess.Enqueue(ErrorFrame(model.OutConnected, err))
		return []string{}
	}
	joined := make([]string, 0, len(chats))
	for _, c := range chats {
		h.join(sess, c)
		joined = append(joined, c)
	}
	return joined
}

// Disconnect 幂等：关闭会话、退出全部房间、从注册表移除（触发离线/会话关闭回调）
func (h *Hub) Disconnect(ctx context.Context, sess *Session) {
	_ = sess.Close()
	h.rooms.LeaveAll(sess)
	n, removed := h.conns.Unregister(ctx, sess)
	if removed {
		h.metrics.sessionClosed(n == 0)
		h.log.Debug("session disconnected", zap.String("session", sess.ID), zap.String("user", sess.UserID), zap.Int("remaining", n))
	}
}

// CloseAll 停机时断开全部会话，离线钩子照常触发
func (h *Hub) CloseAll(ctx context.Context) int {
	sessions := h.conns.Snapshot()
	for _, sess := range sessions {
		h.Disconnect(ctx, sess)
	}
	return len(sessions)
}

// Serve 按序处理会话的入站事件，直到读端调用 EndInbound；随后走断开流程
func (h *Hub) Serve(sess *Session) {
	defer h.Disconnect(h.ctx, sess)
	for ev := range sess.Inbound() {
		h.Handle(h.ctx, sess, ev)
	}
}

// Handle 处理单条事件。handler 的 panic 被转换为 internal 错误事件，
// 不影响该会话后续事件和其他会话。
func (h *Hub) Handle(ctx context.Context, sess *Session, ev model.Inbound) {
	start := time.Now()
	err := safe.Call(func() error {
		return h.disp.Dispatch(ctx, sess, ev.Type, ev.Data)
	})
	if _, known := h.disp.Handler(ev.Type); known {
		h.metrics.observe(ev.Type, start)
	}
	if err != nil {
		h.reject(sess, ev.Type, err)
	}
}

func (h *Hub) reject(sess *Session, eventType string, err error) {
	frame := ErrorFrame(eventType, err)
	data := frame.Data.(model.ErrorEvent)
	h.metrics.recordError(data.Reason)

	fields := []zap.Field{
		zap.String("session", sess.ID),
		zap.String("user", sess.UserID),
		zap.String("event", eventType),
		zap.Error(err),
	}
	switch data.Code {
	case errs.CodeInternal, errs.CodeTransientStore:
		h.log.Error("event failed", fields...)
	default:
		h.log.Debug("event rejected", fields...)
	}
	sess.Enqueue(frame)
}

// SendToUser 投递到用户的全部在线会话，返回成功入队数
func (h *Hub) SendToUser(userID string, ev model.Outbound) int {
	n := 0
	for _, s := range h.conns.SessionsFor(userID) {
		if s.Enqueue(ev) {
			n++
		}
	}
	return n
}

// Broadcast 投递给房间快照中的所有会话；exclude 非空时跳过该会话
func (h *Hub) Broadcast(roomID string, ev model.Outbound, exclude *Session) int {
	n := 0
	for _, s := range h.rooms.Members(roomID) {
		if s == exclude {
			continue
		}
		if s.Enqueue(ev) {
			n++
		}
	}
	return n
}

func (h *Hub) IsJoined(sess *Session, roomID string) bool { return h.rooms.IsJoined(sess, roomID) }

// Join 需要会话用户是该会话（chat）的成员
func (h *Hub) Join(ctx context.Context, sess *Session, roomID string) error {
	if roomID == "" {
		return errs.ErrBadRequest.WrapMsg("roomId is required")
	}
	ok, err := storage.IsMember(ctx, h.members, roomID, sess.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrPermissionDenied.WrapMsg("not a member of room", "roomId", roomID)
	}
	h.join(sess, roomID)
	sess.Send(model.OutRoomJoined, model.RoomEvent{RoomID: roomID})
	return nil
}

// join 与 Disconnect 并发时，已关闭的会话不会残留在房间里
func (h *Hub) join(sess *Session, roomID string) bool {
	added := h.rooms.Join(sess, roomID)
	if sess.Closed() {
		h.rooms.Leave(sess, roomID)
		return false
	}
	return added
}

func (h *Hub) Leave(_ context.Context, sess *Session, roomID string) error {
	if roomID == "" {
		return errs.ErrBadRequest.WrapMsg("roomId is required")
	}
	h.rooms.Leave(sess, roomID)
	sess.Send(model.OutRoomLeft, model.RoomEvent{RoomID: roomID})
	return nil
}

// PushJoin 成员变更后把用户的所有在线会话加入房间
func (h *Hub) PushJoin(userID, roomID string) int {
	n := 0
	for _, s := range h.conns.SessionsFor(userID) {
		if h.join(s, roomID) {
			s.Send(model.OutRoomJoined, model.RoomEvent{RoomID: roomID})
			n++
		}
	}
	return n
}

func (h *Hub) PushLeave(userID, roomID string) int {
	n := 0
	for _, s := range h.conns.SessionsFor(userID) {
		if h.rooms.Leave(s, roomID) {
			s.Send(model.OutRoomLeft, model.RoomEvent{RoomID: roomID})
			n++
		}
	}
	return n
}
