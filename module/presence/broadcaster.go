// Package presence 在线状态广播：用户 0->1 / 1->0 会话数变化时通知其联系人
package presence

import (
	"context"
	"net/http"
	"sync"
	"time"

	"PPChat/module/model"
	"PPChat/service/chat"
	predis "PPChat/service/storage/redis"
	"PPChat/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Sender 本节点的会话投递能力（chat.Hub）
type Sender interface {
	SendToUser(userID string, ev model.Outbound) int
	Online(userID string) bool
}

type ContactSource interface {
	FetchContacts(ctx context.Context, userID string) ([]string, error)
}

// Mirror 跨节点在线状态镜像（redis）
type Mirror interface {
	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string, lastSeen time.Time) error
	Lookup(ctx context.Context, userID string) (predis.Status, error)
}

// Publisher 在线状态变化广播到总线（nats）
type Publisher interface {
	PublishPresence(ctx context.Context, ev model.PresenceEvent) error
}

type Broadcaster struct {
	chat.NopHooks

	sender   Sender
	contacts ContactSource
	mirror   Mirror
	pub      Publisher
	nodeID   string
	log      *zap.Logger
	lookups  singleflight.Group // 同一用户的并发查询合并为一次 redis 往返

	mu       sync.RWMutex
	lastSeen map[string]time.Time // 无 mirror 时的本地兜底
}

type Option func(*Broadcaster)

func WithMirror(m Mirror) Option       { return func(b *Broadcaster) { b.mirror = m } }
func WithPublisher(p Publisher) Option { return func(b *Broadcaster) { b.pub = p } }
func WithNodeID(id string) Option      { return func(b *Broadcaster) { b.nodeID = id } }

func NewBroadcaster(sender Sender, contacts ContactSource, log *zap.Logger, opts ...Option) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Broadcaster{
		sender:   sender,
		contacts: contacts,
		log:      log,
		lastSeen: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// UserOnline 在该用户的临界区内被调用；任何失败只记日志
func (b *Broadcaster) UserOnline(ctx context.Context, userID string) {
	if b.mirror != nil {
		if err := b.mirror.MarkOnline(ctx, userID); err != nil {
			b.log.Warn("presence mirror online failed", zap.String("user", userID), zap.Error(err))
		}
	}
	n := b.notify(ctx, userID, model.Outbound{
		Type: model.OutPresenceOnline,
		Data: model.PresenceOnline{UserID: userID},
	})
	b.publish(ctx, model.PresenceEvent{UserID: userID, NodeID: b.nodeID, Online: true, At: time.Now()})
	b.log.Debug("user online", zap.String("user", userID), zap.Int("notified", n))
}

func (b *Broadcaster) UserOffline(ctx context.Context, userID string, lastSeen time.Time) {
	b.mu.Lock()
	b.lastSeen[userID] = lastSeen
	b.mu.Unlock()

	if b.mirror != nil {
		if err := b.mirror.MarkOffline(ctx, userID, lastSeen); err != nil {
			b.log.Warn("presence mirror offline failed", zap.String("user", userID), zap.Error(err))
		}
	}
	n := b.notify(ctx, userID, model.Outbound{
		Type: model.OutPresenceOffline,
		Data: model.PresenceOffline{UserID: userID, LastSeen: lastSeen},
	})
	b.publish(ctx, model.PresenceEvent{UserID: userID, NodeID: b.nodeID, Online: false, At: lastSeen})
	b.log.Debug("user offline", zap.String("user", userID), zap.Int("notified", n))
}

// notify 联系人没有在线会话时静默跳过
func (b *Broadcaster) notify(ctx context.Context, userID string, ev model.Outbound) int {
	contacts, err := b.contacts.FetchContacts(ctx, userID)
	if err != nil {
		b.log.Warn("fetch contacts failed", zap.String("user", userID), zap.Error(err))
		return 0
	}
	n := 0
	for _, c := range contacts {
		if c == userID {
			continue
		}
		n += b.sender.SendToUser(c, ev)
	}
	return n
}

func (b *Broadcaster) publish(ctx context.Context, ev model.PresenceEvent) {
	if b.pub == nil {
		return
	}
	if err := b.pub.PublishPresence(ctx, ev); err != nil {
		b.log.Warn("publish presence failed", zap.String("user", ev.UserID), zap.Bool("online", ev.Online), zap.Error(err))
	}
}

// Status 本节点在线优先，其次查镜像（其他节点上的会话），最后用本地 lastSeen
func (b *Broadcaster) Status(ctx context.Context, userID string) (predis.Status, error) {
	if userID == "" {
		return predis.Status{}, errs.ErrBadRequest.WrapMsg("user is required")
	}
	var st predis.Status
	if b.mirror != nil {
		v, err, _ := b.lookups.Do(userID, func() (any, error) {
			return b.mirror.Lookup(ctx, userID)
		})
		if err != nil {
			return predis.Status{}, errs.Transient(err, "presence lookup")
		}
		st = v.(predis.Status)
	}
	if b.sender.Online(userID) {
		st.Online = true
		if st.NodeID == "" {
			st.NodeID = b.nodeID
		}
	}
	if st.LastSeen.IsZero() {
		b.mu.RLock()
		st.LastSeen = b.lastSeen[userID]
		b.mu.RUnlock()
	}
	return st, nil
}

type statusResp struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// HandleStatus GET /presence/:user
func (b *Broadcaster) HandleStatus(c *gin.Context) {
	userID := c.Param("user")
	st, err := b.Status(c.Request.Context(), userID)
	if err != nil {
		ce, ok := errs.As(err)
		if !ok {
			ce = errs.ErrInternal
		}
		b.log.Info("presence lookup failed", zap.String("user", userID), zap.Error(err))
		c.AbortWithStatusJSON(ce.Code, gin.H{
			"reason":  ce.Reason,
			"code":    ce.Code,
			"message": ce.Msg,
		})
		return
	}
	resp := statusResp{UserID: userID, Online: st.Online}
	if !st.Online && !st.LastSeen.IsZero() {
		ls := st.LastSeen
		resp.LastSeen = &ls
	}
	c.JSON(http.StatusOK, resp)
}
