// Package message 消息发送、投递回执与消息变更（编辑/删除/表情回应）
package message

import (
	"context"
	"strings"
	"time"

	"PPChat/module/model"
	"PPChat/service/chat"
	"PPChat/service/storage"
	"PPChat/tools/errs"

	"go.uber.org/zap"
)

// Fanout 下行投递（chat.Hub）
type Fanout interface {
	Broadcast(roomID string, ev model.Outbound, exclude *chat.Session) int
	SendToUser(userID string, ev model.Outbound) int
	Online(userID string) bool
}

// OfflinePusher 没有在线会话的成员生成离线推送记录（kafka）
type OfflinePusher interface {
	PushOffline(ctx context.Context, rec model.OfflinePush) error
}

// ClientIndex (chat, sender, clientId) -> messageId 的快速去重窗口（redis）。
// 只是缓存，最终幂等由存储层唯一索引保证。
type ClientIndex interface {
	Lookup(ctx context.Context, chatID, senderID, clientID string) (messageID string, ok bool, err error)
	Remember(ctx context.Context, chatID, senderID, clientID, messageID string) error
}

const maxContentLen = 64 << 10

type Relay struct {
	store   storage.Store
	hub     Fanout
	pusher  OfflinePusher
	index   ClientIndex
	clock   func() time.Time
	metrics *chat.Metrics
	log     *zap.Logger
}

type RelayOption func(*Relay)

func WithOfflinePusher(p OfflinePusher) RelayOption { return func(r *Relay) { r.pusher = p } }
func WithClientIndex(idx ClientIndex) RelayOption   { return func(r *Relay) { r.index = idx } }
func WithClock(now func() time.Time) RelayOption    { return func(r *Relay) { r.clock = now } }
func WithMetrics(m *chat.Metrics) RelayOption       { return func(r *Relay) { r.metrics = m } }

func NewRelay(store storage.Store, hub Fanout, log *zap.Logger, opts ...RelayOption) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Relay{store: store, hub: hub, clock: time.Now, log: log}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Relay) Register(d *chat.Dispatcher) {
	d.Register(model.EvSubmitMessage, chat.Bind(func(ctx context.Context, sess *chat.Session, req model.SubmitMessageReq) error {
		_, err := r.Submit(ctx, sess, req)
		return err
	}))
}

// Submit 鉴权 -> 落库（幂等）-> 更新未读 -> 房间广播 -> ack 发起会话 -> 离线推送
func (r *Relay) Submit(ctx context.Context, sess *chat.Session, req model.SubmitMessageReq) (*model.Message, error) {
	msg, err := r.submit(ctx, sess, req)
	if err != nil {
		return nil, errs.WithFields(err, "chatId", req.ChatID, "clientId", req.ClientID)
	}
	return msg, nil
}

func (r *Relay) submit(ctx context.Context, sess *chat.Session, req model.SubmitMessageReq) (*model.Message, error) {
	if req.ChatID == "" {
		return nil, errs.ErrBadRequest.WrapMsg("chatId is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, errs.ErrBadRequest.WrapMsg("content is empty")
	}
	if len(req.Content) > maxContentLen {
		return nil, errs.ErrBadRequest.WrapMsg("content too large", "size", len(req.Content))
	}
	if !validType(req.Type) {
		return nil, errs.ErrBadRequest.WrapMsg("unknown message type", "type", req.Type)
	}

	members, err := r.store.FetchChatMembership(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	if !contains(members, sess.UserID) {
		return nil, errs.ErrPermissionDenied.WrapMsg("sender is not a member of chat")
	}

	msg, created, err := r.persist(ctx, sess.UserID, req)
	if err != nil {
		return nil, err
	}
	if msg.ChatID != req.ChatID {
		// 幂等命中了别的会话的消息：绝不能广播到当前房间
		return nil, errs.ErrBadRequest.WrapMsg("clientId already used in another chat", "existingChatId", msg.ChatID)
	}

	var warnings []string
	if created {
		// 消息已持久化：这里失败不影响广播，通过 ack 告知发送方
		if err := r.store.IncrementUnread(ctx, req.ChatID, sess.UserID, msg.ID, msg.CreatedAt); err != nil {
			warnings = append(warnings, model.WarnUnreadNotUpdated)
			r.metrics.SideEffectFailed("increment_unread")
			r.log.Error("increment unread failed",
				zap.String("chat", req.ChatID), zap.String("message", msg.ID), zap.Error(err))
		}
	}

	n := r.hub.Broadcast(msg.ChatID, model.Outbound{Type: model.OutNewMessage, Data: model.NewMessage{Message: msg}}, nil)
	sess.Send(model.OutMessageAck, model.MessageAck{
		ClientID:   req.ClientID,
		MessageID:  msg.ID,
		ServerTime: r.clock(),
		Warnings:   warnings,
	})

	if created {
		r.pushOffline(ctx, msg, members)
	}
	r.log.Debug("message relayed",
		zap.String("chat", req.ChatID),
		zap.String("message", msg.ID),
		zap.String("sender", sess.UserID),
		zap.Bool("created", created),
		zap.Int("fanout", n))
	return msg, nil
}

func (r *Relay) persist(ctx context.Context, senderID string, req model.SubmitMessageReq) (*model.Message, bool, error) {
	if r.index != nil && req.ClientID != "" {
		id, ok, err := r.index.Lookup(ctx, req.ChatID, senderID, req.ClientID)
		if err != nil {
			r.log.Warn("client index lookup failed", zap.String("sender", senderID), zap.Error(err))
		} else if ok {
			msg, err := r.store.GetMessage(ctx, id)
			switch {
			case err != nil:
				// 缓存指向的消息不存在时回落到存储层幂等
				r.log.Warn("client index points to missing message", zap.String("message", id), zap.Error(err))
			case msg.ChatID != req.ChatID || msg.SenderID != senderID:
				r.log.Warn("client index entry does not match request",
					zap.String("message", id), zap.String("chat", req.ChatID), zap.String("indexedChat", msg.ChatID))
			default:
				return msg, false, nil
			}
		}
	}

	msg, created, err := r.store.CreateMessage(ctx, storage.NewMessage{
		ChatID:   req.ChatID,
		SenderID: senderID,
		Type:     req.Type,
		Content:  req.Content,
		ReplyTo:  req.ReplyTo,
		ClientID: req.ClientID,
		At:       r.clock(),
	})
	if err != nil {
		return nil, false, err
	}
	if r.index != nil && req.ClientID != "" {
		if err := r.index.Remember(ctx, req.ChatID, senderID, req.ClientID, msg.ID); err != nil {
			r.log.Warn("client index remember failed", zap.String("message", msg.ID), zap.Error(err))
		}
	}
	return msg, created, nil
}

func (r *Relay) pushOffline(ctx context.Context, msg *model.Message, members []string) {
	if r.pusher == nil {
		return
	}
	for _, m := range members {
		if m == msg.SenderID || r.hub.Online(m) {
			continue
		}
		rec := model.OfflinePush{
			UserID:    m,
			ChatID:    msg.ChatID,
			MessageID: msg.ID,
			SenderID:  msg.SenderID,
			Ts:        msg.CreatedAt,
		}
		if err := r.pusher.PushOffline(ctx, rec); err != nil {
			r.metrics.SideEffectFailed("offline_push")
			r.log.Warn("offline push failed", zap.String("user", m), zap.String("message", msg.ID), zap.Error(err))
		}
	}
}

func validType(t string) bool {
	switch t {
	case "", model.MessageTypeText, model.MessageTypeImage, model.MessageTypeFile,
		model.MessageTypeAudio, model.MessageTypeVideo:
		return true
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
