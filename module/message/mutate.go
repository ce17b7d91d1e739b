package message

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"PPChat/module/model"
	"PPChat/service/chat"
	"PPChat/service/storage"
	"PPChat/tools/errs"

	"go.uber.org/zap"
)

const (
	DeletedForEveryone = "everyone"
	DeletedForMe       = "me"

	maxEmojiLen = 16
)

// Mutations 已发送消息的编辑、删除和表情回应，都要求操作者仍是会话成员
type Mutations struct {
	store storage.Store
	hub   Fanout
	clock func() time.Time
	log   *zap.Logger
}

func NewMutations(store storage.Store, hub Fanout, log *zap.Logger) *Mutations {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mutations{store: store, hub: hub, clock: time.Now, log: log}
}

func (m *Mutations) Register(d *chat.Dispatcher) {
	d.Register(model.EvEditMessage, chat.Bind(func(ctx context.Context, sess *chat.Session, req model.EditMessageReq) error {
		return m.Edit(ctx, sess.UserID, req)
	}))
	d.Register(model.EvDeleteMessage, chat.Bind(func(ctx context.Context, sess *chat.Session, req model.DeleteMessageReq) error {
		return m.Delete(ctx, sess.UserID, req)
	}))
	d.Register(model.EvAddReaction, chat.Bind(func(ctx context.Context, sess *chat.Session, req model.ReactionReq) error {
		return m.AddReaction(ctx, sess.UserID, req)
	}))
	d.Register(model.EvRemoveReaction, chat.Bind(func(ctx context.Context, sess *chat.Session, req model.ReactionReq) error {
		return m.RemoveReaction(ctx, sess.UserID, req)
	}))
}

// load 取消息并校验成员资格
func (m *Mutations) load(ctx context.Context, messageID, userID string) (*model.Message, error) {
	if messageID == "" {
		return nil, errs.ErrBadRequest.WrapMsg("messageId is required")
	}
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	ok, err := storage.IsMember(ctx, m.store, msg.ChatID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrPermissionDenied.WrapMsg("not a member of chat", "messageId", messageID, "chatId", msg.ChatID)
	}
	return msg, nil
}

// Edit 只有发送者可以编辑，已删除的消息视为不存在
func (m *Mutations) Edit(ctx context.Context, userID string, req model.EditMessageReq) error {
	if strings.TrimSpace(req.Content) == "" {
		return errs.ErrBadRequest.WrapMsg("content is empty", "messageId", req.MessageID)
	}
	if len(req.Content) > maxContentLen {
		return errs.ErrBadRequest.WrapMsg("content too large", "messageId", req.MessageID)
	}
	msg, err := m.load(ctx, req.MessageID, userID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return errs.ErrPermissionDenied.WrapMsg("only the sender can edit", "messageId", req.MessageID)
	}
	if msg.Deleted {
		return errs.ErrNotFound.WrapMsg("message deleted", "messageId", req.MessageID)
	}
	updated, err := m.store.EditMessage(ctx, msg.ID, req.Content, m.clock())
	if err != nil {
		return err
	}
	m.hub.Broadcast(msg.ChatID, model.Outbound{Type: model.OutMessageEdited, Data: model.MessageEdited{Message: updated}}, nil)
	return nil
}

// Delete forEveryone 只允许发送者并通知整个房间；仅自己删除只通知自己的会话
func (m *Mutations) Delete(ctx context.Context, userID string, req model.DeleteMessageReq) error {
	msg, err := m.load(ctx, req.MessageID, userID)
	if err != nil {
		return err
	}
	if req.ForEveryone && msg.SenderID != userID {
		return errs.ErrPermissionDenied.WrapMsg("only the sender can delete for everyone", "messageId", req.MessageID)
	}
	if _, err := m.store.DeleteMessage(ctx, msg.ID, userID, req.ForEveryone, m.clock()); err != nil {
		return err
	}

	ev := model.MessageDeleted{MessageID: msg.ID, ChatID: msg.ChatID, DeletedFor: DeletedForMe}
	if req.ForEveryone {
		ev.DeletedFor = DeletedForEveryone
		m.hub.Broadcast(msg.ChatID, model.Outbound{Type: model.OutMessageDeleted, Data: ev}, nil)
		return nil
	}
	m.hub.SendToUser(userID, model.Outbound{Type: model.OutMessageDeleted, Data: ev})
	return nil
}

// AddReaction 每人每条消息一个表情，重复添加即替换
func (m *Mutations) AddReaction(ctx context.Context, userID string, req model.ReactionReq) error {
	emoji := strings.TrimSpace(req.Emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiLen {
		return errs.ErrBadRequest.WrapMsg("invalid emoji", "messageId", req.MessageID)
	}
	msg, err := m.load(ctx, req.MessageID, userID)
	if err != nil {
		return err
	}
	if _, err := m.store.SetReaction(ctx, msg.ID, userID, emoji, m.clock()); err != nil {
		return err
	}
	m.hub.Broadcast(msg.ChatID, model.Outbound{Type: model.OutReactionAdded, Data: model.ReactionChanged{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		UserID:    userID,
		Emoji:     emoji,
	}}, nil)
	return nil
}

func (m *Mutations) RemoveReaction(ctx context.Context, userID string, req model.ReactionReq) error {
	msg, err := m.load(ctx, req.MessageID, userID)
	if err != nil {
		return err
	}
	_, removed, err := m.store.RemoveReaction(ctx, msg.ID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	m.hub.Broadcast(msg.ChatID, model.Outbound{Type: model.OutReactionRemoved, Data: model.ReactionChanged{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		UserID:    userID,
	}}, nil)
	m.log.Debug("reaction removed", zap.String("message", msg.ID), zap.String("user", userID))
	return nil
}
