// Package signal 不落库的临时信令：正在输入、音视频通话协商
package signal

import (
	"context"
	"sync"

	"PPChat/module/model"
	"PPChat/service/chat"

	"go.uber.org/zap"
)

// RoomFanout 房间广播（chat.Hub）
type RoomFanout interface {
	IsJoined(sess *chat.Session, roomID string) bool
	Broadcast(roomID string, ev model.Outbound, exclude *chat.Session) int
}

// Typing 输入状态没有服务端定时器：只随 stop、会话关闭或回收清除。
// 任何情况下都不向发送方报错。
type Typing struct {
	chat.NopHooks

	hub RoomFanout
	log *zap.Logger

	mu        sync.Mutex
	rooms     map[string]map[string]string   // roomID -> userID -> 持有的 sessionID
	bySession map[string]map[string]struct{} // sessionID -> roomIDs
}

func NewTyping(hub RoomFanout, log *zap.Logger) *Typing {
	if log == nil {
		log = zap.NewNop()
	}
	return &Typing{
		hub:       hub,
		log:       log,
		rooms:     make(map[string]map[string]string),
		bySession: make(map[string]map[string]struct{}),
	}
}

func (t *Typing) Register(d *chat.Dispatcher) {
	d.Register(model.EvTypingStart, chat.Bind(func(ctx context.Context, sess *chat.Session, req model.TypingReq) error {
		t.Start(ctx, sess, req.ChatID)
		return nil
	}))
	d.Register(model.EvTypingStop, chat.Bind(func(ctx context.Context, sess *chat.Session, req model.TypingReq) error {
		t.Stop(ctx, sess, req.ChatID)
		return nil
	}))
}

// Start 未加入房间的会话静默忽略
func (t *Typing) Start(_ context.Context, sess *chat.Session, chatID string) {
	if chatID == "" || !t.hub.IsJoined(sess, chatID) {
		t.log.Debug("typing ignored", zap.String("session", sess.ID), zap.String("chat", chatID))
		return
	}
	t.mu.Lock()
	users := t.rooms[chatID]
	if users == nil {
		users = make(map[string]string)
		t.rooms[chatID] = users
	}
	if prev, ok := users[sess.UserID]; ok && prev != sess.ID {
		t.unindex(prev, chatID)
	}
	users[sess.UserID] = sess.ID
	if t.bySession[sess.ID] == nil {
		t.bySession[sess.ID] = make(map[string]struct{})
	}
	t.bySession[sess.ID][chatID] = struct{}{}
	t.mu.Unlock()

	t.emit(chatID, sess.UserID, true, sess)
}

func (t *Typing) Stop(_ context.Context, sess *chat.Session, chatID string) {
	if chatID == "" || !t.hub.IsJoined(sess, chatID) {
		return
	}
	t.mu.Lock()
	if owner, ok := t.rooms[chatID][sess.UserID]; ok {
		t.clear(chatID, sess.UserID, owner)
	}
	t.mu.Unlock()

	t.emit(chatID, sess.UserID, false, sess)
}

// SessionClosed 清除该会话持有的输入状态，并通知房间停止输入
func (t *Typing) SessionClosed(_ context.Context, sess *chat.Session) {
	t.mu.Lock()
	var stopped []string
	for chatID := range t.bySession[sess.ID] {
		if t.rooms[chatID][sess.UserID] == sess.ID {
			stopped = append(stopped, chatID)
		}
	}
	for _, chatID := range stopped {
		t.clear(chatID, sess.UserID, sess.ID)
	}
	delete(t.bySession, sess.ID)
	t.mu.Unlock()

	for _, chatID := range stopped {
		t.emit(chatID, sess.UserID, false, sess)
	}
}

// IsTyping 当前是否有该用户的输入状态
func (t *Typing) IsTyping(chatID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rooms[chatID][userID]
	return ok
}

// clear 需持有 t.mu
func (t *Typing) clear(chatID, userID, sessionID string) {
	if users := t.rooms[chatID]; users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.rooms, chatID)
		}
	}
	t.unindex(sessionID, chatID)
}

func (t *Typing) unindex(sessionID, chatID string) {
	if idx := t.bySession[sessionID]; idx != nil {
		delete(idx, chatID)
		if len(idx) == 0 {
			delete(t.bySession, sessionID)
		}
	}
}

func (t *Typing) emit(chatID, userID string, typing bool, exclude *chat.Session) {
	t.hub.Broadcast(chatID, model.Outbound{Type: model.OutTyping, Data: model.Typing{
		UserID:   userID,
		ChatID:   chatID,
		IsTyping: typing,
	}}, exclude)
}
