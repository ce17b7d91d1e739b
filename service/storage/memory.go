package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"PPChat/module/model"
	"PPChat/tools/errs"
	"PPChat/tools/ids"
)

// Memory 进程内实现：单机开发 / 单测使用，语义与 mgo、pg 一致
type Memory struct {
	mu       sync.RWMutex
	chats    map[string]*model.Chat
	contacts map[string][]string
	messages map[string]*model.Message
	byClient map[string]string // chatID|senderID|clientID -> messageID
	idGen    *ids.Generator
}

func NewMemory() *Memory {
	return &Memory{
		chats:    make(map[string]*model.Chat),
		contacts: make(map[string][]string),
		messages: make(map[string]*model.Message),
		byClient: make(map[string]string),
		idGen:    ids.NewGenerator(1),
	}
}

// PutChat 写入/覆盖会话记录（测试与本地种子数据）
func (m *Memory) PutChat(c model.Chat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	cp.Participants = append([]model.Participant(nil), c.Participants...)
	m.chats[c.ID] = &cp
}

// Chat 返回会话副本
func (m *Memory) Chat(chatID string) (model.Chat, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[chatID]
	if !ok {
		return model.Chat{}, false
	}
	cp := *c
	cp.Participants = append([]model.Participant(nil), c.Participants...)
	return cp, true
}

func (m *Memory) PutContacts(userID string, contacts ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[userID] = append([]string(nil), contacts...)
}

func clientKey(in NewMessage) string { return in.ChatID + "|" + in.SenderID + "|" + in.ClientID }

func (m *Memory) CreateMessage(_ context.Context, in NewMessage) (*model.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if in.ClientID != "" {
		if id, ok := m.byClient[clientKey(in)]; ok {
			return m.messages[id].Clone(), false, nil
		}
	}
	at := in.At
	if at.IsZero() {
		at = time.Now()
	}
	typ := in.Type
	if typ == "" {
		typ = model.MessageTypeText
	}
	msg := &model.Message{
		ID:          m.idGen.NextString(),
		ChatID:      in.ChatID,
		SenderID:    in.SenderID,
		Type:        typ,
		Content:     in.Content,
		ReplyTo:     in.ReplyTo,
		ClientID:    in.ClientID,
		Status:      model.Status{Sent: true, SentAt: at},
		DeliveredTo: []model.Receipt{},
		ReadBy:      []model.Receipt{},
		CreatedAt:   at,
	}
	m.messages[msg.ID] = msg
	if in.ClientID != "" {
		m.byClient[clientKey(in)] = msg.ID
	}
	return msg.Clone(), true, nil
}

func (m *Memory) GetMessage(_ context.Context, messageID string) (*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	return msg.Clone(), nil
}

func (m *Memory) AppendDeliveryReceipt(_ context.Context, messageID, userID string, at time.Time) (ReceiptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return ReceiptResult{}, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	if _, exists := msg.DeliveredReceipt(userID); exists {
		return ReceiptResult{Message: msg.Clone()}, nil
	}
	msg.DeliveredTo = append(msg.DeliveredTo, model.Receipt{UserID: userID, At: at})
	msg.Status.Delivered = true
	msg.Status.DeliveredAt = earliest(msg.Status.DeliveredAt, at)
	return ReceiptResult{Message: msg.Clone(), Added: true}, nil
}

func (m *Memory) AppendReadReceipt(_ context.Context, messageID, userID string, at time.Time) (ReceiptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return ReceiptResult{}, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	if _, exists := msg.ReadReceipt(userID); exists {
		return ReceiptResult{Message: msg.Clone()}, nil
	}
	msg.ReadBy = append(msg.ReadBy, model.Receipt{UserID: userID, At: at})
	msg.Status.Read = true
	msg.Status.ReadAt = earliest(msg.Status.ReadAt, at)
	return ReceiptResult{Message: msg.Clone(), Added: true}, nil
}

func earliest(cur *time.Time, at time.Time) *time.Time {
	if cur != nil && !at.Before(*cur) {
		return cur
	}
	t := at
	return &t
}

func (m *Memory) EditMessage(_ context.Context, messageID, content string, at time.Time) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok || msg.Deleted {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	msg.Content = content
	msg.Edited = true
	t := at
	msg.EditedAt = &t
	return msg.Clone(), nil
}

func (m *Memory) DeleteMessage(_ context.Context, messageID, userID string, forEveryone bool, at time.Time) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	if forEveryone {
		if !msg.Deleted {
			msg.Deleted = true
			msg.Content = ""
			t := at
			msg.DeletedAt = &t
		}
		return msg.Clone(), nil
	}
	for _, u := range msg.DeletedFor {
		if u == userID {
			return msg.Clone(), nil
		}
	}
	msg.DeletedFor = append(msg.DeletedFor, userID)
	return msg.Clone(), nil
}

func (m *Memory) SetReaction(_ context.Context, messageID, userID, emoji string, at time.Time) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok || msg.Deleted {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	for i := range msg.Reactions {
		if msg.Reactions[i].UserID == userID {
			msg.Reactions[i].Emoji = emoji
			msg.Reactions[i].CreatedAt = at
			return msg.Clone(), nil
		}
	}
	msg.Reactions = append(msg.Reactions, model.Reaction{UserID: userID, Emoji: emoji, CreatedAt: at})
	return msg.Clone(), nil
}

func (m *Memory) RemoveReaction(_ context.Context, messageID, userID string) (*model.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, false, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	for i := range msg.Reactions {
		if msg.Reactions[i].UserID == userID {
			msg.Reactions = append(msg.Reactions[:i], msg.Reactions[i+1:]...)
			return msg.Clone(), true, nil
		}
	}
	return msg.Clone(), false, nil
}

func (m *Memory) FetchChatMembership(_ context.Context, chatID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[chatID]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("chat not found", "chatId", chatID)
	}
	return c.MemberIDs(), nil
}

func (m *Memory) FetchUserChats(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, c := range m.chats {
		if c.IsParticipant(userID) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) FetchContacts(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.contacts[userID]...), nil
}

func (m *Memory) IncrementUnread(_ context.Context, chatID, senderID, lastMessageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return errs.ErrNotFound.WrapMsg("chat not found", "chatId", chatID)
	}
	for i := range c.Participants {
		if c.Participants[i].UserID != senderID {
			c.Participants[i].UnreadCount++
		}
	}
	c.LastMessage = lastMessageID
	c.LastActivity = at
	return nil
}

func (m *Memory) ResetUnread(_ context.Context, chatID, userID, lastReadMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return errs.ErrNotFound.WrapMsg("chat not found", "chatId", chatID)
	}
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			c.Participants[i].UnreadCount = 0
			c.Participants[i].LastReadMessage = lastReadMessageID
			return nil
		}
	}
	return nil
}

func (m *Memory) Close(context.Context) error { return nil }

var _ Store = (*Memory)(nil)
